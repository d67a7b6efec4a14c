package vendorsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/cabinet-server/internal/config"
	redisstore "github.com/taoyao-code/cabinet-server/internal/storage/redis"
)

// ErrAuth 厂商平台拒绝当前令牌（401/403）。调用方应作废缓存令牌后重试一次。
var ErrAuth = errors.New("vendor rejected token")

// VendorCabinet 厂商目录中的机柜条目
type VendorCabinet struct {
	CabinetID string `json:"cabinetId"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	Model     string `json:"model"`
	Online    bool   `json:"online"`
}

// vendorEnvelope 厂商应答的统一外壳
type vendorEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Client 厂商平台 HTTP 客户端：令牌登录、目录分页拉取、远程指令。
// 令牌在内存缓存并可选写入 Redis（多副本共享）；过期或被拒后重新登录。
type Client struct {
	cfg     config.VendorConfig
	http    *http.Client
	logger  *zap.Logger
	breaker *Breaker
	tokens  *redisstore.TokenCache

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewClient 创建厂商客户端。tokens 可为 nil（不共享令牌）。
func NewClient(cfg config.VendorConfig, logger *zap.Logger, tokens *redisstore.TokenCache) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
		breaker: NewBreaker(3, 30*time.Second),
		tokens:  tokens,
	}
}

// Token 返回可用令牌，必要时重新登录
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}
	if c.tokens != nil {
		if tok, err := c.tokens.Get(ctx); err == nil && tok != "" {
			c.token = tok
			c.tokenExp = time.Now().Add(time.Minute)
			return tok, nil
		}
	}
	return c.loginLocked(ctx)
}

// loginLocked 登录换取令牌，调用方必须持有 c.mu
func (c *Client) loginLocked(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
	})
	var result struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expiresIn"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/login", "", bytes.NewReader(body), &result); err != nil {
		return "", fmt.Errorf("vendor login: %w", err)
	}
	if result.Token == "" {
		return "", fmt.Errorf("vendor login: empty token")
	}
	ttl := time.Duration(result.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	c.token = result.Token
	// 提前一成过期，避免边界上拿着将死令牌发请求
	c.tokenExp = time.Now().Add(ttl * 9 / 10)
	if c.tokens != nil {
		if err := c.tokens.Set(ctx, result.Token, ttl*9/10); err != nil {
			c.logger.Warn("vendor token cache set failed", zap.Error(err))
		}
	}
	return c.token, nil
}

// invalidateToken 作废本地与共享缓存中的令牌
func (c *Client) invalidateToken(ctx context.Context) {
	c.mu.Lock()
	c.token = ""
	c.tokenExp = time.Time{}
	c.mu.Unlock()
	if c.tokens != nil {
		_ = c.tokens.Invalidate(ctx)
	}
}

// ListCabinets 分页拉取全量机柜目录
func (c *Client) ListCabinets(ctx context.Context) ([]VendorCabinet, error) {
	pageSize := c.cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	var all []VendorCabinet
	for page := 1; ; page++ {
		var result struct {
			Total int             `json:"total"`
			Items []VendorCabinet `json:"items"`
		}
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("pageSize", strconv.Itoa(pageSize))
		if err := c.callAuthed(ctx, http.MethodGet, "/api/v1/cabinets?"+q.Encode(), nil, &result); err != nil {
			return nil, fmt.Errorf("list cabinets page %d: %w", page, err)
		}
		all = append(all, result.Items...)
		if len(result.Items) < pageSize || len(all) >= result.Total {
			return all, nil
		}
	}
}

// CabinetDetail 拉取单台机柜详情
func (c *Client) CabinetDetail(ctx context.Context, cabinetID string) (*VendorCabinet, error) {
	var result VendorCabinet
	path := "/api/v1/cabinets/" + url.PathEscape(cabinetID)
	if err := c.callAuthed(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("cabinet detail %s: %w", cabinetID, err)
	}
	return &result, nil
}

// RemoteCommand 通过厂商平台向机柜下发指令（本地无存活通道时的兜底通道）。
// action 取值由厂商约定：rent/eject/ejectAll/restart。
func (c *Client) RemoteCommand(ctx context.Context, cabinetID, action, slot, orderNo string) error {
	body, _ := json.Marshal(map[string]string{
		"cabinetId": cabinetID,
		"action":    action,
		"slot":      slot,
		"orderNo":   orderNo,
	})
	if err := c.callAuthed(ctx, http.MethodPost, "/api/v1/commands", bytes.NewReader(body), nil); err != nil {
		return fmt.Errorf("remote command %s/%s: %w", cabinetID, action, err)
	}
	return nil
}

// callAuthed 携带令牌调用；令牌被拒时作废并重试一次
func (c *Client) callAuthed(ctx context.Context, method, path string, body io.Reader, out any) error {
	var buf []byte
	if body != nil {
		var err error
		buf, err = io.ReadAll(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.Token(ctx)
		if err != nil {
			return err
		}
		var rd io.Reader
		if buf != nil {
			rd = bytes.NewReader(buf)
		}
		err = c.breaker.Call(func() error {
			return c.doJSON(ctx, method, path, token, rd, out)
		})
		if errors.Is(err, ErrAuth) && attempt == 0 {
			c.logger.Warn("vendor token rejected, re-login", zap.String("path", path))
			c.invalidateToken(ctx)
			continue
		}
		return err
	}
	return ErrAuth
}

// doJSON 单次 HTTP 调用并解析统一外壳
func (c *Client) doJSON(ctx context.Context, method, path, token string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrAuth
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("vendor http %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var env vendorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("vendor response: %w", err)
	}
	if env.Code != 0 {
		return fmt.Errorf("vendor code %d: %s", env.Code, env.Msg)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

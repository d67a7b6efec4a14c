package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taoyao-code/cabinet-server/internal/metrics"
	"github.com/taoyao-code/cabinet-server/internal/protocol"
	"github.com/taoyao-code/cabinet-server/internal/registry"
	"github.com/taoyao-code/cabinet-server/internal/storage"
	"github.com/taoyao-code/cabinet-server/internal/storage/models"
)

// ErrTimeout 指令已下发但机柜在期限内未应答。
// 与设备明确上报失败（ErrDeviceFailed）区分：超时的指令可能仍被执行。
var ErrTimeout = errors.New("command response timeout")

// ErrDeviceFailed 机柜明确应答失败（status="0"）
var ErrDeviceFailed = errors.New("device reported failure")

// Dispatcher 下行指令调度器：发送指令并等待机柜应答。
// 应答匹配：RENT 按 (机柜, 订单号)；弹出按 (机柜, 仓位)；重启按机柜。
// 同一 key 同时只允许一个等待者，后到的替换前者（前者收到超时）。
type Dispatcher struct {
	reg     *registry.Registry
	repo    storage.CoreRepo
	logger  *zap.Logger
	appm    *metrics.AppMetrics
	timeout time.Duration

	mu      sync.Mutex
	waiters map[string]chan *protocol.Message
}

// New 创建调度器。timeout 为应答等待上限。
func New(reg *registry.Registry, repo storage.CoreRepo, logger *zap.Logger, appm *metrics.AppMetrics, timeout time.Duration) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dispatcher{
		reg:     reg,
		repo:    repo,
		logger:  logger,
		appm:    appm,
		timeout: timeout,
		waiters: make(map[string]chan *protocol.Message),
	}
}

// waiterKey 应答匹配键
func waiterKey(cabinetID string, fun int, extra string) string {
	return fmt.Sprintf("%s|%d|%s", cabinetID, fun, extra)
}

// Rent 下发弹出租借指令并等待结果
func (d *Dispatcher) Rent(ctx context.Context, cabinetID, slot, orderNo string) (*protocol.Message, error) {
	return d.send(ctx, &protocol.Message{
		Fun:       protocol.FunRent,
		CabinetID: cabinetID,
		Slot:      slot,
		OrderID:   orderNo,
	}, waiterKey(cabinetID, protocol.FunRent, orderNo))
}

// ForceEject 下发单仓强制弹出指令并等待结果
func (d *Dispatcher) ForceEject(ctx context.Context, cabinetID, slot string) (*protocol.Message, error) {
	return d.send(ctx, &protocol.Message{
		Fun:       protocol.FunForceEject,
		CabinetID: cabinetID,
		Slot:      slot,
	}, waiterKey(cabinetID, protocol.FunForceEject, slot))
}

// FullEject 下发整柜弹出指令并等待结果
func (d *Dispatcher) FullEject(ctx context.Context, cabinetID string) (*protocol.Message, error) {
	return d.send(ctx, &protocol.Message{
		Fun:       protocol.FunFullEject,
		CabinetID: cabinetID,
	}, waiterKey(cabinetID, protocol.FunFullEject, ""))
}

// Restart 下发重启指令并等待确认
func (d *Dispatcher) Restart(ctx context.Context, cabinetID string) (*protocol.Message, error) {
	return d.send(ctx, &protocol.Message{
		Fun:       protocol.FunRestart,
		CabinetID: cabinetID,
	}, waiterKey(cabinetID, protocol.FunRestart, ""))
}

// RequestInventory 请求机柜上报库存。不等待应答——上报走正常路由进对账器。
func (d *Dispatcher) RequestInventory(cabinetID string) error {
	ch, err := d.reg.Lookup(cabinetID)
	if err != nil {
		return err
	}
	msg := &protocol.Message{Fun: protocol.FunQueryInventory, CabinetID: cabinetID}
	if err := ch.WriteMessage(msg); err != nil {
		return fmt.Errorf("write inventory request: %w", err)
	}
	d.audit(cabinetID, msg, directionDown, nil, "")
	return nil
}

// send 下发指令并阻塞等待应答（或超时/取消）
func (d *Dispatcher) send(ctx context.Context, msg *protocol.Message, key string) (*protocol.Message, error) {
	cmd := protocol.FunName(msg.Fun)

	ch, err := d.reg.Lookup(msg.CabinetID)
	if err != nil {
		d.countCommand(cmd, "not_connected")
		return nil, err
	}

	respC := make(chan *protocol.Message, 1)
	d.mu.Lock()
	if old, ok := d.waiters[key]; ok {
		close(old)
	}
	d.waiters[key] = respC
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if d.waiters[key] == respC {
			delete(d.waiters, key)
		}
		d.mu.Unlock()
	}()

	corr := uuid.NewString()
	if err := ch.WriteMessage(msg); err != nil {
		d.countCommand(cmd, "fail")
		return nil, fmt.Errorf("write command: %w", err)
	}
	d.audit(msg.CabinetID, msg, directionDown, nil, corr)

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-respC:
		if !ok {
			// 被后到的同 key 指令替换
			d.countCommand(cmd, "timeout")
			return nil, ErrTimeout
		}
		success := resp.OK()
		d.audit(msg.CabinetID, resp, directionUp, &success, corr)
		if !success {
			d.countCommand(cmd, "fail")
			return resp, ErrDeviceFailed
		}
		d.countCommand(cmd, "ok")
		return resp, nil
	case <-timer.C:
		d.countCommand(cmd, "timeout")
		d.logger.Warn("command response timeout",
			zap.String("cabinet_id", msg.CabinetID),
			zap.String("cmd", cmd),
			zap.String("correlation_id", corr))
		return nil, ErrTimeout
	case <-ctx.Done():
		d.countCommand(cmd, "timeout")
		return nil, ctx.Err()
	}
}

// Resolve 尝试把上行消息投递给等待中的指令；命中返回 true。
// 网关在收到指令结果类消息时先调用本方法，再做落库处理。
func (d *Dispatcher) Resolve(m *protocol.Message) bool {
	var key string
	switch m.Fun {
	case protocol.FunRent:
		key = waiterKey(m.CabinetID, protocol.FunRent, m.OrderID)
	case protocol.FunForceEject:
		key = waiterKey(m.CabinetID, protocol.FunForceEject, m.Slot)
	case protocol.FunFullEject:
		key = waiterKey(m.CabinetID, protocol.FunFullEject, "")
	case protocol.FunRestart:
		key = waiterKey(m.CabinetID, protocol.FunRestart, "")
	default:
		return false
	}

	d.mu.Lock()
	respC, ok := d.waiters[key]
	if ok {
		delete(d.waiters, key)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case respC <- m:
	default:
	}
	return true
}

const (
	directionUp   = 0
	directionDown = 1
)

// audit 追加指令日志；失败仅记 warn，不影响指令路径
func (d *Dispatcher) audit(cabinetID string, m *protocol.Message, direction int16, success *bool, corr string) {
	if d.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cab, err := d.repo.EnsureCabinet(ctx, cabinetID)
	if err != nil {
		d.logger.Warn("command audit: ensure cabinet failed", zap.Error(err))
		return
	}
	payload, _ := json.Marshal(m)
	var corrP *string
	if corr != "" {
		corrP = &corr
	}
	if err := d.repo.AppendCommandLog(ctx, &models.CommandLog{
		CabinetID:     cab.ID,
		Fun:           int32(m.Fun),
		Direction:     direction,
		Payload:       payload,
		Success:       success,
		CorrelationID: corrP,
	}); err != nil {
		d.logger.Warn("command audit: append failed", zap.Error(err))
	}
}

func (d *Dispatcher) countCommand(cmd, result string) {
	if d.appm != nil {
		d.appm.CommandTotal.WithLabelValues(cmd, result).Inc()
	}
}

package registry

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/taoyao-code/cabinet-server/internal/protocol"
)

// ErrNotConnected 机柜当前没有存活通道
var ErrNotConnected = errors.New("cabinet not connected")

// Channel 机柜的存活双向通道。由 TCP 网关的连接上下文实现。
type Channel interface {
	// WriteMessage 下行一条消息
	WriteMessage(m *protocol.Message) error
	// Close 关闭底层连接
	Close() error
	// RemoteAddr 远端地址（诊断用）
	RemoteAddr() net.Addr
}

// Registry 连接注册表：机柜厂商编号 -> 存活通道，附带最近上行时间。
// 单进程内存实现；进程重启后所有机柜视为离线，等待重新 LOGIN。
// 生命周期：服务启动时创建，随进程退出销毁，由启动编排注入各使用方。
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
	lastSeen map[string]time.Time
	timeout  time.Duration
}

// New 创建注册表。timeout 为心跳超时，用于 IsOnline/OnlineCount 判定。
func New(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Registry{
		channels: make(map[string]Channel),
		lastSeen: make(map[string]time.Time),
		timeout:  timeout,
	}
}

// Register 登记机柜通道；同一机柜重连时新通道覆盖旧通道（旧通道弃置不关闭）。
func (r *Registry) Register(cabinetID string, ch Channel) {
	r.mu.Lock()
	r.channels[cabinetID] = ch
	r.lastSeen[cabinetID] = time.Now()
	r.mu.Unlock()
}

// Lookup 查找机柜通道；不存在返回 ErrNotConnected。
func (r *Registry) Lookup(cabinetID string) (Channel, error) {
	r.mu.RLock()
	ch, ok := r.channels[cabinetID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotConnected
	}
	return ch, nil
}

// Unregister 按机柜编号移除。
func (r *Registry) Unregister(cabinetID string) {
	r.mu.Lock()
	delete(r.channels, cabinetID)
	r.mu.Unlock()
}

// UnregisterChannel 按通道反查并移除。断开事件按通道到达，此时只有通道句柄。
// 仅当该通道仍是当前登记通道时才移除——重连覆盖后旧通道的迟到断开不得误删新会话。
// 返回被移除的机柜编号。
func (r *Registry) UnregisterChannel(ch Channel) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cur := range r.channels {
		if cur == ch {
			delete(r.channels, id)
			return id, true
		}
	}
	return "", false
}

// ListConnected 当前已登记机柜编号集合（诊断用）。
func (r *Registry) ListConnected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	return ids
}

// OnHeartbeat 更新机柜最近上行时间
func (r *Registry) OnHeartbeat(cabinetID string, t time.Time) {
	r.mu.Lock()
	r.lastSeen[cabinetID] = t
	r.mu.Unlock()
}

// LastSeen 机柜最近上行时间
func (r *Registry) LastSeen(cabinetID string) (time.Time, bool) {
	r.mu.RLock()
	ts, ok := r.lastSeen[cabinetID]
	r.mu.RUnlock()
	return ts, ok
}

// IsOnline 判断机柜是否在线（存活通道 + 心跳未超时）
func (r *Registry) IsOnline(cabinetID string, now time.Time) bool {
	r.mu.RLock()
	_, connected := r.channels[cabinetID]
	ts, seen := r.lastSeen[cabinetID]
	r.mu.RUnlock()
	if !connected || !seen {
		return false
	}
	return now.Sub(ts) <= r.timeout
}

// OnlineCount 当前在线机柜数量
func (r *Registry) OnlineCount(now time.Time) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for id := range r.channels {
		if ts, ok := r.lastSeen[id]; ok && now.Sub(ts) <= r.timeout {
			count++
		}
	}
	return count
}

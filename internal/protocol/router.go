package protocol

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Responder 消息应答通道：处理器通过它向当前连接回写下行消息。
// 由网关连接上下文实现，避免协议层反向依赖连接注册表。
type Responder interface {
	WriteMessage(m *Message) error
}

// HandlerFunc 单个功能码的处理函数
type HandlerFunc func(ctx context.Context, conn Responder, m *Message) error

// Router 按功能码分发上行消息。
// 注册发生在启动期，运行期只读，不加锁。
type Router struct {
	handlers map[int]HandlerFunc
	logger   *zap.Logger

	// 可选指标回调
	onRouted  func(fun int)
	onUnknown func()
}

// NewRouter 创建路由器
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		handlers: make(map[int]HandlerFunc),
		logger:   logger,
	}
}

// Register 绑定功能码处理函数（重复注册覆盖）
func (r *Router) Register(fun int, h HandlerFunc) {
	r.handlers[fun] = h
}

// SetMetricsCallbacks 安装指标回调
func (r *Router) SetMetricsCallbacks(onRouted func(fun int), onUnknown func()) {
	r.onRouted, r.onUnknown = onRouted, onUnknown
}

// Dispatch 分发一条已解码的上行消息。
// 未知功能码记录后丢弃；处理器错误记录后吞掉——协议错误永远不致断开连接。
func (r *Router) Dispatch(ctx context.Context, conn Responder, m *Message) {
	h, ok := r.handlers[m.Fun]
	if !ok {
		if r.onUnknown != nil {
			r.onUnknown()
		}
		r.logger.Warn("unknown function code, dropped",
			zap.Int("fun", m.Fun),
			zap.String("cabinet_id", m.CabinetID))
		return
	}

	if r.onRouted != nil {
		r.onRouted(m.Fun)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panic recovered",
				zap.String("fun", FunName(m.Fun)),
				zap.String("cabinet_id", m.CabinetID),
				zap.String("panic", fmt.Sprint(rec)))
		}
	}()

	if err := h(ctx, conn, m); err != nil {
		r.logger.Error("handler failed",
			zap.String("fun", FunName(m.Fun)),
			zap.String("cabinet_id", m.CabinetID),
			zap.Error(err))
	}
}

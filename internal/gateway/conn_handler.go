package gateway

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/cabinet-server/internal/commands"
	"github.com/taoyao-code/cabinet-server/internal/metrics"
	"github.com/taoyao-code/cabinet-server/internal/protocol"
	"github.com/taoyao-code/cabinet-server/internal/reconcile"
	"github.com/taoyao-code/cabinet-server/internal/registry"
	"github.com/taoyao-code/cabinet-server/internal/storage"
	"github.com/taoyao-code/cabinet-server/internal/storage/models"
	"github.com/taoyao-code/cabinet-server/internal/tcpserver"
)

// channelAdapter 把 TCP 连接上下文适配为机柜通道与应答器
type channelAdapter struct {
	cc *tcpserver.ConnContext
}

func (a *channelAdapter) WriteMessage(m *protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return a.cc.Write(b)
}

func (a *channelAdapter) Close() error         { return a.cc.Close() }
func (a *channelAdapter) RemoteAddr() net.Addr { return a.cc.RemoteAddr() }

// Gateway 设备接入网关：连接生命周期 + 上行消息路由 + 会话登记。
// 每条连接一个 channelAdapter；LOGIN 后登记到注册表，断开或 OFFLINE 时摘除。
type Gateway struct {
	logger     *zap.Logger
	router     *protocol.Router
	reg        *registry.Registry
	repo       storage.CoreRepo
	reconciler *reconcile.Reconciler
	dispatcher *commands.Dispatcher
	appm       *metrics.AppMetrics
}

// New 创建网关并注册全部功能码处理器
func New(logger *zap.Logger, reg *registry.Registry, repo storage.CoreRepo, rec *reconcile.Reconciler, disp *commands.Dispatcher, appm *metrics.AppMetrics) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		logger:     logger,
		router:     protocol.NewRouter(logger),
		reg:        reg,
		repo:       repo,
		reconciler: rec,
		dispatcher: disp,
		appm:       appm,
	}
	g.router.Register(protocol.FunLogin, g.handleLogin)
	g.router.Register(protocol.FunOffline, g.handleOffline)
	g.router.Register(protocol.FunQueryInventory, g.handleInventory)
	g.router.Register(protocol.FunRent, g.handleRentResult)
	g.router.Register(protocol.FunReturn, g.handleReturn)
	g.router.Register(protocol.FunForceEject, g.handleEjectResult)
	g.router.Register(protocol.FunFullEject, g.handleEjectResult)
	g.router.Register(protocol.FunRestart, g.handleRestartAck)
	if appm != nil {
		g.router.SetMetricsCallbacks(
			func(fun int) { appm.MessageTotal.WithLabelValues(protocol.FunName(fun)).Inc() },
			func() { appm.UnknownDropped.Inc() },
		)
	}
	return g
}

// HandleConn 接管一条新 TCP 连接。作为 tcpserver 的连接回调安装。
func (g *Gateway) HandleConn(cc *tcpserver.ConnContext) {
	ch := &channelAdapter{cc: cc}

	cc.SetOnLine(func(line []byte) {
		m, err := protocol.Decode(line)
		if err != nil {
			// 畸形帧只记日志，连接继续活着
			g.logger.Warn("malformed frame dropped",
				zap.Uint64("conn_id", cc.ID()),
				zap.String("remote", cc.RemoteAddr().String()),
				zap.Error(err))
			return
		}
		g.touch(m.CabinetID)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		g.router.Dispatch(ctx, ch, m)
	})

	cc.SetOnClose(func() {
		cabinetID, ok := g.reg.UnregisterChannel(ch)
		if !ok {
			return
		}
		g.logger.Info("cabinet connection closed",
			zap.String("cabinet_id", cabinetID),
			zap.Uint64("conn_id", cc.ID()))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.repo.SetCabinetStatus(ctx, cabinetID, models.CabinetOffline); err != nil {
			g.logger.Warn("mark offline on disconnect failed",
				zap.String("cabinet_id", cabinetID), zap.Error(err))
		}
		g.refreshOnlineGauge()
	})
}

// touch 任何上行消息都算一次心跳
func (g *Gateway) touch(cabinetID string) {
	now := time.Now()
	g.reg.OnHeartbeat(cabinetID, now)
	if g.appm != nil {
		g.appm.HeartbeatTotal.Inc()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := g.repo.TouchCabinetLastSeen(ctx, cabinetID, now); err != nil {
		g.logger.Warn("touch last seen failed",
			zap.String("cabinet_id", cabinetID), zap.Error(err))
	}
}

// handleLogin LOGIN：登记通道、置 ONLINE、落厂商元数据，随后请求一次全量库存
func (g *Gateway) handleLogin(ctx context.Context, conn protocol.Responder, m *protocol.Message) error {
	var signal *int32
	if v, ok := protocol.ParseSignal(m.Signal); ok {
		signal = &v
	}
	var iccid, model *string
	if m.ICCID != "" {
		iccid = &m.ICCID
	}
	if m.Model != "" {
		model = &m.Model
	}
	if _, err := g.repo.UpsertCabinetOnline(ctx, m.CabinetID, time.Now(), signal, iccid, model); err != nil {
		return err
	}

	if ch, ok := conn.(registry.Channel); ok {
		g.reg.Register(m.CabinetID, ch)
	}
	g.logger.Info("cabinet logged in",
		zap.String("cabinet_id", m.CabinetID),
		zap.String("model", m.Model))
	g.refreshOnlineGauge()

	// 上线即同步库存，消除离线期间的快照空洞
	if err := conn.WriteMessage(&protocol.Message{
		Fun:       protocol.FunQueryInventory,
		CabinetID: m.CabinetID,
	}); err != nil {
		g.logger.Warn("inventory request after login failed",
			zap.String("cabinet_id", m.CabinetID), zap.Error(err))
	}

	return conn.WriteMessage(&protocol.Message{
		Fun:       protocol.FunLogin,
		CabinetID: m.CabinetID,
		Status:    protocol.StatusOK,
	})
}

// handleOffline 机柜主动离线：摘除注册表并置 OFFLINE
func (g *Gateway) handleOffline(ctx context.Context, _ protocol.Responder, m *protocol.Message) error {
	g.reg.Unregister(m.CabinetID)
	g.logger.Info("cabinet announced offline", zap.String("cabinet_id", m.CabinetID))
	g.refreshOnlineGauge()
	return g.repo.SetCabinetStatus(ctx, m.CabinetID, models.CabinetOffline)
}

// handleInventory 库存上报：全量快照交给对账器
func (g *Gateway) handleInventory(ctx context.Context, _ protocol.Responder, m *protocol.Message) error {
	return g.reconciler.ApplyInventory(ctx, m.CabinetID, m.Slots)
}

// handleRentResult 租借弹出结果：先唤醒等待的指令，成功时落库
func (g *Gateway) handleRentResult(ctx context.Context, _ protocol.Responder, m *protocol.Message) error {
	g.dispatcher.Resolve(m)
	if !m.OK() {
		g.logger.Warn("rent eject failed on device",
			zap.String("cabinet_id", m.CabinetID),
			zap.String("order_no", m.OrderID),
			zap.String("slot", m.Slot))
		return nil
	}
	return g.reconciler.ApplyRentSuccess(ctx, m.CabinetID, m.Slot, m.PowerBankID, m.OrderID)
}

// handleReturn 归还插入：落库并回 ACK（机柜据此停止重发）
func (g *Gateway) handleReturn(ctx context.Context, conn protocol.Responder, m *protocol.Message) error {
	if err := g.reconciler.ApplyReturn(ctx, m.CabinetID, m.Slot, m.PowerBankID, m.Battery); err != nil {
		return err
	}
	return conn.WriteMessage(&protocol.Message{
		Fun:       protocol.FunReturn,
		CabinetID: m.CabinetID,
		Slot:      m.Slot,
		Status:    protocol.StatusOK,
	})
}

// handleEjectResult 强制弹出结果：唤醒等待指令，成功时落库
func (g *Gateway) handleEjectResult(ctx context.Context, _ protocol.Responder, m *protocol.Message) error {
	g.dispatcher.Resolve(m)
	if !m.OK() {
		g.logger.Warn("eject failed on device",
			zap.String("cabinet_id", m.CabinetID),
			zap.String("slot", m.Slot))
		return nil
	}
	slot := m.Slot
	if m.Fun == protocol.FunFullEject {
		slot = ""
	}
	return g.reconciler.ApplyEject(ctx, m.CabinetID, slot)
}

// handleRestartAck 重启确认：只唤醒等待指令
func (g *Gateway) handleRestartAck(_ context.Context, _ protocol.Responder, m *protocol.Message) error {
	g.dispatcher.Resolve(m)
	return nil
}

func (g *Gateway) refreshOnlineGauge() {
	if g.appm != nil {
		g.appm.OnlineGauge.Set(float64(g.reg.OnlineCount(time.Now())))
	}
}

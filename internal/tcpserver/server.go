package tcpserver

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/cabinet-server/internal/config"
)

// Server 机柜 TCP 网关。
// 按行（'\n'）切分上行报文，每个连接独立读写循环；协议解析在网关层完成。
type Server struct {
	cfg        cfgpkg.TCPConfig
	logger     *zap.Logger
	ln         net.Listener
	wg         sync.WaitGroup
	stopC      chan struct{}
	nextConnID uint64

	connHandler func(*ConnContext)
	limiter     *ConnectionLimiter
	accept      *AcceptRateLimiter

	// 可选指标回调
	onAccept    func()
	onRecvBytes func(n int)
}

// New 创建 TCP 网关
func New(cfg cfgpkg.TCPConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		stopC:   make(chan struct{}),
		limiter: NewConnectionLimiter(cfg.MaxConnections, 3*time.Second),
		accept:  NewAcceptRateLimiter(cfg.AcceptRate, cfg.AcceptBurst),
	}
}

// SetConnHandler 设置连接建立回调：在读写循环启动前安装行处理器与关闭回调
func (s *Server) SetConnHandler(h func(*ConnContext)) { s.connHandler = h }

// SetMetricsCallbacks 设置指标回调
func (s *Server) SetMetricsCallbacks(onAccept func(), onRecvBytes func(int)) {
	s.onAccept, s.onRecvBytes = onAccept, onRecvBytes
}

// GetLogger 返回网关日志器
func (s *Server) GetLogger() *zap.Logger { return s.logger }

// Active 监听器是否存活（健康检查用）
func (s *Server) Active() bool { return s.ln != nil }

// ConnectionStats 当前连接数统计（健康检查用）
func (s *Server) ConnectionStats() (active, max int) {
	return s.limiter.Current(), s.limiter.MaxConnections()
}

// Start 监听并接受连接（非阻塞，内部 goroutine）
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				select {
				case <-s.stopC:
					return
				default:
				}
				// 短暂错误等待后重试
				time.Sleep(50 * time.Millisecond)
				continue
			}

			if !s.accept.Allow() {
				s.logger.Warn("accept rate exceeded, connection dropped",
					zap.String("remote_addr", conn.RemoteAddr().String()))
				_ = conn.Close()
				continue
			}
			if err := s.limiter.Acquire(context.Background()); err != nil {
				s.logger.Warn("connection limit exceeded, connection dropped",
					zap.String("remote_addr", conn.RemoteAddr().String()),
					zap.Error(err))
				_ = conn.Close()
				continue
			}

			if s.onAccept != nil {
				s.onAccept()
			}

			cc := newConnContext(s, conn)
			if s.connHandler != nil {
				s.connHandler(cc)
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.limiter.Release()
				cc.run()
			}()
		}
	}()
	return nil
}

// Shutdown 优雅关闭监听并等待连接退出
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopC)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	ch := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(ch)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (s *Server) nextID() uint64 { return atomic.AddUint64(&s.nextConnID, 1) }

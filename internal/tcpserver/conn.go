package tcpserver

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"
)

// ConnContext 为每个 TCP 连接提供按行读取与异步写入能力
type ConnContext struct {
	s      *Server
	c      net.Conn
	id     uint64
	writeC chan []byte
	doneC  chan struct{}

	// mu 保护 closed 与 writeC 的关闭：Write 在读锁内投递，
	// Close 只有在没有在途投递时才能关闭 writeC
	mu     sync.RWMutex
	closed bool

	onLine  func([]byte)
	onClose func()
}

func newConnContext(s *Server, c net.Conn) *ConnContext {
	return &ConnContext{
		s:      s,
		c:      c,
		id:     s.nextID(),
		writeC: make(chan []byte, 128),
		doneC:  make(chan struct{}),
	}
}

// ID 返回连接ID（单进程唯一递增）
func (cc *ConnContext) ID() uint64 { return cc.id }

// RemoteAddr 返回远端地址
func (cc *ConnContext) RemoteAddr() net.Addr { return cc.c.RemoteAddr() }

// SetOnLine 安装行处理回调（收到一行完整上行报文时触发，不含换行符）
func (cc *ConnContext) SetOnLine(h func([]byte)) { cc.onLine = h }

// SetOnClose 安装连接关闭回调（读写循环退出后触发一次）
func (cc *ConnContext) SetOnClose(h func()) { cc.onClose = h }

// Write 异步写入一帧，受写队列与写超时影响
func (cc *ConnContext) Write(b []byte) error {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	if cc.closed {
		return errors.New("connection closed")
	}
	// 复制一份，避免调用方复用底层切片
	dup := make([]byte, len(b))
	copy(dup, b)
	to := cc.s.cfg.WriteTimeout
	if to <= 0 {
		to = 5 * time.Second
	}
	select {
	case cc.writeC <- dup:
		return nil
	case <-time.After(to):
		return errors.New("write queue timeout")
	}
}

// Close 关闭连接与写队列。可重复调用。
func (cc *ConnContext) Close() error {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return nil
	}
	cc.closed = true
	close(cc.writeC)
	cc.mu.Unlock()
	return cc.c.Close()
}

// Done 返回连接关闭通知通道
func (cc *ConnContext) Done() <-chan struct{} { return cc.doneC }

// run 启动读/写循环，阻塞直至连接结束
func (cc *ConnContext) run() {
	defer func() {
		_ = cc.Close()
		select {
		case <-cc.doneC:
		default:
			close(cc.doneC)
		}
		if cc.onClose != nil {
			cc.onClose()
		}
	}()

	// 写循环
	doneW := make(chan struct{})
	go func() {
		defer close(doneW)
		for msg := range cc.writeC {
			if cc.s.cfg.WriteTimeout > 0 {
				_ = cc.c.SetWriteDeadline(time.Now().Add(cc.s.cfg.WriteTimeout))
			}
			_, _ = cc.c.Write(msg)
		}
	}()

	// 读循环：按行切分
	maxLine := cc.s.cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = 16384
	}
	scanner := bufio.NewScanner(cc.c)
	scanner.Buffer(make([]byte, 4096), maxLine)
	for {
		if cc.s.cfg.ReadTimeout > 0 {
			_ = cc.c.SetReadDeadline(time.Now().Add(cc.s.cfg.ReadTimeout))
		}
		if !scanner.Scan() {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if cc.s.onRecvBytes != nil {
			cc.s.onRecvBytes(len(line) + 1)
		}
		if cc.onLine != nil {
			cc.onLine(line)
		}
	}

	// 关闭写队列，等待写循环退出
	_ = cc.Close()
	<-doneW
}

package tcpserver

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	cfgpkg "github.com/taoyao-code/cabinet-server/internal/config"
)

func TestConnContext_CloseDuringConcurrentWrites(t *testing.T) {
	s := New(cfgpkg.TCPConfig{WriteTimeout: 50 * time.Millisecond}, nil)
	c1, c2 := net.Pipe()
	defer c2.Close()
	cc := newConnContext(s, c1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 64; j++ {
				_ = cc.Write([]byte(`{"fun":140,"cabinetId":"CAB001"}` + "\n"))
			}
		}()
	}

	// 写入进行中关闭：写队列只在无在途投递时关闭，不得 panic
	assert.NotPanics(t, func() {
		time.Sleep(time.Millisecond)
		_ = cc.Close()
	})
	wg.Wait()

	// 关闭后写入直接报错，重复关闭是空操作
	assert.Error(t, cc.Write([]byte("x\n")))
	assert.NoError(t, cc.Close())
}

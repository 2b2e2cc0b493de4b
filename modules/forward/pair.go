package forward

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

const relayBufferSize = 32 * 1024

type side int

const (
	clientSide side = iota
	targetSide
)

// pair 一个外部连接和它对应的摄像头连接
type pair struct {
	id         uint64
	client     net.Conn
	clientAddr string

	mu         sync.Mutex
	target     net.Conn
	closed     bool
	cancelDial context.CancelFunc
}

func newPair(id uint64, client net.Conn, cancelDial context.CancelFunc) *pair {
	return &pair{
		id:         id,
		client:     client,
		clientAddr: client.RemoteAddr().String(),
		cancelDial: cancelDial,
	}
}

// attach 挂上摄像头连接，pair 已关闭时返回 false，由调用方关闭 target
func (p *pair) attach(target net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.target = target
	return true
}

// close 立即关闭两端，不等待对端优雅断开，重复调用无效果
func (p *pair) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	target := p.target
	cancel := p.cancelDial
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = p.client.Close()
	if target != nil {
		_ = target.Close()
	}
}

func (s side) other() side {
	if s == clientSide {
		return targetSide
	}
	return clientSide
}

// relay 双向原样转发，任意一端结束就关闭整个 pair，返回先断开的一端
func (p *pair) relay(target net.Conn, counter *atomic.Uint64) side {
	done := make(chan side, 2)

	go func() {
		done <- copyHalf(target, p.client, clientSide, counter)
	}()
	go func() {
		done <- copyHalf(p.client, target, targetSide, counter)
	}()

	first := <-done
	p.close()
	<-done
	return first
}

// copyHalf 把 src 读到的数据写给 dst。读结束说明 from 断开，
// 写失败说明另一端断开
func copyHalf(dst io.Writer, src io.Reader, from side, counter *atomic.Uint64) side {
	r := &endReader{r: src}
	buf := make([]byte, relayBufferSize)
	_, _ = io.CopyBuffer(&countingWriter{w: dst, n: counter}, r, buf)
	if r.ended {
		return from
	}
	return from.other()
}

// endReader 记录读端是否已经结束
type endReader struct {
	r     io.Reader
	ended bool
}

func (e *endReader) Read(b []byte) (int, error) {
	n, err := e.r.Read(b)
	if err != nil {
		e.ended = true
	}
	return n, err
}

// countingWriter 每次写入后累加字节数
type countingWriter struct {
	w io.Writer
	n *atomic.Uint64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	if n > 0 {
		c.n.Add(uint64(n))
	}
	return n, err
}

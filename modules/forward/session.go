package forward

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"camrelay/modules/camera/model"

	"github.com/sirupsen/logrus"
)

const acceptRetryDelay = 50 * time.Millisecond

// session 一个摄像头的转发会话：监听 + 当前所有连接对
type session struct {
	camera    model.CameraEndpoint
	listener  net.Listener
	scope     BindScope
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	pairs        map[uint64]*pair // 唯一的连接表，谁从这里删掉谁负责关闭
	closed       bool
	reconnecting bool

	nextID      atomic.Uint64
	bytes       atomic.Uint64
	connections atomic.Uint64
}

func newSession(parent context.Context, cam model.CameraEndpoint, ln net.Listener, scope BindScope, now time.Time) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		camera:    cam,
		listener:  ln,
		scope:     scope,
		startedAt: now,
		ctx:       ctx,
		cancel:    cancel,
		pairs:     make(map[uint64]*pair),
	}
}

func (s *session) name() string {
	return s.camera.DisplayName()
}

// addPair 会话已关闭时返回 false
func (s *session) addPair(p *pair) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pairs[p.id] = p
	return true
}

// removePair 只有第一个删除者拿到 true
func (s *session) removePair(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pairs[id]; !ok {
		return false
	}
	delete(s.pairs, id)
	return true
}

func (s *session) activeConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairs)
}

func (s *session) isReconnecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnecting
}

// shutdown 标记关闭并取出全部连接对，调用方负责关闭它们
func (s *session) shutdown() []*pair {
	s.mu.Lock()
	s.closed = true
	s.reconnecting = false
	pairs := make([]*pair, 0, len(s.pairs))
	for id, p := range s.pairs {
		pairs = append(pairs, p)
		delete(s.pairs, id)
	}
	s.mu.Unlock()

	s.cancel()
	_ = s.listener.Close()
	return pairs
}

func (e *Engine) acceptLoop(s *session) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.Warnf("[%s] 接受连接失败: %v", s.name(), err)
			select {
			case <-s.ctx.Done():
				return
			case <-e.clock.After(acceptRetryDelay):
			}
			continue
		}
		e.handleConn(s, conn)
	}
}

// handleConn 先登记连接对再拨号，保证任意一端都能查到另一端
func (e *Engine) handleConn(s *session, client net.Conn) {
	dialCtx, cancel := context.WithTimeout(s.ctx, e.opts.DialTimeout)
	p := newPair(s.nextID.Add(1), client, cancel)
	if !s.addPair(p) {
		cancel()
		_ = client.Close()
		return
	}
	s.connections.Add(1)

	logrus.Infof("[%s] 收到外部连接: %s", s.name(), p.clientAddr)
	e.emit(Event{Type: ConnectionEstablished, CameraID: s.camera.ID, ClientAddr: p.clientAddr})

	s.wg.Add(1)
	go e.runPair(s, p, dialCtx)
}

func (e *Engine) runPair(s *session, p *pair, dialCtx context.Context) {
	defer s.wg.Done()

	var d net.Dialer
	target, err := d.DialContext(dialCtx, "tcp", s.camera.Addr())
	if err != nil {
		if e.dropPair(s, p) {
			logrus.Errorf("❌ [%s] 连接摄像头失败 [%s]: %v", s.name(), s.camera.Addr(), err)
			e.emit(Event{
				Type:     ForwardingError,
				CameraID: s.camera.ID,
				Message:  fmt.Sprintf("连接摄像头失败 %s: %v", s.camera.Addr(), err),
			})
			e.emit(Event{Type: ConnectionClosed, CameraID: s.camera.ID, ClientAddr: p.clientAddr})
		}
		return
	}
	if !p.attach(target) {
		_ = target.Close()
		return
	}
	logrus.Debugf("[%s] 已连接摄像头 %s", s.name(), s.camera.Addr())

	first := p.relay(target, &s.bytes)
	if !e.dropPair(s, p) {
		return
	}
	logrus.Debugf("[%s] 连接断开: %s", s.name(), p.clientAddr)
	e.emit(Event{Type: ConnectionClosed, CameraID: s.camera.ID, ClientAddr: p.clientAddr})

	if first == targetSide {
		e.scheduleReconnect(s)
	}
}

// dropPair 从连接表删除并关闭，返回是否由本次删除
func (e *Engine) dropPair(s *session, p *pair) bool {
	removed := s.removePair(p.id)
	p.close()
	return removed
}

// scheduleReconnect 摄像头端异常断开后进入重连等待
func (e *Engine) scheduleReconnect(s *session) {
	s.mu.Lock()
	if s.closed || s.reconnecting || !s.camera.Enabled {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	timer := e.clock.NewTimer(e.opts.ReconnectDelay)
	s.mu.Unlock()

	logrus.Infof("[%s] 摄像头连接断开，%v 后检测重连", s.name(), e.opts.ReconnectDelay)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
		e.reconnectExpired(s)
	}()
}

// reconnectExpired 重连计时结束，探测一次摄像头是否可达
func (e *Engine) reconnectExpired(s *session) {
	s.mu.Lock()
	s.reconnecting = false
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	d := net.Dialer{Timeout: e.opts.DialTimeout}
	conn, err := d.DialContext(s.ctx, "tcp", s.camera.Addr())
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		logrus.Warnf("[%s] 摄像头仍不可达 [%s]: %v", s.name(), s.camera.Addr(), err)
		e.emit(Event{
			Type:     ForwardingError,
			CameraID: s.camera.ID,
			Message:  fmt.Sprintf("摄像头不可达 %s: %v", s.camera.Addr(), err),
		})
		return
	}
	_ = conn.Close()
	logrus.Infof("[%s] ✅ 摄像头已恢复可达", s.name())
}

package forward

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"camrelay/modules/camera/model"

	"code.cloudfoundry.org/clock"
	"github.com/sirupsen/logrus"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultStabilizeDelay = 1 * time.Second
	DefaultRestartStagger = 500 * time.Millisecond
	DefaultDialTimeout    = 3 * time.Second
)

type Options struct {
	Resolver Resolver    // 绑定回退时提供网卡地址，可为 nil
	Clock    clock.Clock // 测试里替换成 fakeclock

	ReconnectDelay time.Duration // 摄像头断开后的重连等待
	StabilizeDelay time.Duration // VPN 连上后等待网卡稳定
	RestartStagger time.Duration // 批量重启时的间隔
	DialTimeout    time.Duration // 连接摄像头超时
	ReusePort      bool          // 使用 SO_REUSEPORT 监听，其他进程占用同一端口时不会报错
}

func (o *Options) setDefaults() {
	if o.Clock == nil {
		o.Clock = clock.NewClock()
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.StabilizeDelay <= 0 {
		o.StabilizeDelay = DefaultStabilizeDelay
	}
	if o.RestartStagger <= 0 {
		o.RestartStagger = DefaultRestartStagger
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
}

// Engine 按摄像头管理转发会话
type Engine struct {
	opts  Options
	clock clock.Clock

	// opMu 串行化启动/停止/重启，同一个摄像头不会同时存在两个会话
	opMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*session

	obsMu     sync.RWMutex
	observers []Observer

	// restartMu 保护 VPN 稳定期的重启计时，closing 之后不再登记新的任务
	restartMu    sync.Mutex
	restartTimer clock.Timer
	closing      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Engine {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:     opts,
		clock:    opts.Clock,
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// StartForwarding 为摄像头启动转发，已存在的会话会先被完整关闭
func (e *Engine) StartForwarding(cam model.CameraEndpoint) error {
	if err := cam.Forwardable(); err != nil {
		logrus.Errorf("[%s] 摄像头配置无效或未启用: %v", cam.DisplayName(), err)
		return err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.startLocked(cam)
}

func (e *Engine) startLocked(cam model.CameraEndpoint) error {
	e.stopLocked(cam.ID)

	// 开启 SO_REUSEPORT 时重复绑定不会失败，同一引擎内先检查一次
	if owner := e.portOwner(cam.ExternalPort); owner != "" {
		err := fmt.Errorf("%w: 端口 %d 已被 %s 使用", ErrBindFailed, cam.ExternalPort, owner)
		logrus.Errorf("❌ [%s] %v", cam.DisplayName(), err)
		e.emit(Event{Type: ForwardingError, CameraID: cam.ID, ExternalPort: cam.ExternalPort, Message: err.Error()})
		return err
	}

	ln, scope, err := bindWithFallback(e.listen, e.opts.Resolver, cam.ExternalPort, cam.DisplayName())
	if err != nil {
		logrus.Errorf("❌ [%s] 监听端口 %d 失败: %v", cam.DisplayName(), cam.ExternalPort, err)
		e.emit(Event{Type: ForwardingError, CameraID: cam.ID, ExternalPort: cam.ExternalPort, Message: err.Error()})
		return err
	}

	s := newSession(e.ctx, cam, ln, scope, e.clock.Now())
	e.mu.Lock()
	e.sessions[cam.ID] = s
	e.mu.Unlock()

	logrus.Infof("[%s] 开始转发 %s -> %s", cam.DisplayName(), ln.Addr(), cam.Addr())
	e.emit(Event{Type: ForwardingStarted, CameraID: cam.ID, ExternalPort: cam.ExternalPort})

	s.wg.Add(1)
	go e.acceptLoop(s)
	return nil
}

// StopForwarding 关闭会话的全部连接和监听，没有会话时什么都不做
func (e *Engine) StopForwarding(cameraID string) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.stopLocked(cameraID)
}

func (e *Engine) stopLocked(cameraID string) bool {
	e.mu.Lock()
	s, ok := e.sessions[cameraID]
	if ok {
		delete(e.sessions, cameraID)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}

	pairs := s.shutdown()
	for _, p := range pairs {
		p.close()
		e.emit(Event{Type: ConnectionClosed, CameraID: cameraID, ClientAddr: p.clientAddr})
	}
	s.wg.Wait()

	logrus.Infof("[%s] 已停止转发", s.name())
	e.emit(Event{Type: ForwardingStopped, CameraID: cameraID})
	return true
}

// StopAllForwarding 停止全部会话
func (e *Engine) StopAllForwarding() {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.stopAllLocked()
}

func (e *Engine) stopAllLocked() {
	for _, id := range e.ActiveForwards() {
		e.stopLocked(id)
	}
}

// RestartAllForwarding 记录当前会话的配置，全部停止后错开时间重新启动
func (e *Engine) RestartAllForwarding() {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	cameras := e.snapshotCameras()
	if len(cameras) == 0 {
		return
	}
	logrus.Infof("重启全部转发会话 (%d 个)", len(cameras))

	e.stopAllLocked()

	started := 0
	for _, cam := range cameras {
		if !cam.Enabled {
			continue
		}
		if started > 0 {
			select {
			case <-e.ctx.Done():
				return
			case <-e.clock.After(e.opts.RestartStagger):
			}
		}
		started++
		if err := e.startLocked(cam); err != nil {
			logrus.Errorf("[%s] 重启转发失败: %v", cam.DisplayName(), err)
		}
	}
}

func (e *Engine) snapshotCameras() []model.CameraEndpoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cameras := make([]model.CameraEndpoint, 0, len(e.sessions))
	for _, s := range e.sessions {
		cameras = append(cameras, s.camera)
	}
	sort.Slice(cameras, func(i, j int) bool { return cameras[i].ID < cameras[j].ID })
	return cameras
}

// Close 取消待执行的重启并停止全部会话
func (e *Engine) Close() {
	e.restartMu.Lock()
	e.closing = true
	e.restartMu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.StopAllForwarding()
}

// portOwner 返回正在监听该端口的会话名称
func (e *Engine) portOwner(port int) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, s := range e.sessions {
		if s.camera.ExternalPort == port {
			return s.name()
		}
	}
	return ""
}

func (e *Engine) session(cameraID string) *session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[cameraID]
}

func (e *Engine) IsForwarding(cameraID string) bool {
	return e.session(cameraID) != nil
}

// ActiveForwards 正在转发的摄像头ID，按字典序
func (e *Engine) ActiveForwards() []string {
	e.mu.RLock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

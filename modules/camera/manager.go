package camera

import (
	"errors"
	"fmt"
	"sync"

	"camrelay/modules/camera/model"
	"camrelay/modules/forward"

	"code.cloudfoundry.org/clock"
	"github.com/sirupsen/logrus"
)

// Forwarder 转发引擎，*forward.Engine 实现了它
type Forwarder interface {
	StartForwarding(cam model.CameraEndpoint) error
	StopForwarding(cameraID string)
	StopAllForwarding()
	IsForwarding(cameraID string) bool
	Subscribe(o forward.Observer)
}

type State string

const (
	StateDisabled State = "disabled"
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateError    State = "error"
)

// Status 摄像头当前状态
type Status struct {
	CameraID     string `json:"cameraId"`
	Name         string `json:"name"`
	ExternalPort int    `json:"externalPort"`
	State        State  `json:"state"`
	Running      bool   `json:"running"`
	LastError    string `json:"lastError,omitempty"`
}

type cameraState struct {
	running   bool
	state     State
	lastError string
}

// Manager 根据配置决定哪些摄像头需要转发，运行状态以引擎事件为准
type Manager struct {
	store Store
	fwd   Forwarder
	clock clock.Clock

	// opMu 串行化所有修改操作，调用引擎时不持有 mu
	opMu sync.Mutex

	mu      sync.RWMutex
	order   []string
	cameras map[string]model.CameraEndpoint
	states  map[string]*cameraState

	obsMu     sync.RWMutex
	observers []Observer
}

func NewManager(store Store, fwd Forwarder, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.NewClock()
	}
	m := &Manager{
		store:   store,
		fwd:     fwd,
		clock:   clk,
		cameras: make(map[string]model.CameraEndpoint),
		states:  make(map[string]*cameraState),
	}
	fwd.Subscribe(forward.ObserverFunc(m.handleForwardEvent))
	return m
}

// Initialize 读取配置，开启自动启动时启动全部已启用的摄像头
func (m *Manager) Initialize() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.store.Load(); err != nil {
		return err
	}
	m.refresh()
	logrus.Infof("摄像头管理已初始化，共 %d 个摄像头", len(m.Cameras()))

	if m.store.AutoStart() {
		if err := m.startAllLocked(); err != nil {
			logrus.Warnf("部分摄像头自动启动失败: %v", err)
		}
	}
	return nil
}

// Shutdown 停止全部摄像头
func (m *Manager) Shutdown() {
	m.StopAllCameras()
	m.fwd.StopAllForwarding()
	logrus.Info("摄像头管理已关闭")
}

// AddCamera 保存新摄像头，自动启动开启时立即启动
func (m *Manager) AddCamera(cam model.CameraEndpoint) (model.CameraEndpoint, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	added, err := m.store.Add(cam)
	if err != nil {
		logrus.Errorf("添加摄像头失败 %s: %v", cam.DisplayName(), err)
		return model.CameraEndpoint{}, err
	}
	m.refresh()
	m.emit(Event{Type: ConfigurationChanged})

	if added.Enabled && m.store.AutoStart() {
		if err = m.startLocked(added.ID); err != nil {
			logrus.Warnf("[%s] 启动失败: %v", added.DisplayName(), err)
		}
	}
	return added, nil
}

// UpdateCamera 更新配置，运行中的摄像头先停止，更新后仍启用则重新启动
func (m *Manager) UpdateCamera(cam model.CameraEndpoint) (model.CameraEndpoint, error) {
	if cam.UpstreamPort == 0 {
		cam.UpstreamPort = model.DefaultUpstreamPort
	}
	if err := cam.Validate(); err != nil {
		logrus.Errorf("摄像头配置无效 %s: %v", cam.DisplayName(), err)
		return model.CameraEndpoint{}, err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if _, ok := m.Camera(cam.ID); !ok {
		return model.CameraEndpoint{}, fmt.Errorf("%w: %s", model.ErrCameraNotFound, cam.ID)
	}

	wasRunning := m.running(cam.ID)
	if wasRunning {
		m.stopLocked(cam.ID)
	}

	updated, err := m.store.Update(cam)
	if err != nil {
		logrus.Errorf("更新摄像头失败 %s: %v", cam.DisplayName(), err)
		if wasRunning {
			// 配置没变，按原配置恢复
			if rerr := m.startLocked(cam.ID); rerr != nil {
				logrus.Errorf("[%s] 按原配置恢复转发失败: %v", cam.DisplayName(), rerr)
			}
		}
		return model.CameraEndpoint{}, err
	}
	m.refresh()

	if wasRunning && updated.Enabled {
		if err = m.startLocked(updated.ID); err != nil {
			logrus.Warnf("[%s] 重新启动失败: %v", updated.DisplayName(), err)
		}
	}

	logrus.Infof("摄像头已更新: %s", updated.DisplayName())
	m.emit(Event{Type: ConfigurationChanged})
	return updated, nil
}

func (m *Manager) RemoveCamera(id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	cam, ok := m.Camera(id)
	if !ok {
		logrus.Warnf("删除不存在的摄像头: %s", id)
		return fmt.Errorf("%w: %s", model.ErrCameraNotFound, id)
	}

	m.stopLocked(id)
	if err := m.store.Remove(id); err != nil {
		return err
	}
	m.refresh()

	logrus.Infof("摄像头已删除: %s", cam.DisplayName())
	m.emit(Event{Type: ConfigurationChanged})
	return nil
}

// SetEnabled 修改启用状态，停用会先停止转发
func (m *Manager) SetEnabled(id string, enabled bool) (model.CameraEndpoint, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	cam, ok := m.Camera(id)
	if !ok {
		return model.CameraEndpoint{}, fmt.Errorf("%w: %s", model.ErrCameraNotFound, id)
	}
	if cam.Enabled == enabled {
		return cam, nil
	}

	if !enabled {
		m.stopLocked(id)
	}
	cam.Enabled = enabled
	updated, err := m.store.Update(cam)
	if err != nil {
		return model.CameraEndpoint{}, err
	}
	m.refresh()
	m.emit(Event{Type: ConfigurationChanged})

	if enabled && m.store.AutoStart() {
		if err = m.startLocked(id); err != nil {
			logrus.Warnf("[%s] 启动失败: %v", updated.DisplayName(), err)
		}
	}
	return updated, nil
}

// StartCamera 启动单个摄像头，未启用或已在运行时什么都不做
func (m *Manager) StartCamera(id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.startLocked(id)
}

func (m *Manager) startLocked(id string) error {
	cam, ok := m.Camera(id)
	if !ok {
		logrus.Errorf("启动不存在的摄像头: %s", id)
		return fmt.Errorf("%w: %s", model.ErrCameraNotFound, id)
	}
	if !cam.Enabled {
		logrus.Warnf("[%s] 摄像头未启用，跳过", cam.DisplayName())
		return nil
	}
	if m.running(id) {
		logrus.Warnf("[%s] 摄像头已在运行", cam.DisplayName())
		return nil
	}

	if err := m.fwd.StartForwarding(cam); err != nil {
		// 绑定失败由引擎事件处理，其余错误在这里记录
		if !errors.Is(err, forward.ErrBindFailed) {
			m.markError(id, err.Error())
		}
		return err
	}
	return nil
}

// StopCamera 停止单个摄像头，已停止时什么都不做
func (m *Manager) StopCamera(id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if _, ok := m.Camera(id); !ok {
		logrus.Warnf("停止不存在的摄像头: %s", id)
		return fmt.Errorf("%w: %s", model.ErrCameraNotFound, id)
	}
	m.stopLocked(id)
	return nil
}

func (m *Manager) stopLocked(id string) {
	if m.running(id) {
		m.fwd.StopForwarding(id)
		return
	}

	// Error -> Stopped
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[id]; ok && st.state == StateError {
		st.state = m.idleState(id)
	}
}

// StartAllCameras 启动全部已启用的摄像头，单个失败不影响其他
func (m *Manager) StartAllCameras() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.startAllLocked()
}

func (m *Manager) startAllLocked() error {
	var errs []error
	for _, cam := range m.Cameras() {
		if !cam.Enabled {
			continue
		}
		if err := m.startLocked(cam.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cam.DisplayName(), err))
		}
	}
	logrus.Info("已启动全部启用的摄像头")
	return errors.Join(errs...)
}

func (m *Manager) StopAllCameras() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	for _, cam := range m.Cameras() {
		m.stopLocked(cam.ID)
	}
	logrus.Info("已停止全部摄像头")
}

// Reload 重新读取配置：删除或停用的摄像头停止转发，地址或端口变化的重新启动
func (m *Manager) Reload() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	old := make(map[string]model.CameraEndpoint)
	for _, cam := range m.Cameras() {
		old[cam.ID] = cam
	}

	if err := m.store.Load(); err != nil {
		return err
	}
	current := make(map[string]model.CameraEndpoint)
	for _, cam := range m.store.List() {
		current[cam.ID] = cam
	}

	for id, prev := range old {
		if !m.fwd.IsForwarding(id) {
			continue
		}
		cam, ok := current[id]
		switch {
		case !ok || !cam.Enabled:
			m.fwd.StopForwarding(id)
		case cam.Addr() != prev.Addr() || cam.ExternalPort != prev.ExternalPort:
			logrus.Infof("[%s] 配置已变化，重新启动转发", cam.DisplayName())
			if err := m.fwd.StartForwarding(cam); err != nil {
				logrus.Warnf("[%s] 重新启动失败: %v", cam.DisplayName(), err)
			}
		}
	}

	m.refresh()
	logrus.Info("摄像头配置已重新加载")
	m.emit(Event{Type: ConfigurationChanged})
	return nil
}

// refresh 从配置重建本地镜像，运行状态以引擎为准
func (m *Manager) refresh() {
	list := m.store.List()

	m.mu.Lock()
	defer m.mu.Unlock()

	order := make([]string, 0, len(list))
	cameras := make(map[string]model.CameraEndpoint, len(list))
	states := make(map[string]*cameraState, len(list))
	for _, cam := range list {
		order = append(order, cam.ID)
		cameras[cam.ID] = cam

		st := &cameraState{state: StateStopped}
		prev := m.states[cam.ID]
		switch {
		case m.fwd.IsForwarding(cam.ID):
			st.running = true
			st.state = StateRunning
			if prev != nil {
				st.lastError = prev.lastError
			}
		case !cam.Enabled:
			st.state = StateDisabled
		case prev != nil && prev.state == StateError:
			st.state = StateError
			st.lastError = prev.lastError
		}
		states[cam.ID] = st
	}
	m.order = order
	m.cameras = cameras
	m.states = states
}

// idleState 调用方持有 mu
func (m *Manager) idleState(id string) State {
	if cam, ok := m.cameras[id]; ok && !cam.Enabled {
		return StateDisabled
	}
	return StateStopped
}

func (m *Manager) markError(id, msg string) {
	m.mu.Lock()
	if st, ok := m.states[id]; ok {
		st.running = false
		st.state = StateError
		st.lastError = msg
	}
	m.mu.Unlock()
	m.emit(Event{Type: CameraError, CameraID: id, Message: msg})
}

// handleForwardEvent 在引擎的协程里执行，只能修改状态，不能调用引擎的启停
func (m *Manager) handleForwardEvent(ev forward.Event) {
	switch ev.Type {
	case forward.ForwardingStarted:
		if !m.setRunning(ev.CameraID, true) {
			return
		}
		logrus.Infof("[%s] 摄像头已启动，外部端口 %d", m.name(ev.CameraID), ev.ExternalPort)
		m.emit(Event{Type: CameraStarted, CameraID: ev.CameraID})

	case forward.ForwardingStopped:
		if !m.setRunning(ev.CameraID, false) {
			return
		}
		logrus.Infof("[%s] 摄像头已停止", m.name(ev.CameraID))
		m.emit(Event{Type: CameraStopped, CameraID: ev.CameraID})

	case forward.ForwardingError:
		if m.fwd.IsForwarding(ev.CameraID) {
			// 单个连接失败，会话仍在运行
			m.mu.Lock()
			if st, ok := m.states[ev.CameraID]; ok {
				st.lastError = ev.Message
			}
			m.mu.Unlock()
			logrus.Warnf("[%s] 转发错误: %s", m.name(ev.CameraID), ev.Message)
			m.emit(Event{Type: CameraError, CameraID: ev.CameraID, Message: ev.Message})
			return
		}
		logrus.Errorf("[%s] 摄像头启动失败: %s", m.name(ev.CameraID), ev.Message)
		m.markError(ev.CameraID, ev.Message)

	case forward.ConnectionEstablished:
		logrus.Debugf("[%s] 新连接 %s", m.name(ev.CameraID), ev.ClientAddr)
	case forward.ConnectionClosed:
		logrus.Debugf("[%s] 连接关闭 %s", m.name(ev.CameraID), ev.ClientAddr)
	}
}

func (m *Manager) setRunning(id string, running bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return false
	}
	st.running = running
	if running {
		st.state = StateRunning
		st.lastError = ""
	} else {
		st.state = m.idleState(id)
	}
	return true
}

func (m *Manager) running(id string) bool {
	return m.IsCameraRunning(id) || m.fwd.IsForwarding(id)
}

func (m *Manager) name(id string) string {
	if cam, ok := m.Camera(id); ok {
		return cam.DisplayName()
	}
	return id
}

func (m *Manager) IsCameraRunning(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	return ok && st.running
}

// RunningCameras 正在运行的摄像头ID，按配置顺序
func (m *Manager) RunningCameras() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for _, id := range m.order {
		if m.states[id].running {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *Manager) Cameras() []model.CameraEndpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cameras := make([]model.CameraEndpoint, 0, len(m.order))
	for _, id := range m.order {
		cameras = append(cameras, m.cameras[id])
	}
	return cameras
}

func (m *Manager) Camera(id string) (model.CameraEndpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cam, ok := m.cameras[id]
	return cam, ok
}

func (m *Manager) Status(id string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked(id)
}

func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]Status, 0, len(m.order))
	for _, id := range m.order {
		if s, ok := m.statusLocked(id); ok {
			list = append(list, s)
		}
	}
	return list
}

func (m *Manager) statusLocked(id string) (Status, bool) {
	cam, ok := m.cameras[id]
	if !ok {
		return Status{}, false
	}
	st := m.states[id]
	return Status{
		CameraID:     id,
		Name:         cam.Name,
		ExternalPort: cam.ExternalPort,
		State:        st.state,
		Running:      st.running,
		LastError:    st.lastError,
	}, true
}

func (m *Manager) AutoStart() bool {
	return m.store.AutoStart()
}

func (m *Manager) SetAutoStart(enabled bool) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if err := m.store.SetAutoStart(enabled); err != nil {
		return err
	}
	m.emit(Event{Type: ConfigurationChanged})
	return nil
}

package camera

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"camrelay/modules/camera/model"
	"camrelay/modules/forward"
	"camrelay/utils"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeForwarder 记录启停调用并同步发出和引擎一样的事件
type fakeForwarder struct {
	mu        sync.Mutex
	active    map[string]model.CameraEndpoint
	failBind  map[string]bool
	starts    []model.CameraEndpoint
	observers []forward.Observer
}

func newFakeForwarder() *fakeForwarder {
	return &fakeForwarder{
		active:   make(map[string]model.CameraEndpoint),
		failBind: make(map[string]bool),
	}
}

func (f *fakeForwarder) Subscribe(o forward.Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, o)
}

func (f *fakeForwarder) emit(ev forward.Event) {
	f.mu.Lock()
	observers := append([]forward.Observer(nil), f.observers...)
	f.mu.Unlock()
	for _, o := range observers {
		o.HandleEvent(ev)
	}
}

func (f *fakeForwarder) StartForwarding(cam model.CameraEndpoint) error {
	if err := cam.Forwardable(); err != nil {
		return err
	}
	f.StopForwarding(cam.ID)

	f.mu.Lock()
	f.starts = append(f.starts, cam)
	fail := f.failBind[cam.ID]
	if !fail {
		f.active[cam.ID] = cam
	}
	f.mu.Unlock()

	if fail {
		err := fmt.Errorf("%w: 端口 %d", forward.ErrBindFailed, cam.ExternalPort)
		f.emit(forward.Event{Type: forward.ForwardingError, CameraID: cam.ID, Message: err.Error()})
		return err
	}
	f.emit(forward.Event{Type: forward.ForwardingStarted, CameraID: cam.ID, ExternalPort: cam.ExternalPort})
	return nil
}

func (f *fakeForwarder) StopForwarding(id string) {
	f.mu.Lock()
	_, ok := f.active[id]
	delete(f.active, id)
	f.mu.Unlock()
	if ok {
		f.emit(forward.Event{Type: forward.ForwardingStopped, CameraID: id})
	}
}

func (f *fakeForwarder) StopAllForwarding() {
	f.mu.Lock()
	ids := make([]string, 0, len(f.active))
	for id := range f.active {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	for _, id := range ids {
		f.StopForwarding(id)
	}
}

func (f *fakeForwarder) IsForwarding(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.active[id]
	return ok
}

func (f *fakeForwarder) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeForwarder) lastStart() model.CameraEndpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[len(f.starts)-1]
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) HandleCameraEvent(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

// seedStore 写入配置文件：front 启用，back 停用
func seedStore(t *testing.T, autoStart bool) *JSONStore {
	t.Helper()
	s := NewJSONStore(t.TempDir() + "/cameras.json")
	cfg := model.CameraConfig{
		AutoStart: autoStart,
		Cameras: []model.CameraEndpoint{
			{ID: "front", Name: "Front", UpstreamHost: "10.0.0.1", UpstreamPort: 554, ExternalPort: 8551, Enabled: true},
			{ID: "back", Name: "Back", UpstreamHost: "10.0.0.2", UpstreamPort: 554, ExternalPort: 8552, Enabled: false},
		},
	}
	require.NoError(t, utils.WriteJsonFile(s.Path(), cfg))
	return s
}

func newTestManager(t *testing.T, autoStart bool) (*Manager, *fakeForwarder, *eventLog) {
	t.Helper()
	fwd := newFakeForwarder()
	m := NewManager(seedStore(t, autoStart), fwd, nil)
	log := &eventLog{}
	m.Subscribe(log)
	require.NoError(t, m.Initialize())
	return m, fwd, log
}

func requireState(t *testing.T, m *Manager, id string, want State) Status {
	t.Helper()
	st, ok := m.Status(id)
	require.True(t, ok, "摄像头 %s 不存在", id)
	require.Equal(t, want, st.State)
	return st
}

func TestInitializeAutoStart(t *testing.T) {
	m, fwd, log := newTestManager(t, true)

	assert.Equal(t, []string{"front"}, m.RunningCameras())
	assert.True(t, m.IsCameraRunning("front"))
	assert.True(t, fwd.IsForwarding("front"))
	requireState(t, m, "front", StateRunning)
	requireState(t, m, "back", StateDisabled)
	assert.Equal(t, []EventType{CameraStarted}, log.types())
	assert.Len(t, m.Statuses(), 2)
}

func TestInitializeWithoutAutoStart(t *testing.T) {
	m, fwd, _ := newTestManager(t, false)

	assert.Empty(t, m.RunningCameras())
	assert.Equal(t, 0, fwd.startCount())
	requireState(t, m, "front", StateStopped)
	requireState(t, m, "back", StateDisabled)
}

func TestStartCameraGuards(t *testing.T) {
	m, fwd, _ := newTestManager(t, false)

	require.NoError(t, m.StartCamera("back"))
	assert.Equal(t, 0, fwd.startCount())

	require.NoError(t, m.StartCamera("front"))
	require.NoError(t, m.StartCamera("front"))
	assert.Equal(t, 1, fwd.startCount())

	assert.ErrorIs(t, m.StartCamera("missing"), model.ErrCameraNotFound)
	assert.ErrorIs(t, m.StopCamera("missing"), model.ErrCameraNotFound)

	require.NoError(t, m.StopCamera("front"))
	require.NoError(t, m.StopCamera("front"))
	requireState(t, m, "front", StateStopped)
}

func TestBindFailureSetsError(t *testing.T) {
	m, fwd, log := newTestManager(t, false)
	fwd.failBind["front"] = true

	err := m.StartCamera("front")
	require.ErrorIs(t, err, forward.ErrBindFailed)

	st := requireState(t, m, "front", StateError)
	assert.False(t, st.Running)
	assert.Contains(t, st.LastError, "8551")
	assert.Equal(t, []EventType{CameraError}, log.types())

	// Error -> Stopped
	require.NoError(t, m.StopCamera("front"))
	requireState(t, m, "front", StateStopped)

	fwd.failBind["front"] = false
	require.NoError(t, m.StartCamera("front"))
	st = requireState(t, m, "front", StateRunning)
	assert.Empty(t, st.LastError)
}

func TestConnectionErrorKeepsRunning(t *testing.T) {
	m, fwd, log := newTestManager(t, true)
	log.reset()

	fwd.emit(forward.Event{Type: forward.ForwardingError, CameraID: "front", Message: "连接摄像头失败"})

	st := requireState(t, m, "front", StateRunning)
	assert.True(t, st.Running)
	assert.Equal(t, "连接摄像头失败", st.LastError)
	assert.Equal(t, []EventType{CameraError}, log.types())
}

func TestUpdateRunningCameraRestarts(t *testing.T) {
	m, fwd, log := newTestManager(t, true)
	log.reset()

	cam, ok := m.Camera("front")
	require.True(t, ok)
	cam.UpstreamHost = "10.0.0.50"
	cam.ExternalPort = 0

	updated, err := m.UpdateCamera(cam)
	require.NoError(t, err)
	assert.Equal(t, 8551, updated.ExternalPort)

	assert.Equal(t, 2, fwd.startCount())
	assert.Equal(t, "10.0.0.50", fwd.lastStart().UpstreamHost)
	assert.Equal(t, 8551, fwd.lastStart().ExternalPort)
	requireState(t, m, "front", StateRunning)
	assert.Equal(t, []EventType{CameraStopped, CameraStarted, ConfigurationChanged}, log.types())
}

func TestUpdateFailureRestoresPreviousConfig(t *testing.T) {
	m, fwd, _ := newTestManager(t, true)
	_, err := m.SetEnabled("back", true)
	require.NoError(t, err)
	require.True(t, m.IsCameraRunning("back"))

	cam, ok := m.Camera("front")
	require.True(t, ok)
	cam.ExternalPort = 8552

	// 端口冲突，按原配置重新启动
	_, err = m.UpdateCamera(cam)
	assert.ErrorIs(t, err, model.ErrPortInUse)
	assert.Equal(t, 8551, fwd.lastStart().ExternalPort)
	requireState(t, m, "front", StateRunning)

	// 恢复也失败时记录错误日志
	hook := logtest.NewGlobal()
	defer hook.Reset()
	fwd.failBind["front"] = true

	_, err = m.UpdateCamera(cam)
	assert.ErrorIs(t, err, model.ErrPortInUse)
	requireState(t, m, "front", StateError)

	var restoreLogged bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel && strings.Contains(entry.Message, "按原配置恢复转发失败") {
			restoreLogged = true
		}
	}
	assert.True(t, restoreLogged, "恢复失败没有记录日志")
}

func TestUpdateStoppedCameraStaysStopped(t *testing.T) {
	m, fwd, _ := newTestManager(t, false)

	cam, _ := m.Camera("front")
	cam.Name = "Front Door"
	_, err := m.UpdateCamera(cam)
	require.NoError(t, err)

	assert.Equal(t, 0, fwd.startCount())
	got, _ := m.Camera("front")
	assert.Equal(t, "Front Door", got.Name)

	_, err = m.UpdateCamera(model.CameraEndpoint{ID: "front", Name: "x", UpstreamHost: ""})
	assert.ErrorIs(t, err, model.ErrInvalidCamera)
}

func TestSetEnabled(t *testing.T) {
	m, fwd, _ := newTestManager(t, true)

	_, err := m.SetEnabled("front", false)
	require.NoError(t, err)
	assert.False(t, fwd.IsForwarding("front"))
	requireState(t, m, "front", StateDisabled)

	// 自动启动开启时，启用即启动
	_, err = m.SetEnabled("back", true)
	require.NoError(t, err)
	assert.True(t, fwd.IsForwarding("back"))
	requireState(t, m, "back", StateRunning)

	_, err = m.SetEnabled("missing", true)
	assert.ErrorIs(t, err, model.ErrCameraNotFound)
}

func TestAddAndRemoveCamera(t *testing.T) {
	m, fwd, log := newTestManager(t, true)
	log.reset()

	added, err := m.AddCamera(model.CameraEndpoint{Name: "Side", UpstreamHost: "10.0.0.3", Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, 8553, added.ExternalPort)
	assert.True(t, fwd.IsForwarding(added.ID))
	assert.Len(t, m.Cameras(), 3)

	clash := model.CameraEndpoint{Name: "Clash", UpstreamHost: "10.0.0.4", ExternalPort: 8551, Enabled: true}
	_, err = m.AddCamera(clash)
	assert.ErrorIs(t, err, model.ErrPortInUse)

	require.NoError(t, m.RemoveCamera(added.ID))
	assert.False(t, fwd.IsForwarding(added.ID))
	_, ok := m.Camera(added.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, m.RemoveCamera(added.ID), model.ErrCameraNotFound)

	assert.Equal(t, []EventType{ConfigurationChanged, CameraStarted, CameraStopped, ConfigurationChanged}, log.types())
}

func TestStartAllStopAll(t *testing.T) {
	m, fwd, _ := newTestManager(t, false)
	fwd.failBind["front"] = true

	_, err := m.AddCamera(model.CameraEndpoint{ID: "side", Name: "Side", UpstreamHost: "10.0.0.3", Enabled: true})
	require.NoError(t, err)

	// front 失败不影响 side
	err = m.StartAllCameras()
	assert.ErrorIs(t, err, forward.ErrBindFailed)
	assert.Equal(t, []string{"side"}, m.RunningCameras())
	requireState(t, m, "front", StateError)

	m.StopAllCameras()
	assert.Empty(t, m.RunningCameras())
	requireState(t, m, "side", StateStopped)
	requireState(t, m, "front", StateStopped)
}

func TestReloadReconciles(t *testing.T) {
	m, fwd, log := newTestManager(t, true)
	log.reset()

	// 模拟外部编辑: front 改端口，新增一个启用的摄像头
	cfg := model.CameraConfig{
		AutoStart: true,
		Cameras: []model.CameraEndpoint{
			{ID: "front", Name: "Front", UpstreamHost: "10.0.0.1", UpstreamPort: 554, ExternalPort: 8600, Enabled: true},
			{ID: "back", Name: "Back", UpstreamHost: "10.0.0.2", UpstreamPort: 554, ExternalPort: 8552, Enabled: false},
		},
	}
	require.NoError(t, utils.WriteJsonFile(m.store.(*JSONStore).Path(), cfg))
	require.NoError(t, m.Reload())
	assert.Equal(t, 8600, fwd.lastStart().ExternalPort)
	requireState(t, m, "front", StateRunning)

	// 再停用 front
	cfg.Cameras[0].Enabled = false
	require.NoError(t, utils.WriteJsonFile(m.store.(*JSONStore).Path(), cfg))
	require.NoError(t, m.Reload())
	assert.False(t, fwd.IsForwarding("front"))
	requireState(t, m, "front", StateDisabled)

	assert.Contains(t, log.types(), ConfigurationChanged)
}

func TestShutdownStopsAll(t *testing.T) {
	m, fwd, _ := newTestManager(t, true)
	m.Shutdown()
	assert.False(t, fwd.IsForwarding("front"))
	assert.Empty(t, m.RunningCameras())
}

// 真实引擎: 停用一个摄像头只关闭它自己的连接
func TestDisableClosesOnlyItsConnections(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()
	go func() {
		for {
			conn, err := upstream.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	upstreamPort := upstream.Addr().(*net.TCPAddr).Port

	engine := forward.New(forward.Options{})
	defer engine.Close()

	s := NewJSONStore(t.TempDir() + "/cameras.json")
	require.NoError(t, s.Load())
	m := NewManager(s, engine, nil)
	require.NoError(t, m.Initialize())

	cam1, err := m.AddCamera(model.CameraEndpoint{ID: "cam1", Name: "cam1", UpstreamHost: "127.0.0.1", UpstreamPort: upstreamPort, ExternalPort: freeTCPPort(t), Enabled: true})
	require.NoError(t, err)
	cam2, err := m.AddCamera(model.CameraEndpoint{ID: "cam2", Name: "cam2", UpstreamHost: "127.0.0.1", UpstreamPort: upstreamPort, ExternalPort: freeTCPPort(t), Enabled: true})
	require.NoError(t, err)
	require.NoError(t, m.StartAllCameras())
	assert.Equal(t, []string{"cam1", "cam2"}, m.RunningCameras())

	c1 := dialPort(t, cam1.ExternalPort)
	c2 := dialPort(t, cam2.ExternalPort)
	roundTrip(t, c1)
	roundTrip(t, c2)

	_, err = m.SetEnabled("cam1", false)
	require.NoError(t, err)

	require.NoError(t, c1.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = c1.Read(make([]byte, 1))
	require.Error(t, err)
	assert.Equal(t, 0, engine.ActiveConnections("cam1"))
	assert.False(t, engine.IsForwarding("cam1"))

	roundTrip(t, c2)
	assert.Equal(t, 1, engine.ActiveConnections("cam2"))
	requireState(t, m, "cam2", StateRunning)
	requireState(t, m, "cam1", StateDisabled)
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func dialPort(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn) {
	t.Helper()
	_, err := conn.Write([]byte("PING"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "PING", string(buf))
}

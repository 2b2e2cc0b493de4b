package routers

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"camrelay/api/camera_api"
	"camrelay/api/network_api"
	"camrelay/core"
	"camrelay/global"
	"camrelay/modules/camera"
	"camrelay/modules/camera/model"
	"camrelay/modules/discovery"
	"camrelay/modules/events"
	"camrelay/modules/forward"
	"camrelay/modules/netif"
	"camrelay/utils/res"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiResponse struct {
	Code res.Code        `json:"code"`
	Data json.RawMessage `json:"data"`
	Msg  string          `json:"msg"`
}

// setupGlobals 用临时目录装配一套真实的引擎和管理器
func setupGlobals(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	settings := core.DefaultSettings()
	settings.Network.STUNServers = nil
	settings.Network.TraceTarget = ""

	resolver := netif.NewResolver(nil)
	_, _ = resolver.Refresh()

	engine := forward.New(forward.Options{Resolver: resolver})
	manager := camera.NewManager(camera.NewJSONStore(filepath.Join(t.TempDir(), "cameras.json")), engine, nil)
	require.NoError(t, manager.Initialize())

	hub := events.NewHub()
	engine.Subscribe(hub)
	manager.Subscribe(hub)

	global.Settings = settings
	global.Resolver = resolver
	global.Engine = engine
	global.Manager = manager
	global.Mapper = nil
	global.Hub = hub
	global.Scanner = discovery.NewScanner(settings.DiscoveryOptions())
	global.SetNetInfo(netif.Info{})

	t.Cleanup(func() {
		hub.Close()
		manager.Shutdown()
		engine.Close()
	})
	return NewRouter()
}

func call(t *testing.T, r http.Handler, method, url string, body any) apiResponse {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func decode[T any](t *testing.T, resp apiResponse) T {
	t.Helper()
	require.Equal(t, res.SuccessCode, resp.Code, resp.Msg)
	var out T
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	return out
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestCameraLifecycle(t *testing.T) {
	r := setupGlobals(t)
	port := freePort(t)

	cam := decode[model.CameraEndpoint](t, call(t, r, http.MethodPost, "/api/cameras", map[string]any{
		"name":         "Front Door",
		"ipAddress":    "127.0.0.1",
		"externalPort": port,
	}))
	require.NotEmpty(t, cam.ID)
	assert.Equal(t, model.DefaultUpstreamPort, cam.UpstreamPort)
	assert.True(t, cam.Enabled)

	list := decode[camera_api.CameraListResponse](t, call(t, r, http.MethodGet, "/api/cameras", nil))
	assert.False(t, list.AutoStart)
	assert.Len(t, list.Cameras, 1)

	// 没有自动启动，需要手动启动
	status := decode[camera.Status](t, call(t, r, http.MethodPost, "/api/cameras/start", map[string]string{"id": cam.ID}))
	assert.Equal(t, camera.StateRunning, status.State)
	assert.True(t, global.Engine.IsForwarding(cam.ID))

	statuses := decode[[]camera_api.CameraStatusResponse](t, call(t, r, http.MethodGet, "/api/cameras/status", nil))
	require.Len(t, statuses, 1)
	require.NotNil(t, statuses[0].Forward)
	assert.Equal(t, port, statuses[0].Forward.ExternalPort)
	assert.Equal(t, forward.ScopeWildcard, statuses[0].Forward.Scope)

	status = decode[camera.Status](t, call(t, r, http.MethodPost, "/api/cameras/stop", map[string]string{"id": cam.ID}))
	assert.Equal(t, camera.StateStopped, status.State)
	assert.False(t, global.Engine.IsForwarding(cam.ID))

	resp := call(t, r, http.MethodDelete, "/api/cameras", map[string]string{"id": cam.ID})
	assert.Equal(t, res.SuccessCode, resp.Code)
	assert.Empty(t, global.Manager.Cameras())
}

func TestCameraUpdateKeepsEnabled(t *testing.T) {
	r := setupGlobals(t)

	cam := decode[model.CameraEndpoint](t, call(t, r, http.MethodPost, "/api/cameras", map[string]any{
		"name":      "Garage",
		"ipAddress": "10.0.0.5",
		"enabled":   false,
	}))
	assert.Equal(t, model.FirstExternalPort, cam.ExternalPort)

	updated := decode[model.CameraEndpoint](t, call(t, r, http.MethodPut, "/api/cameras", map[string]any{
		"id":        cam.ID,
		"name":      "Garage 2",
		"ipAddress": "10.0.0.6",
		"port":      8554,
	}))
	assert.Equal(t, "Garage 2", updated.Name)
	assert.Equal(t, 8554, updated.UpstreamPort)
	assert.Equal(t, cam.ExternalPort, updated.ExternalPort)
	assert.False(t, updated.Enabled)

	enabled := decode[model.CameraEndpoint](t, call(t, r, http.MethodPut, "/api/cameras/enabled", map[string]any{
		"id": cam.ID, "enabled": true,
	}))
	assert.True(t, enabled.Enabled)

	auto := decode[camera_api.AutoStartViewRequest](t, call(t, r, http.MethodPut, "/api/cameras/auto_start", map[string]any{"enabled": true}))
	assert.True(t, auto.Enabled)
	assert.True(t, global.Manager.AutoStart())
}

func TestCameraErrors(t *testing.T) {
	r := setupGlobals(t)

	resp := call(t, r, http.MethodPost, "/api/cameras", map[string]any{"name": "No Address"})
	assert.Equal(t, res.FailCode, resp.Code)

	resp = call(t, r, http.MethodPost, "/api/cameras", map[string]any{"name": "Bad", "ipAddress": "10.0.0.1", "port": 70000})
	assert.Equal(t, res.FailCode, resp.Code)
	assert.Contains(t, resp.Msg, "摄像头配置无效")

	resp = call(t, r, http.MethodPost, "/api/cameras/start", map[string]string{"id": "missing"})
	assert.Equal(t, res.FailCode, resp.Code)
	assert.Equal(t, "摄像头不存在", resp.Msg)

	resp = call(t, r, http.MethodDelete, "/api/cameras", map[string]string{"id": "missing"})
	assert.Equal(t, "摄像头不存在", resp.Msg)

	first := decode[model.CameraEndpoint](t, call(t, r, http.MethodPost, "/api/cameras", map[string]any{
		"name": "A", "ipAddress": "10.0.0.1",
	}))
	resp = call(t, r, http.MethodPost, "/api/cameras", map[string]any{
		"name": "B", "ipAddress": "10.0.0.2", "externalPort": first.ExternalPort,
	})
	assert.Equal(t, "外部端口已被其他摄像头使用", resp.Msg)

	disabled := decode[model.CameraEndpoint](t, call(t, r, http.MethodPost, "/api/cameras", map[string]any{
		"name": "C", "ipAddress": "10.0.0.3", "enabled": false,
	}))
	resp = call(t, r, http.MethodPost, "/api/cameras/start", map[string]string{"id": disabled.ID})
	assert.Equal(t, "摄像头未启用", resp.Msg)
}

func TestStartAllStopAll(t *testing.T) {
	r := setupGlobals(t)

	for _, name := range []string{"One", "Two"} {
		call(t, r, http.MethodPost, "/api/cameras", map[string]any{
			"name": name, "ipAddress": "127.0.0.1", "externalPort": freePort(t),
		})
	}

	statuses := decode[[]camera.Status](t, call(t, r, http.MethodPost, "/api/cameras/start_all", nil))
	require.Len(t, statuses, 2)
	for _, st := range statuses {
		assert.True(t, st.Running, st.Name)
	}
	assert.Len(t, global.Engine.ActiveForwards(), 2)

	info := decode[network_api.NetworkInfoResponse](t, call(t, r, http.MethodGet, "/api/network", nil))
	assert.Len(t, info.ActiveForwards, 2)
	assert.Contains(t, info.Summary, "Active interfaces:")

	statuses = decode[[]camera.Status](t, call(t, r, http.MethodPost, "/api/cameras/stop_all", nil))
	for _, st := range statuses {
		assert.False(t, st.Running, st.Name)
	}
	assert.Empty(t, global.Engine.ActiveForwards())
}

func TestNetworkProbeWithoutSources(t *testing.T) {
	r := setupGlobals(t)

	info := decode[network_api.NetworkInfoResponse](t, call(t, r, http.MethodPost, "/api/network/probe", nil))
	assert.False(t, info.Probe.ProbedAt.IsZero())
	assert.Empty(t, info.Probe.PublicIP)
	assert.Empty(t, info.UPnPMappings)
}

func TestEventsStream(t *testing.T) {
	r := setupGlobals(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return global.Hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	_, err = global.Manager.AddCamera(model.CameraEndpoint{Name: "Lobby", UpstreamHost: "10.0.0.9", Enabled: true})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Source events.Source   `json:"source"`
		Event  json.RawMessage `json:"event"`
	}
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, events.SourceCamera, msg.Source)
	assert.Contains(t, string(msg.Event), `"configurationChanged"`)
}

func TestCameraDiscover(t *testing.T) {
	r := setupGlobals(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><title>Gate</title><body>Hikvision DS-2CD1023G0E-I</body></html>`))
	}))
	defer srv.Close()
	port := srv.Listener.Addr().(*net.TCPAddr).Port
	global.Scanner = discovery.NewScanner(discovery.Options{
		Ports:         []int{port},
		PriorityPorts: []int{},
		RTSPPort:      freePort(t),
	})

	call(t, r, http.MethodPost, "/api/cameras", map[string]any{"name": "Gate", "ipAddress": "127.0.0.1", "enabled": false})

	out := decode[camera_api.CameraDiscoverResponse](t, call(t, r, http.MethodPost, "/api/cameras/discover", map[string]string{
		"network": "127.0.0.1/32",
	}))
	assert.Equal(t, "127.0.0.1/32", out.Network)
	require.Len(t, out.Cameras, 1)
	assert.Equal(t, discovery.BrandHikvision, out.Cameras[0].Brand)
	assert.Equal(t, "DS-2CD1023G0E-I", out.Cameras[0].Model)
	assert.Equal(t, port, out.Cameras[0].Port)
	assert.True(t, out.Cameras[0].Configured)

	resp := call(t, r, http.MethodPost, "/api/cameras/discover", map[string]string{"network": "bogus"})
	assert.Equal(t, res.FailCode, resp.Code)
	assert.Contains(t, resp.Msg, "网段格式无效")
}

package camera

import (
	"fmt"
	"time"
)

type EventType int

const (
	CameraStarted EventType = iota
	CameraStopped
	CameraError
	ConfigurationChanged
)

var eventTypeNames = map[EventType]string{
	CameraStarted:        "cameraStarted",
	CameraStopped:        "cameraStopped",
	CameraError:          "cameraError",
	ConfigurationChanged: "configurationChanged",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Event 摄像头状态变化，ConfigurationChanged 没有 CameraID
type Event struct {
	Type     EventType `json:"type"`
	CameraID string    `json:"cameraId,omitempty"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

// Observer 同步接收 Manager 的事件，不能在回调里调用 Manager 的操作方法
type Observer interface {
	HandleCameraEvent(ev Event)
}

type ObserverFunc func(ev Event)

func (f ObserverFunc) HandleCameraEvent(ev Event) {
	f(ev)
}

func (m *Manager) Subscribe(o Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *Manager) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = m.clock.Now()
	}

	m.obsMu.RLock()
	observers := append([]Observer(nil), m.observers...)
	m.obsMu.RUnlock()

	for _, o := range observers {
		o.HandleCameraEvent(ev)
	}
}

package forward

import (
	"fmt"
	"time"
)

// EventType 转发引擎产生的事件类型
type EventType int

const (
	ForwardingStarted EventType = iota
	ForwardingStopped
	ForwardingError
	ConnectionEstablished
	ConnectionClosed
)

var eventTypeNames = map[EventType]string{
	ForwardingStarted:     "forwardingStarted",
	ForwardingStopped:     "forwardingStopped",
	ForwardingError:       "forwardingError",
	ConnectionEstablished: "connectionEstablished",
	ConnectionClosed:      "connectionClosed",
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

// Event 一次状态变化，观察者只读
type Event struct {
	Type         EventType `json:"type"`
	CameraID     string    `json:"cameraId"`
	ExternalPort int       `json:"externalPort,omitempty"`
	ClientAddr   string    `json:"clientAddr,omitempty"`
	Message      string    `json:"message,omitempty"`
	Time         time.Time `json:"time"`
}

// Observer 接收引擎事件。
// HandleEvent 在引擎的调用方协程里同步执行，不能回调 Engine 的启停方法，
// 耗时操作需要自己开协程。
type Observer interface {
	HandleEvent(ev Event)
}

type ObserverFunc func(ev Event)

func (f ObserverFunc) HandleEvent(ev Event) {
	f(ev)
}

// Subscribe 注册观察者
func (e *Engine) Subscribe(o Observer) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, o)
}

func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.clock.Now()
	}

	e.obsMu.RLock()
	observers := append([]Observer(nil), e.observers...)
	e.obsMu.RUnlock()

	for _, o := range observers {
		o.HandleEvent(ev)
	}
}

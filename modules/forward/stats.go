package forward

import "time"

// Stats 会话的实时统计，会话重建后清零
type Stats struct {
	CameraID          string    `json:"cameraId"`
	ExternalPort      int       `json:"externalPort"`
	BoundAddr         string    `json:"boundAddr"`
	Scope             BindScope `json:"scope"`
	ActiveConnections int       `json:"activeConnections"`
	ConnectionCount   uint64    `json:"connectionCount"`
	BytesTransferred  uint64    `json:"bytesTransferred"`
	Reconnecting      bool      `json:"reconnecting"`
	StartedAt         time.Time `json:"startedAt"`
}

// Stats 返回会话统计，没有会话时 ok 为 false
func (e *Engine) Stats(cameraID string) (Stats, bool) {
	s := e.session(cameraID)
	if s == nil {
		return Stats{CameraID: cameraID}, false
	}
	return Stats{
		CameraID:          cameraID,
		ExternalPort:      s.camera.ExternalPort,
		BoundAddr:         s.listener.Addr().String(),
		Scope:             s.scope,
		ActiveConnections: s.activeConnections(),
		ConnectionCount:   s.connections.Load(),
		BytesTransferred:  s.bytes.Load(),
		Reconnecting:      s.isReconnecting(),
		StartedAt:         s.startedAt,
	}, true
}

// ConnectionCount 会话累计接受的连接数，没有会话时为0
func (e *Engine) ConnectionCount(cameraID string) uint64 {
	if s := e.session(cameraID); s != nil {
		return s.connections.Load()
	}
	return 0
}

// BytesTransferred 会话累计转发的字节数（双向），没有会话时为0
func (e *Engine) BytesTransferred(cameraID string) uint64 {
	if s := e.session(cameraID); s != nil {
		return s.bytes.Load()
	}
	return 0
}

func (e *Engine) ActiveConnections(cameraID string) int {
	if s := e.session(cameraID); s != nil {
		return s.activeConnections()
	}
	return 0
}

func (e *Engine) Reconnecting(cameraID string) bool {
	if s := e.session(cameraID); s != nil {
		return s.isReconnecting()
	}
	return false
}

// BoundAddress 实际监听的地址，没有会话时为空
func (e *Engine) BoundAddress(cameraID string) string {
	if s := e.session(cameraID); s != nil {
		return s.listener.Addr().String()
	}
	return ""
}

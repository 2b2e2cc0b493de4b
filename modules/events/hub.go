package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"camrelay/modules/camera"
	"camrelay/modules/forward"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	sendQueueSize = 64
	writeTimeout  = 5 * time.Second
	pingInterval  = 30 * time.Second
	pongTimeout   = 2 * pingInterval
)

type Source string

const (
	SourceForward   Source = "forward"
	SourceCamera    Source = "camera"
	SourceDiscovery Source = "discovery"
)

// DiscoveryProgress 扫描进度
type DiscoveryProgress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Message 推送给前端的一条事件
type Message struct {
	Source Source `json:"source"`
	Event  any    `json:"event"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub 把转发和摄像头事件广播给所有 websocket 连接。
// 发送队列满的连接直接断开，不阻塞事件源。
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) HandleEvent(ev forward.Event) {
	h.broadcast(Message{Source: SourceForward, Event: ev})
}

func (h *Hub) HandleCameraEvent(ev camera.Event) {
	h.broadcast(Message{Source: SourceCamera, Event: ev})
}

// HandleDiscoveryProgress 可直接作为 discovery.ProgressFunc
func (h *Hub) HandleDiscoveryProgress(done, total int) {
	h.broadcast(Message{Source: SourceDiscovery, Event: DiscoveryProgress{Done: done, Total: total}})
}

func (h *Hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logrus.Errorf("事件序列化失败: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			logrus.Warnf("事件推送积压，断开 %s", c.conn.RemoteAddr())
			delete(h.clients, c)
			c.close()
		}
	}
}

// ServeHTTP 升级为 websocket 并开始推送
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		logrus.Warnf("websocket 升级失败: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendQueueSize)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	logrus.Infof("📡 事件订阅连接: %s", conn.RemoteAddr())

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logrus.Debugf("事件推送失败 %s: %v", c.conn.RemoteAddr(), err)
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readLoop 只处理控制帧，客户端断开时退出
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)

	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			logrus.Infof("事件订阅断开: %s", c.conn.RemoteAddr())
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close 断开全部连接，之后的连接会被拒绝
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

package web

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"maskbrowser/internal/rpa"
	"maskbrowser/internal/shared/logger"
	"maskbrowser/internal/tunnel"
)

// WebSocket 消息类型
const (
	MessageJobEvent     = "job_event"
	MessageTunnelHealth = "tunnel_health"
	MessageStatusUpdate = "status_update"
)

// WebSocketMessage 定义了 WebSocket 消息的通用格式
type WebSocketMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub maintains the set of active clients and broadcasts messages to the
// clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.Mutex
}

var _ rpa.EventSink = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		clients:    make(map[*websocket.Conn]bool),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			logger.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("WebSocket client registered.")
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				logger.Info().Str("remote_addr", conn.RemoteAddr().String()).Msg("WebSocket client unregistered.")
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					// 读循环负责注销断开的客户端
					logger.Warn().Err(err).Str("remote_addr", conn.RemoteAddr().String()).Msg("Error writing to websocket client.")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop 结束 Run 并断开所有客户端。
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ClientCount 返回当前连接的客户端数量。
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) send(msgType string, data interface{}) {
	jsonMsg, err := json.Marshal(WebSocketMessage{Type: msgType, Data: data})
	if err != nil {
		logger.Error().Err(err).Str("type", msgType).Msg("Hub: Failed to marshal message")
		return
	}
	select {
	case h.broadcast <- jsonMsg:
	default:
		// 广播队列已满时丢弃, 不阻塞调度器
	}
}

// Publish 实现 rpa.EventSink, 把任务和步骤事件推送给所有客户端。
func (h *Hub) Publish(ev rpa.Event) {
	h.send(MessageJobEvent, ev)
}

// BroadcastTunnelHealth 广播一次隧道健康检查结果。
func (h *Hub) BroadcastTunnelHealth(report tunnel.HealthReport) {
	h.send(MessageTunnelHealth, report)
}

// BroadcastStatusUpdate 通知客户端重新拉取 /api/status。
func (h *Hub) BroadcastStatusUpdate() {
	logger.Debug().Msg("Hub: Broadcasting status update to all clients.")
	h.send(MessageStatusUpdate, nil)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWs handles websocket requests from the peer.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade websocket")
		return
	}
	select {
	case hub.register <- conn:
	case <-hub.done:
		conn.Close()
		return
	}

	// 读循环只用来发现客户端断开
	go func() {
		defer func() {
			select {
			case hub.unregister <- conn:
			case <-hub.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warn().Err(err).Msg("Unexpected websocket close error")
				}
				break
			}
		}
	}()
}

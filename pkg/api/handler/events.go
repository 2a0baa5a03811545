package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/LENAX/task-watchdog/pkg/core/events"
	"github.com/LENAX/task-watchdog/pkg/logging"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	clientBuffer   = 64
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// eventClient 一个websocket订阅者
type eventClient struct {
	conn       *websocket.Conn
	send       chan *events.Event
	workflowID string // 为空表示接收全部事件
}

// EventHub 把事件总线上的生命周期事件推送给websocket客户端
type EventHub struct {
	logger  zerolog.Logger
	mu      sync.RWMutex
	clients map[*eventClient]struct{}
}

// NewEventHub 创建EventHub并订阅事件总线
func NewEventHub(bus *events.Bus, logger zerolog.Logger) (*EventHub, error) {
	hub := &EventHub{
		logger:  logging.Component(logger, "events_ws"),
		clients: make(map[*eventClient]struct{}),
	}
	if err := bus.Subscribe("websocket", events.LifecycleEvents, hub.broadcast); err != nil {
		return nil, err
	}
	return hub, nil
}

// Clients 当前连接数
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast 投递给所有客户端，缓冲区满的客户端丢弃本条事件
func (h *EventHub) broadcast(evt *events.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.workflowID != "" && c.workflowID != evt.WorkflowID {
			continue
		}
		select {
		case c.send <- evt:
		default:
			h.logger.Warn().Str("event", string(evt.Type)).Msg("[EventHub] 客户端消费过慢，丢弃事件")
		}
	}
	return nil
}

func (h *EventHub) register(c *eventClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *EventHub) unregister(c *eventClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Stream 生命周期事件流
// GET /api/v1/events?workflow_id=
func (h *EventHub) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("[EventHub] websocket升级失败")
		return
	}

	client := &eventClient{
		conn:       conn,
		send:       make(chan *events.Event, clientBuffer),
		workflowID: c.Query("workflow_id"),
	}
	h.register(client)
	h.logger.Debug().Str("workflow_id", client.workflowID).Msg("[EventHub] 客户端已连接")

	go h.writePump(client)
	h.readPump(client)
}

// readPump 只处理控制帧，连接断开后注销客户端
func (h *EventHub) readPump(c *eventClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("[EventHub] 连接异常关闭")
			}
			return
		}
	}
}

func (h *EventHub) writePump(c *eventClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case evt, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

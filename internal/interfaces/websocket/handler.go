package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/eventbus"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/safego"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxReadSize    = 4 * 1024
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 来源校验由上游网关负责
	CheckOrigin: func(r *http.Request) bool { return true },
}

// FrameType 推送帧类型
type FrameType string

const (
	FrameTypeEvent FrameType = "event"
	FrameTypePing  FrameType = "ping"
	FrameTypePong  FrameType = "pong"
)

// Frame 推送给客户端的帧
type Frame struct {
	Type           FrameType `json:"type"`
	Event          string    `json:"event,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ActorID        string    `json:"actor_id,omitempty"`
	Sequence       int64     `json:"sequence,omitempty"`
	Muted          bool      `json:"muted,omitempty"`
	Data           any       `json:"data,omitempty"`
	Timestamp      int64     `json:"timestamp"`
}

// Client WebSocket 客户端，一个用户可以有多个连接
type Client struct {
	ID     string
	UserID string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *zap.Logger
}

type outbound struct {
	userID   string
	clientID string // 非空时只发给该连接
	data     []byte
}

// Metrics Hub 上报的指标，字段可为 nil
type Metrics struct {
	Clients   prometheus.Gauge
	Delivered prometheus.Counter
}

// Hub 连接中心：订阅事件总线，把投递事件推送给接收者的全部连接
type Hub struct {
	clients    map[string]*Client
	byUser     map[string]map[string]*Client
	register   chan *Client
	unregister chan *Client
	outbound   chan outbound
	metrics    Metrics
	logger     *zap.Logger
	mu         sync.RWMutex
	done       chan struct{}
}

// NewHub 创建连接中心
func NewHub(metrics Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		byUser:     make(map[string]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		outbound:   make(chan outbound, 1024),
		metrics:    metrics,
		logger:     logger.With(zap.String("component", "ws-hub")),
		done:       make(chan struct{}),
	}
}

// Attach 订阅事件总线，返回取消订阅函数
func (h *Hub) Attach(bus eventbus.Bus) func() {
	return bus.Subscribe("*", h.onEvent)
}

// onEvent 在总线分发协程中调用，不能阻塞
func (h *Hub) onEvent(ctx context.Context, event eventbus.Event) {
	var p eventbus.DeliveryPayload
	switch v := event.Payload().(type) {
	case eventbus.DeliveryPayload:
		p = v
	case *eventbus.DeliveryPayload:
		p = *v
	default:
		return
	}

	for _, r := range p.Recipients {
		frame := Frame{
			Type:           FrameTypeEvent,
			Event:          event.Type(),
			ConversationID: p.ConversationID,
			ActorID:        p.ActorID,
			Sequence:       p.Sequence,
			Muted:          r.Muted,
			Data:           p.Data,
			Timestamp:      event.Timestamp().Unix(),
		}
		data, err := json.Marshal(frame)
		if err != nil {
			h.logger.Error("Failed to encode frame", zap.String("event", event.Type()), zap.Error(err))
			return
		}
		select {
		case h.outbound <- outbound{userID: r.UserID, data: data}:
		case <-h.done:
			return
		default:
			h.logger.Warn("Outbound queue full, dropping frame",
				zap.String("event", event.Type()),
				zap.String("user_id", r.UserID),
			)
		}
	}
}

// Run 运行连接中心，ctx 取消后关闭全部连接
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.byUser = make(map[string]map[string]*Client)
			h.mu.Unlock()
			h.reportClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			if h.byUser[client.UserID] == nil {
				h.byUser[client.UserID] = make(map[string]*Client)
			}
			h.byUser[client.UserID][client.ID] = client
			h.mu.Unlock()
			h.reportClients()
			h.logger.Info("Client connected",
				zap.String("client_id", client.ID),
				zap.String("user_id", client.UserID),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			h.reportClients()
			h.logger.Info("Client disconnected", zap.String("client_id", client.ID))

		case msg := <-h.outbound:
			h.mu.Lock()
			for _, client := range h.byUser[msg.userID] {
				if msg.clientID != "" && client.ID != msg.clientID {
					continue
				}
				select {
				case client.send <- msg.data:
					if h.metrics.Delivered != nil {
						h.metrics.Delivered.Inc()
					}
				default:
					// 慢客户端直接断开，由其重连后补拉
					h.logger.Warn("Client too slow, disconnecting", zap.String("client_id", client.ID))
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.send)
	if set := h.byUser[client.UserID]; set != nil {
		delete(set, client.ID)
		if len(set) == 0 {
			delete(h.byUser, client.UserID)
		}
	}
}

func (h *Hub) reportClients() {
	if h.metrics.Clients != nil {
		h.metrics.Clients.Set(float64(h.ClientCount()))
	}
}

// ClientCount 获取客户端数量
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// UserConnected 判断用户是否在线
func (h *Hub) UserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

// ServeWS 升级连接；userID 由上游身份中间件解析
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		hub:    h,
		logger: h.logger,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	safego.Go(h.logger, "ws-write", client.writePump)
	safego.Go(h.logger, "ws-read", client.readPump)
}

// readPump 读取客户端帧，仅处理 ping
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxReadSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Debug("Ignoring malformed frame", zap.String("client_id", c.ID))
			continue
		}
		if frame.Type == FrameTypePing {
			pong, _ := json.Marshal(Frame{Type: FrameTypePong, Timestamp: time.Now().Unix()})
			select {
			case c.hub.outbound <- outbound{userID: c.UserID, clientID: c.ID, data: pong}:
			default:
			}
		}
	}
}

// writePump 写出帧并定期发送 ping
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

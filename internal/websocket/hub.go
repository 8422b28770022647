package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"commsdash/dashboard/internal/identity"
	"commsdash/dashboard/internal/monitoring"
)

const (
	pingInterval  = 30 * time.Second
	pongWait      = 60 * time.Second
	writeWait     = 10 * time.Second
	sendQueueSize = 256
)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				// 没有 Origin 视为同源请求
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeViewUpdate  MessageType = "view_update"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	View      string          `json:"view,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SnapshotFunc 返回身份某个视图的当前快照，视图未挂载时负责挂载
type SnapshotFunc func(identity, view string) (any, error)

// Options Hub 配置
type Options struct {
	AllowedOrigins []string
	Codec          *identity.Codec
	Snapshot       SnapshotFunc
	// OnIdle 在身份最后一个订阅过视图的连接断开后调用
	OnIdle  func(identity string)
	Log     *zap.Logger
	Metrics *monitoring.Metrics
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	ID       string
	Identity string

	conn *websocket.Conn
	hub  *Hub
	log  *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
	views  map[string]bool
}

// Hub 管理所有WebSocket连接
type Hub struct {
	clients    map[string]*Client            // clientID -> Client
	topics     map[string]map[string]*Client // identity/view -> clientID -> Client
	identities map[string]int                // identity -> 连接数
	watched    map[string]bool               // 订阅过视图的身份
	register   chan *Client
	unregister chan *Client
	subscribe  chan *subscription
	broadcast  chan *broadcastMessage
	done       chan struct{}
	mu         sync.RWMutex

	allowedOrigins []string
	codec          *identity.Codec
	snapshot       SnapshotFunc
	onIdle         func(identity string)
	log            *zap.Logger
	metrics        *monitoring.Metrics
}

// broadcastMessage 快照在 Run 中投递时才计算
type broadcastMessage struct {
	topic    string
	view     string
	snapshot func() any
}

type subscription struct {
	client *Client
	view   string
}

// NewHub 创建WebSocket Hub
func NewHub(opts Options) *Hub {
	allowed := opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		topics:         make(map[string]map[string]*Client),
		identities:     make(map[string]int),
		watched:        make(map[string]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		subscribe:      make(chan *subscription),
		broadcast:      make(chan *broadcastMessage, sendQueueSize),
		done:           make(chan struct{}),
		allowedOrigins: allowed,
		codec:          opts.Codec,
		snapshot:       opts.Snapshot,
		onIdle:         opts.OnIdle,
		log:            log,
		metrics:        opts.Metrics,
	}
}

func topicOf(identity, view string) string {
	return identity + "/" + view
}

// Run 启动Hub
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.identities[client.Identity]++
			h.mu.Unlock()
			h.metrics.WebSocketClientDelta(1)
			h.log.Info("client registered", zap.String("id", client.ID), zap.String("identity", client.Identity))

		case client := <-h.unregister:
			h.removeClient(client)

		case sub := <-h.subscribe:
			h.subscribeClient(sub.client, sub.view)

		case msg := <-h.broadcast:
			h.broadcastToTopic(msg)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// removeClient 注销客户端；身份的最后一个连接断开时通知 OnIdle
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.ID]; !ok {
		h.mu.Unlock()
		return
	}

	client.mu.Lock()
	for view := range client.views {
		h.leaveTopicLocked(topicOf(client.Identity, view), client.ID)
	}
	client.mu.Unlock()

	delete(h.clients, client.ID)
	h.identities[client.Identity]--
	last := h.identities[client.Identity] <= 0
	subscribed := h.watched[client.Identity]
	if last {
		delete(h.identities, client.Identity)
		delete(h.watched, client.Identity)
	}
	h.mu.Unlock()

	client.close()
	h.metrics.WebSocketClientDelta(-1)
	h.log.Info("client unregistered", zap.String("id", client.ID), zap.String("identity", client.Identity))

	if last && subscribed && h.onIdle != nil {
		go h.onIdle(client.Identity)
	}
}

func (h *Hub) leaveTopicLocked(topic, clientID string) {
	if clients, ok := h.topics[topic]; ok {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Publish 向订阅了该视图的客户端推送快照，不会阻塞调用方
//
// snapshot 在 Hub 的运行循环中调用，与订阅时的初始快照串行，
// 因此客户端最后收到的总是最新状态。
func (h *Hub) Publish(identity, view string, snapshot func() any) {
	select {
	case h.broadcast <- &broadcastMessage{topic: topicOf(identity, view), view: view, snapshot: snapshot}:
	default:
		h.log.Warn("broadcast queue full, dropping view update",
			zap.String("identity", identity),
			zap.String("view", view))
	}
}

// HasSubscribers 判断身份是否还有在线连接
func (h *Hub) HasSubscribers(identity string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.identities[identity] > 0
}

// ClientCount 返回在线连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcastToTopic 向订阅特定主题的客户端广播消息
func (h *Hub) broadcastToTopic(msg *broadcastMessage) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.topics[msg.topic]))
	for _, c := range h.topics[msg.topic] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	data, err := encode(MessageTypeViewUpdate, msg.view, msg.snapshot())
	if err != nil {
		h.log.Error("failed to marshal view update", zap.String("view", msg.view), zap.Error(err))
		return
	}

	for _, client := range clients {
		if !client.enqueue(data) {
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送ping
func (h *Hub) pingAllClients() {
	data, err := encode(MessageTypePing, "", nil)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		client.enqueue(data)
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		client.close()
		h.metrics.WebSocketClientDelta(-1)
	}
	h.clients = make(map[string]*Client)
	h.topics = make(map[string]map[string]*Client)
	h.identities = make(map[string]int)
	h.watched = make(map[string]bool)
}

// authenticateClient 从身份 Cookie 认证客户端
func (h *Hub) authenticateClient(c *gin.Context) (*Client, error) {
	if h.codec == nil {
		return nil, errors.New("identity codec not configured")
	}

	cookie, err := c.Cookie(identity.CookieName)
	if err != nil || cookie == "" {
		return nil, errors.New("missing identity cookie")
	}

	id, err := h.codec.Decode(cookie)
	if err != nil {
		return nil, err
	}

	clientID := uuid.NewString()
	return &Client{
		ID:       clientID,
		Identity: id,
		hub:      h,
		log:      h.log.With(zap.String("clientID", clientID), zap.String("identity", id)),
		send:     make(chan []byte, sendQueueSize),
		views:    make(map[string]bool),
	}, nil
}

// HandleWebSocket 处理WebSocket连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		client, err := hub.authenticateClient(c)
		if err != nil {
			hub.log.Warn("websocket authentication failed",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}
		client.conn = conn

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// enqueue 非阻塞地排队一条消息，连接已关闭或队列满时返回 false
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket error", zap.Error(err))
			}
			return
		}
		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribeView(msg.View)
	case MessageTypeUnsubscribe:
		c.unsubscribeView(msg.View)
	case MessageTypePing:
		c.sendMessage(MessageTypePong, "", nil)
	case MessageTypePong:
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	default:
		c.log.Warn("unknown message type", zap.String("type", string(msg.Type)))
	}
}

// subscribeView 订阅自己身份下的一个视图，并立即收到当前快照
func (c *Client) subscribeView(view string) {
	if view == "" {
		c.sendError("view is required")
		return
	}

	select {
	case c.hub.subscribe <- &subscription{client: c, view: view}:
	case <-c.hub.done:
	}
}

// subscribeClient 在运行循环中取快照并加入主题
//
// 取快照与加入主题之间不会有推送被处理，之后的变化都会投递给该客户端。
func (h *Hub) subscribeClient(c *Client, view string) {
	var snapshot any
	if h.snapshot != nil {
		snap, err := h.snapshot(c.Identity, view)
		if err != nil {
			c.log.Warn("subscription denied", zap.String("view", view), zap.Error(err))
			c.sendError(err.Error())
			return
		}
		snapshot = snap
	}

	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	c.mu.Lock()
	c.views[view] = true
	c.mu.Unlock()
	h.watched[c.Identity] = true
	topic := topicOf(c.Identity, view)
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[string]*Client)
	}
	h.topics[topic][c.ID] = c
	h.mu.Unlock()

	c.log.Info("subscribed to view", zap.String("view", view))

	c.sendMessage(MessageTypeSubscribed, view, nil)
	if snapshot != nil {
		c.sendMessage(MessageTypeViewUpdate, view, snapshot)
	}
}

// unsubscribeView 取消订阅视图
func (c *Client) unsubscribeView(view string) {
	c.hub.mu.Lock()
	c.mu.Lock()
	delete(c.views, view)
	c.mu.Unlock()
	c.hub.leaveTopicLocked(topicOf(c.Identity, view), c.ID)
	c.hub.mu.Unlock()

	c.log.Info("unsubscribed from view", zap.String("view", view))
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(errMsg string) {
	data, err := json.Marshal(&Message{Type: MessageTypeError, Error: errMsg, Timestamp: time.Now()})
	if err != nil {
		return
	}
	c.enqueue(data)
}

// sendMessage 发送消息给客户端
func (c *Client) sendMessage(typ MessageType, view string, payload any) {
	data, err := encode(typ, view, payload)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}
	if !c.enqueue(data) {
		c.log.Warn("client channel blocked")
	}
}

func encode(typ MessageType, view string, payload any) ([]byte, error) {
	msg := &Message{Type: typ, View: view, Timestamp: time.Now()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}

package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tempmail/client/internal/domain"
	"tempmail/client/internal/ws"
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
				// 没有 Origin，按同源请求放行
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

// hubClient 代表一个 WebSocket 客户端连接。
// 每个连接同一时刻最多订阅一个邮箱。
type hubClient struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	log       *zap.Logger
	mu        sync.Mutex
	mailboxID string // 当前订阅的邮箱ID，空串表示未订阅
}

// Hub 管理所有 WebSocket 连接并按邮箱分发推送。
type Hub struct {
	clients        map[string]*hubClient
	mailboxes      map[string]map[string]*hubClient // mailboxID -> clientID -> client
	register       chan *hubClient
	unregister     chan *hubClient
	broadcast      chan *pushMessage
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
	tokens         *TokenManager
	metrics        *Metrics // 可为 nil
}

// pushMessage 待广播的推送
type pushMessage struct {
	mailboxID string
	frame     *ws.Frame
}

// NewHub 创建 WebSocket Hub
func NewHub(allowedOrigins []string, tokens *TokenManager, metrics *Metrics, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*hubClient),
		mailboxes:      make(map[string]map[string]*hubClient),
		register:       make(chan *hubClient),
		unregister:     make(chan *hubClient),
		broadcast:      make(chan *pushMessage, 256),
		log:            log,
		allowedOrigins: allowedOrigins,
		tokens:         tokens,
		metrics:        metrics,
	}
}

// Run 启动 Hub 主循环
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.wsConnections.Inc()
			}
			h.log.Info("client registered", zap.String("id", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client.id]
			if ok {
				h.removeSubscription(client)
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			if ok {
				if h.metrics != nil {
					h.metrics.wsConnections.Dec()
				}
				h.log.Info("client unregistered", zap.String("id", client.id))
			}

		case msg := <-h.broadcast:
			h.broadcastToMailbox(msg.mailboxID, msg.frame)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// removeSubscription 把客户端从其订阅的邮箱里摘掉。调用方持有 h.mu。
func (h *Hub) removeSubscription(client *hubClient) {
	client.mu.Lock()
	mailboxID := client.mailboxID
	client.mailboxID = ""
	client.mu.Unlock()

	if mailboxID == "" {
		return
	}
	if clients, exists := h.mailboxes[mailboxID]; exists {
		delete(clients, client.id)
		if len(clients) == 0 {
			delete(h.mailboxes, mailboxID)
		}
	}
}

// NotifyNewMail 向邮箱的订阅者推送新邮件通知。
func (h *Hub) NotifyNewMail(mailboxID string, message *domain.Message) {
	data, err := json.Marshal(ws.NewMailData{
		MessageID: message.ID,
		MailboxID: mailboxID,
		From:      message.From,
		To:        message.To,
		Subject:   message.Subject,
		Preview:   message.Preview(100),
		HasHTML:   message.HTMLContent != "",
		HasText:   message.TextContent != "",
		CreatedAt: message.ReceivedAt.Format(time.RFC3339),
	})
	if err != nil {
		h.log.Error("failed to marshal new mail data", zap.Error(err))
		return
	}

	h.log.Info("broadcasting new mail notification",
		zap.String("mailboxID", mailboxID),
		zap.String("from", message.From),
		zap.String("subject", message.Subject))

	h.push(mailboxID, ws.FrameTypeNewMail, data)
}

// NotifyExpiryWarning 推送到期预警。
func (h *Hub) NotifyExpiryWarning(mailbox *domain.Mailbox, remaining time.Duration) {
	data, err := json.Marshal(ws.ExpiryWarningData{
		MailboxID: mailbox.ID,
		ExpiresAt: mailbox.ExpiresAt.Format(time.RFC3339),
		Remaining: int64(remaining.Seconds()),
	})
	if err != nil {
		h.log.Error("failed to marshal expiry warning data", zap.Error(err))
		return
	}

	h.push(mailbox.ID, ws.FrameTypeExpiryWarning, data)
}

// NotifyMailboxExpired 推送邮箱已过期。
func (h *Hub) NotifyMailboxExpired(mailboxID string) {
	h.push(mailboxID, ws.FrameTypeMailboxExpired, nil)
}

func (h *Hub) push(mailboxID string, frameType ws.FrameType, data json.RawMessage) {
	frame := &ws.Frame{
		Type:      frameType,
		MailboxID: mailboxID,
		Data:      data,
		Timestamp: time.Now(),
	}

	select {
	case h.broadcast <- &pushMessage{mailboxID: mailboxID, frame: frame}:
	default:
		h.log.Warn("broadcast queue full, dropping push", zap.String("type", string(frameType)))
	}
}

// broadcastToMailbox 向订阅特定邮箱的客户端广播消息。
// 订阅表在整个遍历期间持锁，防止与订阅变更并发冲突。
func (h *Hub) broadcastToMailbox(mailboxID string, frame *ws.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("failed to marshal frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.mailboxes[mailboxID] {
		select {
		case client.send <- data:
		default:
			// 客户端阻塞，跳过
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.id))
		}
	}
}

// pingAllClients 向所有客户端发送应用层 ping
func (h *Hub) pingAllClients() {
	data, err := json.Marshal(&ws.Frame{
		Type:      ws.FrameTypePing,
		Timestamp: time.Now(),
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
			// 跳过阻塞的客户端
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*hubClient)
	h.mailboxes = make(map[string]map[string]*hubClient)
	if h.metrics != nil {
		h.metrics.wsConnections.Set(0)
	}
}

// HandleWebSocket 处理 WebSocket 连接升级
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &hubClient{
			id:   uuid.NewString(),
			conn: conn,
			send: make(chan []byte, 256),
			hub:  hub,
			log:  hub.log,
		}

		hub.register <- client

		go client.writePump()
		go client.readPump()

		// 握手确认
		client.sendFrame(&ws.Frame{
			Type:      ws.FrameTypeConnectionEstablished,
			Timestamp: time.Now(),
		})
	}
}

// readPump 处理客户端消息
func (c *hubClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var frame ws.Frame
		err := c.conn.ReadJSON(&frame)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket error", zap.Error(err))
			}
			break
		}

		c.handleFrame(&frame)
	}
}

// writePump 发送消息给客户端
func (c *hubClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			c.conn.WriteMessage(websocket.TextMessage, message)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame 处理接收到的帧
func (c *hubClient) handleFrame(frame *ws.Frame) {
	switch frame.Type {
	case ws.FrameTypeSubscribe:
		c.subscribe(frame.MailboxID, frame.Token)
	case ws.FrameTypeUnsubscribe:
		c.unsubscribe(frame.MailboxID)
	case ws.FrameTypePong:
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	default:
		c.log.Warn("unknown frame type", zap.String("type", string(frame.Type)))
	}
}

// subscribe 订阅邮箱。订阅帧必须携带能验证到该邮箱的令牌。
func (c *hubClient) subscribe(mailboxID, token string) {
	if mailboxID == "" {
		c.sendError("mailbox ID is required")
		return
	}

	tokenMailbox, err := c.hub.tokens.Validate(token)
	if err != nil || tokenMailbox != mailboxID {
		c.log.Warn("subscription denied: invalid token",
			zap.String("clientID", c.id),
			zap.String("mailboxID", mailboxID))
		c.sendError("no permission to access mailbox: " + mailboxID)
		return
	}

	c.hub.mu.Lock()
	// 新订阅隐式取消旧订阅
	c.hub.removeSubscription(c)

	c.mu.Lock()
	c.mailboxID = mailboxID
	c.mu.Unlock()

	if c.hub.mailboxes[mailboxID] == nil {
		c.hub.mailboxes[mailboxID] = make(map[string]*hubClient)
	}
	c.hub.mailboxes[mailboxID][c.id] = c
	c.hub.mu.Unlock()

	c.log.Info("subscribed to mailbox",
		zap.String("clientID", c.id),
		zap.String("mailboxID", mailboxID))

	c.sendFrame(&ws.Frame{
		Type:      ws.FrameTypeSubscribed,
		MailboxID: mailboxID,
		Timestamp: time.Now(),
	})
}

// unsubscribe 取消订阅
func (c *hubClient) unsubscribe(mailboxID string) {
	c.hub.mu.Lock()
	c.hub.removeSubscription(c)
	c.hub.mu.Unlock()

	c.log.Info("unsubscribed from mailbox",
		zap.String("clientID", c.id),
		zap.String("mailboxID", mailboxID))
}

// sendError 发送错误帧给客户端
func (c *hubClient) sendError(errMsg string) {
	c.sendFrame(&ws.Frame{
		Type:      ws.FrameTypeError,
		Error:     errMsg,
		Timestamp: time.Now(),
	})
}

// sendFrame 发送帧给客户端
func (c *hubClient) sendFrame(frame *ws.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("failed to marshal frame", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("clientID", c.id))
	}
}

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tempmail/client/internal/pool"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// ErrReconnectExhausted 重连次数耗尽
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// Options WebSocket 客户端可调参数
type Options struct {
	MaxReconnectAttempts int               // 最大重连次数，默认 5
	ReconnectBaseDelay   time.Duration     // 重连基础延迟，默认 1s
	ReconnectMaxDelay    time.Duration     // 重连延迟上限，默认 5s
	Dialer               *websocket.Dialer // 拨号器，测试注入用
}

// subscription 当前活跃的邮箱订阅。整个客户端同时最多一个。
type subscription struct {
	mailboxID string
	token     string
}

// Client 带自动重连的 WebSocket 客户端。
//
// 维护五态连接状态机，断线后自动重连并重放最近一次订阅，
// 把服务端推送的事件分发给注册的监听器。
type Client struct {
	url      string
	opts     Options
	log      *zap.Logger
	dialer   *websocket.Dialer
	dispatch *pool.Pool

	mu     sync.Mutex
	status Status
	conn   *websocket.Conn
	sendCh chan []byte
	sub    *subscription
	cancel context.CancelFunc

	runWG     sync.WaitGroup
	closeOnce sync.Once

	listenerMu      sync.RWMutex
	statusListeners []func(Status)
	eventListeners  []func(Event)
}

// NewClient 创建 WebSocket 客户端
//
// 参数:
//   - url: WebSocket 地址，如 "ws://localhost:3001/ws"
func NewClient(url string, opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = time.Second
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = 5 * time.Second
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	// 单 worker：事件按到达顺序投递
	dispatch := pool.New(1, 128, log)
	dispatch.Start(context.Background())

	return &Client{
		url:      url,
		opts:     opts,
		log:      log,
		dialer:   dialer,
		dispatch: dispatch,
		status:   StatusDisconnected,
	}
}

// OnStatus 注册连接状态监听器。仅在状态实际变化时回调。
func (c *Client) OnStatus(fn func(Status)) {
	c.listenerMu.Lock()
	c.statusListeners = append(c.statusListeners, fn)
	c.listenerMu.Unlock()
}

// OnEvent 注册服务端推送事件监听器。
func (c *Client) OnEvent(fn func(Event)) {
	c.listenerMu.Lock()
	c.eventListeners = append(c.eventListeners, fn)
	c.listenerMu.Unlock()
}

// Status 返回当前连接状态。
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect 建立连接。幂等：已连接或连接中时是空操作。
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	switch c.status {
	case StatusConnecting, StatusConnected, StatusReconnecting:
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.setStatus(StatusConnecting)
	c.runWG.Add(1)
	go func() {
		defer c.runWG.Done()
		c.run(runCtx)
	}()
}

// Close 断开连接、停止重连并回收分发协程。
// Close 之后客户端不可再用，重复调用是空操作。
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}

	// 等主循环退出后再停池，避免向已关闭的队列提交任务
	c.runWG.Wait()
	c.closeOnce.Do(c.dispatch.Stop)
}

// SubscribeMailbox 订阅邮箱的实时推送。
//
// 同一邮箱重复订阅不再发帧，但会更新记录的令牌：令牌轮换后
// 重连重放必须带上最新的那枚。订阅新邮箱会隐式取消旧订阅。
// 连接尚未建立时只记录订阅，连接成功后自动补发。
func (c *Client) SubscribeMailbox(mailboxID, token string) {
	c.mu.Lock()
	if c.sub != nil && c.sub.mailboxID == mailboxID {
		c.sub.token = token
		c.mu.Unlock()
		return
	}
	prev := c.sub
	c.sub = &subscription{mailboxID: mailboxID, token: token}
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if !connected {
		c.log.Debug("subscription deferred until connect", zap.String("mailboxID", mailboxID))
		return
	}

	if prev != nil {
		c.sendFrame(&Frame{Type: FrameTypeUnsubscribe, MailboxID: prev.mailboxID})
	}
	c.sendFrame(&Frame{Type: FrameTypeSubscribe, MailboxID: mailboxID, Token: token})
}

// UnsubscribeMailbox 取消当前订阅。
// 取消帧只在连接仍然存活时发送，尽力而为，不保证送达。
func (c *Client) UnsubscribeMailbox() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if sub != nil && connected {
		c.sendFrame(&Frame{Type: FrameTypeUnsubscribe, MailboxID: sub.mailboxID})
	}
}

// ActiveMailbox 返回当前订阅的邮箱 ID，无订阅时为空串。
func (c *Client) ActiveMailbox() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil {
		return ""
	}
	return c.sub.mailboxID
}

// run 连接会话主循环：初次连接、服务、断线重连。
func (c *Client) run(ctx context.Context) {
	conn, err := c.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.setStatus(StatusDisconnected)
			return
		}
		c.log.Warn("websocket connect failed", zap.Error(err))
		c.setStatus(StatusError)
		return
	}

	for {
		c.attach(conn)
		c.setStatus(StatusConnected)
		c.replaySubscription()
		c.serve(ctx, conn)
		c.detach()

		if ctx.Err() != nil {
			c.setStatus(StatusDisconnected)
			return
		}

		// 传输层断开，进入重连
		c.setStatus(StatusReconnecting)
		conn, err = c.redial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setStatus(StatusDisconnected)
				return
			}
			c.log.Warn("websocket reconnect failed", zap.Error(err))
			c.setStatus(StatusError)
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// redial 有界重连：延迟从基础值按指数增长，封顶后保持。
func (c *Client) redial(ctx context.Context) (*websocket.Conn, error) {
	for attempt := 0; attempt < c.opts.MaxReconnectAttempts; attempt++ {
		delay := c.reconnectDelay(attempt)
		c.log.Info("reconnecting",
			zap.Int("attempt", attempt+1),
			zap.Int("max", c.opts.MaxReconnectAttempts),
			zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		conn, err := c.dial(ctx)
		if err == nil {
			return conn, nil
		}
		c.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, ErrReconnectExhausted
}

func (c *Client) reconnectDelay(attempt int) time.Duration {
	delay := c.opts.ReconnectBaseDelay << attempt
	if delay > c.opts.ReconnectMaxDelay || delay <= 0 {
		delay = c.opts.ReconnectMaxDelay
	}
	return delay
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.sendCh = make(chan []byte, 64)
	c.mu.Unlock()
}

func (c *Client) detach() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.sendCh = nil
	c.mu.Unlock()
}

// replaySubscription 每次成功（重）连后补发最近一次订阅。
func (c *Client) replaySubscription() {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()

	if sub == nil {
		return
	}
	c.log.Debug("replaying subscription", zap.String("mailboxID", sub.mailboxID))
	c.sendFrame(&Frame{Type: FrameTypeSubscribe, MailboxID: sub.mailboxID, Token: sub.token})
}

// serve 在单条连接上运行读循环，写协程并行发送。读失败即返回。
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	sendCh := c.sendCh
	c.mu.Unlock()

	done := make(chan struct{})
	defer close(done)

	go c.writePump(conn, sendCh, done)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleFrame(&frame)
	}
}

// writePump 把待发送帧写入连接，并周期性发送协议层 ping。
func (c *Client) writePump(conn *websocket.Conn, sendCh chan []byte, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case message := <-sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame 处理服务端推送的帧。
//
// 邮箱相关事件只投递给与当前订阅匹配的监听器，
// 晚到的旧邮箱事件直接丢弃。
func (c *Client) handleFrame(frame *Frame) {
	switch frame.Type {
	case FrameTypePing:
		c.sendFrame(&Frame{Type: FrameTypePong})

	case FrameTypeConnectionEstablished:
		c.dispatchEvent(Event{Type: frame.Type, MailboxID: frame.MailboxID, Data: frame.Data})

	case FrameTypeNewMail, FrameTypeExpiryWarning, FrameTypeMailboxExpired:
		if frame.MailboxID != c.ActiveMailbox() {
			c.log.Debug("dropping event for inactive mailbox",
				zap.String("type", string(frame.Type)),
				zap.String("mailboxID", frame.MailboxID))
			return
		}
		c.dispatchEvent(Event{Type: frame.Type, MailboxID: frame.MailboxID, Data: frame.Data})

	case FrameTypeError:
		c.dispatchEvent(Event{Type: frame.Type, MailboxID: frame.MailboxID, Error: frame.Error})

	case FrameTypeSubscribed:
		c.log.Debug("subscription confirmed", zap.String("mailboxID", frame.MailboxID))

	default:
		c.log.Warn("unknown frame type", zap.String("type", string(frame.Type)))
	}
}

// sendFrame 把帧放入发送队列。未连接或队列已满时丢弃（尽力而为）。
func (c *Client) sendFrame(frame *Frame) {
	frame.Timestamp = time.Now()

	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("failed to marshal frame", zap.Error(err))
		return
	}

	c.mu.Lock()
	sendCh := c.sendCh
	c.mu.Unlock()

	if sendCh == nil {
		return
	}
	select {
	case sendCh <- data:
	default:
		c.log.Warn("send queue full, dropping frame", zap.String("type", string(frame.Type)))
	}
}

// setStatus 更新连接状态并通知监听器。状态未变化时是空操作。
func (c *Client) setStatus(next Status) {
	c.mu.Lock()
	if c.status == next {
		c.mu.Unlock()
		return
	}
	prev := c.status
	c.status = next
	c.mu.Unlock()

	c.log.Info("connection status changed",
		zap.String("from", prev.String()),
		zap.String("to", next.String()))

	c.listenerMu.RLock()
	listeners := make([]func(Status), len(c.statusListeners))
	copy(listeners, c.statusListeners)
	c.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn := fn
		c.dispatch.Submit(func() { fn(next) })
	}
}

func (c *Client) dispatchEvent(ev Event) {
	c.listenerMu.RLock()
	listeners := make([]func(Event), len(c.eventListeners))
	copy(listeners, c.eventListeners)
	c.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn := fn
		c.dispatch.Submit(func() { fn(ev) })
	}
}

package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsTestServer 测试用 WebSocket 服务端：记录收到的帧，支持主动推送和断线。
type wsTestServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received chan Frame
}

func newWSTestServer(t *testing.T) *wsTestServer {
	s := &wsTestServer{
		t:        t,
		received: make(chan Frame, 64),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for {
			var frame Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			s.received <- frame
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// push 向最近一条连接推送帧
func (s *wsTestServer) push(frame *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(s.t, s.conns, "没有活跃连接")
	conn := s.conns[len(s.conns)-1]
	data, err := json.Marshal(frame)
	require.NoError(s.t, err)
	require.NoError(s.t, conn.WriteMessage(websocket.TextMessage, data))
}

// dropConnection 强制断开最近一条连接
func (s *wsTestServer) dropConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) > 0 {
		_ = s.conns[len(s.conns)-1].Close()
	}
}

func (s *wsTestServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *wsTestServer) waitFrame(timeout time.Duration) (Frame, bool) {
	select {
	case frame := <-s.received:
		return frame, true
	case <-time.After(timeout):
		return Frame{}, false
	}
}

func newTestClient(t *testing.T, url string) *Client {
	c := NewClient(url, Options{
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   20 * time.Millisecond,
		ReconnectMaxDelay:    100 * time.Millisecond,
	}, nil)
	t.Cleanup(c.Close)
	return c
}

func waitStatus(t *testing.T, c *Client, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Status() == want
	}, 3*time.Second, 10*time.Millisecond, "等待状态 %s 超时，当前 %s", want, c.Status())
}

func TestClientConnect(t *testing.T) {
	t.Run("连接成功进入Connected状态", func(t *testing.T) {
		srv := newWSTestServer(t)
		c := newTestClient(t, srv.url())

		c.Connect(context.Background())

		waitStatus(t, c, StatusConnected)
	})

	t.Run("重复Connect是空操作", func(t *testing.T) {
		srv := newWSTestServer(t)
		c := newTestClient(t, srv.url())

		c.Connect(context.Background())
		waitStatus(t, c, StatusConnected)
		c.Connect(context.Background())

		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 1, srv.connCount(), "不应建立第二条连接")
	})

	t.Run("初次连接失败进入Error状态", func(t *testing.T) {
		srv := newWSTestServer(t)
		url := srv.url()
		srv.srv.Close()

		c := newTestClient(t, url)
		c.Connect(context.Background())

		waitStatus(t, c, StatusError)
	})

	t.Run("Close后回到Disconnected", func(t *testing.T) {
		srv := newWSTestServer(t)
		c := newTestClient(t, srv.url())

		c.Connect(context.Background())
		waitStatus(t, c, StatusConnected)
		c.Close()

		waitStatus(t, c, StatusDisconnected)
	})
}

func TestClientSubscription(t *testing.T) {
	t.Run("订阅发送subscribe帧", func(t *testing.T) {
		srv := newWSTestServer(t)
		c := newTestClient(t, srv.url())
		c.Connect(context.Background())
		waitStatus(t, c, StatusConnected)

		c.SubscribeMailbox("mb-1", "token-1")

		frame, ok := srv.waitFrame(time.Second)
		require.True(t, ok)
		assert.Equal(t, FrameTypeSubscribe, frame.Type)
		assert.Equal(t, "mb-1", frame.MailboxID)
		assert.Equal(t, "token-1", frame.Token)
	})

	t.Run("同一邮箱重复订阅只发一帧", func(t *testing.T) {
		srv := newWSTestServer(t)
		c := newTestClient(t, srv.url())
		c.Connect(context.Background())
		waitStatus(t, c, StatusConnected)

		c.SubscribeMailbox("mb-1", "token-1")
		c.SubscribeMailbox("mb-1", "token-1")
		c.SubscribeMailbox("mb-1", "token-1")

		_, ok := srv.waitFrame(time.Second)
		require.True(t, ok)
		_, extra := srv.waitFrame(200 * time.Millisecond)
		assert.False(t, extra, "重复订阅不应产生额外帧")
	})

	t.Run("订阅新邮箱隐式取消旧订阅", func(t *testing.T) {
		srv := newWSTestServer(t)
		c := newTestClient(t, srv.url())
		c.Connect(context.Background())
		waitStatus(t, c, StatusConnected)

		c.SubscribeMailbox("mb-1", "token-1")
		frame, ok := srv.waitFrame(time.Second)
		require.True(t, ok)
		require.Equal(t, FrameTypeSubscribe, frame.Type)

		c.SubscribeMailbox("mb-2", "token-2")

		frame, ok = srv.waitFrame(time.Second)
		require.True(t, ok)
		assert.Equal(t, FrameTypeUnsubscribe, frame.Type)
		assert.Equal(t, "mb-1", frame.MailboxID)

		frame, ok = srv.waitFrame(time.Second)
		require.True(t, ok)
		assert.Equal(t, FrameTypeSubscribe, frame.Type)
		assert.Equal(t, "mb-2", frame.MailboxID)
		assert.Equal(t, "mb-2", c.ActiveMailbox())
	})

	t.Run("未连接时订阅推迟到连接建立后补发", func(t *testing.T) {
		srv := newWSTestServer(t)
		c := newTestClient(t, srv.url())

		c.SubscribeMailbox("mb-1", "token-1")
		c.Connect(context.Background())
		waitStatus(t, c, StatusConnected)

		frame, ok := srv.waitFrame(time.Second)
		require.True(t, ok)
		assert.Equal(t, FrameTypeSubscribe, frame.Type)
		assert.Equal(t, "mb-1", frame.MailboxID)
	})
}

func TestClientReconnect(t *testing.T) {
	t.Run("断线后自动重连并重放订阅", func(t *testing.T) {
		srv := newWSTestServer(t)
		c := newTestClient(t, srv.url())
		c.Connect(context.Background())
		waitStatus(t, c, StatusConnected)

		c.SubscribeMailbox("mb-1", "token-1")
		_, ok := srv.waitFrame(time.Second)
		require.True(t, ok)

		srv.dropConnection()

		// 重连后必须重放订阅
		frame, ok := srv.waitFrame(3 * time.Second)
		require.True(t, ok, "重连后应重放订阅帧")
		assert.Equal(t, FrameTypeSubscribe, frame.Type)
		assert.Equal(t, "mb-1", frame.MailboxID)
		assert.Equal(t, "token-1", frame.Token)
		waitStatus(t, c, StatusConnected)
		assert.GreaterOrEqual(t, srv.connCount(), 2)
	})

	t.Run("令牌轮换后重放订阅使用新令牌", func(t *testing.T) {
		srv := newWSTestServer(t)
		c := newTestClient(t, srv.url())
		c.Connect(context.Background())
		waitStatus(t, c, StatusConnected)

		c.SubscribeMailbox("mb-1", "token-old")
		frame, ok := srv.waitFrame(time.Second)
		require.True(t, ok)
		require.Equal(t, "token-old", frame.Token)

		// 同一邮箱带新令牌再订阅：不发帧，但要记住新令牌
		c.SubscribeMailbox("mb-1", "token-new")
		_, extra := srv.waitFrame(200 * time.Millisecond)
		require.False(t, extra, "同一邮箱重复订阅不应发帧")

		srv.dropConnection()

		frame, ok = srv.waitFrame(3 * time.Second)
		require.True(t, ok, "重连后应重放订阅帧")
		assert.Equal(t, FrameTypeSubscribe, frame.Type)
		assert.Equal(t, "mb-1", frame.MailboxID)
		assert.Equal(t, "token-new", frame.Token)
	})

	t.Run("重连次数耗尽进入Error状态", func(t *testing.T) {
		srv := newWSTestServer(t)
		c := newTestClient(t, srv.url())
		c.Connect(context.Background())
		waitStatus(t, c, StatusConnected)

		srv.srv.CloseClientConnections()
		srv.srv.Close()
		// 被劫持的 WebSocket 连接不受 CloseClientConnections 影响，需显式断开
		srv.dropConnection()

		waitStatus(t, c, StatusError)
	})
}

func TestClientClose(t *testing.T) {
	t.Run("重复Close是空操作", func(t *testing.T) {
		srv := newWSTestServer(t)
		c := newTestClient(t, srv.url())
		c.Connect(context.Background())
		waitStatus(t, c, StatusConnected)

		c.Close()
		c.Close()

		assert.Equal(t, StatusDisconnected, c.Status())
	})

	t.Run("Close回收分发协程", func(t *testing.T) {
		before := runtime.NumGoroutine()

		for i := 0; i < 8; i++ {
			c := NewClient("ws://127.0.0.1:0/ws", Options{}, nil)
			c.Close()
		}

		assert.Eventually(t, func() bool {
			return runtime.NumGoroutine() <= before+2
		}, 2*time.Second, 20*time.Millisecond, "分发协程未随 Close 退出")
	})
}

func TestClientEvents(t *testing.T) {
	t.Run("推送事件投递给监听器", func(t *testing.T) {
		srv := newWSTestServer(t)
		c := newTestClient(t, srv.url())

		events := make(chan Event, 8)
		c.OnEvent(func(ev Event) { events <- ev })

		c.Connect(context.Background())
		waitStatus(t, c, StatusConnected)
		c.SubscribeMailbox("mb-1", "token-1")
		_, ok := srv.waitFrame(time.Second)
		require.True(t, ok)

		data, _ := json.Marshal(NewMailData{MessageID: "m-1", MailboxID: "mb-1", Subject: "hi"})
		srv.push(&Frame{Type: FrameTypeNewMail, MailboxID: "mb-1", Data: data})

		select {
		case ev := <-events:
			assert.Equal(t, FrameTypeNewMail, ev.Type)
			assert.Equal(t, "mb-1", ev.MailboxID)
		case <-time.After(2 * time.Second):
			t.Fatal("事件未送达")
		}
	})

	t.Run("非当前订阅邮箱的事件被丢弃", func(t *testing.T) {
		srv := newWSTestServer(t)
		c := newTestClient(t, srv.url())

		events := make(chan Event, 8)
		c.OnEvent(func(ev Event) { events <- ev })

		c.Connect(context.Background())
		waitStatus(t, c, StatusConnected)
		c.SubscribeMailbox("mb-1", "token-1")
		_, ok := srv.waitFrame(time.Second)
		require.True(t, ok)

		srv.push(&Frame{Type: FrameTypeNewMail, MailboxID: "other-mailbox"})

		select {
		case ev := <-events:
			t.Fatalf("不应收到其他邮箱的事件: %+v", ev)
		case <-time.After(300 * time.Millisecond):
		}
	})

	t.Run("应用层ping自动回pong", func(t *testing.T) {
		srv := newWSTestServer(t)
		c := newTestClient(t, srv.url())
		c.Connect(context.Background())
		waitStatus(t, c, StatusConnected)

		srv.push(&Frame{Type: FrameTypePing})

		frame, ok := srv.waitFrame(time.Second)
		require.True(t, ok)
		assert.Equal(t, FrameTypePong, frame.Type)
	})

	t.Run("事件按到达顺序投递", func(t *testing.T) {
		srv := newWSTestServer(t)
		c := newTestClient(t, srv.url())

		var mu sync.Mutex
		var order []string
		done := make(chan struct{})
		c.OnEvent(func(ev Event) {
			var mail NewMailData
			_ = json.Unmarshal(ev.Data, &mail)
			mu.Lock()
			order = append(order, mail.MessageID)
			if len(order) == 5 {
				close(done)
			}
			mu.Unlock()
		})

		c.Connect(context.Background())
		waitStatus(t, c, StatusConnected)
		c.SubscribeMailbox("mb-1", "token-1")
		_, ok := srv.waitFrame(time.Second)
		require.True(t, ok)

		ids := []string{"m-1", "m-2", "m-3", "m-4", "m-5"}
		for _, id := range ids {
			data, _ := json.Marshal(NewMailData{MessageID: id, MailboxID: "mb-1"})
			srv.push(&Frame{Type: FrameTypeNewMail, MailboxID: "mb-1", Data: data})
		}

		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("事件未全部送达")
		}
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, ids, order)
	})
}

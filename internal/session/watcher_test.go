package session

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/client/internal/domain"
)

func TestWatcher(t *testing.T) {
	t.Run("登录后快照反映认证状态", func(t *testing.T) {
		mgr := NewManager(nil, &fakeFetcher{}, Options{}, nil)
		w := NewWatcher(mgr, time.Minute, nil)

		var last atomic.Value
		w.OnSnapshot(func(s Snapshot) { last.Store(s) })

		require.NoError(t, w.Login(signToken(t, time.Now().Add(time.Hour)), "mailbox-1"))
		w.Stop()

		snap, ok := last.Load().(Snapshot)
		require.True(t, ok, "登录应推送一次快照")
		assert.True(t, snap.IsAuthenticated)
		assert.Equal(t, "mailbox-1", snap.MailboxID)
		assert.False(t, snap.IsTokenExpiring)
	})

	t.Run("登出清除会话并触发回调", func(t *testing.T) {
		mgr := NewManager(nil, &fakeFetcher{}, Options{}, nil)
		w := NewWatcher(mgr, time.Minute, nil)

		var loggedOut atomic.Bool
		w.OnLogout(func() { loggedOut.Store(true) })

		require.NoError(t, w.Login(signToken(t, time.Now().Add(time.Hour)), "mailbox-1"))
		w.Logout()

		assert.True(t, loggedOut.Load())
		assert.Empty(t, mgr.Token())
		assert.False(t, w.Snapshot().IsAuthenticated)
	})

	t.Run("令牌过期事件触发自动登出", func(t *testing.T) {
		mgr := NewManager(nil, &fakeFetcher{}, Options{}, nil)
		w := NewWatcher(mgr, time.Minute, nil)

		logoutCh := make(chan struct{}, 1)
		w.OnLogout(func() { logoutCh <- struct{}{} })

		require.NoError(t, w.Login(signToken(t, time.Now().Add(time.Hour)), "mailbox-1"))
		mgr.emit(EventTokenExpired)

		select {
		case <-logoutCh:
		case <-time.After(2 * time.Second):
			t.Fatal("过期事件应触发登出")
		}
	})

	t.Run("轮询发现即将过期时自动刷新", func(t *testing.T) {
		newToken := signToken(t, time.Now().Add(2*time.Hour))
		fetcher := &fakeFetcher{mailbox: &domain.Mailbox{ID: "mailbox-1", Token: newToken}}
		mgr := NewManager(nil, fetcher, Options{RefreshWindow: 5 * time.Minute}, nil)
		w := NewWatcher(mgr, 20*time.Millisecond, nil)
		defer w.Stop()

		// 4 分钟后过期，处于刷新窗口内
		require.NoError(t, w.Login(signToken(t, time.Now().Add(4*time.Minute)), "mailbox-1"))

		require.Eventually(t, func() bool {
			return mgr.Token() == newToken
		}, 2*time.Second, 10*time.Millisecond, "watcher 应发起静默刷新")
	})

	t.Run("Resume发现会话失效时登出", func(t *testing.T) {
		mgr := NewManager(nil, &fakeFetcher{}, Options{}, nil)
		w := NewWatcher(mgr, time.Minute, nil)

		var loggedOut atomic.Bool
		w.OnLogout(func() { loggedOut.Store(true) })

		require.NoError(t, mgr.SetAuthData(signToken(t, time.Now().Add(-time.Minute)), "mailbox-1"))
		w.Resume()

		assert.True(t, loggedOut.Load())
		assert.Empty(t, mgr.Token())
	})

	t.Run("Resume在会话有效时只推送快照", func(t *testing.T) {
		mgr := NewManager(nil, &fakeFetcher{}, Options{}, nil)
		w := NewWatcher(mgr, time.Minute, nil)

		var snaps atomic.Int64
		w.OnSnapshot(func(Snapshot) { snaps.Add(1) })

		require.NoError(t, mgr.SetAuthData(signToken(t, time.Now().Add(time.Hour)), "mailbox-1"))
		w.Resume()

		assert.Equal(t, int64(1), snaps.Load())
		assert.True(t, w.Snapshot().IsAuthenticated)
	})
}

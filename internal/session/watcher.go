package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Snapshot 会话状态快照，watcher 每个周期派生一次推给订阅者。
type Snapshot struct {
	IsAuthenticated bool
	MailboxID       string
	Token           string
	IsTokenExpiring bool
	TokenRemaining  time.Duration
	IsRefreshing    bool
}

// Watcher 周期性地从 Manager 派生会话状态并驱动自动刷新。
//
// 默认 30 秒轮询一次，外加两个触发器：外部恢复（Resume）
// 和令牌过期事件。
type Watcher struct {
	mgr      *Manager
	interval time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	onChange func(Snapshot)
	onLogout func()
}

// NewWatcher 创建会话状态 watcher
func NewWatcher(mgr *Manager, interval time.Duration, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	w := &Watcher{
		mgr:      mgr,
		interval: interval,
		log:      log,
	}

	// 令牌过期事件：告警并登出
	mgr.OnEvent(func(ev Event) {
		if ev == EventTokenExpired {
			w.log.Warn("session token expired")
			w.Logout()
		}
	})

	return w
}

// OnSnapshot 注册状态变化回调。
func (w *Watcher) OnSnapshot(fn func(Snapshot)) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

// OnLogout 注册登出回调（对应路由跳转回首页）。
func (w *Watcher) OnLogout(fn func()) {
	w.mu.Lock()
	w.onLogout = fn
	w.mu.Unlock()
}

// Login 建立会话并开始轮询。
func (w *Watcher) Login(token, mailboxID string) error {
	if err := w.mgr.SetAuthData(token, mailboxID); err != nil {
		return err
	}
	w.Start()
	w.push()
	return nil
}

// Logout 清除会话、停止轮询并触发登出回调。
func (w *Watcher) Logout() {
	w.Stop()
	w.mgr.Clear()
	w.push()

	w.mu.Lock()
	onLogout := w.onLogout
	w.mu.Unlock()
	if onLogout != nil {
		onLogout()
	}
}

// Start 启动轮询协程，重复调用是空操作。
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.mu.Unlock()

	go w.loop(ctx)
}

// Stop 停止轮询。
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Resume 外部恢复触发器（对应页面重新可见）：
// 立即重新校验会话，已失效则登出，否则推送最新状态。
func (w *Watcher) Resume() {
	if w.mgr.Token() != "" && !w.mgr.HasValidSession() {
		w.log.Info("session invalid on resume, logging out")
		w.Logout()
		return
	}
	w.push()
}

// Snapshot 返回当前派生状态。
func (w *Watcher) Snapshot() Snapshot {
	return Snapshot{
		IsAuthenticated: w.mgr.HasValidSession(),
		MailboxID:       w.mgr.MailboxID(),
		Token:           w.mgr.Token(),
		IsTokenExpiring: w.mgr.IsTokenExpiringSoon(),
		TokenRemaining:  w.mgr.TokenRemaining(),
		IsRefreshing:    w.mgr.IsRefreshing(),
	}
}

func (w *Watcher) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := w.Snapshot()

			// 自动刷新：即将过期且没有刷新在途
			if snap.IsAuthenticated && snap.IsTokenExpiring && !snap.IsRefreshing {
				if err := w.mgr.RefreshToken(ctx); err != nil {
					w.log.Warn("auto refresh failed", zap.Error(err))
				}
			}

			w.push()
		}
	}
}

func (w *Watcher) push() {
	w.mu.Lock()
	onChange := w.onChange
	w.mu.Unlock()
	if onChange != nil {
		onChange(w.Snapshot())
	}
}

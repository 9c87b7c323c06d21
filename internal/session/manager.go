package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tempmail/client/internal/domain"
)

var (
	// ErrNoSession 当前没有可用会话
	ErrNoSession = errors.New("no active session")
	// ErrRefreshFailed 令牌刷新失败，会话已被清除
	ErrRefreshFailed = errors.New("token refresh failed")
)

// CredentialStore 会话凭证的持久化接口
type CredentialStore interface {
	Load() (token, mailboxID string, err error)
	Save(token, mailboxID string) error
	Clear() error
}

// MailboxFetcher 刷新令牌时重新拉取邮箱信息的接口，由 API 客户端实现
type MailboxFetcher interface {
	RefreshMailbox(ctx context.Context, mailboxID string) (*domain.Mailbox, error)
}

// Options 会话管理器的可调参数
type Options struct {
	RefreshWindow time.Duration    // 过期前多久算"即将过期"，默认 5 分钟
	CheckInterval time.Duration    // 后台有效性检查间隔，默认 1 分钟
	Now           func() time.Time // 时钟注入点，测试用
}

// Manager 管理客户端持有的邮箱会话（令牌 + 邮箱 ID）。
//
// 令牌只做 base64 解码读取过期时间，不验证签名 —— 有效性的
// 最终裁决权在服务端。
type Manager struct {
	mu        sync.RWMutex
	token     string
	mailboxID string

	store   CredentialStore // 可为 nil（不持久化）
	fetcher MailboxFetcher
	log     *zap.Logger

	refreshWindow time.Duration
	checkInterval time.Duration
	now           func() time.Time

	sf         singleflight.Group
	refreshing bool

	listenerMu sync.RWMutex
	listeners  []func(Event)

	tickerCancel context.CancelFunc
}

// NewManager 创建会话管理器
//
// 参数:
//   - store: 凭证持久化存储，可为 nil
//   - fetcher: 刷新令牌用的邮箱拉取接口
//   - opts: 可调参数，零值使用默认
func NewManager(store CredentialStore, fetcher MailboxFetcher, opts Options, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RefreshWindow <= 0 {
		opts.RefreshWindow = 5 * time.Minute
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Manager{
		store:         store,
		fetcher:       fetcher,
		log:           log,
		refreshWindow: opts.RefreshWindow,
		checkInterval: opts.CheckInterval,
		now:           opts.Now,
	}
}

// OnEvent 注册会话事件回调。回调在独立协程中执行，不得长期阻塞。
func (m *Manager) OnEvent(fn func(Event)) {
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenerMu.Unlock()
}

func (m *Manager) emit(ev Event) {
	m.listenerMu.RLock()
	listeners := make([]func(Event), len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMu.RUnlock()

	for _, fn := range listeners {
		go fn(ev)
	}
}

// SetAuthData 写入令牌与邮箱 ID，持久化，并启动后台有效性检查。
func (m *Manager) SetAuthData(token, mailboxID string) error {
	m.mu.Lock()
	m.token = token
	m.mailboxID = mailboxID
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(token, mailboxID); err != nil {
			return fmt.Errorf("persist session: %w", err)
		}
	}

	m.startValidityCheck()
	return nil
}

// Token 返回当前令牌，没有会话时为空串。
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// MailboxID 返回当前邮箱 ID，没有会话时为空串。
func (m *Manager) MailboxID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mailboxID
}

// Session 返回当前会话快照，没有会话时返回 nil。
func (m *Manager) Session() *domain.Session {
	m.mu.RLock()
	token, mailboxID := m.token, m.mailboxID
	m.mu.RUnlock()

	if token == "" || mailboxID == "" {
		return nil
	}

	issuedAt, expiresAt, err := decodeTokenTimes(token)
	if err != nil {
		return nil
	}

	return &domain.Session{
		Token:     token,
		MailboxID: mailboxID,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}
}

// HasValidSession 判断会话是否仍然有效。
// 任一字段缺失，或解码出的过期时间不晚于当前时刻，都视为无效。
func (m *Manager) HasValidSession() bool {
	s := m.Session()
	return s.Valid(m.now())
}

// IsTokenExpiringSoon 判断令牌是否进入刷新窗口（默认过期前 5 分钟）。
func (m *Manager) IsTokenExpiringSoon() bool {
	s := m.Session()
	if !s.Valid(m.now()) {
		return false
	}
	return s.Remaining(m.now()) <= m.refreshWindow
}

// TokenRemaining 返回令牌剩余有效时长，无会话或已过期为 0。
func (m *Manager) TokenRemaining() time.Duration {
	return m.Session().Remaining(m.now())
}

// IsRefreshing 判断是否有刷新操作正在进行。
func (m *Manager) IsRefreshing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refreshing
}

// RefreshToken 重新拉取邮箱信息换取新令牌。
//
// 并发调用共享同一次底层请求（single-flight）。成功时持久化新令牌
// 并广播 EventTokenRefreshed；失败时清除全部会话数据、广播
// EventTokenExpired 并返回错误。不做自动重试。
func (m *Manager) RefreshToken(ctx context.Context) error {
	m.mu.RLock()
	mailboxID := m.mailboxID
	m.mu.RUnlock()

	if mailboxID == "" {
		return ErrNoSession
	}

	_, err, _ := m.sf.Do("refresh", func() (interface{}, error) {
		m.mu.Lock()
		m.refreshing = true
		m.mu.Unlock()
		defer func() {
			m.mu.Lock()
			m.refreshing = false
			m.mu.Unlock()
		}()

		mailbox, err := m.fetcher.RefreshMailbox(ctx, mailboxID)
		if err != nil {
			m.log.Warn("token refresh failed, clearing session",
				zap.String("mailboxID", mailboxID),
				zap.Error(err))
			m.clearState()
			m.emit(EventTokenExpired)
			return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		}

		if mailbox.Token == "" {
			m.log.Warn("refresh response carried no token", zap.String("mailboxID", mailboxID))
			m.clearState()
			m.emit(EventTokenExpired)
			return nil, ErrRefreshFailed
		}

		if err := m.SetAuthData(mailbox.Token, mailbox.ID); err != nil {
			return nil, err
		}

		m.log.Info("token refreshed", zap.String("mailboxID", mailbox.ID))
		m.emit(EventTokenRefreshed)
		return nil, nil
	})

	return err
}

// Clear 清除会话：停止后台检查、丢弃字段、删除持久化凭证。
func (m *Manager) Clear() {
	m.clearState()
	m.emit(EventSessionCleared)
}

func (m *Manager) clearState() {
	m.mu.Lock()
	m.token = ""
	m.mailboxID = ""
	cancel := m.tickerCancel
	m.tickerCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if m.store != nil {
		if err := m.store.Clear(); err != nil {
			m.log.Warn("failed to clear stored session", zap.Error(err))
		}
	}
}

// startValidityCheck 启动（或重启）后台有效性检查协程。
//
// 检查周期内：会话已失效 → 清除并广播过期事件；
// 进入刷新窗口 → 发起静默刷新。
func (m *Manager) startValidityCheck() {
	m.mu.Lock()
	if m.tickerCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.tickerCancel = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkValidity(ctx)
			}
		}
	}()
}

func (m *Manager) checkValidity(ctx context.Context) {
	m.mu.RLock()
	hasToken := m.token != ""
	m.mu.RUnlock()
	if !hasToken {
		return
	}

	if !m.HasValidSession() {
		m.log.Info("session lapsed, clearing")
		m.clearState()
		m.emit(EventTokenExpired)
		return
	}

	if m.IsTokenExpiringSoon() && !m.IsRefreshing() {
		if err := m.RefreshToken(ctx); err != nil {
			m.log.Warn("background refresh failed", zap.Error(err))
		}
	}
}

// decodeTokenTimes 从 JWT 载荷中解码签发 / 过期时间。
// 只解码，不验证签名（客户端侧便捷检查，信任边界在服务端）。
func decodeTokenTimes(token string) (issuedAt, expiresAt time.Time, err error) {
	var claims jwt.RegisteredClaims
	if _, _, err = jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("decode token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, time.Time{}, errors.New("token has no exp claim")
	}
	expiresAt = claims.ExpiresAt.Time
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}
	return issuedAt, expiresAt, nil
}

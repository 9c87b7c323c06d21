package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"tempmail/client/internal/domain"
)

// Recovery 在启动时尝试恢复本地保存的会话。
//
// 整个生命周期只执行一次：本地凭证看起来有效时向服务端
// 重新校验并用服务端返回的新令牌重建会话；任何失败都静默
// 清除本地存储，降级为未认证状态，不向用户报错。
type Recovery struct {
	mgr   *Manager
	store CredentialStore
	log   *zap.Logger

	once      sync.Once
	mailbox   *domain.Mailbox
	recovered bool
}

// NewRecovery 创建会话恢复器
func NewRecovery(mgr *Manager, store CredentialStore, log *zap.Logger) *Recovery {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recovery{
		mgr:   mgr,
		store: store,
		log:   log,
	}
}

// Recover 执行一次性的会话恢复，返回恢复出的邮箱（未恢复时为 nil）。
// 重复调用返回首次的结果。
func (r *Recovery) Recover(ctx context.Context) (*domain.Mailbox, bool) {
	r.once.Do(func() {
		r.mailbox, r.recovered = r.recover(ctx)
	})
	return r.mailbox, r.recovered
}

func (r *Recovery) recover(ctx context.Context) (*domain.Mailbox, bool) {
	token, mailboxID, err := r.store.Load()
	if err != nil {
		return nil, false
	}

	// 先装载本地凭证，让校验请求能带上令牌
	if err := r.mgr.SetAuthData(token, mailboxID); err != nil {
		r.silentClear()
		return nil, false
	}

	if !r.mgr.HasValidSession() {
		r.log.Debug("stored session no longer valid, discarding")
		r.silentClear()
		return nil, false
	}

	// 向服务端重新校验；成功后必须采用服务端返回的令牌，
	// 本地那份可能已经落后
	mailbox, err := r.mgr.fetcher.RefreshMailbox(ctx, mailboxID)
	if err != nil || mailbox.Token == "" {
		r.log.Debug("server-side session validation failed, discarding", zap.Error(err))
		r.silentClear()
		return nil, false
	}

	if err := r.mgr.SetAuthData(mailbox.Token, mailbox.ID); err != nil {
		r.silentClear()
		return nil, false
	}

	r.log.Info("session recovered", zap.String("mailboxID", mailbox.ID))
	return mailbox, true
}

// silentClear 静默清除：不广播事件，不打扰首次访问的用户。
func (r *Recovery) silentClear() {
	r.mgr.mu.Lock()
	r.mgr.token = ""
	r.mgr.mailboxID = ""
	cancel := r.mgr.tickerCancel
	r.mgr.tickerCancel = nil
	r.mgr.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_ = r.store.Clear()
}

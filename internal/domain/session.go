package domain

import "time"

// Session 表示客户端持有的邮箱所有权凭证：访问令牌 + 邮箱 ID。
//
// 生命周期：在生成邮箱或会话恢复时创建；刷新时替换令牌；
// 登出、过期或刷新失败时销毁。归属权完全在会话管理器，
// 其他组件只读取或监听事件。
type Session struct {
	Token     string    `json:"token"`
	MailboxID string    `json:"mailboxId"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Valid 判断会话在给定时刻是否仍然有效。
// 仅做客户端侧的粗检查，令牌有效性的最终裁决在服务端。
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.Token == "" || s.MailboxID == "" {
		return false
	}
	return s.ExpiresAt.After(now)
}

// Remaining 返回会话剩余有效时长，已过期时返回 0。
func (s *Session) Remaining(now time.Time) time.Duration {
	if s == nil || !s.ExpiresAt.After(now) {
		return 0
	}
	return s.ExpiresAt.Sub(now)
}

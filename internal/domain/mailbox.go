package domain

import (
	"time"
)

// Mailbox 表示服务端签发的临时邮箱及其元数据。
//
// 整个结构体由服务端拥有，客户端在加载 / 续期时整体替换，不做局部修改。
type Mailbox struct {
	ID             string     `json:"id"`
	Address        string     `json:"address"`
	Token          string     `json:"token,omitempty"` // 邮箱访问令牌，仅在生成 / 获取 / 续期响应中出现
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	ExtensionCount int        `json:"extensionCount"`
	IsActive       bool       `json:"isActive"`
	LastAccessAt   time.Time  `json:"lastAccessAt"`
}

// Expired 判断邮箱在给定时刻是否已过期。
func (m *Mailbox) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

package ws

import (
	"encoding/json"
	"time"
)

// FrameType WebSocket 帧类型
type FrameType string

const (
	// 客户端发出
	FrameTypeSubscribe   FrameType = "subscribe"
	FrameTypeUnsubscribe FrameType = "unsubscribe"
	FrameTypePong        FrameType = "pong"

	// 服务端推送
	FrameTypeConnectionEstablished FrameType = "connectionEstablished"
	FrameTypeNewMail               FrameType = "newMail"
	FrameTypeExpiryWarning         FrameType = "expiryWarning"
	FrameTypeMailboxExpired        FrameType = "mailboxExpired"
	FrameTypeSubscribed            FrameType = "subscribed"
	FrameTypeError                 FrameType = "error"
	FrameTypePing                  FrameType = "ping"
)

// Frame 定义 WebSocket 消息结构
type Frame struct {
	Type      FrameType       `json:"type"`
	MailboxID string          `json:"mailboxId,omitempty"`
	Token     string          `json:"token,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Event 投递给监听器的服务端推送事件。
type Event struct {
	Type      FrameType
	MailboxID string
	Data      json.RawMessage
	Error     string
}

// NewMailData 新邮件通知数据
type NewMailData struct {
	MessageID string `json:"messageId"`
	MailboxID string `json:"mailboxId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Preview   string `json:"preview,omitempty"`
	HasHTML   bool   `json:"hasHtml"`
	HasText   bool   `json:"hasText"`
	CreatedAt string `json:"createdAt"`
}

// ExpiryWarningData 到期预警通知数据
type ExpiryWarningData struct {
	MailboxID string `json:"mailboxId"`
	ExpiresAt string `json:"expiresAt"`
	Remaining int64  `json:"remainingSeconds"`
}

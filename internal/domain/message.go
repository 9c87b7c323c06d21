package domain

import "time"

// Message 表示临时邮箱内的一封邮件。
type Message struct {
	ID          string        `json:"id"`
	MailboxID   string        `json:"mailboxId"`
	From        string        `json:"from"`
	To          string        `json:"to"`
	Subject     string        `json:"subject"`
	TextContent string        `json:"textContent,omitempty"`
	HTMLContent string        `json:"htmlContent,omitempty"`
	Attachments []*Attachment `json:"attachments,omitempty"`
	ReceivedAt  time.Time     `json:"receivedAt"`
	IsRead      bool          `json:"isRead"`
	Size        int64         `json:"size"`
}

// Preview 返回正文的截断预览，用于列表展示和推送通知。
func (m *Message) Preview(limit int) string {
	if limit <= 0 || len(m.TextContent) <= limit {
		return m.TextContent
	}
	return m.TextContent[:limit]
}

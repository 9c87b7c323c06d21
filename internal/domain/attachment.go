package domain

// Attachment 表示邮件附件的元数据。附件内容不随邮件响应下发。
type Attachment struct {
	ID          string `json:"id"`          // 附件唯一标识
	MessageID   string `json:"messageId"`   // 所属邮件ID
	Filename    string `json:"filename"`    // 文件名
	ContentType string `json:"contentType"` // MIME类型
	Size        int64  `json:"size"`        // 大小（字节）
}

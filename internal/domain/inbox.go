package domain

import "time"

// EmailAttachment 表示收件箱邮件中可下载的附件
type EmailAttachment struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// Email 表示后端收件箱快照中的一封邮件，获取后不可变
type Email struct {
	From        string            `json:"from"`
	CC          string            `json:"cc,omitempty"`
	BCC         string            `json:"bcc,omitempty"`
	Subject     string            `json:"subject"`
	Date        string            `json:"date"`
	Body        string            `json:"body"`
	Attachments []EmailAttachment `json:"attachments"`
}

// SMS 表示短信收件箱快照中的一条短信
type SMS struct {
	SID      string    `json:"sid"`
	From     string    `json:"from"`
	To       string    `json:"to,omitempty"`
	Body     string    `json:"body"`
	DateSent time.Time `json:"dateSent"`
}

// OutgoingAttachment 是外发邮件的 base64 附件
type OutgoingAttachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"` // base64 编码的文件内容
	Type        string `json:"type"`
	Disposition string `json:"disposition"`
}

// OutgoingEmail 是提交给后端的外发邮件
type OutgoingEmail struct {
	To         string              `json:"to"`
	CC         string              `json:"cc,omitempty"`
	BCC        string              `json:"bcc,omitempty"`
	Subject    string              `json:"subject"`
	Message    string              `json:"message"`
	Attachment *OutgoingAttachment `json:"attachment,omitempty"`
}

// OutgoingSMS 是提交给后端的外发短信
type OutgoingSMS struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

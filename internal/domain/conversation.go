package domain

import (
	"strings"
	"time"
)

// Conversation 是外部服务商拥有的会话
type Conversation struct {
	SID          string `json:"sid"`
	FriendlyName string `json:"friendlyName"`
}

// Media 是会话消息附带的单个媒体引用
type Media struct {
	SID         string `json:"sid"`
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
}

// IsImage 判断媒体是否按图片展示
func (m *Media) IsImage() bool {
	return m != nil && strings.HasPrefix(m.ContentType, "image")
}

// ChatMessage 是服务商消息的只读投影
type ChatMessage struct {
	SID         string    `json:"sid"`
	Index       int64     `json:"index"`
	Author      string    `json:"author"`
	Body        string    `json:"body"`
	Media       *Media    `json:"media,omitempty"`
	DateCreated time.Time `json:"dateCreated"`
}

// MessagePage 是向后分页得到的一页消息，页内按时间正序
type MessagePage struct {
	Messages    []ChatMessage `json:"messages"`
	PrevCursor  string        `json:"prevCursor,omitempty"`
	HasPrevPage bool          `json:"hasPrevPage"`
}

// MediaContent 是从存储取回的媒体字节
type MediaContent struct {
	ContentType string
	Data        []byte
}

// OutgoingMedia 是附加到外发消息的媒体
type OutgoingMedia struct {
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
	Data        []byte `json:"media"`
}

// OutgoingMessage 是发往会话的新消息
type OutgoingMessage struct {
	Author string         `json:"author"`
	Body   string         `json:"body"`
	Media  *OutgoingMedia `json:"media,omitempty"`
}

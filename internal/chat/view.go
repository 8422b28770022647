// Package chat 实现固定会话的聊天视图：历史分页加载、媒体并行解析与实时追加。
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"commsdash/dashboard/internal/domain"
	"commsdash/dashboard/internal/monitoring"
	"commsdash/dashboard/internal/push"
)

// Phase 聊天视图阶段
type Phase string

const (
	PhaseUninitialized  Phase = "uninitialized"
	PhaseLoadingHistory Phase = "loading-history"
	PhaseReady          Phase = "ready"
)

// 加入会话前显示的会话名
const loadingName = "Loading..."

var (
	// ErrNotReady 历史尚未加载完成
	ErrNotReady = errors.New("conversation is not ready")
	// ErrEmptyMessage 既没有正文也没有文件
	ErrEmptyMessage = errors.New("message has neither body nor file")
	// ErrUploadFailed 文件上传失败，发送已中止
	ErrUploadFailed = errors.New("media upload failed, send aborted")
)

// Provider 以某个身份访问会话服务
type Provider interface {
	JoinConversation(ctx context.Context, conversationSID string) (domain.Conversation, error)
	MessagesPage(ctx context.Context, conversationSID string, pageSize int, before string) (domain.MessagePage, error)
	MediaURL(ctx context.Context, mediaSID string) (string, error)
	SendMessage(ctx context.Context, conversationSID string, msg domain.OutgoingMessage) error
	SubscribeMessages(ctx context.Context, conversationSID string) *push.Stream[domain.ChatMessage]
	UploadMedia(ctx context.Context, filename, contentType string, data []byte) (string, error)
	FetchMedia(ctx context.Context, mediaURL string) (domain.MediaContent, error)
}

// Connector 为身份建立服务会话（内部获取会话令牌）
type Connector func(ctx context.Context, identity string) (Provider, error)

// Config 聊天视图参数
type Config struct {
	ConversationSID  string
	PageSize         int
	MediaConcurrency int
}

// entry 列表中的一条消息及其解析后的媒体地址
type entry struct {
	message  domain.ChatMessage
	mediaURL string
}

// View 一个身份的聊天视图
type View struct {
	identity string
	cfg      Config
	connect  Connector
	log      *zap.Logger
	metrics  *monitoring.Metrics
	notify   func()

	mu           sync.Mutex
	phase        Phase
	conversation domain.Conversation
	entries      []entry
	seen         map[string]struct{}
	provider     Provider
	lastErr      string

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewView 创建聊天视图，onChange 在状态变化后调用
func NewView(identity string, cfg Config, connect Connector, log *zap.Logger, metrics *monitoring.Metrics, onChange func()) *View {
	if log == nil {
		log = zap.NewNop()
	}
	if onChange == nil {
		onChange = func() {}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 30
	}
	if cfg.MediaConcurrency <= 0 {
		cfg.MediaConcurrency = 8
	}
	return &View{
		identity: identity,
		cfg:      cfg,
		connect:  connect,
		log:      log.With(zap.String("identity", identity), zap.String("conversation", cfg.ConversationSID)),
		metrics:  metrics,
		notify:   onChange,
		phase:    PhaseUninitialized,
		seen:     make(map[string]struct{}),
	}
}

// Mount 挂载视图并在后台加载
func (v *View) Mount(ctx context.Context) {
	v.lifeMu.Lock()
	defer v.lifeMu.Unlock()
	if v.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.done = make(chan struct{})

	go func() {
		defer close(v.done)
		if err := v.run(ctx); err != nil && ctx.Err() == nil {
			v.log.Error("chat view stopped", zap.Error(err))
			v.setError(err)
		}
	}()
}

// Close 卸载视图：取消实时订阅并等待后台任务结束
func (v *View) Close() {
	v.lifeMu.Lock()
	cancel, done := v.cancel, v.done
	v.lifeMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// run 完整的挂载流程
//
// 实时订阅先于历史加载建立，加载期间到达的消息在历史就绪后按到达顺序追加，
// 与历史重复的消息按 SID 丢弃。
func (v *View) run(ctx context.Context) error {
	provider, err := v.connect(ctx, v.identity)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	v.log.Info("connected to conversation service")

	v.mu.Lock()
	v.provider = provider
	v.phase = PhaseLoadingHistory
	v.mu.Unlock()
	v.notify()

	stream := provider.SubscribeMessages(ctx, v.cfg.ConversationSID)
	defer stream.Close()

	conversation, err := provider.JoinConversation(ctx, v.cfg.ConversationSID)
	if err != nil {
		return fmt.Errorf("join conversation: %w", err)
	}

	history, err := v.loadHistory(ctx, provider)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	v.mu.Lock()
	v.conversation = conversation
	v.entries = v.entries[:0]
	for _, e := range history {
		if _, dup := v.seen[e.message.SID]; dup {
			continue
		}
		v.seen[e.message.SID] = struct{}{}
		v.entries = append(v.entries, e)
	}
	v.phase = PhaseReady
	count := len(v.entries)
	v.mu.Unlock()
	v.notify()

	v.log.Info("conversation history loaded", zap.Int("messages", count))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-stream.Events():
			if !ok {
				return stream.Err()
			}
			v.appendLive(ctx, provider, msg)
		}
	}
}

// loadHistory 向后分页读取全部历史，按时间正序拼接并并行解析媒体
func (v *View) loadHistory(ctx context.Context, provider Provider) ([]entry, error) {
	var (
		messages []domain.ChatMessage
		before   string
	)
	for {
		page, err := provider.MessagesPage(ctx, v.cfg.ConversationSID, v.cfg.PageSize, before)
		if err != nil {
			return nil, err
		}
		messages = append(page.Messages, messages...)

		if !page.HasPrevPage || page.PrevCursor == "" || page.PrevCursor == before {
			break
		}
		before = page.PrevCursor
	}

	entries := make([]entry, len(messages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.MediaConcurrency)

	for i, msg := range messages {
		entries[i] = entry{message: msg}
		if msg.Media == nil {
			continue
		}
		g.Go(func() error {
			entries[i].mediaURL = v.resolveMedia(gctx, provider, msg)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, ctx.Err()
}

// resolveMedia 获取媒体临时地址；失败时记录日志并返回空地址
func (v *View) resolveMedia(ctx context.Context, provider Provider, msg domain.ChatMessage) string {
	if msg.Media == nil {
		return ""
	}
	url, err := provider.MediaURL(ctx, msg.Media.SID)
	if err != nil {
		if ctx.Err() == nil {
			v.log.Warn("media url resolution failed",
				zap.String("message", msg.SID),
				zap.String("media", msg.Media.SID),
				zap.Error(err))
		}
		return ""
	}
	return url
}

// appendLive 追加一条实时消息，重复投递按 SID 丢弃
func (v *View) appendLive(ctx context.Context, provider Provider, msg domain.ChatMessage) {
	v.mu.Lock()
	_, dup := v.seen[msg.SID]
	v.mu.Unlock()
	if dup {
		v.metrics.RecordChatDuplicate()
		v.log.Debug("dropping redelivered message", zap.String("message", msg.SID))
		return
	}

	e := entry{message: msg, mediaURL: v.resolveMedia(ctx, provider, msg)}

	v.mu.Lock()
	if _, dup := v.seen[msg.SID]; dup {
		v.mu.Unlock()
		return
	}
	v.seen[msg.SID] = struct{}{}
	v.entries = append(v.entries, e)
	v.mu.Unlock()

	v.metrics.RecordChatAppend()
	v.notify()
}

func (v *View) setError(err error) {
	v.mu.Lock()
	v.lastErr = err.Error()
	v.mu.Unlock()
	v.notify()
}

// File 外发消息附带的本地文件
type File struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Send 发送消息
//
// 有文件时先上传，再取回已存储的字节附加到消息；上传失败则整个发送中止。
func (v *View) Send(ctx context.Context, body string, file *File) error {
	v.mu.Lock()
	provider, phase := v.provider, v.phase
	v.mu.Unlock()

	if phase != PhaseReady || provider == nil {
		return ErrNotReady
	}
	if body == "" && file == nil {
		return ErrEmptyMessage
	}

	msg := domain.OutgoingMessage{Author: v.identity, Body: body}

	if file != nil {
		mediaURL, err := provider.UploadMedia(ctx, file.Filename, file.ContentType, file.Data)
		if err != nil {
			v.log.Warn("failed to upload the file, aborting send", zap.String("file", file.Filename), zap.Error(err))
			return fmt.Errorf("%w: %v", ErrUploadFailed, err)
		}
		v.log.Debug("file uploaded", zap.String("file", file.Filename))

		stored, err := provider.FetchMedia(ctx, mediaURL)
		if err != nil {
			return fmt.Errorf("fetch uploaded media: %w", err)
		}
		contentType := stored.ContentType
		if contentType == "" {
			contentType = file.ContentType
		}
		msg.Media = &domain.OutgoingMedia{
			ContentType: contentType,
			Filename:    file.Filename,
			Data:        stored.Data,
		}
	}

	if err := provider.SendMessage(ctx, v.cfg.ConversationSID, msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	v.log.Info("message sent", zap.Bool("media", msg.Media != nil))
	return nil
}

// MessageView 快照中的一条消息
type MessageView struct {
	SID           string    `json:"sid"`
	Index         int64     `json:"index"`
	Author        string    `json:"author"`
	Body          string    `json:"body"`
	Sent          bool      `json:"sent"`
	DateCreated   time.Time `json:"dateCreated"`
	MediaURL      string    `json:"mediaUrl,omitempty"`
	MediaFilename string    `json:"mediaFilename,omitempty"`
	IsImage       bool      `json:"isImage,omitempty"`
}

// Snapshot 聊天视图快照
type Snapshot struct {
	Identity     string        `json:"identity"`
	Phase        Phase         `json:"phase"`
	Conversation string        `json:"conversation"`
	Messages     []MessageView `json:"messages"`
	ScrollTo     string        `json:"scrollTo,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Snapshot 返回视图快照
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	name := loadingName
	if v.conversation.SID != "" {
		name = v.conversation.FriendlyName
		if name == "" {
			name = v.conversation.SID
		}
	}

	snap := Snapshot{
		Identity:     v.identity,
		Phase:        v.phase,
		Conversation: name,
		Messages:     make([]MessageView, 0, len(v.entries)),
		Error:        v.lastErr,
	}
	for _, e := range v.entries {
		mv := MessageView{
			SID:         e.message.SID,
			Index:       e.message.Index,
			Author:      e.message.Author,
			Body:        e.message.Body,
			Sent:        e.message.Author == v.identity,
			DateCreated: e.message.DateCreated,
			MediaURL:    e.mediaURL,
		}
		if e.message.Media != nil {
			mv.MediaFilename = e.message.Media.Filename
			mv.IsImage = e.message.Media.IsImage()
		}
		snap.Messages = append(snap.Messages, mv)
	}
	if n := len(v.entries); n > 0 {
		snap.ScrollTo = v.entries[n-1].message.SID
	}
	return snap
}

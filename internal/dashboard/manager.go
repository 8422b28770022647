// Package dashboard 按身份管理视图控制器的挂载、卸载与快照推送。
package dashboard

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"commsdash/dashboard/internal/backend"
	"commsdash/dashboard/internal/chat"
	"commsdash/dashboard/internal/inbox"
	"commsdash/dashboard/internal/mailer"
	"commsdash/dashboard/internal/monitoring"
	"commsdash/dashboard/internal/voice"
)

// ViewName 视图名，同时是推送主题的一部分
type ViewName string

const (
	ViewChat  ViewName = "chat"
	ViewEmail ViewName = "email"
	ViewSMS   ViewName = "sms"
	ViewVoice ViewName = "voice"
)

// ErrUnknownView 未知视图
var ErrUnknownView = errors.New("unknown view")

// ParseView 解析视图名
func ParseView(name string) (ViewName, error) {
	switch v := ViewName(name); v {
	case ViewChat, ViewEmail, ViewSMS, ViewVoice:
		return v, nil
	}
	return "", ErrUnknownView
}

// Publisher 将视图快照推送给浏览器；snapshot 在投递时才调用
type Publisher interface {
	Publish(identity, view string, snapshot func() any)
	HasSubscribers(identity string) bool
}

// Deps 视图依赖
type Deps struct {
	Emails          inbox.EmailSource
	SMS             inbox.SMSBackend
	Incoming        voice.IncomingCalls
	Mailer          mailer.Sender
	ChatConnector   chat.Connector
	VoiceConnector  voice.Connector
	Chat            chat.Config
	ToastLifetime   time.Duration
	SMSRefreshDelay time.Duration
}

// Connectors 基于后端客户端与令牌缓存构造聊天与语音的会话连接器
//
// 挂载时先取一次令牌，取不到时视图直接进入错误状态；
// 之后会话的每次请求与重连都重新向 tokens 取令牌。
func Connectors(client *backend.Client, tokens backend.TokenSource) (chat.Connector, voice.Connector) {
	session := func(ctx context.Context, identity string) (*backend.Session, error) {
		if _, err := tokens.Token(ctx, identity); err != nil {
			return nil, err
		}
		return client.NewSession(identity, tokens), nil
	}

	chatConnect := func(ctx context.Context, identity string) (chat.Provider, error) {
		s, err := session(ctx, identity)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	voiceConnect := func(ctx context.Context, identity string) (voice.Signaling, error) {
		s, err := session(ctx, identity)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return chatConnect, voiceConnect
}

// mountable 可挂载的视图
type mountable interface {
	Mount(ctx context.Context)
	Close()
}

// session 一个身份的全部视图
type session struct {
	identity string
	chat     *chat.View
	email    *inbox.EmailView
	sms      *inbox.SMSView
	voice    *voice.View
	mounted  map[ViewName]mountable
	lastSeen time.Time
}

// Manager 视图注册表
type Manager struct {
	deps        Deps
	publisher   Publisher
	idleTimeout time.Duration
	log         *zap.Logger
	metrics     *monitoring.Metrics
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager 创建视图注册表；视图的后台任务在 Close 时全部取消
func NewManager(deps Deps, publisher Publisher, idleTimeout time.Duration, log *zap.Logger, metrics *monitoring.Metrics) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:        deps,
		publisher:   publisher,
		idleTimeout: idleTimeout,
		log:         log,
		metrics:     metrics,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*session),
	}
}

func (m *Manager) publish(identity string, view ViewName, snapshot func() any) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(identity, string(view), snapshot)
}

// sessionLocked 返回身份的会话，不存在时创建
func (m *Manager) sessionLocked(identity string) *session {
	s, ok := m.sessions[identity]
	if !ok {
		s = &session{identity: identity, mounted: make(map[ViewName]mountable)}
		m.sessions[identity] = s
	}
	s.lastSeen = m.now()
	return s
}

// mountLocked 首次访问时挂载视图
func (m *Manager) mountLocked(s *session, name ViewName, view mountable) {
	if _, ok := s.mounted[name]; ok {
		return
	}
	s.mounted[name] = view
	view.Mount(m.ctx)
	m.metrics.ViewMounted(string(name), 1)
	m.log.Debug("view mounted", zap.String("identity", s.identity), zap.String("view", string(name)))
}

// Chat 返回身份的聊天视图，首次访问时挂载
func (m *Manager) Chat(identity string) *chat.View {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessionLocked(identity)
	if s.chat == nil {
		var v *chat.View
		v = chat.NewView(identity, m.deps.Chat, m.deps.ChatConnector,
			m.log.Named("chat"), m.metrics,
			func() { m.publish(identity, ViewChat, func() any { return v.Snapshot() }) })
		s.chat = v
	}
	m.mountLocked(s, ViewChat, s.chat)
	return s.chat
}

// Email 返回身份的邮件视图，首次访问时挂载
func (m *Manager) Email(identity string) *inbox.EmailView {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessionLocked(identity)
	if s.email == nil {
		var v *inbox.EmailView
		v = inbox.NewEmailView(m.deps.Emails, m.deps.Mailer, m.deps.ToastLifetime,
			m.log.Named("email").With(zap.String("identity", identity)), m.metrics,
			func() { m.publish(identity, ViewEmail, func() any { return v.Snapshot() }) })
		s.email = v
	}
	m.mountLocked(s, ViewEmail, s.email)
	return s.email
}

// SMS 返回身份的短信视图，首次访问时挂载
func (m *Manager) SMS(identity string) *inbox.SMSView {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessionLocked(identity)
	if s.sms == nil {
		var v *inbox.SMSView
		v = inbox.NewSMSView(m.deps.SMS, m.deps.ToastLifetime, m.deps.SMSRefreshDelay,
			m.log.Named("sms").With(zap.String("identity", identity)), m.metrics,
			func() { m.publish(identity, ViewSMS, func() any { return v.Snapshot() }) })
		s.sms = v
	}
	m.mountLocked(s, ViewSMS, s.sms)
	return s.sms
}

// Voice 返回身份的语音视图，首次访问时挂载
func (m *Manager) Voice(identity string) *voice.View {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessionLocked(identity)
	if s.voice == nil {
		var v *voice.View
		v = voice.NewView(identity, m.deps.VoiceConnector, m.deps.Incoming, m.deps.ToastLifetime,
			m.log.Named("voice"), m.metrics,
			func() { m.publish(identity, ViewVoice, func() any { return v.Snapshot() }) })
		s.voice = v
	}
	m.mountLocked(s, ViewVoice, s.voice)
	return s.voice
}

// Snapshot 返回视图快照，必要时先挂载
func (m *Manager) Snapshot(identity string, view ViewName) (any, error) {
	switch view {
	case ViewChat:
		return m.Chat(identity).Snapshot(), nil
	case ViewEmail:
		return m.Email(identity).Snapshot(), nil
	case ViewSMS:
		return m.SMS(identity).Snapshot(), nil
	case ViewVoice:
		return m.Voice(identity).Snapshot(), nil
	}
	return nil, ErrUnknownView
}

// CloseToast 关闭视图的通知
func (m *Manager) CloseToast(identity string, view ViewName) error {
	switch view {
	case ViewEmail:
		m.Email(identity).CloseToast()
	case ViewSMS:
		m.SMS(identity).CloseToast()
	case ViewVoice:
		m.Voice(identity).CloseToast()
	default:
		return ErrUnknownView
	}
	return nil
}

// Unmount 卸载身份的全部视图并取消其订阅
func (m *Manager) Unmount(identity string) {
	m.mu.Lock()
	s, ok := m.sessions[identity]
	if ok {
		delete(m.sessions, identity)
	}
	m.mu.Unlock()

	if ok {
		m.closeSession(s)
	}
}

func (m *Manager) closeSession(s *session) {
	for name, view := range s.mounted {
		view.Close()
		m.metrics.ViewMounted(string(name), -1)
	}
	m.log.Info("views unmounted", zap.String("identity", s.identity), zap.Int("views", len(s.mounted)))
}

// Mounted 返回身份已挂载的视图数
func (m *Manager) Mounted(identity string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[identity]; ok {
		return len(s.mounted)
	}
	return 0
}

// Sweep 卸载空闲超时且没有实时订阅者的身份
func (m *Manager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	var idle []*session
	for identity, s := range m.sessions {
		if now.Sub(s.lastSeen) < m.idleTimeout {
			continue
		}
		if m.publisher != nil && m.publisher.HasSubscribers(identity) {
			continue
		}
		idle = append(idle, s)
		delete(m.sessions, identity)
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.closeSession(s)
	}
	return len(idle)
}

// Run 定期清理空闲视图，直到 ctx 取消
func (m *Manager) Run(ctx context.Context) {
	interval := m.idleTimeout / 2
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.log.Info("idle views swept", zap.Int("identities", n))
			}
		}
	}
}

// Close 卸载全部视图
func (m *Manager) Close() {
	m.cancel()

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		m.closeSession(s)
	}
}

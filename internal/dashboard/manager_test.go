package dashboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commsdash/dashboard/internal/backend"
	"commsdash/dashboard/internal/chat"
	"commsdash/dashboard/internal/config"
	"commsdash/dashboard/internal/domain"
	"commsdash/dashboard/internal/inbox"
	"commsdash/dashboard/internal/push"
	"commsdash/dashboard/internal/voice"
)

var errOffline = errors.New("backend offline")

type fakeBackend struct {
	mu        sync.Mutex
	emails    []domain.Email
	smsClosed int
}

func (f *fakeBackend) ListEmails(context.Context) ([]domain.Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emails, nil
}

func (f *fakeBackend) ListSMS(context.Context) ([]domain.SMS, error) { return nil, nil }

func (f *fakeBackend) SendSMS(context.Context, domain.OutgoingSMS) error { return nil }

func (f *fakeBackend) SubscribeSMSReceived(ctx context.Context) *push.Stream[struct{}] {
	ch := make(chan struct{})
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		f.smsClosed++
		f.mu.Unlock()
		close(ch)
	}()
	return push.FromChannel(ch)
}

func (f *fakeBackend) SubscribeIncomingCalls(ctx context.Context) *push.Stream[domain.IncomingCallNotice] {
	ch := make(chan domain.IncomingCallNotice)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return push.FromChannel(ch)
}

func (f *fakeBackend) closedStreams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.smsClosed
}

type nopSender struct{}

func (nopSender) Send(context.Context, domain.OutgoingEmail) error { return nil }

type published struct {
	identity string
	view     string
}

type fakePublisher struct {
	mu          sync.Mutex
	events      []published
	subscribers map[string]bool
}

func (p *fakePublisher) Publish(identity, view string, _ func() any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{identity, view})
}

func (p *fakePublisher) HasSubscribers(identity string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribers[identity]
}

func (p *fakePublisher) count(view string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.view == view {
			n++
		}
	}
	return n
}

func newTestManager(b *fakeBackend, pub *fakePublisher) *Manager {
	deps := Deps{
		Emails:   b,
		SMS:      b,
		Incoming: b,
		Mailer:   nopSender{},
		ChatConnector: func(context.Context, string) (chat.Provider, error) {
			return nil, errOffline
		},
		VoiceConnector: func(context.Context, string) (voice.Signaling, error) {
			return nil, errOffline
		},
		Chat:            chat.Config{ConversationSID: "CH1", PageSize: 10, MediaConcurrency: 2},
		ToastLifetime:   time.Minute,
		SMSRefreshDelay: time.Millisecond,
	}
	return NewManager(deps, pub, time.Minute, nil, nil)
}

func TestParseView(t *testing.T) {
	v, err := ParseView("sms")
	require.NoError(t, err)
	assert.Equal(t, ViewSMS, v)

	_, err = ParseView("fax")
	assert.ErrorIs(t, err, ErrUnknownView)
}

func TestManager(t *testing.T) {
	t.Run("首次访问挂载视图并推送快照", func(t *testing.T) {
		b := &fakeBackend{emails: []domain.Email{{From: "a@example.com", Subject: "hi"}}}
		pub := &fakePublisher{}
		m := newTestManager(b, pub)
		defer m.Close()

		v := m.Email("alice")
		assert.Same(t, v, m.Email("alice"))
		assert.Equal(t, 1, m.Mounted("alice"))

		require.Eventually(t, func() bool {
			return v.Snapshot().Status == inbox.StatusReady
		}, time.Second, 10*time.Millisecond)
		assert.Positive(t, pub.count("email"))
	})

	t.Run("不同身份的视图相互独立", func(t *testing.T) {
		m := newTestManager(&fakeBackend{}, &fakePublisher{})
		defer m.Close()

		assert.NotSame(t, m.SMS("alice"), m.SMS("bob"))
		assert.Equal(t, 1, m.Mounted("alice"))
		assert.Equal(t, 1, m.Mounted("bob"))
	})

	t.Run("连接失败时聊天视图报告错误", func(t *testing.T) {
		m := newTestManager(&fakeBackend{}, &fakePublisher{})
		defer m.Close()

		v := m.Chat("alice")
		require.Eventually(t, func() bool {
			return v.Snapshot().Error != ""
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("快照与关闭通知按视图名分派", func(t *testing.T) {
		m := newTestManager(&fakeBackend{}, &fakePublisher{})
		defer m.Close()

		snap, err := m.Snapshot("alice", ViewVoice)
		require.NoError(t, err)
		assert.IsType(t, voice.Snapshot{}, snap)

		_, err = m.Snapshot("alice", ViewName("fax"))
		assert.ErrorIs(t, err, ErrUnknownView)

		assert.NoError(t, m.CloseToast("alice", ViewSMS))
		assert.ErrorIs(t, m.CloseToast("alice", ViewChat), ErrUnknownView)
	})

	t.Run("卸载取消订阅，再次访问重新挂载", func(t *testing.T) {
		b := &fakeBackend{}
		m := newTestManager(b, &fakePublisher{})
		defer m.Close()

		first := m.SMS("alice")
		m.Unmount("alice")
		assert.Zero(t, m.Mounted("alice"))
		assert.Eventually(t, func() bool { return b.closedStreams() == 1 }, time.Second, 10*time.Millisecond)

		assert.NotSame(t, first, m.SMS("alice"))
	})

	t.Run("空闲清理跳过有订阅者的身份", func(t *testing.T) {
		pub := &fakePublisher{subscribers: map[string]bool{"bob": true}}
		m := newTestManager(&fakeBackend{}, pub)
		defer m.Close()

		now := time.Now()
		m.now = func() time.Time { return now }
		m.SMS("alice")
		m.SMS("bob")

		assert.Zero(t, m.Sweep())

		now = now.Add(2 * time.Minute)
		assert.Equal(t, 1, m.Sweep())
		assert.Zero(t, m.Mounted("alice"))
		assert.Equal(t, 1, m.Mounted("bob"))
	})
}

type countingTokens struct {
	mu      sync.Mutex
	err     error
	fetches int
}

func (c *countingTokens) Token(context.Context, string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches++
	return "tok", c.err
}

func (c *countingTokens) Invalidate(context.Context, string) error { return nil }

func TestConnectors(t *testing.T) {
	client := backend.New(config.BackendConfig{BaseURL: "http://127.0.0.1:0", Timeout: time.Second}, config.PushConfig{}, nil, nil)

	t.Run("令牌不可用时连接失败", func(t *testing.T) {
		tokens := &countingTokens{err: errOffline}
		chatConnect, voiceConnect := Connectors(client, tokens)

		_, err := chatConnect(context.Background(), "alice")
		assert.ErrorIs(t, err, errOffline)
		_, err = voiceConnect(context.Background(), "alice")
		assert.ErrorIs(t, err, errOffline)
	})

	t.Run("连接成功返回身份会话", func(t *testing.T) {
		tokens := &countingTokens{}
		chatConnect, _ := Connectors(client, tokens)

		provider, err := chatConnect(context.Background(), "alice")
		require.NoError(t, err)
		session, ok := provider.(*backend.Session)
		require.True(t, ok)
		assert.Equal(t, "alice", session.Identity())
		assert.Equal(t, 1, tokens.fetches)
	})
}

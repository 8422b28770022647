package inbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"commsdash/dashboard/internal/domain"
	"commsdash/dashboard/internal/push"
	"commsdash/dashboard/internal/toast"
)

type fakeEmails struct {
	mu     sync.Mutex
	emails []domain.Email
	err    error
	calls  int
}

func (f *fakeEmails) ListEmails(context.Context) ([]domain.Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.emails, f.err
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, email domain.OutgoingEmail) error {
	return m.Called(ctx, email).Error(0)
}

func TestEmailView(t *testing.T) {
	ctx := context.Background()

	t.Run("挂载前为 loading，空快照显示空状态", func(t *testing.T) {
		src := &fakeEmails{emails: []domain.Email{}}
		v := NewEmailView(src, new(mockSender), time.Minute, nil, nil, nil)
		assert.Equal(t, StatusLoading, v.Snapshot().Status)

		require.NoError(t, v.Refresh(ctx))
		snap := v.Snapshot()
		assert.Equal(t, StatusEmpty, snap.Status)
		assert.Equal(t, "Wow! Such empty!", snap.EmptyMessage)
	})

	t.Run("快照按顺序渲染并附带时间", func(t *testing.T) {
		src := &fakeEmails{emails: []domain.Email{
			{From: "a@example.com", Subject: "one", Date: "2024-01-02T15:04:00Z"},
			{From: "b@example.com", Subject: "two", Date: "not a date"},
		}}
		v := NewEmailView(src, new(mockSender), time.Minute, nil, nil, nil)
		v.now = func() time.Time { return time.Date(2024, 1, 2, 15, 9, 0, 0, time.UTC) }

		require.NoError(t, v.Refresh(ctx))
		snap := v.Snapshot()
		require.Len(t, snap.Emails, 2)
		assert.Equal(t, StatusReady, snap.Status)
		assert.Equal(t, "one", snap.Emails[0].Subject)
		assert.Equal(t, "5 minutes ago", snap.Emails[0].RelativeTime)
		assert.Equal(t, "January 2, 2024 - 3:04 PM", snap.Emails[0].FormattedDate)
		assert.Empty(t, snap.Emails[1].RelativeTime)
		assert.Equal(t, 1, snap.Emails[1].Index)

		e, ok := v.Email(1)
		require.True(t, ok)
		assert.Equal(t, "two", e.Subject)
		_, ok = v.Email(5)
		assert.False(t, ok)
	})

	t.Run("刷新失败保留原状态", func(t *testing.T) {
		src := &fakeEmails{emails: []domain.Email{{Subject: "keep"}}}
		v := NewEmailView(src, new(mockSender), time.Minute, nil, nil, nil)
		require.NoError(t, v.Refresh(ctx))

		src.err = errors.New("backend down")
		assert.Error(t, v.Refresh(ctx))
		snap := v.Snapshot()
		assert.Equal(t, StatusReady, snap.Status)
		require.Len(t, snap.Emails, 1)
		assert.Equal(t, "keep", snap.Emails[0].Subject)
	})

	t.Run("挂载触发首次拉取", func(t *testing.T) {
		src := &fakeEmails{emails: []domain.Email{{Subject: "x"}}}
		v := NewEmailView(src, new(mockSender), time.Minute, nil, nil, nil)
		v.Mount(ctx)
		v.Close()

		assert.Equal(t, StatusReady, v.Snapshot().Status)
	})

	t.Run("附带文件时 base64 编码", func(t *testing.T) {
		sender := new(mockSender)
		sender.On("Send", mock.Anything, domain.OutgoingEmail{
			To:      "a@example.com",
			Subject: "hi",
			Message: "body",
			Attachment: &domain.OutgoingAttachment{
				Filename:    "a.txt",
				Content:     "aGVsbG8=",
				Type:        "text/plain",
				Disposition: "attachment",
			},
		}).Return(nil)

		v := NewEmailView(&fakeEmails{}, sender, time.Minute, nil, nil, nil)
		tst, err := v.Send(ctx, EmailForm{
			To: "a@example.com", Subject: "hi", Message: "body",
			File: &Attachment{Filename: "a.txt", ContentType: "text/plain", Data: []byte("hello")},
		})
		require.NoError(t, err)
		assert.Equal(t, toast.KindSuccess, tst.Kind)
		assert.Equal(t, "Email sent", tst.Headline)
		assert.Equal(t, "Email sent to a@example.com successfully!", tst.Detail)
		sender.AssertExpectations(t)
	})

	t.Run("后端失败显示错误通知", func(t *testing.T) {
		sender := new(mockSender)
		sender.On("Send", mock.Anything, mock.Anything).Return(errors.New("HTTP 500"))

		v := NewEmailView(&fakeEmails{}, sender, time.Minute, nil, nil, nil)
		tst, err := v.Send(ctx, EmailForm{To: "a@example.com"})
		assert.Error(t, err)
		assert.Equal(t, toast.KindError, tst.Kind)
		assert.Equal(t, tst, v.Snapshot().Toast)
	})

	t.Run("缺少收件人不发送", func(t *testing.T) {
		sender := new(mockSender)
		v := NewEmailView(&fakeEmails{}, sender, time.Minute, nil, nil, nil)

		tst, err := v.Send(ctx, EmailForm{To: " "})
		assert.ErrorIs(t, err, domain.ErrMissingDestination)
		assert.Equal(t, toast.KindError, tst.Kind)
		sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})
}

type fakeSMS struct {
	mu       sync.Mutex
	messages []domain.SMS
	lists    atomic.Int32
	sendErr  error
	sent     []domain.OutgoingSMS
	events   chan struct{}
}

func (f *fakeSMS) ListSMS(context.Context) ([]domain.SMS, error) {
	f.lists.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages, nil
}

func (f *fakeSMS) SendSMS(_ context.Context, sms domain.OutgoingSMS) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sms)
	return f.sendErr
}

func (f *fakeSMS) SubscribeSMSReceived(context.Context) *push.Stream[struct{}] {
	return push.FromChannel(f.events)
}

func (f *fakeSMS) setMessages(msgs []domain.SMS) {
	f.mu.Lock()
	f.messages = msgs
	f.mu.Unlock()
}

func TestSMSView(t *testing.T) {
	ctx := context.Background()

	t.Run("推送事件在延迟后触发整体刷新", func(t *testing.T) {
		backend := &fakeSMS{events: make(chan struct{}, 4)}
		v := NewSMSView(backend, time.Minute, 10*time.Millisecond, nil, nil, nil)
		v.Mount(ctx)
		defer v.Close()

		assert.Eventually(t, func() bool { return v.Snapshot().Status == StatusEmpty }, time.Second, 5*time.Millisecond)

		backend.setMessages([]domain.SMS{{SID: "SM1", Body: "hello", DateSent: time.Now()}})
		backend.events <- struct{}{}
		backend.events <- struct{}{}

		assert.Eventually(t, func() bool {
			snap := v.Snapshot()
			return snap.Status == StatusReady && len(snap.Messages) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool { return backend.lists.Load() == 3 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, "SM1", v.Snapshot().Messages[0].SID)
	})

	t.Run("卸载取消等待中的刷新", func(t *testing.T) {
		backend := &fakeSMS{events: make(chan struct{}, 1)}
		v := NewSMSView(backend, time.Minute, time.Hour, nil, nil, nil)
		v.Mount(ctx)
		assert.Eventually(t, func() bool { return backend.lists.Load() == 1 }, time.Second, 5*time.Millisecond)

		backend.events <- struct{}{}
		time.Sleep(10 * time.Millisecond)

		done := make(chan struct{})
		go func() {
			v.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("close blocked on pending refresh")
		}
		assert.Equal(t, int32(1), backend.lists.Load())
	})

	t.Run("发送成功与失败的通知", func(t *testing.T) {
		backend := &fakeSMS{events: make(chan struct{})}
		v := NewSMSView(backend, time.Minute, time.Second, nil, nil, nil)

		tst, err := v.Send(ctx, "+15551234567", "hi")
		require.NoError(t, err)
		assert.Equal(t, "Message sent", tst.Headline)
		assert.Equal(t, "Message sent to +15551234567 successfully!", tst.Detail)

		backend.sendErr = errors.New("HTTP 500")
		tst, err = v.Send(ctx, "+15551234567", "hi")
		assert.Error(t, err)
		assert.Equal(t, toast.KindError, tst.Kind)
		assert.Equal(t, "Message failed", tst.Headline)
		assert.Equal(t, "There was an error sending your message.", tst.Detail)
	})

	t.Run("缺少收件人不发送", func(t *testing.T) {
		backend := &fakeSMS{events: make(chan struct{})}
		v := NewSMSView(backend, time.Minute, time.Second, nil, nil, nil)

		_, err := v.Send(ctx, "", "hi")
		assert.ErrorIs(t, err, domain.ErrMissingDestination)
		assert.Empty(t, backend.sent)
	})
}

package mailer

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"strings"
	"sync"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"commsdash/dashboard/internal/config"
	"commsdash/dashboard/internal/domain"
)

// captureBackend 记录收到的报文
type captureBackend struct {
	mu       sync.Mutex
	from     string
	rcpts    []string
	messages [][]byte
}

func (b *captureBackend) NewSession(_ *gosmtp.Conn) (gosmtp.Session, error) {
	return &captureSession{backend: b}, nil
}

type captureSession struct {
	backend *captureBackend
}

func (s *captureSession) Mail(from string, _ *gosmtp.MailOptions) error {
	s.backend.mu.Lock()
	s.backend.from = from
	s.backend.mu.Unlock()
	return nil
}

func (s *captureSession) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	s.backend.mu.Lock()
	s.backend.rcpts = append(s.backend.rcpts, to)
	s.backend.mu.Unlock()
	return nil
}

func (s *captureSession) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, raw)
	s.backend.mu.Unlock()
	return nil
}

func (s *captureSession) Reset()        {}
func (s *captureSession) Logout() error { return nil }

func startSMTP(t *testing.T) (*captureBackend, string) {
	t.Helper()
	be := &captureBackend{}
	srv := gosmtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	return be, l.Addr().String()
}

func TestSMTPSender(t *testing.T) {
	t.Run("投递带附件的邮件", func(t *testing.T) {
		be, addr := startSMTP(t)
		sender := NewSMTPSender(config.MailConfig{SMTPAddr: addr, From: "dash@example.com"}, nil)

		content := base64.StdEncoding.EncodeToString([]byte("hello attachment"))
		err := sender.Send(context.Background(), domain.OutgoingEmail{
			To:      "a@example.com, b@example.com",
			CC:      "c@example.com",
			BCC:     "d@example.com",
			Subject: "Report",
			Message: "See attached.",
			Attachment: &domain.OutgoingAttachment{
				Filename:    "report.txt",
				Content:     content,
				Type:        "text/plain",
				Disposition: "attachment",
			},
		})
		require.NoError(t, err)

		be.mu.Lock()
		defer be.mu.Unlock()
		assert.Equal(t, "dash@example.com", be.from)
		assert.ElementsMatch(t, []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"}, be.rcpts)
		require.Len(t, be.messages, 1)

		msg, err := mail.ReadMessage(strings.NewReader(string(be.messages[0])))
		require.NoError(t, err)
		assert.Equal(t, "Report", msg.Header.Get("Subject"))
		assert.NotContains(t, string(be.messages[0]), "d@example.com")

		mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
		require.NoError(t, err)
		assert.Equal(t, "multipart/mixed", mediaType)

		mr := multipart.NewReader(msg.Body, params["boundary"])
		_, err = mr.NextPart()
		require.NoError(t, err)
		part, err := mr.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "report.txt", part.FileName())
		encoded, err := io.ReadAll(part)
		require.NoError(t, err)
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(encoded), "\r\n", ""))
		require.NoError(t, err)
		assert.Equal(t, "hello attachment", string(decoded))
	})

	t.Run("没有收件人失败", func(t *testing.T) {
		sender := NewSMTPSender(config.MailConfig{SMTPAddr: "127.0.0.1:1", From: "dash@example.com"}, nil)
		err := sender.Send(context.Background(), domain.OutgoingEmail{To: " , "})
		assert.ErrorIs(t, err, ErrNoRecipients)
	})
}

func TestCompose(t *testing.T) {
	raw, err := Compose("dash@example.com", domain.OutgoingEmail{
		To:      "a@example.com",
		Subject: "你好",
		Message: "plain body",
	}, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)

	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	require.NoError(t, err)

	subject, err := new(mime.WordDecoder).DecodeHeader(msg.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "你好", subject)
	assert.True(t, strings.HasPrefix(msg.Header.Get("Content-Type"), "text/plain"))

	body, err := io.ReadAll(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, "plain body", string(body))
}

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) SendEmail(ctx context.Context, email domain.OutgoingEmail) error {
	return m.Called(ctx, email).Error(0)
}

func TestNew(t *testing.T) {
	t.Run("默认经后端投递", func(t *testing.T) {
		be := new(mockBackend)
		email := domain.OutgoingEmail{To: "a@example.com"}
		be.On("SendEmail", mock.Anything, email).Return(errors.New("boom"))

		sender := New(config.MailConfig{Transport: "backend"}, be, nil)
		assert.IsType(t, &BackendSender{}, sender)
		assert.EqualError(t, sender.Send(context.Background(), email), "boom")
		be.AssertExpectations(t)
	})

	t.Run("配置为 smtp 时直连", func(t *testing.T) {
		sender := New(config.MailConfig{Transport: "smtp", SMTPAddr: "x:25", From: "a@b"}, nil, nil)
		assert.IsType(t, &SMTPSender{}, sender)
	})
}

package backend

import (
	"context"
	"net/http"

	"commsdash/dashboard/internal/domain"
	"commsdash/dashboard/internal/push"
)

// ListEmails 拉取邮件收件箱完整快照
func (c *Client) ListEmails(ctx context.Context) ([]domain.Email, error) {
	var emails []domain.Email
	if err := c.call(ctx, "list_emails", http.MethodGet, c.url("/emails", nil), "", nil, &emails); err != nil {
		return nil, err
	}
	return emails, nil
}

// SendEmail 通过后端发送邮件，非 2xx 返回 *StatusError
func (c *Client) SendEmail(ctx context.Context, email domain.OutgoingEmail) error {
	return c.call(ctx, "send_email", http.MethodPost, c.url("/send-email", nil), "", email, nil)
}

type inboxResponse struct {
	Messages []domain.SMS `json:"messages"`
}

// ListSMS 拉取短信收件箱完整快照
func (c *Client) ListSMS(ctx context.Context) ([]domain.SMS, error) {
	var resp inboxResponse
	if err := c.call(ctx, "list_sms", http.MethodGet, c.url("/get-inbox", nil), "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// SendSMS 发送短信
func (c *Client) SendSMS(ctx context.Context, sms domain.OutgoingSMS) error {
	return c.call(ctx, "send_sms", http.MethodPost, c.url("/send-sms", nil), "", sms, nil)
}

// SubscribeSMSReceived 订阅“收到短信”推送；事件本身不携带内容，只作为刷新信号
func (c *Client) SubscribeSMSReceived(ctx context.Context) *push.Stream[struct{}] {
	sub := c.subscribe(ctx, "sms_received", "/message-received-event", nil, nil)
	return push.DecodeFunc(sub, c.log, func([]byte) (struct{}, error) {
		return struct{}{}, nil
	})
}

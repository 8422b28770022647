package inbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"commsdash/dashboard/internal/domain"
	"commsdash/dashboard/internal/mailer"
	"commsdash/dashboard/internal/monitoring"
	"commsdash/dashboard/internal/toast"
)

// 邮件外发通知文案
const (
	emailSentHeadline   = "Email sent"
	emailFailedHeadline = "Email failed"
	emailFailedDetail   = "There was an error sending your email."
	missingDestination  = "At least one destination is required."
)

// EmailSource 邮件收件箱来源
type EmailSource interface {
	ListEmails(ctx context.Context) ([]domain.Email, error)
}

// Attachment 用户选择的本地文件
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// EmailForm 外发邮件表单
type EmailForm struct {
	To      string
	CC      string
	BCC     string
	Subject string
	Message string
	File    *Attachment
}

// EmailItem 快照中的一封邮件
type EmailItem struct {
	Index int `json:"index"`
	domain.Email
	RelativeTime  string `json:"relativeTime,omitempty"`
	FormattedDate string `json:"formattedDate,omitempty"`
}

// EmailSnapshot 邮件视图快照
type EmailSnapshot struct {
	Status       Status       `json:"status"`
	EmptyMessage string       `json:"emptyMessage,omitempty"`
	Emails       []EmailItem  `json:"emails"`
	Toast        *toast.Toast `json:"toast,omitempty"`
}

// EmailView 邮件收件箱视图
type EmailView struct {
	list          *list[domain.Email]
	sender        mailer.Sender
	slot          *toast.Slot
	toastLifetime time.Duration
	log           *zap.Logger
	now           func() time.Time

	mu sync.Mutex
	lc *lifecycle
}

// NewEmailView 创建邮件视图，onChange 在状态变化后调用
func NewEmailView(source EmailSource, sender mailer.Sender, toastLifetime time.Duration, log *zap.Logger, metrics *monitoring.Metrics, onChange func()) *EmailView {
	if log == nil {
		log = zap.NewNop()
	}
	return &EmailView{
		list:          newList("email", source.ListEmails, log, metrics, onChange),
		sender:        sender,
		slot:          toast.NewSlot(onChange),
		toastLifetime: toastLifetime,
		log:           log,
		now:           time.Now,
	}
}

// Mount 挂载视图并拉取首个快照
func (v *EmailView) Mount(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lc != nil {
		return
	}
	v.lc = newLifecycle(ctx)
	v.lc.goFunc(func(ctx context.Context) {
		_ = v.list.refresh(ctx)
	})
}

// Close 卸载视图，等待进行中的拉取结束
func (v *EmailView) Close() {
	v.mu.Lock()
	lc := v.lc
	v.mu.Unlock()
	if lc != nil {
		lc.close()
	}
}

// Refresh 手动刷新
func (v *EmailView) Refresh(ctx context.Context) error {
	return v.list.refresh(ctx)
}

// Email 按快照下标返回邮件详情
func (v *EmailView) Email(index int) (domain.Email, bool) {
	return v.list.at(index)
}

// CloseToast 关闭通知
func (v *EmailView) CloseToast() { v.slot.Close() }

// Send 发送邮件；结果只通过通知和返回值报告
func (v *EmailView) Send(ctx context.Context, form EmailForm) (*toast.Toast, error) {
	if len(domain.SplitRecipients(form.To)) == 0 {
		return flash(v.slot, v.toastLifetime, toast.KindError, emailFailedHeadline, missingDestination), domain.ErrMissingDestination
	}

	email := domain.OutgoingEmail{
		To:      form.To,
		CC:      form.CC,
		BCC:     form.BCC,
		Subject: form.Subject,
		Message: form.Message,
	}
	if form.File != nil {
		email.Attachment = &domain.OutgoingAttachment{
			Filename:    form.File.Filename,
			Content:     base64.StdEncoding.EncodeToString(form.File.Data),
			Type:        form.File.ContentType,
			Disposition: "attachment",
		}
	}

	if err := v.sender.Send(ctx, email); err != nil {
		v.log.Error("email send failed", zap.String("to", form.To), zap.Error(err))
		return flash(v.slot, v.toastLifetime, toast.KindError, emailFailedHeadline, emailFailedDetail), err
	}

	v.log.Info("email sent", zap.String("to", form.To), zap.Bool("attachment", form.File != nil))
	return flash(v.slot, v.toastLifetime, toast.KindSuccess, emailSentHeadline,
		fmt.Sprintf("Email sent to %s successfully!", form.To)), nil
}

// Snapshot 返回视图快照
func (v *EmailView) Snapshot() EmailSnapshot {
	status, emails := v.list.snapshot()
	now := v.now()

	items := make([]EmailItem, 0, len(emails))
	for i, e := range emails {
		item := EmailItem{Index: i, Email: e}
		if t, ok := parseDate(e.Date); ok {
			item.RelativeTime = domain.TimeElapsedSince(t, now)
			item.FormattedDate = domain.FormatDate(t)
		}
		items = append(items, item)
	}

	snap := EmailSnapshot{Status: status, Emails: items, Toast: v.slot.Current()}
	if status == StatusEmpty {
		snap.EmptyMessage = EmptyMessage
	}
	return snap
}

// 后端邮件日期可能的格式
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	"Mon, 2 Jan 2006 15:04:05 -0700",
}

func parseDate(value string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

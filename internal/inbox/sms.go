package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"commsdash/dashboard/internal/domain"
	"commsdash/dashboard/internal/monitoring"
	"commsdash/dashboard/internal/push"
	"commsdash/dashboard/internal/toast"
)

// 短信外发通知文案
const (
	smsSentHeadline   = "Message sent"
	smsFailedHeadline = "Message failed"
	smsFailedDetail   = "There was an error sending your message."
)

// SMSBackend 短信收件箱来源与外发
type SMSBackend interface {
	ListSMS(ctx context.Context) ([]domain.SMS, error)
	SendSMS(ctx context.Context, sms domain.OutgoingSMS) error
	SubscribeSMSReceived(ctx context.Context) *push.Stream[struct{}]
}

// SMSItem 快照中的一条短信
type SMSItem struct {
	domain.SMS
	RelativeTime  string `json:"relativeTime"`
	FormattedDate string `json:"formattedDate"`
}

// SMSSnapshot 短信视图快照
type SMSSnapshot struct {
	Status       Status       `json:"status"`
	EmptyMessage string       `json:"emptyMessage,omitempty"`
	Messages     []SMSItem    `json:"messages"`
	Toast        *toast.Toast `json:"toast,omitempty"`
}

// SMSView 短信收件箱视图
type SMSView struct {
	list          *list[domain.SMS]
	backend       SMSBackend
	slot          *toast.Slot
	toastLifetime time.Duration
	refreshDelay  time.Duration
	log           *zap.Logger
	now           func() time.Time

	mu sync.Mutex
	lc *lifecycle
}

// NewSMSView 创建短信视图
//
// refreshDelay 是收到推送后到重新拉取之间的等待。
func NewSMSView(backend SMSBackend, toastLifetime, refreshDelay time.Duration, log *zap.Logger, metrics *monitoring.Metrics, onChange func()) *SMSView {
	if log == nil {
		log = zap.NewNop()
	}
	return &SMSView{
		list:          newList("sms", backend.ListSMS, log, metrics, onChange),
		backend:       backend,
		slot:          toast.NewSlot(onChange),
		toastLifetime: toastLifetime,
		refreshDelay:  refreshDelay,
		log:           log,
		now:           time.Now,
	}
}

// Mount 挂载视图：拉取首个快照并订阅“收到短信”推送
func (v *SMSView) Mount(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lc != nil {
		return
	}
	v.lc = newLifecycle(ctx)
	lc := v.lc

	lc.goFunc(func(ctx context.Context) {
		_ = v.list.refresh(ctx)
	})

	lc.goFunc(func(ctx context.Context) {
		stream := v.backend.SubscribeSMSReceived(ctx)
		defer stream.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-stream.Events():
				if !ok {
					if err := stream.Err(); err != nil {
						v.log.Error("sms push channel closed", zap.Error(err))
					}
					return
				}
				v.log.Debug("sms received, scheduling inbox refresh", zap.Duration("delay", v.refreshDelay))
				lc.goFunc(v.delayedRefresh)
			}
		}
	})
}

// delayedRefresh 等待固定时间后重新拉取；视图卸载时放弃
func (v *SMSView) delayedRefresh(ctx context.Context) {
	timer := time.NewTimer(v.refreshDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		_ = v.list.refresh(ctx)
	}
}

// Close 卸载视图：关闭推送并取消等待中的刷新
func (v *SMSView) Close() {
	v.mu.Lock()
	lc := v.lc
	v.mu.Unlock()
	if lc != nil {
		lc.close()
	}
}

// Refresh 手动刷新
func (v *SMSView) Refresh(ctx context.Context) error {
	return v.list.refresh(ctx)
}

// CloseToast 关闭通知
func (v *SMSView) CloseToast() { v.slot.Close() }

// Send 发送短信
func (v *SMSView) Send(ctx context.Context, to, message string) (*toast.Toast, error) {
	if to == "" {
		return flash(v.slot, v.toastLifetime, toast.KindError, smsFailedHeadline, missingDestination), domain.ErrMissingDestination
	}

	if err := v.backend.SendSMS(ctx, domain.OutgoingSMS{To: to, Message: message}); err != nil {
		v.log.Error("sms send failed", zap.String("to", to), zap.Error(err))
		return flash(v.slot, v.toastLifetime, toast.KindError, smsFailedHeadline, smsFailedDetail), err
	}

	v.log.Info("sms sent", zap.String("to", to))
	return flash(v.slot, v.toastLifetime, toast.KindSuccess, smsSentHeadline,
		fmt.Sprintf("Message sent to %s successfully!", to)), nil
}

// Snapshot 返回视图快照
func (v *SMSView) Snapshot() SMSSnapshot {
	status, messages := v.list.snapshot()
	now := v.now()

	items := make([]SMSItem, 0, len(messages))
	for _, m := range messages {
		items = append(items, SMSItem{
			SMS:           m,
			RelativeTime:  domain.TimeElapsedSince(m.DateSent, now),
			FormattedDate: domain.FormatDate(m.DateSent),
		})
	}

	snap := SMSSnapshot{Status: status, Messages: items, Toast: v.slot.Current()}
	if status == StatusEmpty {
		snap.EmptyMessage = EmptyMessage
	}
	return snap
}

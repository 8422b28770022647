// Package inbox 实现邮件与短信收件箱视图：整体快照拉取、推送触发的刷新和外发。
package inbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"commsdash/dashboard/internal/monitoring"
	"commsdash/dashboard/internal/toast"
)

// Status 收件箱视图状态
type Status string

const (
	StatusLoading Status = "loading"
	StatusEmpty   Status = "empty"
	StatusReady   Status = "ready"
)

// 空收件箱提示
const EmptyMessage = "Wow! Such empty!"

// FetchFunc 拉取完整快照
type FetchFunc[T any] func(ctx context.Context) ([]T, error)

// list 收件箱的通用状态：整体替换、后完成者生效
type list[T any] struct {
	name    string
	fetch   FetchFunc[T]
	log     *zap.Logger
	metrics *monitoring.Metrics
	notify  func()

	mu     sync.Mutex
	status Status
	items  []T
}

func newList[T any](name string, fetch FetchFunc[T], log *zap.Logger, metrics *monitoring.Metrics, notify func()) *list[T] {
	if notify == nil {
		notify = func() {}
	}
	return &list[T]{
		name:    name,
		fetch:   fetch,
		log:     log,
		metrics: metrics,
		notify:  notify,
		status:  StatusLoading,
	}
}

// refresh 重新拉取快照并整体替换
//
// 拉取期间状态为 loading；失败时记录日志并恢复之前的状态与内容。
func (l *list[T]) refresh(ctx context.Context) error {
	l.mu.Lock()
	previous := l.status
	l.status = StatusLoading
	l.mu.Unlock()
	l.notify()

	start := time.Now()
	items, err := l.fetch(ctx)
	l.metrics.RecordInboxRefresh(l.name, err)

	l.mu.Lock()
	if err != nil {
		l.status = previous
		l.mu.Unlock()
		l.notify()

		if ctx.Err() == nil {
			l.log.Error("inbox refresh failed", zap.String("view", l.name), zap.Error(err))
		}
		return err
	}

	l.items = items
	if len(items) == 0 {
		l.status = StatusEmpty
	} else {
		l.status = StatusReady
	}
	l.mu.Unlock()
	l.notify()

	l.log.Debug("inbox refreshed",
		zap.String("view", l.name),
		zap.Int("items", len(items)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (l *list[T]) snapshot() (Status, []T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := make([]T, len(l.items))
	copy(items, l.items)
	return l.status, items
}

func (l *list[T]) at(index int) (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero T
	if index < 0 || index >= len(l.items) {
		return zero, false
	}
	return l.items[index], true
}

// lifecycle 视图挂载期间的后台任务
type lifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newLifecycle(parent context.Context) *lifecycle {
	ctx, cancel := context.WithCancel(parent)
	return &lifecycle{ctx: ctx, cancel: cancel}
}

func (lc *lifecycle) goFunc(fn func(ctx context.Context)) {
	lc.wg.Add(1)
	go func() {
		defer lc.wg.Done()
		fn(lc.ctx)
	}()
}

func (lc *lifecycle) close() {
	lc.cancel()
	lc.wg.Wait()
}

func flash(slot *toast.Slot, lifetime time.Duration, kind toast.Kind, headline, detail string) *toast.Toast {
	slot.Flash(kind, headline, detail, lifetime)
	return slot.Current()
}

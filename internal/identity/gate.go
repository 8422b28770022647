// Package identity 实现身份入口：校验、保存并签名参与者身份。
package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"commsdash/dashboard/internal/cache"
	"commsdash/dashboard/internal/domain"
	"commsdash/dashboard/internal/toast"
)

// 身份入口的通知文案
const (
	invalidHeadline = "Invalid Identity"
	invalidDetail   = "Identity must only contain alphanumerics and dashes (-) without spaces or special characters."
	setHeadline     = "Identity Set"
	setDetail       = "Your identity has been set successfully."
)

// 设置成功后的跳转目标
const RedirectTarget = "/"

// ErrAlreadySubmitted 提交控件已禁用
var ErrAlreadySubmitted = errors.New("identity already submitted")

// Store 身份的持久化位置（浏览器 Cookie）
type Store interface {
	Save(identity string) error
	Clear()
}

// Result 一次提交的结果
type Result struct {
	Identity       string        `json:"identity,omitempty"`
	Accepted       bool          `json:"accepted"`
	Toast          *toast.Toast  `json:"toast,omitempty"`
	RedirectTo     string        `json:"redirectTo,omitempty"`
	RedirectAfter  time.Duration `json:"-"`
	RedirectMS     int64         `json:"redirectAfterMs,omitempty"`
	SubmitDisabled bool          `json:"submitDisabled"`
}

// Snapshot 身份入口视图快照
type Snapshot struct {
	SubmitDisabled bool         `json:"submitDisabled"`
	Toast          *toast.Toast `json:"toast,omitempty"`
}

// Gate 一个浏览器会话的身份入口
type Gate struct {
	ID string

	mu            sync.Mutex
	submitted     bool
	slot          *toast.Slot
	toastLifetime time.Duration
	redirectDelay time.Duration
	log           *zap.Logger
}

func newGate(id string, toastLifetime, redirectDelay time.Duration, log *zap.Logger) *Gate {
	return &Gate{
		ID:            id,
		slot:          toast.NewSlot(nil),
		toastLifetime: toastLifetime,
		redirectDelay: redirectDelay,
		log:           log,
	}
}

// Enter 进入身份入口：清除已保存的身份并重新启用提交
func (g *Gate) Enter(store Store) {
	store.Clear()

	g.mu.Lock()
	g.submitted = false
	g.mu.Unlock()
	g.slot.Close()
}

// Submit 校验并保存身份
//
// 校验失败时只显示错误通知，不写入任何内容；成功后提交控件被禁用，
// 之后的提交返回 ErrAlreadySubmitted。
func (g *Gate) Submit(raw string, store Store) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.submitted {
		return Result{SubmitDisabled: true}, ErrAlreadySubmitted
	}

	identity, err := domain.NormalizeIdentity(raw)
	if err != nil {
		g.slot.Flash(toast.KindError, invalidHeadline, invalidDetail, g.toastLifetime)
		g.log.Debug("identity rejected", zap.Int("length", len(raw)))
		return Result{Toast: g.slot.Current()}, nil
	}

	if err := store.Save(identity); err != nil {
		return Result{}, err
	}

	g.submitted = true
	g.slot.Flash(toast.KindSuccess, setHeadline, setDetail, g.toastLifetime)
	g.log.Info("identity set", zap.String("identity", identity))

	return Result{
		Identity:       identity,
		Accepted:       true,
		Toast:          g.slot.Current(),
		RedirectTo:     RedirectTarget,
		RedirectAfter:  g.redirectDelay,
		RedirectMS:     g.redirectDelay.Milliseconds(),
		SubmitDisabled: true,
	}, nil
}

// CloseToast 关闭当前通知
func (g *Gate) CloseToast() {
	g.slot.Close()
}

// Snapshot 返回视图快照
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	disabled := g.submitted
	g.mu.Unlock()
	return Snapshot{SubmitDisabled: disabled, Toast: g.slot.Current()}
}

// Registry 按浏览器会话保存身份入口
type Registry struct {
	mu            sync.Mutex
	gates         *cache.LocalCache
	ttl           time.Duration
	toastLifetime time.Duration
	redirectDelay time.Duration
	log           *zap.Logger
}

// NewRegistry 创建入口注册表，ttl 为入口空闲过期时间
func NewRegistry(ttl, toastLifetime, redirectDelay time.Duration, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		gates:         cache.NewLocalCache(10000, ttl),
		ttl:           ttl,
		toastLifetime: toastLifetime,
		redirectDelay: redirectDelay,
		log:           log,
	}
}

// Run 清理过期入口，直到 ctx 取消
func (r *Registry) Run(ctx context.Context) {
	r.gates.Run(ctx)
}

// Get 返回 id 对应的入口；id 为空或已过期时创建新入口
func (r *Registry) Get(id string) *Gate {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id != "" {
		if v, ok := r.gates.Get(id); ok {
			gate := v.(*Gate)
			r.gates.Set(id, gate, r.ttl)
			return gate
		}
	}

	gate := newGate(uuid.New().String(), r.toastLifetime, r.redirectDelay, r.log)
	r.gates.Set(gate.ID, gate, r.ttl)
	return gate
}

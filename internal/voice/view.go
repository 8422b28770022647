// Package voice 实现语音视图：信令注册、呼入通知和单一通话状态机。
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"commsdash/dashboard/internal/domain"
	"commsdash/dashboard/internal/monitoring"
	"commsdash/dashboard/internal/push"
	"commsdash/dashboard/internal/toast"
)

var (
	// ErrNotRegistered 信令端点尚未注册
	ErrNotRegistered = errors.New("signaling endpoint is not registered")
	// ErrCallInProgress 已有活动通话
	ErrCallInProgress = errors.New("a call is already in progress")
	// ErrNoActiveCall 当前状态不允许该操作
	ErrNoActiveCall = errors.New("no call in a state that allows this action")
)

// Signaling 身份的语音信令端点
type Signaling interface {
	RegisterVoice(ctx context.Context) error
	PlaceCall(ctx context.Context, to string) (string, error)
	ControlCall(ctx context.Context, callSID string, action domain.CallAction) error
	SubscribeCallEvents(ctx context.Context) *push.Stream[domain.CallEvent]
}

// Connector 为身份建立信令会话
type Connector func(ctx context.Context, identity string) (Signaling, error)

// IncomingCalls 呼入通知推送通道
type IncomingCalls interface {
	SubscribeIncomingCalls(ctx context.Context) *push.Stream[domain.IncomingCallNotice]
}

// transition 事件对应的目标状态与通知
type transition struct {
	state    domain.CallState
	kind     toast.Kind
	headline string
	detail   string
}

var transitions = map[domain.CallEventType]transition{
	domain.CallEventAccept:     {domain.CallAccepted, toast.KindSuccess, "Call accepted", "The call has been accepted."},
	domain.CallEventCancel:     {domain.CallCancelled, toast.KindWarning, "Call cancelled", "The call has been cancelled."},
	domain.CallEventDisconnect: {domain.CallDisconnected, toast.KindWarning, "Call disconnected", "The call has been disconnected."},
	domain.CallEventReject:     {domain.CallRejected, toast.KindError, "Call rejected", "The call has been rejected."},
	domain.CallEventError:      {domain.CallError, toast.KindError, "Call error", "An error occurred during the call."},
}

// View 一个身份的语音视图
type View struct {
	identity      string
	connect       Connector
	incoming      IncomingCalls
	toastLifetime time.Duration
	log           *zap.Logger
	metrics       *monitoring.Metrics
	notify        func()
	slot          *toast.Slot

	mu         sync.Mutex
	signaling  Signaling
	registered bool
	state      domain.CallState
	call       *domain.Call
	notice     *domain.IncomingCallNotice
	lastErr    string

	lifeMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewView 创建语音视图
func NewView(identity string, connect Connector, incoming IncomingCalls, toastLifetime time.Duration, log *zap.Logger, metrics *monitoring.Metrics, onChange func()) *View {
	if log == nil {
		log = zap.NewNop()
	}
	if onChange == nil {
		onChange = func() {}
	}
	return &View{
		identity:      identity,
		connect:       connect,
		incoming:      incoming,
		toastLifetime: toastLifetime,
		log:           log.With(zap.String("identity", identity)),
		metrics:       metrics,
		notify:        onChange,
		slot:          toast.NewSlot(onChange),
		state:         domain.CallIdle,
	}
}

// Mount 挂载视图：订阅呼入通知并注册信令端点
func (v *View) Mount(ctx context.Context) {
	v.lifeMu.Lock()
	defer v.lifeMu.Unlock()
	if v.cancel != nil {
		return
	}
	ctx, v.cancel = context.WithCancel(ctx)

	v.wg.Add(2)
	go func() {
		defer v.wg.Done()
		v.watchIncoming(ctx)
	}()
	go func() {
		defer v.wg.Done()
		if err := v.register(ctx); err != nil && ctx.Err() == nil {
			v.log.Error("voice signaling stopped", zap.Error(err))
			v.mu.Lock()
			v.lastErr = err.Error()
			v.mu.Unlock()
			v.notify()
		}
	}()
}

// Close 卸载视图并关闭所有订阅
func (v *View) Close() {
	v.lifeMu.Lock()
	cancel := v.cancel
	v.lifeMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	v.wg.Wait()
}

// watchIncoming 读取呼入通知，缺少字段的通知被忽略
func (v *View) watchIncoming(ctx context.Context) {
	if v.incoming == nil {
		return
	}
	stream := v.incoming.SubscribeIncomingCalls(ctx)
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case notice, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					v.log.Error("incoming call channel closed", zap.Error(err))
				}
				return
			}
			if !notice.Valid() {
				v.log.Warn("incoming call notice is missing required fields",
					zap.String("call_sid", notice.CallSID),
					zap.String("caller", notice.Caller))
				continue
			}
			v.log.Info("incoming call notice",
				zap.String("call_sid", notice.CallSID),
				zap.String("caller", notice.Caller))

			v.mu.Lock()
			v.notice = &notice
			v.mu.Unlock()
			v.notify()
		}
	}
}

// register 注册信令端点并处理通话事件
func (v *View) register(ctx context.Context) error {
	signaling, err := v.connect(ctx, v.identity)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	stream := signaling.SubscribeCallEvents(ctx)
	defer stream.Close()

	if err := signaling.RegisterVoice(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	v.mu.Lock()
	v.signaling = signaling
	v.registered = true
	v.mu.Unlock()
	v.notify()
	v.log.Info("voice endpoint registered")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream.Events():
			if !ok {
				return stream.Err()
			}
			v.apply(ev)
		}
	}
}

// apply 呼入与呼出共用的事件处理
//
// 同一时间只跟踪一个通话；与当前通话无关的事件被忽略。
// 进入终止状态时清除活动通话。
func (v *View) apply(ev domain.CallEvent) {
	v.mu.Lock()

	if ev.Event == domain.CallEventIncoming {
		if v.state.Active() {
			current := v.call
			v.mu.Unlock()
			v.log.Warn("ignoring incoming call while another call is active",
				zap.String("call_sid", ev.CallSID),
				zap.Any("active", current))
			return
		}
		v.state = domain.CallIncoming
		v.call = &domain.Call{SID: ev.CallSID, Remote: ev.From, Direction: domain.CallInbound}
		v.mu.Unlock()

		v.metrics.RecordCallTransition(string(domain.CallIncoming))
		v.log.Info("incoming call", zap.String("call_sid", ev.CallSID), zap.String("from", ev.From))
		v.notify()
		return
	}

	t, known := transitions[ev.Event]
	if !known {
		v.mu.Unlock()
		v.log.Warn("unknown call event", zap.String("event", string(ev.Event)))
		return
	}

	if v.call == nil {
		v.mu.Unlock()
		v.log.Debug("ignoring call event without active call", zap.String("call_sid", ev.CallSID))
		return
	}
	// 外呼请求返回前到达的事件认领该通话
	if v.call.SID == "" && v.call.Direction == domain.CallOutbound {
		v.call.SID = ev.CallSID
	}
	if v.call.SID != ev.CallSID {
		v.mu.Unlock()
		v.log.Debug("ignoring stale call event",
			zap.String("call_sid", ev.CallSID),
			zap.String("event", string(ev.Event)))
		return
	}

	v.state = t.state
	if t.state.Terminal() {
		v.call = nil
	}
	v.mu.Unlock()

	v.metrics.RecordCallTransition(string(t.state))
	if ev.Event == domain.CallEventError {
		v.log.Error("call error", zap.String("call_sid", ev.CallSID), zap.String("message", ev.Message))
	} else {
		v.log.Info("call state changed", zap.String("call_sid", ev.CallSID), zap.String("state", string(t.state)))
	}
	v.slot.Flash(t.kind, t.headline, t.detail, v.toastLifetime)
}

// MakeCall 发起外呼；号码不合法时只显示通知，不发出任何请求
func (v *View) MakeCall(ctx context.Context, to string) (*toast.Toast, error) {
	if err := domain.ValidatePhoneNumber(to); err != nil {
		v.slot.Flash(toast.KindError, "Invalid number", "Please enter a valid phone number.", v.toastLifetime)
		return v.slot.Current(), err
	}

	v.mu.Lock()
	if !v.registered {
		v.mu.Unlock()
		return nil, ErrNotRegistered
	}
	if v.state.Active() {
		v.mu.Unlock()
		return nil, ErrCallInProgress
	}
	signaling := v.signaling
	call := &domain.Call{Remote: to, Direction: domain.CallOutbound}
	v.state = domain.CallCalling
	v.call = call
	v.mu.Unlock()
	v.metrics.RecordCallTransition(string(domain.CallCalling))
	v.notify()

	sid, err := signaling.PlaceCall(ctx, to)

	v.mu.Lock()
	if err != nil {
		if v.call == call {
			v.state = domain.CallError
			v.call = nil
		}
		v.mu.Unlock()
		v.log.Error("failed to place call", zap.String("to", to), zap.Error(err))
		v.slot.Flash(toast.KindError, "Call error", "An error occurred during the call.", v.toastLifetime)
		return v.slot.Current(), err
	}
	if v.call == call && call.SID == "" {
		call.SID = sid
	}
	v.mu.Unlock()
	v.notify()

	v.log.Info("outbound call placed", zap.String("call_sid", sid), zap.String("to", to))
	return nil, nil
}

// Accept 接听呼入
func (v *View) Accept(ctx context.Context) error {
	return v.control(ctx, domain.CallActionAccept, domain.CallIncoming)
}

// Reject 拒接呼入
func (v *View) Reject(ctx context.Context) error {
	return v.control(ctx, domain.CallActionReject, domain.CallIncoming)
}

// Disconnect 挂断通话
func (v *View) Disconnect(ctx context.Context) error {
	return v.control(ctx, domain.CallActionDisconnect, domain.CallAccepted, domain.CallCalling)
}

// control 向信令端点发出控制命令；状态变化由随后的事件驱动
func (v *View) control(ctx context.Context, action domain.CallAction, allowed ...domain.CallState) error {
	v.mu.Lock()
	signaling, state, call := v.signaling, v.state, v.call
	v.mu.Unlock()

	if signaling == nil {
		return ErrNotRegistered
	}
	if call == nil || call.SID == "" || !stateIn(state, allowed) {
		return ErrNoActiveCall
	}

	if err := signaling.ControlCall(ctx, call.SID, action); err != nil {
		v.log.Error("call control failed",
			zap.String("call_sid", call.SID),
			zap.String("action", string(action)),
			zap.Error(err))
		return err
	}
	return nil
}

func stateIn(state domain.CallState, allowed []domain.CallState) bool {
	for _, s := range allowed {
		if s == state {
			return true
		}
	}
	return false
}

// CloseToast 关闭通知
func (v *View) CloseToast() { v.slot.Close() }

// Snapshot 语音视图快照
type Snapshot struct {
	Identity       string                     `json:"identity"`
	Registered     bool                       `json:"registered"`
	State          domain.CallState           `json:"state"`
	Call           *domain.Call               `json:"call,omitempty"`
	IncomingNotice *domain.IncomingCallNotice `json:"incomingNotice,omitempty"`
	Toast          *toast.Toast               `json:"toast,omitempty"`
	Error          string                     `json:"error,omitempty"`
}

// Snapshot 返回视图快照
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	snap := Snapshot{
		Identity:   v.identity,
		Registered: v.registered,
		State:      v.state,
		Error:      v.lastErr,
		Toast:      v.slot.Current(),
	}
	if v.call != nil {
		c := *v.call
		snap.Call = &c
	}
	if v.notice != nil {
		n := *v.notice
		snap.IncomingNotice = &n
	}
	return snap
}

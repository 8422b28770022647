package domain

// CallState 是本地通话状态
type CallState string

const (
	CallIdle         CallState = "idle"
	CallIncoming     CallState = "incoming"
	CallCalling      CallState = "calling"
	CallAccepted     CallState = "accepted"
	CallDisconnected CallState = "disconnected"
	CallCancelled    CallState = "cancelled"
	CallRejected     CallState = "rejected"
	CallError        CallState = "error"
)

// Terminal 判断状态是否为终止状态（终止后不再持有活动通话）
func (s CallState) Terminal() bool {
	switch s {
	case CallDisconnected, CallCancelled, CallRejected, CallError:
		return true
	}
	return false
}

// Active 判断状态是否持有活动通话
func (s CallState) Active() bool {
	switch s {
	case CallIncoming, CallCalling, CallAccepted:
		return true
	}
	return false
}

// CallEventType 是信令端点上报的通话生命周期事件
type CallEventType string

const (
	CallEventIncoming   CallEventType = "incoming"
	CallEventAccept     CallEventType = "accept"
	CallEventCancel     CallEventType = "cancel"
	CallEventDisconnect CallEventType = "disconnect"
	CallEventReject     CallEventType = "reject"
	CallEventError      CallEventType = "error"
)

// CallEvent 是一条生命周期事件
type CallEvent struct {
	CallSID string        `json:"callSid"`
	Event   CallEventType `json:"event"`
	From    string        `json:"from,omitempty"`
	Message string        `json:"message,omitempty"`
}

// CallDirection 区分呼入与呼出
type CallDirection string

const (
	CallInbound  CallDirection = "inbound"
	CallOutbound CallDirection = "outbound"
)

// CallAction 是对活动通话的控制动作
type CallAction string

const (
	CallActionAccept     CallAction = "accept"
	CallActionReject     CallAction = "reject"
	CallActionDisconnect CallAction = "disconnect"
)

// Call 是一次通话尝试，只在该尝试期间存在
type Call struct {
	SID       string        `json:"sid"`
	Remote    string        `json:"remote"`
	Direction CallDirection `json:"direction"`
}

// IncomingCallNotice 是呼入推送通道的事件负载
type IncomingCallNotice struct {
	CallSID string `json:"CallSid"`
	Caller  string `json:"Caller"`
}

// Valid 判断通知是否携带会话标识和主叫地址
func (n IncomingCallNotice) Valid() bool {
	return n.CallSID != "" && n.Caller != ""
}

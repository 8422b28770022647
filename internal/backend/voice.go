package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"commsdash/dashboard/internal/domain"
	"commsdash/dashboard/internal/push"
)

type registerRequest struct {
	Identity string `json:"identity"`
}

// RegisterVoice 为身份注册语音信令端点
func (s *Session) RegisterVoice(ctx context.Context) error {
	return s.call(ctx, "voice_register", http.MethodPost,
		s.client.url("/voice/register", nil), registerRequest{Identity: s.identity}, nil)
}

type placeCallRequest struct {
	Identity string `json:"identity"`
	To       string `json:"to"`
}

type placeCallResponse struct {
	CallSID string `json:"callSid"`
}

// PlaceCall 发起外呼，返回通话 SID
func (s *Session) PlaceCall(ctx context.Context, to string) (string, error) {
	var resp placeCallResponse
	err := s.call(ctx, "place_call", http.MethodPost,
		s.client.url("/voice/calls", nil), placeCallRequest{Identity: s.identity, To: to}, &resp)
	if err != nil {
		return "", err
	}
	if resp.CallSID == "" {
		return "", fmt.Errorf("place_call: %w: missing callSid", ErrBadResponse)
	}
	return resp.CallSID, nil
}

// ControlCall 对通话执行接听、拒接或挂断
func (s *Session) ControlCall(ctx context.Context, callSID string, action domain.CallAction) error {
	return s.call(ctx, "call_"+string(action), http.MethodPost,
		s.client.url("/voice/calls/"+url.PathEscape(callSID)+"/"+string(action), nil), nil, nil)
}

// SubscribeCallEvents 订阅身份的通话生命周期事件
func (s *Session) SubscribeCallEvents(ctx context.Context) *push.Stream[domain.CallEvent] {
	query := url.Values{}
	query.Set("identity", s.identity)
	sub := s.client.subscribe(ctx, "call_events", "/voice/events", query, s.bearer)
	return push.Decode[domain.CallEvent](sub, s.client.log)
}

type incomingCallPayload struct {
	CallData domain.IncomingCallNotice `json:"callData"`
}

// SubscribeIncomingCalls 订阅呼入通知；字段校验由消费方完成
func (c *Client) SubscribeIncomingCalls(ctx context.Context) *push.Stream[domain.IncomingCallNotice] {
	sub := c.subscribe(ctx, "incoming_calls", "/incoming-call-event", nil, nil)
	return push.DecodeFunc(sub, c.log, func(data []byte) (domain.IncomingCallNotice, error) {
		var payload incomingCallPayload
		err := json.Unmarshal(data, &payload)
		return payload.CallData, err
	})
}

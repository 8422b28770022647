// Package push 实现服务端推送通道（text/event-stream）的订阅与有界重连。
package push

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"commsdash/dashboard/internal/config"
	"commsdash/dashboard/internal/monitoring"
)

// 单行事件数据上限
const maxLineSize = 1 << 20

var (
	// ErrGaveUp 重连次数耗尽
	ErrGaveUp = errors.New("push channel gave up after max retries")
	// ErrUnexpectedStatus 推送端点返回非 200
	ErrUnexpectedStatus = errors.New("unexpected push channel status")
)

// StatusError 推送端点返回的非 200 状态码
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %d", ErrUnexpectedStatus, e.StatusCode)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// Event 一条推送事件
type Event struct {
	Name string
	ID   string
	Data []byte
}

// RequestFunc 为每次连接构造请求，重连时会再次调用
//
// lastErr 是上一次连接结束的原因，首次连接时为 nil；
// 调用方可据此刷新凭据，例如在 401 之后换新令牌。
type RequestFunc func(ctx context.Context, lastErr error) (*http.Request, error)

// Subscriber 推送通道订阅器
type Subscriber struct {
	client  *http.Client
	cfg     config.PushConfig
	log     *zap.Logger
	metrics *monitoring.Metrics
}

// NewSubscriber 创建订阅器
//
// client 不应设置整体超时，事件流的生命周期由 ctx 控制。
func NewSubscriber(client *http.Client, cfg config.PushConfig, log *zap.Logger, metrics *monitoring.Metrics) *Subscriber {
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{client: client, cfg: cfg, log: log, metrics: metrics}
}

// Subscription 一个活动订阅
type Subscription struct {
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Events 返回事件通道，订阅结束时关闭
func (s *Subscription) Events() <-chan Event { return s.events }

// Done 订阅结束时关闭
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close 取消订阅并等待后台连接退出
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Err 返回订阅结束的原因；主动取消时为 nil
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Subscribe 打开推送通道，断开后按指数退避重连
//
// 一次成功建立的连接会重置重连计数；连续失败超过 MaxRetries 次后放弃，
// 事件通道随之关闭，Err 返回 ErrGaveUp。
func (s *Subscriber) Subscribe(ctx context.Context, channel string, newRequest RequestFunc) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		events: make(chan Event, 16),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(sub.done)
		defer close(sub.events)
		defer cancel()
		s.run(ctx, channel, newRequest, sub)
	}()

	return sub
}

// Policy 根据配置构造重连退避策略：initial·2^(n-1)，不超过 MaxBackoff，
// 连续 MaxRetries 次后返回 backoff.Stop
func Policy(cfg config.PushConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	if cfg.InitialBackoff > 0 {
		b.InitialInterval = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		b.MaxInterval = cfg.MaxBackoff
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

func (s *Subscriber) run(ctx context.Context, channel string, newRequest RequestFunc, sub *Subscription) {
	log := s.log.With(zap.String("channel", channel))
	policy := backoff.WithContext(Policy(s.cfg), ctx)

	var (
		lastErr error
		attempt int
	)
	err := backoff.RetryNotify(func() error {
		connected, err := s.stream(ctx, channel, newRequest, lastErr, sub.events)
		lastErr = err
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		// 成功建立过的连接重新计算重连次数
		if connected {
			policy.Reset()
			attempt = 0
		}
		return err
	}, policy, func(err error, delay time.Duration) {
		attempt++
		log.Warn("push channel disconnected, reconnecting",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay))
		s.metrics.RecordPushReconnect(channel)
	})

	if ctx.Err() != nil {
		log.Debug("push channel closed")
		return
	}

	log.Error("push channel gave up", zap.Int("attempts", attempt), zap.Error(err))
	s.metrics.RecordPushGiveUp(channel)
	sub.setErr(fmt.Errorf("%w: %s: %v", ErrGaveUp, channel, err))
}

// stream 建立一次连接并读取到断开；connected 表示是否收到了 200 响应
func (s *Subscriber) stream(ctx context.Context, channel string, newRequest RequestFunc, lastErr error, out chan<- Event) (connected bool, err error) {
	req, err := newRequest(ctx, lastErr)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, &StatusError{StatusCode: resp.StatusCode}
	}

	s.log.Debug("push channel connected", zap.String("channel", channel))

	err = Parse(resp.Body, func(ev Event) bool {
		s.metrics.RecordPushEvent(channel)
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	})
	if err == nil {
		err = io.EOF
	}
	return true, err
}

// Parse 按 text/event-stream 格式读取事件，emit 返回 false 时停止
//
// 以空行分隔事件，多行 data 以换行拼接，":" 开头的注释行被忽略。
func Parse(r io.Reader, emit func(Event) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		ev      Event
		data    bytes.Buffer
		hasData bool
	)

	dispatch := func() bool {
		if !hasData {
			ev = Event{}
			return true
		}
		ev.Data = append([]byte(nil), data.Bytes()...)
		if ev.Name == "" {
			ev.Name = "message"
		}
		ok := emit(ev)
		ev = Event{}
		data.Reset()
		hasData = false
		return ok
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			if !dispatch() {
				return nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))

		switch string(field) {
		case "event":
			ev.Name = string(value)
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.Write(value)
			hasData = true
		case "id":
			ev.ID = string(value)
		}
	}

	return scanner.Err()
}

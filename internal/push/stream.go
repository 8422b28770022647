package push

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Stream 类型化的事件流
type Stream[T any] struct {
	events chan T
	done   chan struct{}
	cancel context.CancelFunc
	sub    *Subscription
	once   sync.Once
}

// Decode 将订阅的 JSON 事件解码为 T，无法解码的事件记录后丢弃
func Decode[T any](sub *Subscription, log *zap.Logger) *Stream[T] {
	return DecodeFunc(sub, log, func(data []byte) (T, error) {
		var v T
		err := json.Unmarshal(data, &v)
		return v, err
	})
}

// DecodeFunc 使用自定义解码函数构造事件流
func DecodeFunc[T any](sub *Subscription, log *zap.Logger, decode func([]byte) (T, error)) *Stream[T] {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream[T]{
		events: make(chan T),
		done:   make(chan struct{}),
		cancel: cancel,
		sub:    sub,
	}

	go func() {
		defer close(s.done)
		defer close(s.events)
		for ev := range sub.Events() {
			v, err := decode(ev.Data)
			if err != nil {
				log.Warn("discarding malformed push event",
					zap.String("event", ev.Name),
					zap.Error(err))
				continue
			}
			select {
			case s.events <- v:
			case <-ctx.Done():
				return
			}
		}
	}()

	return s
}

// FromChannel 将普通通道包装为事件流，ch 关闭或 Close 时结束
func FromChannel[T any](ch <-chan T) *Stream[T] {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream[T]{
		events: make(chan T),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(s.done)
		defer close(s.events)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-ch:
				if !ok {
					return
				}
				select {
				case s.events <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return s
}

// Events 返回事件通道，流结束时关闭
func (s *Stream[T]) Events() <-chan T { return s.events }

// Close 停止事件流并释放底层连接，可重复调用
func (s *Stream[T]) Close() {
	s.once.Do(func() {
		s.cancel()
		if s.sub != nil {
			s.sub.Close()
		}
	})
	<-s.done
}

// Err 返回底层订阅结束的原因
func (s *Stream[T]) Err() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Err()
}

// Package toast 提供视图内的单槽通知。
package toast

import (
	"sync"
	"time"
)

// Kind 通知类型
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindWarning Kind = "warning"
)

// Toast 一条通知
type Toast struct {
	Kind     Kind   `json:"kind"`
	Headline string `json:"headline"`
	Detail   string `json:"detail"`
}

// Slot 单槽通知容器
//
// 新通知覆盖旧通知。槽本身没有计时器，由调用方安排关闭；
// Flash 带序号守卫，旧通知的定时关闭不会清掉后来的通知。
type Slot struct {
	mu       sync.Mutex
	current  *Toast
	seq      uint64
	onChange func()
}

// NewSlot 创建通知槽，onChange 在槽内容变化后调用（不持锁）
func NewSlot(onChange func()) *Slot {
	return &Slot{onChange: onChange}
}

// Show 显示通知并返回其序号
func (s *Slot) Show(kind Kind, headline, detail string) uint64 {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.current = &Toast{Kind: kind, Headline: headline, Detail: detail}
	s.mu.Unlock()

	s.notify()
	return seq
}

// Close 关闭当前通知
func (s *Slot) Close() {
	s.mu.Lock()
	changed := s.current != nil
	s.current = nil
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// CloseIf 仅当当前通知仍是 seq 对应的那条时关闭
func (s *Slot) CloseIf(seq uint64) bool {
	s.mu.Lock()
	if s.current == nil || s.seq != seq {
		s.mu.Unlock()
		return false
	}
	s.current = nil
	s.mu.Unlock()

	s.notify()
	return true
}

// Current 返回当前通知的副本，没有时为 nil
func (s *Slot) Current() *Toast {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	t := *s.current
	return &t
}

// Flash 显示通知并在 lifetime 后自动关闭；返回的 Timer 可提前停止
func (s *Slot) Flash(kind Kind, headline, detail string, lifetime time.Duration) *time.Timer {
	seq := s.Show(kind, headline, detail)
	return time.AfterFunc(lifetime, func() { s.CloseIf(seq) })
}

func (s *Slot) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}

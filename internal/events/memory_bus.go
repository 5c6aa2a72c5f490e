package events

import (
	"context"
	"sync"
)

// MemoryBus 在进程内按注册顺序同步分发事件，是默认的事件总线。
type MemoryBus struct {
	mu          sync.Mutex
	subscribers []*subscription
	closed      bool
}

type subscription struct {
	fn       func(Event)
	canceled bool
}

// NewMemoryBus 创建进程内事件总线。
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Subscribe 注册事件回调，返回的函数用于取消订阅。
func (b *MemoryBus) Subscribe(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	sub := &subscription{fn: fn}
	b.subscribers = append(b.subscribers, sub)
	return func() {
		b.mu.Lock()
		sub.canceled = true
		b.mu.Unlock()
	}
}

// Publish 将事件同步投递给所有在册订阅者。
//
// 分发在调用方的轮次内完成，保证同一支付标识的事件顺序
// 与检测顺序一致。总线关闭后静默丢弃事件。
func (b *MemoryBus) Publish(_ context.Context, event Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	targets := make([]func(Event), 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if !sub.canceled {
			targets = append(targets, sub.fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range targets {
		fn(event)
	}
	return nil
}

// Close 注销全部订阅者并拒绝后续事件。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.subscribers = nil
	b.closed = true
	b.mu.Unlock()
	return nil
}

var _ Publisher = (*MemoryBus)(nil)

// Package emitter 实现类型安全的事件发射器
//
// 与事件总线不同，发射是同步扇出：Emit 在发射者的 goroutine 上
// 依次调用所有监听器。订阅返回持有句柄，句柄 Close 即退订。
// 监听器不得在回调中再次触发同一发射器的派发。
package emitter

import (
	"sync"
)

// ============================================================================
// Emitter 实现
// ============================================================================

// Emitter 事件发射器
type Emitter[T any] struct {
	mu    sync.Mutex
	sinks []*Subscription[T]
}

// New 创建事件发射器
func New[T any]() *Emitter[T] {
	return &Emitter[T]{}
}

// Subscribe 订阅事件
//
// 返回的句柄在 Close 后不再收到事件。
func (e *Emitter[T]) Subscribe(fn func(T)) *Subscription[T] {
	sub := &Subscription[T]{emitter: e, fn: fn}

	e.mu.Lock()
	e.sinks = append(e.sinks, sub)
	e.mu.Unlock()

	return sub
}

// Emit 发射事件
//
// 同步调用当前所有监听器。持锁期间仅做快照，
// 回调在锁外执行，允许监听器在回调中退订自身。
func (e *Emitter[T]) Emit(event T) {
	e.mu.Lock()
	sinks := make([]*Subscription[T], len(e.sinks))
	copy(sinks, e.sinks)
	e.mu.Unlock()

	for _, sub := range sinks {
		if !sub.closed() {
			sub.fn(event)
		}
	}
}

// Len 返回当前监听器数量
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sinks)
}

// removeSub 移除订阅
func (e *Emitter[T]) removeSub(sub *Subscription[T]) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, s := range e.sinks {
		if s == sub {
			e.sinks = append(e.sinks[:i], e.sinks[i+1:]...)
			break
		}
	}
}

// ============================================================================
// Subscription 实现
// ============================================================================

// Subscription 订阅句柄
type Subscription[T any] struct {
	emitter   *Emitter[T]
	fn        func(T)
	closeOnce sync.Once
	done      sync.Mutex
	isClosed  bool
}

// Close 退订
//
// 并发安全，可多次调用。
func (s *Subscription[T]) Close() error {
	s.closeOnce.Do(func() {
		s.done.Lock()
		s.isClosed = true
		s.done.Unlock()

		s.emitter.removeSub(s)
	})
	return nil
}

// closed 检查订阅是否已关闭
func (s *Subscription[T]) closed() bool {
	s.done.Lock()
	defer s.done.Unlock()
	return s.isClosed
}

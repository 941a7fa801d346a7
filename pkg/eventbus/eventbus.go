// Package eventbus provides typed in-process publish/subscribe.
package eventbus

import "sync"

type subscription[T any] struct {
	id uint64
	fn func(T)
}

// Subject fans out values of one event category to its subscribers.
// Handlers run synchronously on the publishing goroutine, in subscription order.
type Subject[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription[T]
}

func New[T any]() *Subject[T] {
	return &Subject[T]{}
}

// Subscribe registers fn and returns a function that removes it. Calling the
// returned function more than once is safe.
func (s *Subject[T]) Subscribe(fn func(T)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscription[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Subject[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *Subject[T]) Publish(v T) {
	s.mu.RLock()
	subs := make([]subscription[T], len(s.subs))
	copy(subs, s.subs)
	s.mu.RUnlock()

	for _, sub := range subs {
		sub.fn(v)
	}
}

// Len returns the number of live subscriptions.
func (s *Subject[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Value is a Subject that remembers the last published value and replays it to
// new subscribers.
type Value[T any] struct {
	subject *Subject[T]
	mu      sync.RWMutex
	current T
}

func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{subject: New[T](), current: initial}
}

func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	v.current = val
	v.mu.Unlock()
	v.subject.Publish(val)
}

func (v *Value[T]) Subscribe(fn func(T)) func() {
	unsubscribe := v.subject.Subscribe(fn)
	fn(v.Get())
	return unsubscribe
}

func (v *Value[T]) Len() int { return v.subject.Len() }

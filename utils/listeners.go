package utils

import "sync"

// Listeners is a typed set of callbacks. Add returns the function
// that removes the callback again; removal is by registration, so
// the same func may be added twice and removed independently.
type Listeners[T any] struct {
	lstns []*func(T)
	lock  sync.Mutex
}

func (ls *Listeners[T]) Add(fn func(T)) (off func()) {
	trigger := &fn
	ls.lock.Lock()
	ls.lstns = append(ls.lstns, trigger)
	ls.lock.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() { ls.remove(trigger) })
	}
}

func (ls *Listeners[T]) remove(trigger *func(T)) {
	ls.lock.Lock()
	defer ls.lock.Unlock()
	for n := 0; n < len(ls.lstns); n++ {
		if ls.lstns[n] == trigger {
			ls.lstns = append(ls.lstns[:n:n], ls.lstns[n+1:]...)
			return
		}
	}
}

func (ls *Listeners[T]) Len() int {
	ls.lock.Lock()
	defer ls.lock.Unlock()
	return len(ls.lstns)
}

// Clear drops every registration.
func (ls *Listeners[T]) Clear() {
	ls.lock.Lock()
	ls.lstns = nil
	ls.lock.Unlock()
}

// Emit calls the callbacks registered at the moment of the call,
// in registration order, without holding the lock.
func (ls *Listeners[T]) Emit(v T) {
	ls.lock.Lock()
	snap := make([]*func(T), len(ls.lstns))
	copy(snap, ls.lstns)
	ls.lock.Unlock()
	for _, l := range snap {
		(*l)(v)
	}
}

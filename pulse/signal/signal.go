// Package signal provides a broadcast value holder used for readiness gates.
//
// A Value holds the latest state and notifies registered channels on every change.
// Notification is a non-blocking send of an empty struct; receivers re-read Get, so a
// slow receiver coalesces bursts of changes instead of stalling the writer.
package signal

import (
	"context"
	"sync"
	"time"
)

// Notifier signals registered channels on change.
type Notifier interface {
	// Notify registers ch to be signalled whenever the value changes.
	// The returned function unregisters it.
	Notify(ch chan<- struct{}) (cancel func())
}

// Source is an observable boolean readiness flag.
type Source interface {
	Notifier
	Get() bool
}

// Value is a broadcast holder for a comparable value.
type Value[T comparable] struct {
	mu      sync.RWMutex
	current T
	nextID  int
	subs    map[int]chan<- struct{}
}

// NewValue creates a Value holding initial.
func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{
		current: initial,
		subs:    make(map[int]chan<- struct{}),
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Set stores next and notifies subscribers if it differs from the current value.
func (v *Value[T]) Set(next T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.current == next {
		return
	}
	v.current = next

	for _, ch := range v.subs {
		select {
		case ch <- struct{}{}:
		default:
			// Receiver already has a pending notification
		}
	}
}

// Notify registers ch for change notifications.
func (v *Value[T]) Notify(ch chan<- struct{}) func() {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := v.nextID
	v.nextID++
	v.subs[id] = ch

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.subs, id)
	}
}

type constant bool

func (c constant) Get() bool                     { return bool(c) }
func (c constant) Notify(chan<- struct{}) func() { return func() {} }

// Always returns a Source fixed at ready.
func Always(ready bool) Source {
	return constant(ready)
}

type derived struct {
	fn   func() bool
	deps []Notifier
}

func (d derived) Get() bool { return d.fn() }

func (d derived) Notify(ch chan<- struct{}) func() {
	cancels := make([]func(), 0, len(d.deps))
	for _, dep := range d.deps {
		cancels = append(cancels, dep.Notify(ch))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// Derived returns a Source computed by fn that notifies whenever one of deps changes.
func Derived(fn func() bool, deps ...Notifier) Source {
	return derived{fn: fn, deps: deps}
}

// AllReady reports whether every source is currently true.
func AllReady(sources ...Source) bool {
	for _, s := range sources {
		if s != nil && !s.Get() {
			return false
		}
	}
	return true
}

// WaitAll blocks until every source reads true at the same time, or ctx is done.
// Nil sources are ignored. If poll > 0 the sources are also re-read on that interval,
// for flags whose owners cannot push changes.
func WaitAll(ctx context.Context, poll time.Duration, sources ...Source) error {
	changed := make(chan struct{}, 1)
	for _, s := range sources {
		if s == nil {
			continue
		}
		cancel := s.Notify(changed)
		defer cancel()
	}

	var tick <-chan time.Time
	if poll > 0 {
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		// Registered before the read, so a change between read and select is not lost
		if AllReady(sources...) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-tick:
		}
	}
}

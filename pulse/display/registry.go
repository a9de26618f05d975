// Package display tracks in-flight display hand-offs.
//
// Each execution opens a Handle carrying a token the display surface can hand back
// across process or UI boundaries. The handle is disposed when a terminal result is
// reported, so callbacks arriving late find nothing instead of a stale listener.
package display

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/automaton/errors"
)

// Result is the terminal outcome of a display
type Result string

const (
	ResultFinished Result = "finished"
	ResultCancel   Result = "cancel" // dismissed with cancel semantics
)

// ErrUnknownHandle is returned for tokens that were never opened or are already disposed
var ErrUnknownHandle = errors.New("unknown display handle")

// Handle is the lifetime of a single display.
type Handle struct {
	Token      string
	ScheduleID string
	Opened     time.Time

	registry *Registry
	once     sync.Once
	done     chan struct{}
	result   Result
}

// Finish reports the terminal result and disposes the handle.
// Only the first call has an effect; it reports whether this call won.
func (h *Handle) Finish(r Result) bool {
	won := false
	h.once.Do(func() {
		h.result = r
		close(h.done)
		won = true
	})
	if won {
		h.registry.dispose(h.Token)
	}
	return won
}

// Done is closed once a result has been reported
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until a result is reported or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Registry maps tokens to open handles.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	timeNow func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
		timeNow: time.Now,
	}
}

// Open creates a handle for scheduleID
func (r *Registry) Open(scheduleID string) *Handle {
	h := &Handle{
		Token:      uuid.NewString(),
		ScheduleID: scheduleID,
		Opened:     r.timeNow(),
		registry:   r,
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	r.handles[h.Token] = h
	r.mu.Unlock()
	return h
}

// Lookup returns the open handle for token
func (r *Registry) Lookup(token string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[token]
	return h, ok
}

// Finish reports a result for token, as a display surface calling back by token would.
func (r *Registry) Finish(token string, result Result) error {
	h, ok := r.Lookup(token)
	if !ok || !h.Finish(result) {
		return errors.WithDetail(ErrUnknownHandle, fmt.Sprintf("Token: %s", token))
	}
	return nil
}

// Close disposes the handle without reporting a result
func (r *Registry) Close(token string) {
	r.dispose(token)
}

// Len returns the number of open handles
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *Registry) dispose(token string) {
	r.mu.Lock()
	delete(r.handles, token)
	r.mu.Unlock()
}

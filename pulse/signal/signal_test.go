package signal

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_SetNotifiesOnChange(t *testing.T) {
	v := NewValue(false)
	ch := make(chan struct{}, 1)
	cancel := v.Notify(ch)
	defer cancel()

	v.Set(false) // unchanged, no notification
	select {
	case <-ch:
		t.Fatal("unexpected notification for unchanged value")
	default:
	}

	v.Set(true)
	select {
	case <-ch:
	default:
		t.Fatal("expected notification")
	}
	assert.True(t, v.Get())
}

func TestValue_NotifyCoalesces(t *testing.T) {
	v := NewValue(0)
	ch := make(chan struct{}, 1)
	defer v.Notify(ch)()

	for i := 1; i <= 10; i++ {
		v.Set(i) // never blocks on a full channel
	}
	assert.Len(t, ch, 1)
	assert.Equal(t, 10, v.Get())
}

func TestValue_CancelUnregisters(t *testing.T) {
	v := NewValue("a")
	ch := make(chan struct{}, 1)
	cancel := v.Notify(ch)
	cancel()

	v.Set("b")
	assert.Len(t, ch, 0)
}

func TestAllReady(t *testing.T) {
	assert.True(t, AllReady())
	assert.True(t, AllReady(Always(true), nil))
	assert.False(t, AllReady(Always(true), Always(false)))
}

func TestWaitAll_ReturnsWhenAllTrue(t *testing.T) {
	a := NewValue(false)
	b := NewValue(true)

	done := make(chan error, 1)
	go func() {
		done <- WaitAll(context.Background(), 0, a, b)
	}()

	select {
	case <-done:
		t.Fatal("WaitAll returned while a source was false")
	case <-time.After(20 * time.Millisecond):
	}

	b.Set(false)
	a.Set(true)
	select {
	case <-done:
		t.Fatal("WaitAll returned while b was false")
	case <-time.After(20 * time.Millisecond):
	}

	b.Set(true)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitAll did not return after all sources became true")
	}
}

func TestWaitAll_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := WaitAll(ctx, 0, NewValue(false))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// pollOnly never pushes changes.
type pollOnly struct{ ready atomic.Bool }

func (p *pollOnly) Get() bool                     { return p.ready.Load() }
func (p *pollOnly) Notify(chan<- struct{}) func() { return func() {} }

func TestWaitAll_Poll(t *testing.T) {
	src := &pollOnly{}
	go func() {
		time.Sleep(15 * time.Millisecond)
		src.ready.Store(true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, WaitAll(ctx, 5*time.Millisecond, src))
}

func TestDerived_FollowsDependencies(t *testing.T) {
	screen := NewValue("home")
	onCart := Derived(func() bool { return screen.Get() == "cart" }, screen)
	assert.False(t, onCart.Get())

	done := make(chan error, 1)
	go func() {
		done <- WaitAll(context.Background(), 0, onCart)
	}()

	screen.Set("settings")
	screen.Set("cart")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitAll did not observe derived change")
	}
}

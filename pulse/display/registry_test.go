package display

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/automaton/errors"
)

func TestRegistry_FinishByToken(t *testing.T) {
	r := NewRegistry()
	h := r.Open("s1")
	require.NotEmpty(t, h.Token)
	assert.Equal(t, 1, r.Len())

	found, ok := r.Lookup(h.Token)
	require.True(t, ok)
	assert.Same(t, h, found)

	require.NoError(t, r.Finish(h.Token, ResultCancel))
	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultCancel, res)
	assert.Equal(t, 0, r.Len(), "terminal result disposes the handle")

	err = r.Finish(h.Token, ResultFinished)
	assert.True(t, errors.Is(err, ErrUnknownHandle), "late callbacks find nothing")
}

func TestHandle_FirstResultWins(t *testing.T) {
	r := NewRegistry()
	h := r.Open("s1")

	var wg sync.WaitGroup
	wins := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- h.Finish(ResultFinished)
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for won := range wins {
		if won {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestHandle_WaitContext(t *testing.T) {
	r := NewRegistry()
	h := r.Open("s1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	r.Close(h.Token)
	_, ok := r.Lookup(h.Token)
	assert.False(t, ok)
}

package automation

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/pulse/assets"
	"github.com/teranos/automaton/pulse/display"
	"github.com/teranos/automaton/pulse/frequency"
	"github.com/teranos/automaton/pulse/schedule"
)

func TestEngine_ExecutesTriggeredSchedule(t *testing.T) {
	h := newHarness(t)
	h.upsert(message("s1"))
	h.start()

	h.event(schedule.EventForeground, "")
	state := h.waitFor("s1", completed(1, schedule.StateIdle), "executed once and back to idle")

	assert.Nil(t, state.Triggering)
	assert.Nil(t, state.Prepared)
	assert.Equal(t, 1, h.adapter.callCount())
	assert.Equal(t, []EventKind{EventDisplayed, EventFinished}, h.analytics.kinds("s1"))
	assert.GreaterOrEqual(t, h.cache.clearedCount("s1"), 1)
	assert.False(t, h.cache.dirExists("s1"), "cache removed after display")
	assert.Equal(t, 0, h.engine.Handles().Len())

	rec, err := h.store.GetSchedule(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.State.Count)
	assert.Equal(t, schedule.StateIdle, rec.State.State)
}

func TestEngine_LimitReachedFinishes(t *testing.T) {
	h := newHarness(t)
	s := message("once")
	s.Limit = 1
	h.upsert(s)
	h.start()

	h.event(schedule.EventForeground, "")
	h.waitFor("once", completed(1, schedule.StateFinished), "finished after limit")

	h.engine.handleEvent(schedule.Event{Type: schedule.EventForeground, Time: time.Now()})
	rec, _ := h.engine.Get("once")
	assert.Equal(t, schedule.StateFinished, rec.State.State, "finished schedules are never re-evaluated")
	assert.Equal(t, 1, h.adapter.callCount())
}

func TestEngine_IntervalPausesThenIdles(t *testing.T) {
	h := newHarness(t)
	s := message("cool")
	s.Interval = 200 * time.Millisecond
	h.upsert(s)
	h.start()

	h.event(schedule.EventForeground, "")
	h.waitFor("cool", completed(1, schedule.StatePaused), "paused for interval")
	h.waitFor("cool", completed(1, schedule.StateIdle), "idle once interval elapses")
}

func TestEngine_CancelResultCountsAsExecution(t *testing.T) {
	h := newHarness(t)
	h.adapter = newFakeAdapter(displayResult{result: display.ResultCancel})
	h.upsert(message("s1"))
	h.start()

	h.event(schedule.EventForeground, "")
	h.waitFor("s1", completed(1, schedule.StateIdle), "cancel resolves the cycle")
	assert.Contains(t, h.analytics.kinds("s1"), EventCancelled)
}

func TestEngine_InterruptedExecutingReturnsToIdle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := message("s1")
	require.NoError(t, h.store.Upsert(ctx, []schedule.Schedule{s}))

	// Leave the schedule mid-execution with its assets on disk, as a crash would
	_, err := h.cache.CacheAsset(ctx, "s1", s.Data.MediaURLs())
	require.NoError(t, err)
	require.True(t, h.cache.dirExists("s1"))

	now := time.Now()
	require.NoError(t, h.store.UpdateState(ctx, "s1", schedule.ExecutionState{
		State:        schedule.StateExecuting,
		StateChanged: now,
		Count:        2,
		Triggering:   &schedule.TriggeringInfo{TriggerID: "t", Date: now},
		Prepared:     &schedule.PreparedInfo{ScheduleID: "s1", TriggerSessionID: "session"},
	}))

	h.start()

	rec, ok := h.engine.Get("s1")
	require.True(t, ok)
	assert.Equal(t, schedule.StateIdle, rec.State.State, "interrupted, not finished")
	assert.Equal(t, 2, rec.State.Count, "interruption does not count")
	assert.Nil(t, rec.State.Prepared)
	assert.False(t, h.cache.dirExists("s1"), "cached assets removed")
	assert.Equal(t, []EventKind{EventInterrupted}, h.analytics.kinds("s1"))
	assert.Equal(t, 0, h.adapter.callCount())

	stored, err := h.store.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, schedule.StateIdle, stored.State.State)
}

func TestEngine_TriggeredResumesOnStart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.Upsert(ctx, []schedule.Schedule{message("s1")}))
	require.NoError(t, h.store.UpdateState(ctx, "s1", schedule.ExecutionState{
		State:        schedule.StateTriggered,
		StateChanged: time.Now(),
		Triggering:   &schedule.TriggeringInfo{TriggerID: "t"},
	}))

	h.start()
	h.waitFor("s1", completed(1, schedule.StateIdle), "resumed and executed")
}

func TestEngine_OverLimitPausesWithoutDisplay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.limits.SetConstraints(ctx, []frequency.Constraint{{ID: "daily", Range: 24 * time.Hour, Count: 1}}))
	checker, err := h.limits.GetFrequencyChecker(ctx, []string{"daily"})
	require.NoError(t, err)
	require.True(t, checker.CheckAndIncrement())

	s := message("limited")
	s.FrequencyConstraintIDs = []string{"daily"}
	s.Interval = time.Hour
	h.upsert(s)
	h.start()

	h.event(schedule.EventForeground, "")
	state := h.waitState("limited", schedule.StatePaused)
	assert.Equal(t, 0, state.Count, "no execution slot consumed")
	assert.Equal(t, 0, h.adapter.callCount())
}

func TestEngine_SharedConstraintNeverOvercounts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithCoordinator(ConcurrentCoordinator{}))
	require.NoError(t, h.limits.SetConstraints(ctx, []frequency.Constraint{{ID: "session", Range: time.Hour, Count: 1}}))

	a, b := message("a"), message("b")
	for _, s := range []*schedule.Schedule{&a, &b} {
		s.FrequencyConstraintIDs = []string{"session"}
		s.Interval = time.Hour
	}
	h.upsert(a, b)
	h.start()

	h.event(schedule.EventForeground, "")
	sa := h.waitState("a", schedule.StatePaused)
	sb := h.waitState("b", schedule.StatePaused)

	assert.Equal(t, 1, sa.Count+sb.Count, "exactly one schedule displayed")
	assert.Equal(t, 1, h.adapter.callCount())
}

func TestEngine_InvalidContentFinishes(t *testing.T) {
	h := newHarness(t)
	h.prepareErr = func(int32) error {
		return errors.Mark(errors.New("unknown display type"), ErrInvalid)
	}
	h.upsert(message("bad"))
	h.start()

	h.event(schedule.EventForeground, "")
	state := h.waitState("bad", schedule.StateFinished)
	assert.Equal(t, 0, state.Count)
	assert.Equal(t, int32(1), h.prepareCalls.Load(), "invalid content is not retried")
	assert.Equal(t, 0, h.adapter.callCount())
}

func TestEngine_PermanentAssetFailureFinishes(t *testing.T) {
	h := newHarness(t)
	s := message("gone")
	h.downloader.errs[s.Data.Message.Media[0]] = errors.Mark(errors.New("asset removed"), assets.ErrPermanent)
	h.upsert(s)
	h.start()

	h.event(schedule.EventForeground, "")
	h.waitState("gone", schedule.StateFinished)
	assert.Equal(t, int32(0), h.prepareCalls.Load(), "adapter never requested")
	assert.False(t, h.cache.dirExists("gone"))
}

func TestEngine_PrepareRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	h.prepareErr = func(int32) error { return errors.New("content service unavailable") }
	h.upsert(message("flaky"))
	h.start()

	h.event(schedule.EventForeground, "")
	h.waitState("flaky", schedule.StateFinished)
	assert.Equal(t, int32(testConfig.PrepareRetries+1), h.prepareCalls.Load())
	assert.Equal(t, 0, h.adapter.callCount())
}

func TestEngine_PrepareRetrySucceeds(t *testing.T) {
	h := newHarness(t)
	h.prepareErr = func(call int32) error {
		if call == 1 {
			return errors.New("timeout")
		}
		return nil
	}
	h.upsert(message("s1"))
	h.start()

	h.event(schedule.EventForeground, "")
	h.waitFor("s1", completed(1, schedule.StateIdle), "executed after one retry")
	assert.Equal(t, int32(2), h.prepareCalls.Load())
}

func TestEngine_DisplayRetryThenFinish(t *testing.T) {
	h := newHarness(t)
	h.adapter = newFakeAdapter(
		displayResult{err: errors.New("surface busy")},
		displayResult{result: display.ResultFinished},
	)
	h.upsert(message("s1"))
	h.start()

	h.event(schedule.EventForeground, "")
	h.waitFor("s1", completed(1, schedule.StateIdle), "finished on second display")
	assert.Equal(t, 2, h.adapter.callCount())
	assert.Equal(t, int32(1), h.prepareCalls.Load(), "display retry reuses preparation")
}

func TestEngine_DisplayRetriesExhaustedAbandonsCycle(t *testing.T) {
	h := newHarness(t)
	h.adapter = newFakeAdapter(displayResult{err: errors.New("surface broken")})
	h.upsert(message("s1"))
	h.start()

	h.event(schedule.EventForeground, "")
	require.Eventually(t, func() bool {
		return h.adapter.callCount() == testConfig.DisplayRetries+1
	}, 5*time.Second, 5*time.Millisecond)
	state := h.waitState("s1", schedule.StateIdle)
	assert.Equal(t, 0, state.Count, "abandoned cycle is not counted")
	assert.False(t, h.cache.dirExists("s1"))
}

func TestEngine_ReprepareRedoesPreparation(t *testing.T) {
	h := newHarness(t)
	h.adapter = newFakeAdapter(
		displayResult{err: errors.Wrap(ErrReprepare, "content expired")},
		displayResult{result: display.ResultFinished},
	)
	h.upsert(message("s1"))
	h.start()

	h.event(schedule.EventForeground, "")
	h.waitFor("s1", completed(1, schedule.StateIdle), "finished after reprepare")
	assert.Equal(t, int32(2), h.prepareCalls.Load())
	assert.Equal(t, 2, h.adapter.callCount())
}

type holdout struct {
	isMatch bool
}

func (x holdout) Evaluate(context.Context, *schedule.Schedule, schedule.PreparedInfo) (*schedule.ExperimentResult, error) {
	return &schedule.ExperimentResult{IsMatch: x.isMatch, Results: json.RawMessage(`{"experiment":"e1"}`)}, nil
}

func TestEngine_HoldoutSkipsDisplay(t *testing.T) {
	h := newHarness(t, WithExperiments(holdout{isMatch: true}))
	bypass := message("bypass")
	bypass.BypassHoldout = true
	h.upsert(message("held"), bypass)
	h.start()

	h.event(schedule.EventForeground, "")
	h.waitFor("held", completed(1, schedule.StateIdle), "holdout still counts")
	h.waitFor("bypass", completed(1, schedule.StateIdle), "bypass displays")

	assert.Equal(t, []EventKind{EventControl}, h.analytics.kinds("held"))
	assert.Equal(t, 1, h.adapter.callCount(), "only the bypassing schedule displayed")
	assert.False(t, h.cache.dirExists("held"))
}

func TestEngine_WaitsForReadiness(t *testing.T) {
	h := newHarness(t)
	h.adapter.ready.Set(false)
	h.upsert(message("s1"))
	h.start()

	h.event(schedule.EventForeground, "")
	h.waitState("s1", schedule.StatePrepared)

	time.Sleep(50 * time.Millisecond)
	rec, _ := h.engine.Get("s1")
	assert.Equal(t, schedule.StatePrepared, rec.State.State, "no progress while not ready")
	assert.NotNil(t, rec.State.Prepared)
	assert.Equal(t, 0, h.adapter.callCount())

	h.adapter.ready.Set(true)
	h.waitFor("s1", completed(1, schedule.StateIdle), "executes once ready")
}

func TestEngine_DelegateGatesDisplay(t *testing.T) {
	delegate := newFakeAdapter().ready
	delegate.Set(false)
	h := newHarness(t, WithDelegate(delegate))
	h.upsert(message("s1"))
	h.start()

	h.event(schedule.EventForeground, "")
	h.waitState("s1", schedule.StatePrepared)
	delegate.Set(true)
	h.waitFor("s1", completed(1, schedule.StateIdle), "executes once delegate allows")
}

func TestEngine_SerialCoordinatorDisplaysOneAtATime(t *testing.T) {
	h := newHarness(t)
	h.adapter.gate = make(chan struct{})
	h.upsert(message("a"), message("b"), message("c"))
	h.start()

	h.event(schedule.EventForeground, "")
	<-h.adapter.begun

	time.Sleep(50 * time.Millisecond)
	executing := 0
	for _, rec := range h.engine.Schedules() {
		if rec.State.State == schedule.StateExecuting {
			executing++
		}
	}
	assert.Equal(t, 1, executing)

	close(h.adapter.gate)
	for _, id := range []string{"a", "b", "c"} {
		h.waitFor(id, completed(1, schedule.StateIdle), id)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.adapter.maxActive))
}

func TestEngine_DelayCancellation(t *testing.T) {
	h := newHarness(t)
	s := message("delayed")
	s.Delay = &schedule.Delay{
		Seconds:              60,
		CancellationTriggers: []schedule.Trigger{{Type: schedule.TriggerBackground, Goal: 1}},
	}
	h.upsert(s)
	h.start()

	h.engine.handleEvent(schedule.Event{Type: schedule.EventForeground, Time: time.Now()})
	rec, _ := h.engine.Get("delayed")
	require.Equal(t, schedule.StateTriggered, rec.State.State)
	require.NotNil(t, rec.State.Triggering)

	h.engine.handleEvent(schedule.Event{Type: schedule.EventBackground, Time: time.Now()})
	rec, _ = h.engine.Get("delayed")
	assert.Equal(t, schedule.StateIdle, rec.State.State)
	assert.Nil(t, rec.State.Triggering)
	assert.Equal(t, int32(0), h.prepareCalls.Load())
}

func TestEngine_DelayWaitsForScreen(t *testing.T) {
	h := newHarness(t)
	s := message("checkout")
	s.Delay = &schedule.Delay{Screens: []string{"cart"}}
	h.upsert(s)
	h.start()

	h.event(schedule.EventForeground, "")
	h.waitState("checkout", schedule.StateTriggered)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), h.prepareCalls.Load())

	h.event(schedule.EventScreen, "cart")
	h.waitFor("checkout", completed(1, schedule.StateIdle), "executes on the cart screen")
}

func TestEngine_UpsertRevivesFinished(t *testing.T) {
	h := newHarness(t)
	s := message("s1")
	s.Limit = 1
	h.upsert(s)
	h.start()

	h.event(schedule.EventForeground, "")
	h.waitFor("s1", completed(1, schedule.StateFinished), "finished")

	s.Limit = 2
	h.upsert(s)
	rec, _ := h.engine.Get("s1")
	assert.Equal(t, schedule.StateIdle, rec.State.State, "raised limit makes it eligible again")
	assert.Equal(t, 1, rec.State.Count)

	h.event(schedule.EventForeground, "")
	h.waitFor("s1", completed(2, schedule.StateFinished), "second execution")
}

func TestEngine_UpsertInvalidIsFinished(t *testing.T) {
	h := newHarness(t)
	h.start()

	s := message("broken")
	s.Triggers = []schedule.Trigger{{Type: schedule.TriggerScreen, Goal: 1, Predicate: json.RawMessage(`{"name": {"like": "x"}}`)}}
	h.upsert(s)

	rec, ok := h.engine.Get("broken")
	require.True(t, ok)
	assert.Equal(t, schedule.StateFinished, rec.State.State)

	stored, err := h.store.GetSchedule(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, schedule.StateFinished, stored.State.State)
}

func TestEngine_UpsertDropsRemovedTriggerProgress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := message("s1")
	s.Triggers = []schedule.Trigger{{Type: schedule.TriggerScreen, Goal: 2, Predicate: json.RawMessage(`{"name": "home"}`)}}
	h.upsert(s)
	h.start()

	h.engine.handleEvent(schedule.Event{Type: schedule.EventScreen, Name: "home", Time: time.Now()})
	progress, err := h.store.GetTriggerProgress(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, progress, 1)
	assert.Equal(t, 1.0, progress[0].Count)

	s.Triggers = []schedule.Trigger{{Type: schedule.TriggerAppInit, Goal: 1}}
	h.upsert(s)
	progress, err = h.store.GetTriggerProgress(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, progress)
}

func TestEngine_StopWhileExecuting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.adapter.gate = make(chan struct{})
	h.upsert(message("s1"))
	h.start()

	h.event(schedule.EventForeground, "")
	<-h.adapter.begun
	h.waitState("s1", schedule.StateExecuting)

	require.NoError(t, h.engine.Stop(ctx, []string{"s1"}))
	_, ok := h.engine.Get("s1")
	assert.False(t, ok)
	assert.False(t, h.cache.dirExists("s1"))

	_, err := h.store.GetSchedule(ctx, "s1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestEngine_CancelGroup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a, b, c := message("a"), message("b"), message("c")
	a.Group, b.Group = "onboarding", "onboarding"
	h.upsert(a, b, c)
	h.start()

	require.NoError(t, h.engine.CancelGroup(ctx, "onboarding"))
	records := h.engine.Schedules()
	require.Len(t, records, 1)
	assert.Equal(t, "c", records[0].Schedule.ID)

	stored, err := h.store.GetSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestEngine_PriorityOrdersSnapshot(t *testing.T) {
	h := newHarness(t)
	low, high := message("low"), message("high")
	low.Priority, high.Priority = 5, -5
	h.upsert(low, high)

	records := h.engine.Schedules()
	require.Len(t, records, 2)
	assert.Equal(t, "high", records[0].Schedule.ID)
}

func TestEngine_CloseFlushesOccurrences(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.limits.SetConstraints(ctx, []frequency.Constraint{{ID: "c", Range: time.Hour, Count: 5}}))
	s := message("s1")
	s.FrequencyConstraintIDs = []string{"c"}
	h.upsert(s)
	h.start()

	h.event(schedule.EventForeground, "")
	h.waitFor("s1", completed(1, schedule.StateIdle), "executed")

	require.NoError(t, h.engine.Close())
	assert.Equal(t, 0, h.limits.PendingCount())

	usage, err := h.limits.Usage(ctx)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, 1, usage[0].InWindow)

	assert.ErrorIs(t, h.engine.AddEvent(schedule.Event{Type: schedule.EventForeground}), ErrClosed)
}

func TestEngine_LoadWithoutStarting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	s := message("s1")
	s.Limit = 1
	require.NoError(t, h.store.Upsert(ctx, []schedule.Schedule{s, message("s2")}))
	require.NoError(t, h.store.UpdateState(ctx, "s1", schedule.ExecutionState{State: schedule.StateFinished, StateChanged: time.Now(), Count: 1}))
	require.NoError(t, h.store.UpdateState(ctx, "s2", schedule.ExecutionState{
		State:        schedule.StateTriggered,
		StateChanged: time.Now(),
		Triggering:   &schedule.TriggeringInfo{TriggerID: "t"},
	}))

	require.NoError(t, h.engine.Load(ctx))
	t.Cleanup(func() { _ = h.engine.Close() })

	rec, ok := h.engine.Get("s2")
	require.True(t, ok)
	assert.Equal(t, schedule.StateTriggered, rec.State.State, "loading does not execute")

	s.Limit = 3
	h.upsert(s)
	stored, err := h.store.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, schedule.StateIdle, stored.State.State, "revived against the stored count")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), h.prepareCalls.Load())
}

package remotedata

import (
	"context"
	"sync"
	"time"

	"github.com/teranos/automaton/pulse/frequency"
	"github.com/teranos/automaton/pulse/schedule"
)

type fakeEngine struct {
	mu        sync.Mutex
	schedules map[string]schedule.Schedule
	upserts   int
	upserted  []string
	stopped   []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{schedules: make(map[string]schedule.Schedule)}
}

func (e *fakeEngine) Upsert(_ context.Context, schedules []schedule.Schedule) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.upserts++
	for _, s := range schedules {
		e.schedules[s.ID] = s
		e.upserted = append(e.upserted, s.ID)
	}
	return nil
}

func (e *fakeEngine) Stop(_ context.Context, ids []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		delete(e.schedules, id)
		e.stopped = append(e.stopped, id)
	}
	return nil
}

func (e *fakeEngine) Get(id string) (schedule.Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.schedules[id]
	return schedule.Record{Schedule: s}, ok
}

type fakeLimits struct {
	calls int
	last  []frequency.Constraint
}

func (l *fakeLimits) SetConstraints(_ context.Context, constraints []frequency.Constraint) error {
	l.calls++
	l.last = constraints
	return nil
}

// countingStore counts writes to the wrapped store
type countingStore struct {
	StateStore
	puts    int
	deletes int
}

func (c *countingStore) Put(ctx context.Context, st State) error {
	c.puts++
	return c.StateStore.Put(ctx, st)
}

func (c *countingStore) Delete(ctx context.Context, src Source) error {
	c.deletes++
	return c.StateStore.Delete(ctx, src)
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func remoteSchedule(id string) schedule.Schedule {
	return schedule.Schedule{
		ID:       id,
		Triggers: []schedule.Trigger{{Type: schedule.TriggerAppInit, Goal: 1}},
		Data: schedule.Data{Type: schedule.DataMessage, Message: &schedule.Message{
			DisplayType: "modal",
		}},
	}
}

func payload(src Source, at time.Duration, ids ...string) Payload {
	p := Payload{
		Source:      src,
		Timestamp:   epoch.Add(at),
		Attribution: "https://remote.example.com/" + string(src),
	}
	for _, id := range ids {
		p.Schedules = append(p.Schedules, remoteSchedule(id))
	}
	return p
}

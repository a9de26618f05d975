package automation

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/automaton/am"
	automatontest "github.com/teranos/automaton/internal/testing"
	"github.com/teranos/automaton/pulse/assets"
	"github.com/teranos/automaton/pulse/display"
	"github.com/teranos/automaton/pulse/frequency"
	"github.com/teranos/automaton/pulse/schedule"
	"github.com/teranos/automaton/pulse/signal"
)

var testConfig = am.EngineConfig{
	PrepareRetries: 2,
	DisplayRetries: 2,
	RetryBackoffMS: 1,
}

// fileDownloader writes the URL into a temp file, or fails for URLs in errs
type fileDownloader struct {
	dir  string
	errs map[string]error
}

func (d *fileDownloader) Download(ctx context.Context, url string) (string, error) {
	if err := d.errs[url]; err != nil {
		return "", err
	}
	f, err := os.CreateTemp(d.dir, "download-*")
	if err != nil {
		return "", err
	}
	defer f.Close()
	_, err = f.WriteString(url)
	return f.Name(), err
}

// recordingCache wraps the real asset manager and records ClearCache calls
type recordingCache struct {
	*assets.Manager
	root string

	mu      sync.Mutex
	cleared map[string]int
}

func (c *recordingCache) ClearCache(id string) error {
	c.mu.Lock()
	c.cleared[id]++
	c.mu.Unlock()
	return c.Manager.ClearCache(id)
}

func (c *recordingCache) clearedCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleared[id]
}

func (c *recordingCache) dirExists(id string) bool {
	_, err := os.Stat(filepath.Join(c.root, assets.DirName(id)))
	return err == nil
}

type displayResult struct {
	result display.Result
	err    error
}

// fakeAdapter returns scripted results; the last result repeats
type fakeAdapter struct {
	ready   *signal.Value[bool]
	results []displayResult
	gate    chan struct{} // when non-nil Display waits for it to close

	mu        sync.Mutex
	calls     int
	active    int32
	maxActive int32
	begun     chan string
}

func newFakeAdapter(results ...displayResult) *fakeAdapter {
	if len(results) == 0 {
		results = []displayResult{{result: display.ResultFinished}}
	}
	return &fakeAdapter{
		ready:   signal.NewValue(true),
		results: results,
		begun:   make(chan string, 16),
	}
}

func (a *fakeAdapter) Ready() signal.Source { return a.ready }

func (a *fakeAdapter) Display(ctx context.Context, h *display.Handle, _ Analytics) (display.Result, error) {
	n := atomic.AddInt32(&a.active, 1)
	defer atomic.AddInt32(&a.active, -1)
	for {
		peak := atomic.LoadInt32(&a.maxActive)
		if n <= peak || atomic.CompareAndSwapInt32(&a.maxActive, peak, n) {
			break
		}
	}

	a.mu.Lock()
	res := a.results[min(a.calls, len(a.results)-1)]
	a.calls++
	a.mu.Unlock()
	select {
	case a.begun <- h.ScheduleID:
	default:
	}

	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return res.result, res.err
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type recordingAnalytics struct {
	mu     sync.Mutex
	events []AnalyticsEvent
}

func (r *recordingAnalytics) Record(ev AnalyticsEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingAnalytics) kinds(id string) []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventKind
	for _, ev := range r.events {
		if ev.ScheduleID == id {
			out = append(out, ev.Kind)
		}
	}
	return out
}

type harness struct {
	t          *testing.T
	store      *schedule.SQLStore
	limits     *frequency.Manager
	cache      *recordingCache
	downloader *fileDownloader
	preparer   *MessagePreparer
	adapter    *fakeAdapter
	analytics  *recordingAnalytics
	engine     *Engine

	prepareCalls atomic.Int32
	prepareErr   func(call int32) error
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	db := automatontest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()

	root := t.TempDir()
	h := &harness{
		t:          t,
		store:      schedule.NewSQLStore(db),
		limits:     frequency.NewManager(frequency.NewSQLStore(db), log),
		downloader: &fileDownloader{dir: t.TempDir(), errs: make(map[string]error)},
		adapter:    newFakeAdapter(),
		analytics:  &recordingAnalytics{},
	}
	h.cache = &recordingCache{
		Manager: assets.NewManager(assets.NewDirFileManager(root), h.downloader, log),
		root:    root,
		cleared: make(map[string]int),
	}

	h.preparer = NewMessagePreparer(h.cache)
	h.preparer.Register(schedule.DataMessage, AdapterFactoryFunc(func(*schedule.Schedule, *assets.Assets) (DisplayAdapter, error) {
		call := h.prepareCalls.Add(1)
		if h.prepareErr != nil {
			if err := h.prepareErr(call); err != nil {
				return nil, err
			}
		}
		return h.adapter, nil
	}))

	opts = append([]Option{WithConfig(testConfig), WithAnalytics(h.analytics)}, opts...)
	h.engine = New(h.store, h.limits, h.cache, h.preparer, log, opts...)
	return h
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.engine.Start(context.Background()))
	h.t.Cleanup(func() { _ = h.engine.Close() })
}

func (h *harness) upsert(schedules ...schedule.Schedule) {
	h.t.Helper()
	require.NoError(h.t, h.engine.Upsert(context.Background(), schedules))
}

func (h *harness) event(eventType schedule.EventType, name string) {
	h.t.Helper()
	require.NoError(h.t, h.engine.AddEvent(schedule.Event{Type: eventType, Name: name}))
}

// waitFor blocks until cond holds for the schedule's state
func (h *harness) waitFor(id string, cond func(schedule.ExecutionState) bool, msg string) schedule.ExecutionState {
	h.t.Helper()
	var last schedule.ExecutionState
	require.Eventually(h.t, func() bool {
		rec, ok := h.engine.Get(id)
		if !ok {
			return false
		}
		last = rec.State
		return cond(rec.State)
	}, 5*time.Second, 5*time.Millisecond, msg)
	return last
}

func (h *harness) waitState(id string, state schedule.State) schedule.ExecutionState {
	h.t.Helper()
	return h.waitFor(id, func(s schedule.ExecutionState) bool { return s.State == state }, string(state))
}

func message(id string) schedule.Schedule {
	return schedule.Schedule{
		ID:       id,
		Triggers: []schedule.Trigger{{Type: schedule.TriggerForeground, Goal: 1}},
		Data: schedule.Data{Type: schedule.DataMessage, Message: &schedule.Message{
			DisplayType: "banner",
			Media:       []string{"https://cdn.example.com/" + id + ".png"},
		}},
	}
}

func completed(count int, state schedule.State) func(schedule.ExecutionState) bool {
	return func(s schedule.ExecutionState) bool { return s.Count == count && s.State == state }
}

// Package automation drives schedules through trigger evaluation, preparation,
// readiness gating, display and bookkeeping.
//
// Every state change happens under the engine mutex and is written through to the
// schedule store, so a restart sees exactly the last committed state. Schedules found
// mid-execution on Start are reconciled back to idle as interrupted.
package automation

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/automaton/am"
	"github.com/teranos/automaton/db"
	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/logger"
	"github.com/teranos/automaton/pulse/display"
	"github.com/teranos/automaton/pulse/frequency"
	"github.com/teranos/automaton/pulse/schedule"
	"github.com/teranos/automaton/pulse/signal"
)

var (
	// ErrInvalid marks content that can never be prepared. The schedule is finished without retry.
	ErrInvalid = schedule.ErrInvalid

	// ErrReprepare is returned by a DisplayAdapter when preparation must be redone before retrying.
	ErrReprepare = errors.New("content must be prepared again")

	// ErrClosed is returned by operations on a closed engine
	ErrClosed = errors.New("automation engine closed")
)

const eventBuffer = 64

type entry struct {
	schedule schedule.Schedule
	state    schedule.ExecutionState
	progress map[string]*schedule.TriggerProgress
	invalid  bool
	run      *run
	timer    *time.Timer
}

// run is one in-flight execution attempt of a triggered schedule
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine owns the execution state of every stored schedule.
type Engine struct {
	store       schedule.Store
	limits      *frequency.Manager
	cache       AssetCache
	preparer    ContentPreparer
	coordinator DisplayCoordinator
	experiments ExperimentEvaluator
	analytics   Analytics
	delegate    signal.Source
	env         *Environment
	handles     *display.Registry
	cfg         am.EngineConfig
	log         *zap.SugaredLogger
	timeNow     func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	started   bool
	closed    bool
	displayMu sync.Mutex // serializes the PREPARED -> EXECUTING section

	events chan schedule.Event
	ticker *Ticker
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Engine
type Option func(*Engine)

// WithConfig sets retry budgets, backoff and polling intervals
func WithConfig(cfg am.EngineConfig) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithCoordinator replaces the default SerialCoordinator
func WithCoordinator(c DisplayCoordinator) Option {
	return func(e *Engine) { e.coordinator = c }
}

// WithExperiments enables holdout evaluation during preparation
func WithExperiments(x ExperimentEvaluator) Option {
	return func(e *Engine) { e.experiments = x }
}

// WithAnalytics replaces the default LogAnalytics
func WithAnalytics(a Analytics) Option {
	return func(e *Engine) { e.analytics = a }
}

// WithDelegate adds an external readiness override that must also be true before display
func WithDelegate(s signal.Source) Option {
	return func(e *Engine) { e.delegate = s }
}

// WithEnvironment shares an Environment with the caller
func WithEnvironment(env *Environment) Option {
	return func(e *Engine) { e.env = env }
}

// WithClock injects the time source (for testing)
func WithClock(timeNow func() time.Time) Option {
	return func(e *Engine) { e.timeNow = timeNow }
}

// New creates an engine. Call Start to load stored schedules and begin processing events.
func New(store schedule.Store, limits *frequency.Manager, cache AssetCache, preparer ContentPreparer, log *zap.SugaredLogger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		store:       store,
		limits:      limits,
		cache:       cache,
		preparer:    preparer,
		coordinator: NewSerialCoordinator(),
		handles:     display.NewRegistry(),
		env:         NewEnvironment(),
		cfg:         am.DefaultConfig().Engine,
		log:         logger.AddPulseSymbol(log.Named("automation")),
		timeNow:     time.Now,
		entries:     make(map[string]*entry),
		events:      make(chan schedule.Event, eventBuffer),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.analytics == nil {
		e.analytics = NewLogAnalytics(log)
	}
	e.ticker = NewTicker(ctx, e, e.cfg.Housekeeping(), log)
	return e
}

// Environment returns the app state tracked from events
func (e *Engine) Environment() *Environment { return e.env }

// Handles returns the registry of in-flight displays
func (e *Engine) Handles() *display.Registry { return e.handles }

// Start loads stored schedules, reconciles interrupted executions and starts the event loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.started {
		return errors.New("automation engine already started")
	}

	if err := e.limits.PruneExpired(ctx); err != nil {
		e.log.Warnw("Failed to prune expired occurrences", logger.FieldError, err)
	}

	resume, err := e.loadLocked(ctx)
	if err != nil {
		return err
	}

	e.started = true
	e.wg.Add(1)
	go e.loop()
	e.ticker.Start()

	sortByPriority(resume)
	for _, ent := range resume {
		e.launchLocked(ent)
	}
	e.log.Infow("Automation engine started", "housekeeping", e.cfg.Housekeeping())
	return nil
}

// Load reads stored schedules and reconciles interrupted executions without starting
// the event loop, so Upsert and Stop act on the stored state. Start reloads.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.started {
		return errors.New("automation engine already started")
	}
	_, err := e.loadLocked(ctx)
	return err
}

// loadLocked replaces the in-memory entries with the stored ones and returns the
// triggered schedules to resume.
func (e *Engine) loadLocked(ctx context.Context) ([]*entry, error) {
	records, err := e.store.GetSchedules(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load schedules")
	}

	for _, ent := range e.entries {
		if ent.timer != nil {
			ent.timer.Stop()
		}
	}
	e.entries = make(map[string]*entry, len(records))

	now := e.timeNow()
	var resume []*entry
	interrupted := 0
	for i := range records {
		rec := &records[i]
		ent := &entry{
			schedule: rec.Schedule,
			state:    rec.State,
			progress: make(map[string]*schedule.TriggerProgress),
			invalid:  rec.Schedule.Validate() != nil,
		}

		progress, err := e.store.GetTriggerProgress(ctx, rec.Schedule.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load trigger progress for %s", rec.Schedule.ID)
		}
		for j := range progress {
			p := progress[j]
			if p.Children == nil {
				p.Children = make(map[string]float64)
			}
			ent.progress[p.TriggerID] = &p
		}
		e.entries[rec.Schedule.ID] = ent

		switch {
		case ent.state.State.Active():
			if err := e.interruptLocked(ctx, ent, now); err != nil {
				return nil, err
			}
			interrupted++
		case ent.state.State == schedule.StateTriggered:
			resume = append(resume, ent)
		case ent.state.State == schedule.StatePaused:
			e.armPausedLocked(ent)
		}
	}

	e.log.Infow("Schedules loaded",
		logger.FieldTotalCount, len(records),
		"interrupted", interrupted,
		"resumed", len(resume))
	return resume, nil
}

// interruptLocked resolves an execution that did not survive a restart
func (e *Engine) interruptLocked(ctx context.Context, ent *entry, now time.Time) error {
	id := ent.schedule.ID
	prev := ent.state.State
	e.analytics.Record(newAnalyticsEvent(EventInterrupted, id, ent.state.Prepared, now))

	if err := e.cache.ClearCache(id); err != nil {
		return errors.Wrapf(err, "failed to clear cache for interrupted schedule %s", id)
	}
	if err := ent.state.Transition(schedule.StateIdle, now); err != nil {
		return err
	}
	if err := e.store.UpdateState(ctx, id, ent.state); err != nil {
		return err
	}

	e.log.Infow("Reconciled interrupted schedule",
		logger.FieldScheduleID, id,
		logger.FieldPrevState, prev)
	return nil
}

// Close stops the event loop and every running schedule, then flushes pending occurrences.
// Schedules stopped mid-execution are reconciled on the next Start.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, ent := range e.entries {
		if ent.timer != nil {
			ent.timer.Stop()
		}
	}
	started := e.started
	e.mu.Unlock()

	if started {
		e.ticker.Stop()
	}
	e.cancel()
	e.wg.Wait()

	if err := e.limits.SavePendingOccurrences(context.Background()); err != nil {
		return errors.Wrap(err, "failed to flush frequency occurrences")
	}
	e.log.Infow("Automation engine stopped")
	return nil
}

// AddEvent queues an event for trigger evaluation
func (e *Engine) AddEvent(ev schedule.Event) error {
	if e.ctx.Err() != nil {
		return ErrClosed
	}
	if ev.Time.IsZero() {
		ev.Time = e.timeNow()
	}
	select {
	case e.events <- ev:
		return nil
	case <-e.ctx.Done():
		return ErrClosed
	}
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.events:
			e.handleEvent(ev)
		}
	}
}

// handleEvent advances trigger progress for every idle or triggered schedule
func (e *Engine) handleEvent(ev schedule.Event) {
	e.env.Observe(ev)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	now := e.timeNow()
	var fired []*entry
	for _, ent := range e.entries {
		switch ent.state.State {
		case schedule.StateIdle:
			if e.evaluateLocked(ent, ev, now) {
				fired = append(fired, ent)
			}
		case schedule.StateTriggered:
			e.evaluateCancellationLocked(ent, ev, now)
		}
	}

	sortByPriority(fired)
	for _, ent := range fired {
		e.launchLocked(ent)
	}
}

// evaluateLocked feeds ev to the schedule's triggers and reports whether one fired
func (e *Engine) evaluateLocked(ent *entry, ev schedule.Event, now time.Time) bool {
	s := &ent.schedule
	if ent.invalid || !s.Started(now) {
		return false
	}
	if s.Expired(now) || s.LimitReached(ent.state.Count) {
		e.finishLocked(ent, now)
		return false
	}

	for i := range s.Triggers {
		t := &s.Triggers[i]
		fired, p, err := e.applyLocked(ent, t, ev)
		if err != nil {
			e.invalidateLocked(ent, err, now)
			return false
		}
		if !fired {
			continue
		}

		if err := ent.state.Transition(schedule.StateTriggered, now); err != nil {
			e.log.Errorw("Trigger fired in unexpected state", logger.FieldScheduleID, s.ID, logger.FieldError, err)
			return false
		}
		ent.state.Triggering = &schedule.TriggeringInfo{
			TriggerID:   p.TriggerID,
			TriggerType: t.Type,
			Goal:        t.Goal,
			Event:       ev,
			Context:     p.Context,
			Date:        now,
		}
		e.persistLocked(ent)

		e.log.Debugw("Schedule triggered",
			logger.FieldScheduleID, s.ID,
			logger.FieldTriggerID, p.TriggerID,
			"trigger_type", t.Type)
		return true
	}
	return false
}

// evaluateCancellationLocked returns a delayed schedule to idle when a cancellation trigger fires
func (e *Engine) evaluateCancellationLocked(ent *entry, ev schedule.Event, now time.Time) {
	for _, t := range ent.schedule.CancellationTriggers() {
		fired, _, err := e.applyLocked(ent, &t, ev)
		if err != nil {
			e.invalidateLocked(ent, err, now)
			return
		}
		if !fired {
			continue
		}

		e.cancelRunLocked(ent)
		if err := ent.state.Transition(schedule.StateIdle, now); err != nil {
			e.log.Errorw("Failed to cancel delayed schedule", logger.FieldScheduleID, ent.schedule.ID, logger.FieldError, err)
			return
		}
		e.persistLocked(ent)
		e.log.Debugw("Delay cancelled", logger.FieldScheduleID, ent.schedule.ID)
		return
	}
}

// applyLocked runs one trigger against ev and persists its progress when it changed
func (e *Engine) applyLocked(ent *entry, t *schedule.Trigger, ev schedule.Event) (bool, *schedule.TriggerProgress, error) {
	id := t.ID()
	p, ok := ent.progress[id]
	if !ok {
		p = &schedule.TriggerProgress{
			ScheduleID: ent.schedule.ID,
			TriggerID:  id,
			Children:   make(map[string]float64),
		}
		ent.progress[id] = p
	}

	before := cloneProgress(p)
	fired, err := t.Apply(p, ev)
	if err != nil {
		return false, nil, err
	}

	if fired || !reflect.DeepEqual(before, *p) {
		if err := e.store.SaveTriggerProgress(e.ctx, *p); err != nil {
			e.log.Errorw("Failed to save trigger progress",
				logger.FieldScheduleID, ent.schedule.ID,
				logger.FieldTriggerID, id,
				logger.FieldError, err)
		}
	}
	return fired, p, nil
}

func cloneProgress(p *schedule.TriggerProgress) schedule.TriggerProgress {
	c := *p
	c.Context = append([]byte(nil), p.Context...)
	c.Children = make(map[string]float64, len(p.Children))
	for k, v := range p.Children {
		c.Children[k] = v
	}
	return c
}

// launchLocked starts the execution goroutine for a triggered schedule
func (e *Engine) launchLocked(ent *entry) {
	if ent.run != nil || e.closed {
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	r := &run{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	ent.run = r

	e.wg.Add(1)
	go e.execute(r, ent)
}

func (e *Engine) cancelRunLocked(ent *entry) *run {
	r := ent.run
	if r != nil {
		r.cancel()
		ent.run = nil
	}
	return r
}

// currentLocked reports whether r still owns ent and ent is in state want
func (e *Engine) currentLocked(ent *entry, r *run, want schedule.State) bool {
	return !e.closed && e.entries[ent.schedule.ID] == ent && ent.run == r && ent.state.State == want
}

// persistLocked writes the execution state. Background paths have no caller to report to, so failures are logged.
func (e *Engine) persistLocked(ent *entry) {
	ctx := context.WithoutCancel(e.ctx)
	if err := e.store.UpdateState(ctx, ent.schedule.ID, ent.state); err != nil {
		if db.IsDatabaseClosed(err) {
			e.log.Debugw("Database closed, state not persisted", logger.FieldScheduleID, ent.schedule.ID)
			return
		}
		e.log.Errorw("Failed to persist schedule state",
			logger.FieldScheduleID, ent.schedule.ID,
			logger.FieldState, ent.state.State,
			logger.FieldError, err)
	}
}

// transitionLocked moves ent to state to and persists; it logs and reports false on an illegal move
func (e *Engine) transitionLocked(ent *entry, to schedule.State, now time.Time) bool {
	prev := ent.state.State
	if err := ent.state.Transition(to, now); err != nil {
		e.log.Errorw("Rejected state transition",
			logger.FieldScheduleID, ent.schedule.ID,
			logger.FieldPrevState, prev,
			logger.FieldState, to,
			logger.FieldError, err)
		return false
	}
	e.persistLocked(ent)
	return true
}

func (e *Engine) finishLocked(ent *entry, now time.Time) {
	e.transitionLocked(ent, schedule.StateFinished, now)
}

// invalidateLocked discards a schedule whose definition cannot be evaluated
func (e *Engine) invalidateLocked(ent *entry, err error, now time.Time) {
	e.log.Errorw("Schedule is invalid, finishing",
		logger.FieldScheduleID, ent.schedule.ID,
		logger.FieldError, err)
	ent.invalid = true
	e.cancelRunLocked(ent)
	if ent.state.State.Active() {
		e.clearCache(ent.schedule.ID)
	}
	e.finishLocked(ent, now)
}

// clearCache removes cached assets for id, logging failures
func (e *Engine) clearCache(id string) {
	if err := e.cache.ClearCache(id); err != nil {
		e.log.Errorw("Failed to clear asset cache", logger.FieldScheduleID, id, logger.FieldError, err)
	}
}

// armPausedLocked schedules the paused -> idle transition for when the interval elapses
func (e *Engine) armPausedLocked(ent *entry) {
	if ent.timer != nil {
		ent.timer.Stop()
	}
	id := ent.schedule.ID
	remaining := ent.state.StateChanged.Add(ent.schedule.Interval).Sub(e.timeNow())
	if remaining < 0 {
		remaining = 0
	}
	ent.timer = time.AfterFunc(remaining, func() { e.resumePaused(id) })
}

func (e *Engine) resumePaused(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent := e.entries[id]
	if e.closed || ent == nil || ent.state.State != schedule.StatePaused {
		return
	}
	e.resumeIfDueLocked(ent, e.timeNow())
}

// resumeIfDueLocked returns a paused schedule to idle, or finished if it expired while paused
func (e *Engine) resumeIfDueLocked(ent *entry, now time.Time) {
	due := ent.state.StateChanged.Add(ent.schedule.Interval)
	if now.Before(due) {
		e.armPausedLocked(ent)
		return
	}
	if ent.schedule.Expired(now) || ent.schedule.LimitReached(ent.state.Count) {
		e.finishLocked(ent, now)
		return
	}
	e.transitionLocked(ent, schedule.StateIdle, now)
}

// sweep finishes idle schedules that expired and resumes paused schedules that are due
func (e *Engine) sweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	for _, ent := range e.entries {
		switch ent.state.State {
		case schedule.StateIdle:
			if ent.schedule.Expired(now) || ent.schedule.LimitReached(ent.state.Count) {
				e.finishLocked(ent, now)
			}
		case schedule.StatePaused:
			if !now.Before(ent.state.StateChanged.Add(ent.schedule.Interval)) {
				e.resumeIfDueLocked(ent, now)
			}
		}
	}
}

// Upsert stores schedule definitions. Existing schedules keep their execution state;
// progress for triggers no longer in the definition is dropped.
func (e *Engine) Upsert(ctx context.Context, schedules []schedule.Schedule) error {
	if len(schedules) == 0 {
		return nil
	}
	if err := e.store.Upsert(ctx, schedules); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.timeNow()
	for i := range schedules {
		s := schedules[i]
		verr := s.Validate()

		ent, exists := e.entries[s.ID]
		changed := true
		if !exists {
			ent = &entry{
				schedule: s,
				state:    schedule.NewExecutionState(now),
				progress: make(map[string]*schedule.TriggerProgress),
			}
			e.entries[s.ID] = ent
		} else {
			changed = !schedule.SameDefinition(&ent.schedule, &s)
			ent.schedule = s
			if err := e.dropStaleProgressLocked(ctx, ent); err != nil {
				return err
			}
		}
		ent.invalid = verr != nil

		switch {
		case verr != nil:
			if ent.state.State != schedule.StateFinished {
				e.invalidateLocked(ent, verr, now)
			} else {
				e.log.Errorw("Schedule is invalid", logger.FieldScheduleID, s.ID, logger.FieldError, verr)
			}
		case ent.state.State == schedule.StateFinished && changed && !s.Expired(now) && !s.LimitReached(ent.state.Count):
			// Raised limit or extended end date
			e.transitionLocked(ent, schedule.StateIdle, now)
		case ent.state.State == schedule.StateIdle && (s.Expired(now) || s.LimitReached(ent.state.Count)):
			e.finishLocked(ent, now)
		case ent.state.State == schedule.StatePaused:
			e.armPausedLocked(ent)
		}
	}

	e.log.Infow("Schedules upserted", logger.FieldCount, len(schedules))
	return nil
}

func (e *Engine) dropStaleProgressLocked(ctx context.Context, ent *entry) error {
	keep := make(map[string]bool)
	for i := range ent.schedule.Triggers {
		keep[ent.schedule.Triggers[i].ID()] = true
	}
	for _, t := range ent.schedule.CancellationTriggers() {
		keep[t.ID()] = true
	}

	stale := false
	for id := range ent.progress {
		if !keep[id] {
			delete(ent.progress, id)
			stale = true
		}
	}
	if !stale {
		return nil
	}

	ids := make([]string, 0, len(keep))
	for id := range keep {
		ids = append(ids, id)
	}
	return e.store.ResetTriggerProgress(ctx, ent.schedule.ID, ids)
}

// Stop cancels and deletes schedules by id, clearing their caches
func (e *Engine) Stop(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	e.mu.Lock()
	var runs []*run
	for _, id := range ids {
		ent := e.entries[id]
		if ent == nil {
			continue
		}
		if r := e.cancelRunLocked(ent); r != nil {
			runs = append(runs, r)
		}
		if ent.timer != nil {
			ent.timer.Stop()
		}
		delete(e.entries, id)
	}
	e.mu.Unlock()

	for _, r := range runs {
		<-r.done
	}

	if err := e.store.Stop(ctx, ids); err != nil {
		return err
	}
	for _, id := range ids {
		if err := e.cache.ClearCache(id); err != nil {
			return errors.WithDetail(errors.Wrap(err, "failed to clear asset cache"), fmt.Sprintf("Schedule ID: %s", id))
		}
	}

	e.log.Infow("Schedules stopped", logger.FieldCount, len(ids))
	return nil
}

// CancelGroup stops every schedule in group
func (e *Engine) CancelGroup(ctx context.Context, group string) error {
	e.mu.Lock()
	var ids []string
	for id, ent := range e.entries {
		if ent.schedule.Group == group {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	sort.Strings(ids)
	e.log.Infow("Cancelling group", logger.FieldGroup, group, logger.FieldCount, len(ids))
	return e.Stop(ctx, ids)
}

// Schedules returns a snapshot of every schedule and its state, lowest priority value first
func (e *Engine) Schedules() []schedule.Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := make([]*entry, 0, len(e.entries))
	for _, ent := range e.entries {
		entries = append(entries, ent)
	}
	sortByPriority(entries)

	out := make([]schedule.Record, 0, len(entries))
	for _, ent := range entries {
		out = append(out, schedule.Record{Schedule: ent.schedule, State: ent.state})
	}
	return out
}

// Get returns one schedule and its state
func (e *Engine) Get(id string) (schedule.Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.entries[id]
	if !ok {
		return schedule.Record{}, false
	}
	return schedule.Record{Schedule: ent.schedule, State: ent.state}, true
}

func sortByPriority(entries []*entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].schedule.Priority != entries[j].schedule.Priority {
			return entries[i].schedule.Priority < entries[j].schedule.Priority
		}
		return entries[i].schedule.ID < entries[j].schedule.ID
	})
}

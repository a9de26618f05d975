package automation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/logger"
	"github.com/teranos/automaton/pulse/assets"
	"github.com/teranos/automaton/pulse/display"
	"github.com/teranos/automaton/pulse/frequency"
	"github.com/teranos/automaton/pulse/schedule"
	"github.com/teranos/automaton/pulse/signal"
)

const maxBackoff = 30 * time.Second

// cycle carries retry accounting across one trigger-to-resolution pass
type cycle struct {
	prepareAttempts int
	displayAttempts int
	counted         bool // frequency occurrence already recorded
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeAbort
	outcomeReprepare
)

// execute drives a triggered schedule to resolution. It exits quietly whenever the run
// is cancelled or superseded; whoever cancelled it owns the state.
func (e *Engine) execute(r *run, ent *entry) {
	defer e.wg.Done()
	defer close(r.done)
	defer func() {
		e.mu.Lock()
		if ent.run == r {
			ent.run = nil
		}
		e.mu.Unlock()
		r.cancel()
	}()

	e.mu.Lock()
	s := ent.schedule
	triggeredAt := ent.state.StateChanged
	e.mu.Unlock()
	log := e.log.With(logger.FieldScheduleID, s.ID)

	if err := e.waitDelay(r.ctx, s.Delay, triggeredAt); err != nil {
		return
	}

	c := &cycle{}
	for {
		p, checker, ok := e.prepare(r, ent, c, log)
		if !ok {
			return
		}
		if e.display(r, ent, p, checker, c, log) != outcomeReprepare {
			return
		}
	}
}

// waitDelay waits out the delay seconds, counted from the trigger, then the delay's app state conditions
func (e *Engine) waitDelay(ctx context.Context, d *schedule.Delay, triggeredAt time.Time) error {
	if d == nil {
		return nil
	}
	if wait := d.Duration() - e.timeNow().Sub(triggeredAt); wait > 0 {
		if !sleep(ctx, wait) {
			return ctx.Err()
		}
	}
	return signal.WaitAll(ctx, e.cfg.ReadinessPoll(), e.env.DelayReady(d))
}

// prepare moves the schedule through PREPARING to PREPARED.
// It reports false when the cycle ended (paused, held out, discarded) or the run was cancelled.
func (e *Engine) prepare(r *run, ent *entry, c *cycle, log *zap.SugaredLogger) (*Prepared, *frequency.Checker, bool) {
	e.mu.Lock()
	if !e.currentLocked(ent, r, schedule.StateTriggered) {
		e.mu.Unlock()
		return nil, nil, false
	}
	s := ent.schedule
	now := e.timeNow()
	if s.Expired(now) {
		e.finishLocked(ent, now)
		e.mu.Unlock()
		return nil, nil, false
	}
	if !e.transitionLocked(ent, schedule.StatePreparing, now) {
		e.mu.Unlock()
		return nil, nil, false
	}
	info := schedule.PreparedInfo{
		ScheduleID:       s.ID,
		ProductID:        s.ProductID,
		Campaigns:        s.Campaigns,
		ReportingContext: s.ReportingContext,
		TriggerSessionID: uuid.NewString(),
		PreparedAt:       now,
	}
	ent.state.Prepared = &info
	e.persistLocked(ent)
	e.mu.Unlock()

	var checker *frequency.Checker
	var prepared *Prepared
	for {
		var holdout bool
		var err error

		checker, err = e.limits.GetFrequencyChecker(r.ctx, s.FrequencyConstraintIDs)
		if err == nil {
			if checker != nil && checker.IsOverLimit() {
				log.Debugw("Over frequency limit, pausing")
				e.endCycle(r, ent, schedule.StatePreparing, schedule.StatePaused)
				return nil, nil, false
			}
			prepared, holdout, err = e.tryPrepare(r.ctx, &s, &info)
		}
		if err == nil && holdout {
			log.Infow("Schedule held out by experiment")
			e.resolve(r, ent, schedule.StatePreparing, EventControl, &info)
			return nil, nil, false
		}
		if err == nil {
			break
		}

		if r.ctx.Err() != nil {
			return nil, nil, false
		}
		if errors.Is(err, ErrInvalid) || errors.Is(err, assets.ErrPermanent) {
			log.Errorw("Discarding schedule, content cannot be prepared", logger.FieldError, err)
			e.endCycle(r, ent, schedule.StatePreparing, schedule.StateFinished)
			return nil, nil, false
		}

		c.prepareAttempts++
		if c.prepareAttempts > e.cfg.PrepareRetries {
			log.Warnw("Preparation retries exhausted, discarding schedule",
				logger.FieldAttempt, c.prepareAttempts,
				logger.FieldRetries, e.cfg.PrepareRetries,
				logger.FieldError, err)
			e.endCycle(r, ent, schedule.StatePreparing, schedule.StateFinished)
			return nil, nil, false
		}
		log.Infow("Preparation failed, retrying",
			logger.FieldAttempt, c.prepareAttempts,
			logger.FieldRetries, e.cfg.PrepareRetries,
			logger.FieldError, err)
		if !sleep(r.ctx, e.backoff(c.prepareAttempts)) {
			return nil, nil, false
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.currentLocked(ent, r, schedule.StatePreparing) {
		return nil, nil, false
	}
	if !e.transitionLocked(ent, schedule.StatePrepared, e.timeNow()) {
		return nil, nil, false
	}
	prepared.Info = info
	ent.state.Prepared = &info
	e.persistLocked(ent)
	return prepared, checker, true
}

func (e *Engine) tryPrepare(ctx context.Context, s *schedule.Schedule, info *schedule.PreparedInfo) (*Prepared, bool, error) {
	if e.experiments != nil && !s.BypassHoldout {
		res, err := e.experiments.Evaluate(ctx, s, *info)
		if err != nil {
			return nil, false, errors.Wrap(err, "experiment evaluation failed")
		}
		info.Experiment = res
		if res != nil && res.IsMatch {
			return nil, true, nil
		}
	}

	p, err := e.preparer.Prepare(ctx, s, *info)
	if err != nil {
		return nil, false, err
	}
	if p == nil || p.Adapter == nil {
		return nil, false, errors.Mark(errors.New("preparer returned no display adapter"), ErrInvalid)
	}
	return p, false, nil
}

// display waits for readiness, executes and records the result
func (e *Engine) display(r *run, ent *entry, p *Prepared, checker *frequency.Checker, c *cycle, log *zap.SugaredLogger) outcome {
	coord := p.Coordinator
	if coord == nil {
		coord = e.coordinator
	}
	sources := []signal.Source{p.Adapter.Ready(), coord.Ready(), e.delegate}
	id := p.Info.ScheduleID

	for {
		if err := signal.WaitAll(r.ctx, e.cfg.ReadinessPoll(), sources...); err != nil {
			return outcomeAbort
		}

		e.displayMu.Lock()
		if !signal.AllReady(sources...) {
			// Lost readiness to another schedule between wake-up and lock
			e.displayMu.Unlock()
			continue
		}

		e.mu.Lock()
		if !e.currentLocked(ent, r, schedule.StatePrepared) {
			e.mu.Unlock()
			e.displayMu.Unlock()
			return outcomeAbort
		}
		if !e.transitionLocked(ent, schedule.StateExecuting, e.timeNow()) {
			e.mu.Unlock()
			e.displayMu.Unlock()
			return outcomeAbort
		}
		e.mu.Unlock()

		if checker != nil && !c.counted {
			if !checker.CheckAndIncrement() {
				e.displayMu.Unlock()
				log.Debugw("Frequency limit reached at display, pausing")
				e.endCycle(r, ent, schedule.StateExecuting, schedule.StatePaused)
				return outcomeDone
			}
			c.counted = true
		}

		coord.WillDisplay(p)
		e.displayMu.Unlock()

		h := e.handles.Open(id)
		e.analytics.Record(newAnalyticsEvent(EventDisplayed, id, &p.Info, e.timeNow()))
		result, err := p.Adapter.Display(r.ctx, h, e.analytics)
		e.handles.Close(h.Token)
		coord.FinishedDisplaying(p)

		if r.ctx.Err() != nil {
			return outcomeAbort
		}

		if err != nil {
			if errors.Is(err, ErrReprepare) {
				log.Infow("Display requested preparation again", logger.FieldError, err)
				e.mu.Lock()
				if e.currentLocked(ent, r, schedule.StateExecuting) {
					e.transitionLocked(ent, schedule.StateTriggered, e.timeNow())
				}
				e.mu.Unlock()
				return outcomeReprepare
			}

			c.displayAttempts++
			if c.displayAttempts > e.cfg.DisplayRetries {
				log.Warnw("Display retries exhausted, abandoning cycle",
					logger.FieldAttempt, c.displayAttempts,
					logger.FieldRetries, e.cfg.DisplayRetries,
					logger.FieldError, err)
				e.endCycle(r, ent, schedule.StateExecuting, schedule.StateIdle)
				return outcomeDone
			}

			log.Infow("Display failed, retrying",
				logger.FieldAttempt, c.displayAttempts,
				logger.FieldError, err)
			e.mu.Lock()
			ok := e.currentLocked(ent, r, schedule.StateExecuting) &&
				e.transitionLocked(ent, schedule.StatePrepared, e.timeNow())
			e.mu.Unlock()
			if !ok || !sleep(r.ctx, e.backoff(c.displayAttempts)) {
				return outcomeAbort
			}
			continue
		}

		kind := EventFinished
		if result == display.ResultCancel {
			kind = EventCancelled
		}
		e.resolve(r, ent, schedule.StateExecuting, kind, &p.Info)
		return outcomeDone
	}
}

// endCycle clears the cache and moves from -> to without counting an execution
func (e *Engine) endCycle(r *run, ent *entry, from, to schedule.State) {
	e.clearCache(ent.schedule.ID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.currentLocked(ent, r, from) {
		return
	}
	if e.transitionLocked(ent, to, e.timeNow()) && to == schedule.StatePaused {
		e.armPausedLocked(ent)
	}
}

// resolve records a resolution and does the bookkeeping of a completed execution:
// count increment, trigger progress reset, cache cleanup, then finished, paused or idle.
func (e *Engine) resolve(r *run, ent *entry, from schedule.State, kind EventKind, info *schedule.PreparedInfo) {
	id := ent.schedule.ID
	e.analytics.Record(newAnalyticsEvent(kind, id, info, e.timeNow()))
	e.clearCache(id)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.currentLocked(ent, r, from) {
		return
	}

	now := e.timeNow()
	ent.state.Count++
	for _, p := range ent.progress {
		p.Count = 0
		p.Context = nil
		p.Children = make(map[string]float64)
	}
	if err := e.store.ResetTriggerProgress(context.WithoutCancel(r.ctx), id, nil); err != nil {
		e.log.Errorw("Failed to reset trigger progress", logger.FieldScheduleID, id, logger.FieldError, err)
	}

	s := &ent.schedule
	next := schedule.StateIdle
	switch {
	case s.LimitReached(ent.state.Count) || s.Expired(now):
		next = schedule.StateFinished
	case s.Interval > 0:
		next = schedule.StatePaused
	}

	if e.transitionLocked(ent, next, now) && next == schedule.StatePaused {
		e.armPausedLocked(ent)
	}
	e.log.Infow("Schedule resolved",
		logger.FieldScheduleID, id,
		"resolution", kind,
		logger.FieldCount, ent.state.Count,
		logger.FieldState, next)
}

// backoff doubles the base delay per attempt, capped at maxBackoff
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.RetryBackoff()
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

// sleep waits for d or ctx; it reports false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Package frequency implements sliding-window frequency limits shared by automation schedules.
//
// A Manager owns the constraint set and hands out Checkers bound to a subset of it.
// Every Checker over a constraint shares one in-memory occurrence log, and all
// check-and-increment calls serialize on the Manager's mutex, so concurrent Checkers
// can never together exceed a constraint's count. Increments are buffered as pending
// occurrences until SavePendingOccurrences flushes them to the Store.
package frequency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/logger"
)

// Constraint is a named rate limit: at most Count occurrences within Range.
type Constraint struct {
	ID    string
	Range time.Duration
	Count uint
}

// Occurrence is a timestamp counted against a constraint.
type Occurrence struct {
	ConstraintID string
	Timestamp    time.Time
}

// occurrenceLog is the in-memory state shared by every Checker bound to one constraint.
type occurrenceLog struct {
	constraint Constraint
	times      []time.Time
	detached   bool // constraint deleted; pending entries against it are not flushed
}

type pendingOccurrence struct {
	log *occurrenceLog
	at  time.Time
}

// Manager coordinates constraints, Checkers and occurrence persistence.
type Manager struct {
	store   Store
	log     *zap.SugaredLogger
	timeNow func() time.Time

	mu      sync.Mutex // single ordering point for every Checker
	logs    map[string]*occurrenceLog
	pending []pendingOccurrence

	// storeMu orders constraint changes, flushes and log loads against the store.
	// A flush never straddles a range change. Lock order: storeMu, then mu.
	storeMu sync.Mutex
}

// Option configures a Manager
type Option func(*Manager)

// WithClock injects the time source (for testing)
func WithClock(timeNow func() time.Time) Option {
	return func(m *Manager) {
		m.timeNow = timeNow
	}
}

// NewManager creates a frequency limit manager over store
func NewManager(store Store, log *zap.SugaredLogger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := &Manager{
		store:   store,
		log:     logger.AddLimitSymbol(log.Named("frequency")),
		timeNow: time.Now,
		logs:    make(map[string]*occurrenceLog),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetConstraints replaces the full constraint set.
// A changed range clears recorded occurrences, a count-only change keeps them,
// and constraints missing from the list are deleted with their occurrences.
func (m *Manager) SetConstraints(ctx context.Context, constraints []Constraint) error {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	existing, err := m.store.GetAllConstraints(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load frequency constraints")
	}

	current := make(map[string]Constraint, len(existing))
	for _, c := range existing {
		current[c.ID] = c
	}

	wanted := make(map[string]bool, len(constraints))
	for _, c := range constraints {
		wanted[c.ID] = true

		old, seen := current[c.ID]
		switch {
		case !seen:
			if err := m.store.UpsertConstraint(ctx, c, false); err != nil {
				return err
			}
			m.log.Debugw("Frequency constraint added",
				logger.FieldConstraintID, c.ID,
				"range", c.Range.String(),
				logger.FieldCount, c.Count)
			m.rebind(c, false)

		case old.Range != c.Range:
			if err := m.store.UpsertConstraint(ctx, c, true); err != nil {
				return err
			}
			m.log.Infow("Frequency constraint range changed, occurrences cleared",
				logger.FieldConstraintID, c.ID,
				"old_range", old.Range.String(),
				"range", c.Range.String())
			m.rebind(c, true)

		case old.Count != c.Count:
			if err := m.store.UpsertConstraint(ctx, c, false); err != nil {
				return err
			}
			m.rebind(c, false)
		}
	}

	for id := range current {
		if wanted[id] {
			continue
		}
		if err := m.store.DeleteConstraint(ctx, id); err != nil {
			return err
		}
		m.log.Debugw("Frequency constraint deleted", logger.FieldConstraintID, id)
		m.detach(id)
	}

	return nil
}

// rebind updates the shared log for c, if one is loaded.
func (m *Manager) rebind(c Constraint, reset bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.logs[c.ID]
	if !ok {
		return
	}
	l.constraint = c
	if !reset {
		return
	}

	l.times = nil
	kept := m.pending[:0]
	for _, p := range m.pending {
		if p.log != l {
			kept = append(kept, p)
		}
	}
	m.pending = kept
}

func (m *Manager) detach(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.logs[id]; ok {
		l.detached = true
		delete(m.logs, id)
	}
}

// GetFrequencyChecker returns a Checker over the given constraint ids.
// It returns nil when ids is empty or none of them resolve to a stored constraint.
func (m *Manager) GetFrequencyChecker(ctx context.Context, ids []string) (*Checker, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var logs []*occurrenceLog
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		l, err := m.bind(ctx, id)
		if err != nil {
			return nil, err
		}
		if l != nil {
			logs = append(logs, l)
		}
	}

	if len(logs) == 0 {
		return nil, nil
	}
	return &Checker{manager: m, logs: logs}, nil
}

// bind returns the shared log for id, loading it from the store on first use.
func (m *Manager) bind(ctx context.Context, id string) (*occurrenceLog, error) {
	m.mu.Lock()
	l, ok := m.logs[id]
	m.mu.Unlock()
	if ok {
		return l, nil
	}

	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	c, err := m.store.GetConstraint(ctx, id)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	times, err := m.store.GetOccurrences(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another caller may have bound it while we were reading
	if l, ok := m.logs[id]; ok {
		return l, nil
	}
	l = &occurrenceLog{constraint: *c, times: times}
	m.logs[id] = l
	return l, nil
}

// SavePendingOccurrences flushes every pending occurrence to the store in one batch.
// On failure the batch is kept pending for the next flush.
func (m *Manager) SavePendingOccurrences(ctx context.Context) error {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	occurrences := make([]Occurrence, 0, len(batch))
	for _, p := range batch {
		if p.log.detached {
			continue
		}
		occurrences = append(occurrences, Occurrence{ConstraintID: p.log.constraint.ID, Timestamp: p.at})
	}
	m.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := m.store.InsertOccurrences(ctx, occurrences); err != nil {
		m.mu.Lock()
		m.pending = append(batch, m.pending...)
		m.mu.Unlock()

		err = errors.Wrap(err, "failed to save pending occurrences")
		return errors.WithDetail(err, fmt.Sprintf("Pending: %d", len(batch)))
	}

	if dropped := len(batch) - len(occurrences); dropped > 0 {
		m.log.Debugw("Dropped pending occurrences for removed constraints", logger.FieldCount, dropped)
	}
	return nil
}

// PendingCount returns the number of occurrences not yet flushed
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// PruneExpired deletes persisted occurrences that have left their constraint's window.
// Occurrences exactly at the window boundary are kept.
func (m *Manager) PruneExpired(ctx context.Context) error {
	constraints, err := m.store.GetAllConstraints(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load frequency constraints")
	}

	now := m.timeNow()
	var total int64
	for _, c := range constraints {
		n, err := m.store.DeleteOccurrencesBefore(ctx, c.ID, now.Add(-c.Range))
		if err != nil {
			return err
		}
		total += n
	}

	if total > 0 {
		m.log.Infow("Pruned expired occurrences", logger.FieldCount, total)
	}
	return nil
}

// Usage is a constraint and its occurrence count within the current window.
type Usage struct {
	Constraint
	InWindow int
}

// Usage reports every stored constraint with its current window count
func (m *Manager) Usage(ctx context.Context) ([]Usage, error) {
	constraints, err := m.store.GetAllConstraints(ctx)
	if err != nil {
		return nil, err
	}

	now := m.timeNow()
	usage := make([]Usage, 0, len(constraints))
	for _, c := range constraints {
		l, err := m.bind(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		u := Usage{Constraint: c}
		if l != nil {
			m.mu.Lock()
			u.InWindow = l.countInWindow(now)
			m.mu.Unlock()
		}
		usage = append(usage, u)
	}
	return usage, nil
}

// countInWindow counts occurrences in [now-range, now]. Caller holds Manager.mu.
func (l *occurrenceLog) countInWindow(now time.Time) int {
	start := now.Add(-l.constraint.Range)
	n := 0
	for _, t := range l.times {
		if !t.Before(start) && !t.After(now) {
			n++
		}
	}
	return n
}

// prune drops occurrences that fell out of the window. The boundary itself is kept.
func (l *occurrenceLog) prune(now time.Time) {
	start := now.Add(-l.constraint.Range)
	kept := l.times[:0]
	for _, t := range l.times {
		if !t.Before(start) {
			kept = append(kept, t)
		}
	}
	l.times = kept
}

func (l *occurrenceLog) overLimit(now time.Time) bool {
	l.prune(now)
	return uint(l.countInWindow(now)) >= l.constraint.Count
}

// Checker tests and increments a fixed set of constraints.
type Checker struct {
	manager *Manager
	logs    []*occurrenceLog
}

// ConstraintIDs returns the ids the Checker is bound to
func (c *Checker) ConstraintIDs() []string {
	c.manager.mu.Lock()
	defer c.manager.mu.Unlock()

	ids := make([]string, len(c.logs))
	for i, l := range c.logs {
		ids[i] = l.constraint.ID
	}
	return ids
}

// IsOverLimit reports whether any bound constraint has reached its count within its window.
func (c *Checker) IsOverLimit() bool {
	c.manager.mu.Lock()
	defer c.manager.mu.Unlock()
	return c.overLimitLocked(c.manager.timeNow())
}

func (c *Checker) overLimitLocked(now time.Time) bool {
	for _, l := range c.logs {
		if l.overLimit(now) {
			return true
		}
	}
	return false
}

// CheckAndIncrement records an occurrence on every bound constraint unless one is over limit.
// It returns false, changing nothing, when over limit.
func (c *Checker) CheckAndIncrement() bool {
	m := c.manager
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.timeNow()
	if c.overLimitLocked(now) {
		return false
	}

	for _, l := range c.logs {
		l.times = append(l.times, now)
		m.pending = append(m.pending, pendingOccurrence{log: l, at: now})
	}
	return true
}

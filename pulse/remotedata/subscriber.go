package remotedata

import (
	"context"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/logger"
	"github.com/teranos/automaton/pulse/frequency"
	"github.com/teranos/automaton/pulse/schedule"
)

// Engine is the part of the automation engine the subscriber drives
type Engine interface {
	Upsert(ctx context.Context, schedules []schedule.Schedule) error
	Stop(ctx context.Context, ids []string) error
	Get(id string) (schedule.Record, bool)
}

// Limits receives the merged constraint set
type Limits interface {
	SetConstraints(ctx context.Context, constraints []frequency.Constraint) error
}

// Result summarizes one Apply call.
type Result struct {
	Processed []Source `json:"processed"`
	Skipped   []Source `json:"skipped"`
	Upserted  int      `json:"upserted"`
	Stopped   int      `json:"stopped"`
	Gated     int      `json:"gated"` // schedules held back by min_sdk_version
}

// Subscriber applies remote payloads to the engine and frequency limits.
type Subscriber struct {
	engine Engine
	limits Limits
	store  StateStore
	sdk    *semver.Version
	log    *zap.SugaredLogger

	mu sync.Mutex
}

// NewSubscriber creates a subscriber gating schedules against sdkVersion
func NewSubscriber(engine Engine, limits Limits, store StateStore, sdkVersion string, log *zap.SugaredLogger) (*Subscriber, error) {
	sdk, err := semver.NewVersion(sdkVersion)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid SDK version %q", sdkVersion)
	}
	return &Subscriber{
		engine: engine,
		limits: limits,
		store:  store,
		sdk:    sdk,
		log:    logger.AddRemoteSymbol(log.Named("remotedata")),
	}, nil
}

type plan struct {
	source  Source
	payload *Payload // nil: the source pushed nothing
	prev    *State
}

// Apply reconciles the full set of current payloads, at most one per source.
// A source missing from payloads has all of its schedules stopped.
func (s *Subscriber) Apply(ctx context.Context, payloads []Payload) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySource := make(map[Source]*Payload, len(payloads))
	for i := range payloads {
		p := &payloads[i]
		if !knownSource(p.Source) {
			return nil, errors.Newf("unknown remote data source %q", p.Source)
		}
		if _, dup := bySource[p.Source]; dup {
			return nil, errors.Newf("duplicate payload for source %q", p.Source)
		}
		bySource[p.Source] = p
	}

	res := &Result{}
	var plans []plan
	for _, src := range Sources {
		prev, err := s.store.Get(ctx, src)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		p := bySource[src]
		if !s.needsApply(p, prev) {
			res.Skipped = append(res.Skipped, src)
			continue
		}
		plans = append(plans, plan{source: src, payload: p, prev: prev})
	}
	if len(plans) == 0 {
		s.log.Debugw("Remote data unchanged, skipping")
		return res, nil
	}

	if err := s.limits.SetConstraints(ctx, mergeConstraints(bySource)); err != nil {
		return nil, errors.Wrap(err, "failed to apply remote frequency constraints")
	}

	claimed := make(map[string]Source)
	for _, src := range Sources {
		if p := bySource[src]; p != nil {
			for _, id := range p.scheduleIDs() {
				claimed[id] = src
			}
		}
	}

	for _, pl := range plans {
		if err := s.applySource(ctx, pl, claimed, res); err != nil {
			return nil, errors.WithDetail(err, fmt.Sprintf("Source: %s", pl.source))
		}
		res.Processed = append(res.Processed, pl.source)
	}

	s.log.Infow("Remote data applied",
		"processed", res.Processed,
		"upserted", res.Upserted,
		"stopped", res.Stopped,
		"gated", res.Gated)
	return res, nil
}

// needsApply reports whether p differs from what was last applied for its source
func (s *Subscriber) needsApply(p *Payload, prev *State) bool {
	if p == nil {
		return prev != nil
	}
	if prev == nil {
		return true
	}
	return p.Timestamp.After(prev.LastTimestamp) ||
		p.Attribution != prev.Attribution ||
		s.sdk.String() != prev.SDKVersion
}

func (s *Subscriber) applySource(ctx context.Context, pl plan, claimed map[string]Source, res *Result) error {
	log := s.log.With(logger.FieldSource, pl.source)

	if pl.payload == nil {
		var ids []string
		for _, id := range pl.prev.ScheduleIDs {
			if _, ok := claimed[id]; !ok {
				ids = append(ids, id)
			}
		}
		if err := s.engine.Stop(ctx, ids); err != nil {
			return err
		}
		res.Stopped += len(ids)
		log.Infow("Remote payload removed, stopped source schedules", logger.FieldCount, len(ids))
		return s.store.Delete(ctx, pl.source)
	}

	var upsert []schedule.Schedule
	for i := range pl.payload.Schedules {
		sc := pl.payload.Schedules[i]
		ok, err := s.eligible(&sc)
		if err != nil {
			log.Errorw("Skipping schedule with invalid min_sdk_version",
				logger.FieldScheduleID, sc.ID,
				logger.FieldError, err)
			res.Gated++
			continue
		}
		if !ok {
			log.Debugw("Schedule requires a newer SDK",
				logger.FieldScheduleID, sc.ID,
				"min_sdk_version", sc.MinSDKVersion,
				"sdk_version", s.sdk.String())
			res.Gated++
			continue
		}
		if existing, found := s.engine.Get(sc.ID); found && schedule.SameDefinition(&existing.Schedule, &sc) {
			continue
		}
		upsert = append(upsert, sc)
	}
	if len(upsert) > 0 {
		if err := s.engine.Upsert(ctx, upsert); err != nil {
			return err
		}
		res.Upserted += len(upsert)
	}

	var stale []string
	if pl.prev != nil {
		for _, id := range pl.prev.ScheduleIDs {
			if _, ok := claimed[id]; !ok {
				stale = append(stale, id)
			}
		}
	}
	if len(stale) > 0 {
		if err := s.engine.Stop(ctx, stale); err != nil {
			return err
		}
		res.Stopped += len(stale)
	}

	return s.store.Put(ctx, State{
		Source:        pl.source,
		LastTimestamp: pl.payload.Timestamp,
		Attribution:   pl.payload.Attribution,
		SDKVersion:    s.sdk.String(),
		ScheduleIDs:   pl.payload.scheduleIDs(),
	})
}

// eligible checks a schedule's min_sdk_version. A bare version means ">= version";
// anything else is read as a semver constraint expression.
func (s *Subscriber) eligible(sc *schedule.Schedule) (bool, error) {
	if sc.MinSDKVersion == "" {
		return true, nil
	}
	expr := sc.MinSDKVersion
	if _, err := semver.NewVersion(expr); err == nil {
		expr = ">= " + expr
	}
	constraint, err := semver.NewConstraint(expr)
	if err != nil {
		return false, err
	}
	return constraint.Check(s.sdk), nil
}

// mergeConstraints combines the constraints of every present payload in source order
func mergeConstraints(bySource map[Source]*Payload) []frequency.Constraint {
	index := make(map[string]int)
	var out []frequency.Constraint
	for _, src := range Sources {
		p := bySource[src]
		if p == nil {
			continue
		}
		for _, c := range p.Constraints {
			if i, ok := index[c.ID]; ok {
				out[i] = c.frequency()
				continue
			}
			index[c.ID] = len(out)
			out = append(out, c.frequency())
		}
	}
	return out
}

func knownSource(src Source) bool {
	for _, s := range Sources {
		if s == src {
			return true
		}
	}
	return false
}

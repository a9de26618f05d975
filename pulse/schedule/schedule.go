// Package schedule defines automation schedules, their triggers and execution state,
// and the store that persists them.
package schedule

import (
	"encoding/json"
	"time"

	"github.com/teranos/automaton/errors"
)

// ErrInvalid marks a schedule whose definition cannot be evaluated.
// Invalid schedules are stored as finished and never retried.
var ErrInvalid = errors.New("invalid schedule")

// DataType tags the payload union
type DataType string

const (
	DataMessage  DataType = "in_app_message"
	DataActions  DataType = "actions"
	DataDeferred DataType = "deferred"
)

// Message is an in-app message payload. Media holds the remote asset URLs to cache.
type Message struct {
	Name        string          `json:"name,omitempty"`
	DisplayType string          `json:"display_type"`
	Content     json.RawMessage `json:"content,omitempty"`
	Media       []string        `json:"media,omitempty"`
	Actions     json.RawMessage `json:"actions,omitempty"`
}

// Deferred is a payload resolved remotely at preparation time
type Deferred struct {
	URL            string `json:"url"`
	RetryOnTimeout bool   `json:"retry_on_timeout,omitempty"`
}

// Data is the schedule payload: exactly one member matching Type is set.
type Data struct {
	Type     DataType        `json:"type"`
	Message  *Message        `json:"message,omitempty"`
	Actions  json.RawMessage `json:"actions,omitempty"`
	Deferred *Deferred       `json:"deferred,omitempty"`
}

// MediaURLs returns the remote assets referenced by the payload
func (d Data) MediaURLs() []string {
	if d.Type == DataMessage && d.Message != nil {
		return d.Message.Media
	}
	return nil
}

// AppState is the application state a delay may require
type AppState string

const (
	AppStateAny        AppState = "any"
	AppStateForeground AppState = "foreground"
	AppStateBackground AppState = "background"
)

// Delay postpones execution after a schedule triggers.
type Delay struct {
	Seconds              float64   `json:"seconds,omitempty"`
	AppState             AppState  `json:"app_state,omitempty"`
	Screens              []string  `json:"screens,omitempty"`
	RegionID             string    `json:"region_id,omitempty"`
	CancellationTriggers []Trigger `json:"cancellation_triggers,omitempty"`
}

// Duration returns the fixed part of the delay
func (d *Delay) Duration() time.Duration {
	if d == nil {
		return 0
	}
	return time.Duration(d.Seconds * float64(time.Second))
}

// Schedule is one automation unit.
type Schedule struct {
	ID                     string          `json:"id"`
	Group                  string          `json:"group,omitempty"`
	Priority               int             `json:"priority,omitempty"`
	Triggers               []Trigger       `json:"triggers"`
	Delay                  *Delay          `json:"delay,omitempty"`
	Start                  *time.Time      `json:"start,omitempty"`
	End                    *time.Time      `json:"end,omitempty"`
	Limit                  int             `json:"limit,omitempty"` // 0 = unlimited
	Interval               time.Duration   `json:"-"`               // encoded as "interval" seconds
	FrequencyConstraintIDs []string        `json:"frequency_constraint_ids,omitempty"`
	BypassHoldout          bool            `json:"bypass_holdout,omitempty"`
	Data                   Data            `json:"data"`
	Metadata               json.RawMessage `json:"metadata,omitempty"`
	ProductID              string          `json:"product_id,omitempty"`
	Campaigns              json.RawMessage `json:"campaigns,omitempty"`
	ReportingContext       json.RawMessage `json:"reporting_context,omitempty"`
	Created                time.Time       `json:"created"`
	MinSDKVersion          string          `json:"min_sdk_version,omitempty"`
}

type scheduleAlias Schedule

type scheduleJSON struct {
	scheduleAlias
	Interval float64 `json:"interval,omitempty"`
}

// MarshalJSON encodes Interval as seconds
func (s Schedule) MarshalJSON() ([]byte, error) {
	return json.Marshal(scheduleJSON{scheduleAlias: scheduleAlias(s), Interval: s.Interval.Seconds()})
}

// UnmarshalJSON decodes Interval from seconds
func (s *Schedule) UnmarshalJSON(data []byte) error {
	var v scheduleJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = Schedule(v.scheduleAlias)
	s.Interval = time.Duration(v.Interval * float64(time.Second))
	return nil
}

// Expired reports whether the end of the validity window has passed
func (s *Schedule) Expired(now time.Time) bool {
	return s.End != nil && now.After(*s.End)
}

// Started reports whether the validity window has opened
func (s *Schedule) Started(now time.Time) bool {
	return s.Start == nil || !now.Before(*s.Start)
}

// LimitReached reports whether count executions exhaust the schedule
func (s *Schedule) LimitReached(count int) bool {
	return s.Limit > 0 && count >= s.Limit
}

// Validate checks that the schedule can be evaluated. Failures are marked ErrInvalid.
func (s *Schedule) Validate() error {
	if s.ID == "" {
		return errors.Mark(errors.New("schedule id is required"), ErrInvalid)
	}
	if len(s.Triggers) == 0 {
		return invalidf(s.ID, "schedule has no triggers")
	}
	if s.Limit < 0 {
		return invalidf(s.ID, "limit must be >= 0, got %d", s.Limit)
	}
	if s.Interval < 0 {
		return invalidf(s.ID, "interval must be >= 0, got %s", s.Interval)
	}

	for _, t := range s.Triggers {
		if err := t.Validate(); err != nil {
			return withSchedule(s.ID, err)
		}
		if t.ExecutionType == ExecutionDelayCancellation {
			return invalidf(s.ID, "trigger %s: delay cancellation triggers belong to the delay", t.Type)
		}
	}

	if s.Delay != nil {
		if s.Delay.Seconds < 0 {
			return invalidf(s.ID, "delay seconds must be >= 0")
		}
		switch s.Delay.AppState {
		case "", AppStateAny, AppStateForeground, AppStateBackground:
		default:
			return invalidf(s.ID, "unknown delay app state %q", s.Delay.AppState)
		}
		for _, t := range s.Delay.CancellationTriggers {
			if err := t.Validate(); err != nil {
				return withSchedule(s.ID, err)
			}
		}
	}

	switch s.Data.Type {
	case DataMessage:
		if s.Data.Message == nil {
			return invalidf(s.ID, "message payload is missing")
		}
	case DataActions:
		if len(s.Data.Actions) == 0 {
			return invalidf(s.ID, "actions payload is missing")
		}
	case DataDeferred:
		if s.Data.Deferred == nil || s.Data.Deferred.URL == "" {
			return invalidf(s.ID, "deferred payload requires a url")
		}
	default:
		return invalidf(s.ID, "unknown payload type %q", s.Data.Type)
	}

	return nil
}

// CancellationTriggers returns the delay cancellation triggers with their execution type set
func (s *Schedule) CancellationTriggers() []Trigger {
	if s.Delay == nil {
		return nil
	}
	out := make([]Trigger, len(s.Delay.CancellationTriggers))
	for i, t := range s.Delay.CancellationTriggers {
		t.ExecutionType = ExecutionDelayCancellation
		out[i] = t
	}
	return out
}

// SameDefinition reports whether two schedules encode identically
func SameDefinition(a, b *Schedule) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

func invalidf(id, format string, args ...interface{}) error {
	return withSchedule(id, errors.Mark(errors.Newf(format, args...), ErrInvalid))
}

func withSchedule(id string, err error) error {
	return errors.WithDetail(err, "Schedule ID: "+id)
}

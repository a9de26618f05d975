// Package remotedata reconciles remotely pushed schedule sets with the local engine.
//
// Each source (app, contact) pushes a versioned payload. The subscriber applies a
// payload only when its timestamp is newer, its attribution changed, or the running
// SDK version changed since the last apply, so replays cause no writes.
package remotedata

import (
	"encoding/json"
	"time"

	"github.com/teranos/automaton/pulse/frequency"
	"github.com/teranos/automaton/pulse/schedule"
)

// Source names an independent remote payload stream
type Source string

const (
	SourceApp     Source = "app"
	SourceContact Source = "contact"
)

// Sources is the order payloads are reconciled in. Later sources win constraint id conflicts.
var Sources = []Source{SourceApp, SourceContact}

// Constraint is the wire form of a frequency constraint: range is in seconds.
type Constraint struct {
	ID    string  `json:"id"`
	Range float64 `json:"range"`
	Count uint    `json:"count"`
}

func (c Constraint) frequency() frequency.Constraint {
	return frequency.Constraint{
		ID:    c.ID,
		Range: time.Duration(c.Range * float64(time.Second)),
		Count: c.Count,
	}
}

// Payload is one source's full remote schedule set.
type Payload struct {
	Source      Source              `json:"-"`
	Timestamp   time.Time           `json:"timestamp"`
	Attribution string              `json:"attribution,omitempty"` // remote URL or identity the payload came from
	Schedules   []schedule.Schedule `json:"schedules"`
	Constraints []Constraint        `json:"constraints,omitempty"`
}

// DecodePayload parses a JSON payload for source
func DecodePayload(source Source, data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	p.Source = source
	return &p, nil
}

// scheduleIDs returns the ids in the payload, in payload order
func (p *Payload) scheduleIDs() []string {
	ids := make([]string, 0, len(p.Schedules))
	for i := range p.Schedules {
		ids = append(ids, p.Schedules[i].ID)
	}
	return ids
}

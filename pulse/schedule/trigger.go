package schedule

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/automaton/errors"
)

// TriggerType identifies what a trigger counts
type TriggerType string

const (
	TriggerAppInit          TriggerType = "app_init"
	TriggerForeground       TriggerType = "foreground"
	TriggerBackground       TriggerType = "background"
	TriggerScreen           TriggerType = "screen"
	TriggerRegionEnter      TriggerType = "region_enter"
	TriggerRegionExit       TriggerType = "region_exit"
	TriggerCustomEventCount TriggerType = "custom_event_count"
	TriggerCustomEventValue TriggerType = "custom_event_value"
	TriggerActiveSession    TriggerType = "active_session"
	TriggerVersion          TriggerType = "version"
	TriggerAnd              TriggerType = "and"
	TriggerOr               TriggerType = "or"
)

// ExecutionType separates triggers that start a schedule from those that cancel its delay
type ExecutionType string

const (
	ExecutionNormal            ExecutionType = "execution"
	ExecutionDelayCancellation ExecutionType = "delay_cancellation"
)

// EventType identifies an incoming event
type EventType string

const (
	EventAppInit       EventType = "app_init"
	EventForeground    EventType = "foreground"
	EventBackground    EventType = "background"
	EventScreen        EventType = "screen"
	EventRegionEnter   EventType = "region_enter"
	EventRegionExit    EventType = "region_exit"
	EventCustom        EventType = "custom_event"
	EventActiveSession EventType = "active_session"
	EventVersion       EventType = "version"
)

var triggerEvents = map[TriggerType]EventType{
	TriggerAppInit:          EventAppInit,
	TriggerForeground:       EventForeground,
	TriggerBackground:       EventBackground,
	TriggerScreen:           EventScreen,
	TriggerRegionEnter:      EventRegionEnter,
	TriggerRegionExit:       EventRegionExit,
	TriggerCustomEventCount: EventCustom,
	TriggerCustomEventValue: EventCustom,
	TriggerActiveSession:    EventActiveSession,
	TriggerVersion:          EventVersion,
}

// Event is an input fed to trigger evaluation.
type Event struct {
	Type       EventType              `json:"type"`
	Name       string                 `json:"name,omitempty"` // screen, event name, region id or version
	Value      float64                `json:"value,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Time       time.Time              `json:"time"`
}

// Trigger is a condition/goal pair. And/Or triggers combine Children.
type Trigger struct {
	Type          TriggerType     `json:"type"`
	Goal          float64         `json:"goal"`
	Predicate     json.RawMessage `json:"predicate,omitempty"`
	ExecutionType ExecutionType   `json:"execution_type,omitempty"`
	Children      []Trigger       `json:"children,omitempty"`
}

func (t *Trigger) compound() bool {
	return t.Type == TriggerAnd || t.Type == TriggerOr
}

func (t *Trigger) executionType() ExecutionType {
	if t.ExecutionType == "" {
		return ExecutionNormal
	}
	return t.ExecutionType
}

// ID is a stable hash of type, goal, predicate and execution type (plus children for compound triggers)
func (t *Trigger) ID() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%g|%s|%s", t.Type, t.Goal, canonicalJSON(t.Predicate), t.executionType())
	for i := range t.Children {
		fmt.Fprintf(h, "|%s", t.Children[i].ID())
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-encodes raw so key order and whitespace do not affect hashing
func canonicalJSON(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// Validate checks type, goal, predicate and children. Failures are marked ErrInvalid.
func (t *Trigger) Validate() error {
	if t.Goal <= 0 {
		return invalidTrigger(t, "goal must be > 0, got %g", t.Goal)
	}
	switch t.ExecutionType {
	case "", ExecutionNormal, ExecutionDelayCancellation:
	default:
		return invalidTrigger(t, "unknown execution type %q", t.ExecutionType)
	}

	if t.compound() {
		if len(t.Children) == 0 {
			return invalidTrigger(t, "compound trigger has no children")
		}
		for i := range t.Children {
			if err := t.Children[i].Validate(); err != nil {
				return err
			}
		}
		return nil
	}

	if _, ok := triggerEvents[t.Type]; !ok {
		return invalidTrigger(t, "unknown trigger type")
	}
	if len(t.Children) > 0 {
		return invalidTrigger(t, "only and/or triggers may have children")
	}
	if _, err := parsePredicate(t.Predicate); err != nil {
		return errors.Mark(errors.Wrapf(err, "trigger %s", t.Type), ErrInvalid)
	}
	return nil
}

func invalidTrigger(t *Trigger, format string, args ...interface{}) error {
	err := errors.Newf("trigger %s: "+format, append([]interface{}{t.Type}, args...)...)
	return errors.Mark(err, ErrInvalid)
}

// matches reports whether e counts toward leaf trigger t and by how much
func (t *Trigger) matches(e Event) (float64, bool, error) {
	if triggerEvents[t.Type] != e.Type {
		return 0, false, nil
	}

	p, err := parsePredicate(t.Predicate)
	if err != nil {
		return 0, false, errors.Mark(err, ErrInvalid)
	}
	ok, err := p.eval(e)
	if err != nil || !ok {
		return 0, false, err
	}

	if t.Type == TriggerCustomEventValue {
		return e.Value, true, nil
	}
	return 1, true, nil
}

// Apply feeds e into p and reports whether t reached its goal.
// A fired trigger's progress, children included, is reset.
func (t *Trigger) Apply(p *TriggerProgress, e Event) (bool, error) {
	if p.Children == nil {
		p.Children = make(map[string]float64)
	}

	matched, err := t.step(&p.Count, p.Children, "", e)
	if err != nil {
		return false, err
	}
	if matched {
		if data, err := json.Marshal(e); err == nil {
			p.Context = data
		}
	}

	if p.Count >= t.Goal {
		p.Count = 0
		p.Children = make(map[string]float64)
		return true, nil
	}
	return false, nil
}

// step advances count (and child counters under prefix) and reports whether e matched anything.
func (t *Trigger) step(count *float64, children map[string]float64, prefix string, e Event) (bool, error) {
	if !t.compound() {
		inc, ok, err := t.matches(e)
		if err != nil || !ok {
			return false, err
		}
		*count += inc
		return true, nil
	}

	matchedAny := false
	satisfied := 0
	for i := range t.Children {
		c := &t.Children[i]
		key := prefix + c.ID()

		v := children[key]
		matched, err := c.step(&v, children, key+"/", e)
		if err != nil {
			return false, err
		}
		children[key] = v
		matchedAny = matchedAny || matched

		if v >= c.Goal {
			satisfied++
		}
	}

	if (t.Type == TriggerAnd && satisfied == len(t.Children)) || (t.Type == TriggerOr && satisfied > 0) {
		*count++
		for key := range children {
			if strings.HasPrefix(key, prefix) {
				delete(children, key)
			}
		}
	}
	return matchedAny, nil
}

// predicate maps event fields to matchers. "name" addresses Event.Name, every other key a property.
type predicate map[string]matcher

type matcher struct {
	equals    interface{}
	atLeast   *float64
	atMost    *float64
	oneOf     []interface{}
	isPresent *bool
	hasEquals bool
}

func parsePredicate(raw json.RawMessage) (predicate, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, errors.Wrap(err, "predicate must be a JSON object")
	}

	p := make(predicate, len(fields))
	for key, value := range fields {
		m, err := parseMatcher(value)
		if err != nil {
			return nil, errors.Wrapf(err, "predicate field %q", key)
		}
		p[key] = m
	}
	return p, nil
}

func parseMatcher(raw json.RawMessage) (matcher, error) {
	var ops map[string]json.RawMessage
	if json.Unmarshal(raw, &ops) != nil {
		// Scalar or array: plain equality
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return matcher{}, err
		}
		return matcher{equals: v, hasEquals: true}, nil
	}

	var m matcher
	for op, value := range ops {
		var err error
		switch op {
		case "equals":
			m.hasEquals = true
			err = json.Unmarshal(value, &m.equals)
		case "at_least":
			m.atLeast = new(float64)
			err = json.Unmarshal(value, m.atLeast)
		case "at_most":
			m.atMost = new(float64)
			err = json.Unmarshal(value, m.atMost)
		case "one_of":
			err = json.Unmarshal(value, &m.oneOf)
		case "is_present":
			m.isPresent = new(bool)
			err = json.Unmarshal(value, m.isPresent)
		default:
			return matcher{}, errors.Newf("unknown operator %q", op)
		}
		if err != nil {
			return matcher{}, errors.Wrapf(err, "operator %q", op)
		}
	}
	if len(ops) == 0 {
		return matcher{}, errors.New("empty matcher")
	}
	return m, nil
}

func (p predicate) eval(e Event) (bool, error) {
	for key, m := range p {
		var actual interface{}
		present := false
		if key == "name" {
			actual, present = e.Name, e.Name != ""
		} else if e.Properties != nil {
			actual, present = e.Properties[key]
		}
		if !m.eval(actual, present) {
			return false, nil
		}
	}
	return true, nil
}

func (m matcher) eval(actual interface{}, present bool) bool {
	if m.isPresent != nil && *m.isPresent != present {
		return false
	}
	if m.hasEquals && !jsonEqual(m.equals, actual) {
		return false
	}
	if m.atLeast != nil || m.atMost != nil {
		n, ok := toFloat(actual)
		if !ok {
			return false
		}
		if m.atLeast != nil && n < *m.atLeast {
			return false
		}
		if m.atMost != nil && n > *m.atMost {
			return false
		}
	}
	if m.oneOf != nil {
		found := false
		for _, candidate := range m.oneOf {
			if jsonEqual(candidate, actual) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func jsonEqual(a, b interface{}) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

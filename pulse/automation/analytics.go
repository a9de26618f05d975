package automation

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/automaton/logger"
	"github.com/teranos/automaton/pulse/schedule"
)

// EventKind names an analytics event emitted by the engine
type EventKind string

const (
	EventDisplayed   EventKind = "displayed"
	EventFinished    EventKind = "resolution_finished"
	EventCancelled   EventKind = "resolution_cancel"
	EventControl     EventKind = "resolution_control"
	EventInterrupted EventKind = "resolution_interrupted"
)

// AnalyticsEvent describes one execution milestone.
type AnalyticsEvent struct {
	Kind             EventKind
	ScheduleID       string
	ProductID        string
	TriggerSessionID string
	ReportingContext json.RawMessage
	Experiment       *schedule.ExperimentResult
	Time             time.Time
}

// Analytics receives engine events. Formatting and delivery belong to the implementation.
type Analytics interface {
	Record(ev AnalyticsEvent)
}

func newAnalyticsEvent(kind EventKind, id string, info *schedule.PreparedInfo, now time.Time) AnalyticsEvent {
	ev := AnalyticsEvent{Kind: kind, ScheduleID: id, Time: now}
	if info != nil {
		ev.ProductID = info.ProductID
		ev.TriggerSessionID = info.TriggerSessionID
		ev.ReportingContext = info.ReportingContext
		ev.Experiment = info.Experiment
	}
	return ev
}

// LogAnalytics writes analytics events to a zap logger
type LogAnalytics struct {
	log *zap.SugaredLogger
}

// NewLogAnalytics creates an Analytics that logs every event at info level
func NewLogAnalytics(log *zap.SugaredLogger) *LogAnalytics {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LogAnalytics{log: log.Named("analytics")}
}

func (a *LogAnalytics) Record(ev AnalyticsEvent) {
	a.log.Infow("Automation event",
		"event", ev.Kind,
		logger.FieldScheduleID, ev.ScheduleID,
		"trigger_session_id", ev.TriggerSessionID,
		"product_id", ev.ProductID)
}

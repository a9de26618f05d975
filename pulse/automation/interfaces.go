package automation

import (
	"context"

	"github.com/teranos/automaton/pulse/assets"
	"github.com/teranos/automaton/pulse/display"
	"github.com/teranos/automaton/pulse/schedule"
	"github.com/teranos/automaton/pulse/signal"
)

// DisplayAdapter hands prepared content to a display surface.
// Display may fail transiently; returning ErrReprepare sends the schedule back through preparation.
type DisplayAdapter interface {
	Ready() signal.Source
	Display(ctx context.Context, h *display.Handle, analytics Analytics) (display.Result, error)
}

// DisplayCoordinator enforces display concurrency policy
type DisplayCoordinator interface {
	Ready() signal.Source
	WillDisplay(p *Prepared)
	FinishedDisplaying(p *Prepared)
}

// Prepared is content resolved and ready to show.
type Prepared struct {
	Schedule    *schedule.Schedule
	Info        schedule.PreparedInfo
	Assets      *assets.Assets     // nil when the payload references no media
	Adapter     DisplayAdapter
	Coordinator DisplayCoordinator // nil uses the engine coordinator
}

// ContentPreparer resolves a schedule payload into displayable content.
// Errors marked ErrInvalid or assets.ErrPermanent discard the schedule; anything else is retried.
type ContentPreparer interface {
	Prepare(ctx context.Context, s *schedule.Schedule, info schedule.PreparedInfo) (*Prepared, error)
}

// ExperimentEvaluator decides holdout membership for an execution
type ExperimentEvaluator interface {
	Evaluate(ctx context.Context, s *schedule.Schedule, info schedule.PreparedInfo) (*schedule.ExperimentResult, error)
}

// AssetCache is the part of the asset cache manager the engine needs
type AssetCache interface {
	CacheAsset(ctx context.Context, id string, urls []string) (*assets.Assets, error)
	ClearCache(id string) error
}

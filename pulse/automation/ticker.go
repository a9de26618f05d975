package automation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/automaton/db"
	"github.com/teranos/automaton/logger"
)

// Ticker runs engine housekeeping: it flushes pending frequency occurrences,
// finishes expired schedules and resumes paused schedules whose timers were missed.
type Ticker struct {
	engine          *Engine
	interval        time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	pulseLog        *zap.SugaredLogger
	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
}

// NewTicker creates a housekeeping ticker. An interval <= 0 disables it.
func NewTicker(ctx context.Context, engine *Engine, interval time.Duration, log *zap.SugaredLogger) *Ticker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	tickerCtx, cancel := context.WithCancel(ctx)

	return &Ticker{
		engine:   engine,
		interval: interval,
		ctx:      tickerCtx,
		cancel:   cancel,
		pulseLog: logger.AddPulseSymbol(log.Named("housekeeping")),
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	if t.interval <= 0 {
		return
	}
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Housekeeping ticker started", "interval", t.interval)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
}

// Ticks returns the number of completed ticks and the time of the last one
func (t *Ticker) Ticks() (int64, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticksSinceStart, t.lastTickAt
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}

// Tick performs one housekeeping pass using the engine clock
func (t *Ticker) Tick() {
	now := t.engine.timeNow()

	t.mu.Lock()
	t.lastTickAt = now
	t.ticksSinceStart++
	ticks := t.ticksSinceStart
	t.mu.Unlock()

	if err := t.engine.limits.SavePendingOccurrences(t.ctx); err != nil {
		if db.IsDatabaseClosed(err) {
			t.pulseLog.Debugw("Database closed, skipping occurrence flush", "tick", ticks)
			return
		}
		t.pulseLog.Warnw("Failed to flush frequency occurrences", logger.FieldError, err, "tick", ticks)
	}
	t.engine.sweep(now)
}

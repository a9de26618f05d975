package assets

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/logger"
)

// ErrPermanent marks download failures that will not succeed on retry
var ErrPermanent = errors.New("permanent asset failure")

// task is one in-flight caching run for an identifier.
type task struct {
	done      chan struct{}
	cancelled atomic.Bool
	cancel    context.CancelFunc

	result *Assets
	err    error
}

// Manager downloads and caches assets per identifier with join semantics.
type Manager struct {
	files      FileManager
	downloader Downloader
	limiter    *rate.Limiter
	log        *zap.SugaredLogger

	mu    sync.Mutex // guards tasks only, never held across a download
	tasks map[string]*task
}

// Option configures a Manager
type Option func(*Manager)

// WithRateLimit throttles downloads to perSecond with the given burst. perSecond <= 0 disables throttling.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(m *Manager) {
		if perSecond <= 0 {
			m.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewManager creates an asset cache manager
func NewManager(files FileManager, downloader Downloader, log *zap.SugaredLogger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := &Manager{
		files:      files,
		downloader: downloader,
		log:        logger.AddAssetSymbol(log.Named("assets")),
		tasks:      make(map[string]*task),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CacheAsset ensures every URL is cached for id and returns the cache handle.
// If a task for id is already running the caller waits for it and gets its result.
// A task cancelled by ClearCache returns the partially populated handle without error.
// ctx bounds only this caller's wait; the task itself keeps running for other callers.
func (m *Manager) CacheAsset(ctx context.Context, id string, urls []string) (*Assets, error) {
	m.mu.Lock()
	t, running := m.tasks[id]
	if !running {
		taskCtx, cancel := context.WithCancel(context.Background())
		t = &task{done: make(chan struct{}), cancel: cancel}
		m.tasks[id] = t
		go m.run(taskCtx, t, id, urls)
	}
	m.mu.Unlock()

	if running {
		m.log.Debugw("Joining in-flight asset task", logger.FieldCacheID, id)
	}

	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) run(ctx context.Context, t *task, id string, urls []string) {
	defer func() {
		t.cancel()
		m.mu.Lock()
		if m.tasks[id] == t {
			delete(m.tasks, id)
		}
		m.mu.Unlock()
		close(t.done)
	}()

	start := time.Now()
	t.result, t.err = m.cache(ctx, t, id, urls)

	if t.err != nil {
		m.log.Warnw("Asset caching failed",
			logger.FieldCacheID, id,
			logger.FieldError, t.err.Error())
		return
	}
	m.log.Debugw("Asset caching finished",
		logger.FieldCacheID, id,
		logger.FieldCount, len(urls),
		"cancelled", t.cancelled.Load(),
		logger.FieldDurationMS, time.Since(start).Milliseconds())
}

func (m *Manager) cache(ctx context.Context, t *task, id string, urls []string) (*Assets, error) {
	dir, err := m.files.EnsureDirectory(id)
	if err != nil {
		return nil, err
	}
	handle := newAssets(id, dir, m.files)

	for _, u := range urls {
		if t.cancelled.Load() {
			return handle, nil
		}

		dest := filepath.Join(dir, FileName(u))
		if m.files.Exists(dest) {
			continue
		}

		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				if t.cancelled.Load() {
					return handle, nil
				}
				return nil, errors.Wrap(err, "download throttle")
			}
		}

		tmp, err := m.downloader.Download(ctx, u)
		if err != nil {
			if t.cancelled.Load() {
				return handle, nil
			}
			if ClassifyError(err) == ErrorClassPermanent {
				err = errors.Mark(err, ErrPermanent)
			}
			err = errors.Wrap(err, "failed to cache asset")
			err = errors.WithDetail(err, fmt.Sprintf("Cache ID: %s", id))
			return nil, errors.WithDetail(err, fmt.Sprintf("URL: %s", u))
		}

		if err := m.files.Move(tmp, dest); err != nil {
			return nil, errors.WithDetail(err, fmt.Sprintf("Cache ID: %s", id))
		}
	}

	return handle, nil
}

// ClearCache cancels any in-flight task for id, waits for it to stop and deletes the cache directory.
func (m *Manager) ClearCache(id string) error {
	m.mu.Lock()
	t := m.tasks[id]
	m.mu.Unlock()

	if t != nil {
		t.cancelled.Store(true)
		t.cancel()
		<-t.done
	}

	if err := m.files.DeleteRecursive(id); err != nil {
		return err
	}
	m.log.Debugw("Asset cache cleared", logger.FieldCacheID, id)
	return nil
}

package automation

import (
	"context"
	"fmt"

	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/pulse/assets"
	"github.com/teranos/automaton/pulse/schedule"
)

// AdapterFactory builds the display adapter for a schedule's content.
// assets is nil when the payload references no media.
type AdapterFactory interface {
	Adapter(s *schedule.Schedule, cached *assets.Assets) (DisplayAdapter, error)
}

// AdapterFactoryFunc adapts a function to AdapterFactory
type AdapterFactoryFunc func(s *schedule.Schedule, cached *assets.Assets) (DisplayAdapter, error)

func (f AdapterFactoryFunc) Adapter(s *schedule.Schedule, cached *assets.Assets) (DisplayAdapter, error) {
	return f(s, cached)
}

// MessagePreparer caches payload media under the schedule id and resolves a display adapter.
type MessagePreparer struct {
	cache     AssetCache
	factories map[schedule.DataType]AdapterFactory
}

// NewMessagePreparer creates a preparer with no adapter factories registered
func NewMessagePreparer(cache AssetCache) *MessagePreparer {
	return &MessagePreparer{
		cache:     cache,
		factories: make(map[schedule.DataType]AdapterFactory),
	}
}

// Register sets the factory used for payloads of type t
func (m *MessagePreparer) Register(t schedule.DataType, f AdapterFactory) {
	m.factories[t] = f
}

func (m *MessagePreparer) Prepare(ctx context.Context, s *schedule.Schedule, info schedule.PreparedInfo) (*Prepared, error) {
	factory, ok := m.factories[s.Data.Type]
	if !ok {
		err := errors.Newf("no display adapter registered for %s payloads", s.Data.Type)
		return nil, errors.Mark(err, ErrInvalid)
	}

	var cached *assets.Assets
	if urls := s.Data.MediaURLs(); len(urls) > 0 {
		a, err := m.cache.CacheAsset(ctx, s.ID, urls)
		if err != nil {
			return nil, errors.Wrap(err, "failed to cache assets")
		}
		// A cancelled caching task returns a partial handle
		for _, u := range urls {
			if !a.IsCached(u) {
				return nil, errors.WithDetail(errors.New("asset caching incomplete"), fmt.Sprintf("URL: %s", u))
			}
		}
		cached = a
	}

	adapter, err := factory.Adapter(s, cached)
	if err != nil {
		return nil, err
	}
	if adapter == nil {
		return nil, errors.Mark(errors.Newf("factory returned no adapter for %s", s.ID), ErrInvalid)
	}

	return &Prepared{
		Schedule: s,
		Info:     info,
		Assets:   cached,
		Adapter:  adapter,
	}, nil
}

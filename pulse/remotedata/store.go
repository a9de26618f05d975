package remotedata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teranos/automaton/errors"
)

// State is the last applied payload version for a source.
type State struct {
	Source        Source    `json:"source"`
	LastTimestamp time.Time `json:"last_timestamp"`
	Attribution   string    `json:"attribution,omitempty"`
	SDKVersion    string    `json:"sdk_version"`
	ScheduleIDs   []string  `json:"schedule_ids"` // schedules attributed to the source
	UpdatedAt     time.Time `json:"updated_at"`
}

// StateStore persists per-source payload state.
type StateStore interface {
	// Get returns the state for source or errors.ErrNotFound
	Get(ctx context.Context, source Source) (*State, error)
	Put(ctx context.Context, state State) error
	Delete(ctx context.Context, source Source) error
}

// SQLStore implements StateStore over the remote_data_state table.
type SQLStore struct {
	db      *sql.DB
	timeNow func() time.Time
}

// NewSQLStore creates a new remote data state store
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, timeNow: time.Now}
}

func (s *SQLStore) Get(ctx context.Context, source Source) (*State, error) {
	var (
		st                 State
		last, updated, ids string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT source, last_timestamp, attribution, sdk_version, schedule_ids, updated_at
		FROM remote_data_state WHERE source = ?
	`, string(source)).Scan(&st.Source, &last, &st.Attribution, &st.SDKVersion, &ids, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "remote data state %s", source)
		}
		return nil, errors.Wrapf(err, "failed to get remote data state %s", source)
	}

	if st.LastTimestamp, err = time.Parse(time.RFC3339Nano, last); err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "invalid last_timestamp"), fmt.Sprintf("Source: %s", source))
	}
	if st.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "invalid updated_at"), fmt.Sprintf("Source: %s", source))
	}
	if err := json.Unmarshal([]byte(ids), &st.ScheduleIDs); err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "invalid schedule_ids"), fmt.Sprintf("Source: %s", source))
	}
	return &st, nil
}

func (s *SQLStore) Put(ctx context.Context, st State) error {
	ids := st.ScheduleIDs
	if ids == nil {
		ids = []string{}
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return errors.Wrap(err, "failed to encode schedule ids")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO remote_data_state (source, last_timestamp, attribution, sdk_version, schedule_ids, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			last_timestamp = excluded.last_timestamp,
			attribution = excluded.attribution,
			sdk_version = excluded.sdk_version,
			schedule_ids = excluded.schedule_ids,
			updated_at = excluded.updated_at
	`, string(st.Source),
		st.LastTimestamp.UTC().Format(time.RFC3339Nano),
		st.Attribution,
		st.SDKVersion,
		string(encoded),
		s.timeNow().UTC().Format(time.RFC3339Nano))
	if err != nil {
		err = errors.Wrap(err, "failed to save remote data state")
		return errors.WithDetail(err, fmt.Sprintf("Source: %s", st.Source))
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, source Source) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM remote_data_state WHERE source = ?`, string(source)); err != nil {
		err = errors.Wrap(err, "failed to delete remote data state")
		return errors.WithDetail(err, fmt.Sprintf("Source: %s", source))
	}
	return nil
}

package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/automaton/errors"
)

// Record is a stored schedule and its execution state
type Record struct {
	Schedule  Schedule
	State     ExecutionState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TriggerProgress is the persisted counter for one trigger of a schedule.
type TriggerProgress struct {
	ScheduleID string
	TriggerID  string
	Count      float64
	Context    json.RawMessage
	Children   map[string]float64
}

// Store persists schedules, execution state and trigger progress.
// Each call is transactional; state and progress are updated by key without rewriting definitions.
type Store interface {
	// Upsert inserts new schedules in the idle state and replaces the definition of existing
	// ones, leaving their execution state untouched.
	Upsert(ctx context.Context, schedules []Schedule) error
	GetSchedules(ctx context.Context) ([]Record, error)
	// GetSchedule returns errors.ErrNotFound for unknown ids
	GetSchedule(ctx context.Context, id string) (*Record, error)
	UpdateState(ctx context.Context, id string, state ExecutionState) error
	// Stop deletes schedules and their trigger progress
	Stop(ctx context.Context, ids []string) error

	GetTriggerProgress(ctx context.Context, scheduleID string) ([]TriggerProgress, error)
	SaveTriggerProgress(ctx context.Context, progress TriggerProgress) error
	// ResetTriggerProgress deletes progress for scheduleID except the triggers in keep
	ResetTriggerProgress(ctx context.Context, scheduleID string, keep []string) error
}

// SQLStore implements Store over the schedules and trigger_progress tables.
type SQLStore struct {
	db      *sql.DB
	timeNow func() time.Time
}

// NewSQLStore creates a new schedule store
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, timeNow: time.Now}
}

// Upsert writes schedule definitions in one transaction
func (s *SQLStore) Upsert(ctx context.Context, schedules []Schedule) error {
	if len(schedules) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := s.timeNow().UTC().Format(time.RFC3339Nano)
	for i := range schedules {
		sc := &schedules[i]
		definition, err := json.Marshal(sc)
		if err != nil {
			err = errors.Wrap(err, "failed to encode schedule")
			return errors.WithDetail(err, fmt.Sprintf("Schedule ID: %s", sc.ID))
		}

		var group interface{}
		if sc.Group != "" {
			group = sc.Group
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO schedules (
				id, group_name, priority, definition, state, state_changed_at,
				execution_count, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				group_name = excluded.group_name,
				priority = excluded.priority,
				definition = excluded.definition,
				updated_at = excluded.updated_at
		`, sc.ID, group, sc.Priority, string(definition), string(StateIdle), now, now, now)
		if err != nil {
			err = errors.Wrap(err, "failed to upsert schedule")
			return errors.WithDetail(err, fmt.Sprintf("Schedule ID: %s", sc.ID))
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit schedules")
	}
	return nil
}

const selectRecord = `
	SELECT id, definition, state, state_changed_at, execution_count,
	       triggering_info, prepared_info, created_at, updated_at
	FROM schedules
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	var id, definition, state, stateChanged, createdAt, updatedAt string
	var triggering, prepared sql.NullString

	if err := row.Scan(&id, &definition, &state, &stateChanged, &r.State.Count,
		&triggering, &prepared, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(definition), &r.Schedule); err != nil {
		return nil, errors.Wrapf(err, "failed to decode definition of schedule %s", id)
	}
	r.State.State = State(state)

	var err error
	if r.State.StateChanged, err = time.Parse(time.RFC3339Nano, stateChanged); err != nil {
		return nil, errors.Wrapf(err, "failed to parse state_changed_at for schedule %s", id)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for schedule %s", id)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for schedule %s", id)
	}

	if triggering.Valid {
		r.State.Triggering = new(TriggeringInfo)
		if err := json.Unmarshal([]byte(triggering.String), r.State.Triggering); err != nil {
			return nil, errors.Wrapf(err, "failed to decode triggering info for schedule %s", id)
		}
	}
	if prepared.Valid {
		r.State.Prepared = new(PreparedInfo)
		if err := json.Unmarshal([]byte(prepared.String), r.State.Prepared); err != nil {
			return nil, errors.Wrapf(err, "failed to decode prepared info for schedule %s", id)
		}
	}

	return &r, nil
}

// GetSchedules returns all schedules ordered by priority then id
func (s *SQLStore) GetSchedules(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord+` ORDER BY priority, id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedules")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// GetSchedule returns one schedule
func (s *SQLStore) GetSchedule(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "schedule %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get schedule %s", id)
	}
	return r, nil
}

func nullJSON(v interface{}, present bool) (interface{}, error) {
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// UpdateState writes execution state columns only
func (s *SQLStore) UpdateState(ctx context.Context, id string, state ExecutionState) error {
	triggering, err := nullJSON(state.Triggering, state.Triggering != nil)
	if err != nil {
		return errors.Wrapf(err, "failed to encode triggering info for %s", id)
	}
	prepared, err := nullJSON(state.Prepared, state.Prepared != nil)
	if err != nil {
		return errors.Wrapf(err, "failed to encode prepared info for %s", id)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET state = ?, state_changed_at = ?, execution_count = ?,
		    triggering_info = ?, prepared_info = ?, updated_at = ?
		WHERE id = ?
	`, string(state.State), state.StateChanged.UTC().Format(time.RFC3339Nano), state.Count,
		triggering, prepared, s.timeNow().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		err = errors.Wrap(err, "failed to update schedule state")
		err = errors.WithDetail(err, fmt.Sprintf("Schedule ID: %s", id))
		return errors.WithDetail(err, fmt.Sprintf("State: %s", state.State))
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "schedule %s", id)
	}
	return nil
}

// Stop deletes schedules by id
func (s *SQLStore) Stop(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM trigger_progress WHERE schedule_id IN (`+placeholders+`)`, args...); err != nil {
		return errors.Wrap(err, "failed to delete trigger progress")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE id IN (`+placeholders+`)`, args...); err != nil {
		err = errors.Wrap(err, "failed to stop schedules")
		return errors.WithDetail(err, fmt.Sprintf("Count: %d", len(ids)))
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit stop")
	}
	return nil
}

// GetTriggerProgress returns every trigger counter for a schedule
func (s *SQLStore) GetTriggerProgress(ctx context.Context, scheduleID string) ([]TriggerProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trigger_id, count, context, children
		FROM trigger_progress WHERE schedule_id = ? ORDER BY trigger_id
	`, scheduleID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get trigger progress for %s", scheduleID)
	}
	defer rows.Close()

	var progress []TriggerProgress
	for rows.Next() {
		p := TriggerProgress{ScheduleID: scheduleID}
		var triggerContext, children sql.NullString
		if err := rows.Scan(&p.TriggerID, &p.Count, &triggerContext, &children); err != nil {
			return nil, errors.Wrap(err, "failed to scan trigger progress")
		}
		if triggerContext.Valid {
			p.Context = json.RawMessage(triggerContext.String)
		}
		if children.Valid {
			if err := json.Unmarshal([]byte(children.String), &p.Children); err != nil {
				return nil, errors.Wrapf(err, "failed to decode child progress of trigger %s", p.TriggerID)
			}
		}
		progress = append(progress, p)
	}
	return progress, rows.Err()
}

// SaveTriggerProgress upserts one trigger counter
func (s *SQLStore) SaveTriggerProgress(ctx context.Context, p TriggerProgress) error {
	var triggerContext interface{}
	if len(p.Context) > 0 {
		triggerContext = string(p.Context)
	}
	children, err := nullJSON(p.Children, len(p.Children) > 0)
	if err != nil {
		return errors.Wrap(err, "failed to encode child progress")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trigger_progress (schedule_id, trigger_id, count, context, children, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(schedule_id, trigger_id) DO UPDATE SET
			count = excluded.count,
			context = excluded.context,
			children = excluded.children,
			updated_at = excluded.updated_at
	`, p.ScheduleID, p.TriggerID, p.Count, triggerContext, children, s.timeNow().UTC().Format(time.RFC3339Nano))
	if err != nil {
		err = errors.Wrap(err, "failed to save trigger progress")
		err = errors.WithDetail(err, fmt.Sprintf("Schedule ID: %s", p.ScheduleID))
		return errors.WithDetail(err, fmt.Sprintf("Trigger ID: %s", p.TriggerID))
	}
	return nil
}

// ResetTriggerProgress deletes counters for scheduleID not listed in keep
func (s *SQLStore) ResetTriggerProgress(ctx context.Context, scheduleID string, keep []string) error {
	query := `DELETE FROM trigger_progress WHERE schedule_id = ?`
	args := []interface{}{scheduleID}
	if len(keep) > 0 {
		query += ` AND trigger_id NOT IN (` + strings.TrimSuffix(strings.Repeat("?,", len(keep)), ",") + `)`
		for _, id := range keep {
			args = append(args, id)
		}
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "failed to reset trigger progress for %s", scheduleID)
	}
	return nil
}

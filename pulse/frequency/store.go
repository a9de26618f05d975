package frequency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/automaton/errors"
)

// Store persists constraints and their occurrences.
// Writes touching a single constraint are transactional.
type Store interface {
	GetConstraint(ctx context.Context, id string) (*Constraint, error)
	GetAllConstraints(ctx context.Context) ([]Constraint, error)
	// UpsertConstraint inserts or updates c; when clearOccurrences is set the
	// constraint's recorded occurrences are deleted in the same transaction.
	UpsertConstraint(ctx context.Context, c Constraint, clearOccurrences bool) error
	DeleteConstraint(ctx context.Context, id string) error
	GetOccurrences(ctx context.Context, id string) ([]time.Time, error)
	// InsertOccurrences stores occurrences in one batch. Occurrences whose
	// constraint no longer exists are skipped without error.
	InsertOccurrences(ctx context.Context, occurrences []Occurrence) error
	// DeleteOccurrencesBefore removes occurrences strictly older than cutoff.
	DeleteOccurrencesBefore(ctx context.Context, id string, cutoff time.Time) (int64, error)
}

// SQLStore implements Store over the frequency_constraints and frequency_occurrences tables.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new frequency store
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// GetConstraint returns the constraint or errors.ErrNotFound
func (s *SQLStore) GetConstraint(ctx context.Context, id string) (*Constraint, error) {
	var c Constraint
	var rangeMS int64
	var count int64

	err := s.db.QueryRowContext(ctx,
		`SELECT id, range_ms, count FROM frequency_constraints WHERE id = ?`, id,
	).Scan(&c.ID, &rangeMS, &count)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "frequency constraint %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get frequency constraint %s", id)
	}

	c.Range = time.Duration(rangeMS) * time.Millisecond
	c.Count = uint(count)
	return &c, nil
}

// GetAllConstraints returns every constraint ordered by id
func (s *SQLStore) GetAllConstraints(ctx context.Context) ([]Constraint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, range_ms, count FROM frequency_constraints ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list frequency constraints")
	}
	defer rows.Close()

	var constraints []Constraint
	for rows.Next() {
		var c Constraint
		var rangeMS, count int64
		if err := rows.Scan(&c.ID, &rangeMS, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan frequency constraint")
		}
		c.Range = time.Duration(rangeMS) * time.Millisecond
		c.Count = uint(count)
		constraints = append(constraints, c)
	}
	return constraints, rows.Err()
}

// UpsertConstraint inserts or updates a constraint
func (s *SQLStore) UpsertConstraint(ctx context.Context, c Constraint, clearOccurrences bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if clearOccurrences {
		if _, err := tx.ExecContext(ctx, `DELETE FROM frequency_occurrences WHERE constraint_id = ?`, c.ID); err != nil {
			err = errors.Wrap(err, "failed to clear occurrences")
			return errors.WithDetail(err, fmt.Sprintf("Constraint ID: %s", c.ID))
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO frequency_constraints (id, range_ms, count) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET range_ms = excluded.range_ms, count = excluded.count
	`, c.ID, c.Range.Milliseconds(), int64(c.Count))
	if err != nil {
		err = errors.Wrap(err, "failed to upsert frequency constraint")
		return errors.WithDetail(err, fmt.Sprintf("Constraint ID: %s", c.ID))
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit constraint %s", c.ID)
	}
	return nil
}

// DeleteConstraint removes a constraint; its occurrences cascade
func (s *SQLStore) DeleteConstraint(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	// Explicit delete keeps the store correct even without foreign_keys enabled
	if _, err := tx.ExecContext(ctx, `DELETE FROM frequency_occurrences WHERE constraint_id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to delete occurrences for %s", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM frequency_constraints WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to delete frequency constraint %s", id)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit delete of %s", id)
	}
	return nil
}

// GetOccurrences returns a constraint's occurrences in ascending order
func (s *SQLStore) GetOccurrences(ctx context.Context, id string) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp_ms FROM frequency_occurrences WHERE constraint_id = ? ORDER BY timestamp_ms, id`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get occurrences for %s", id)
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, errors.Wrap(err, "failed to scan occurrence")
		}
		times = append(times, time.UnixMilli(ms))
	}
	return times, rows.Err()
}

// InsertOccurrences writes occurrences in one transaction
func (s *SQLStore) InsertOccurrences(ctx context.Context, occurrences []Occurrence) error {
	if len(occurrences) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO frequency_occurrences (constraint_id, timestamp_ms)
		SELECT ?, ? WHERE EXISTS (SELECT 1 FROM frequency_constraints WHERE id = ?)
	`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare occurrence insert")
	}
	defer stmt.Close()

	for _, o := range occurrences {
		if _, err := stmt.ExecContext(ctx, o.ConstraintID, o.Timestamp.UnixMilli(), o.ConstraintID); err != nil {
			err = errors.Wrap(err, "failed to insert occurrence")
			err = errors.WithDetail(err, fmt.Sprintf("Constraint ID: %s", o.ConstraintID))
			return errors.WithDetail(err, fmt.Sprintf("Batch size: %d", len(occurrences)))
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit occurrences")
	}
	return nil
}

// DeleteOccurrencesBefore prunes occurrences older than cutoff
func (s *SQLStore) DeleteOccurrencesBefore(ctx context.Context, id string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM frequency_occurrences WHERE constraint_id = ? AND timestamp_ms < ?`, id, cutoff.UnixMilli())
	if err != nil {
		return 0, errors.Wrapf(err, "failed to prune occurrences for %s", id)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

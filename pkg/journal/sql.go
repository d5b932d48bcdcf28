package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/aeor/pkg/aeor"
)

// SQLJournal implements Journal using database/sql.
// It supports both Postgres and SQLite via standard drivers.
// Timestamps are stored as unix nanoseconds.
type SQLJournal struct {
	db    *sql.DB
	clock func() time.Time
}

var _ Journal = (*SQLJournal)(nil)

func NewSQLJournal(db *sql.DB) *SQLJournal {
	return &SQLJournal{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (j *SQLJournal) WithClock(clock func() time.Time) *SQLJournal {
	j.clock = clock
	return j
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS deployment_records (
	deployment_id TEXT PRIMARY KEY,
	pre_mutation_state_hash TEXT NOT NULL,
	state TEXT NOT NULL,
	status TEXT,
	reason TEXT,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	archived_at BIGINT
);
CREATE TABLE IF NOT EXISTS deployment_events (
	deployment_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	from_state TEXT,
	to_state TEXT NOT NULL,
	status TEXT,
	reason TEXT,
	at BIGINT NOT NULL,
	previous_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	PRIMARY KEY (deployment_id, sequence)
);
`

// Init creates the journal tables.
func (j *SQLJournal) Init(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, journalSchema)
	return err
}

const recordColumns = `deployment_id, pre_mutation_state_hash, state, status, reason, created_at, updated_at, archived_at`

func (j *SQLJournal) Begin(ctx context.Context, rec aeor.DeploymentRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = j.clock()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.CreatedAt

	ev, err := seal(Event{
		DeploymentID: rec.DeploymentID,
		Sequence:     1,
		To:           rec.State,
		Status:       rec.Status,
		At:           rec.CreatedAt,
	}, GenesisHash)
	if err != nil {
		return err
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO deployment_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)
		ON CONFLICT (deployment_id) DO NOTHING
	`, rec.DeploymentID, rec.PreMutationStateHash, string(rec.State), string(rec.Status), rec.Reason,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	} else if rows == 0 {
		return fmt.Errorf("%w: %s", ErrExists, rec.DeploymentID)
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (j *SQLJournal) Get(ctx context.Context, id string) (aeor.DeploymentRecord, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM deployment_records WHERE deployment_id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return aeor.DeploymentRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

func (j *SQLJournal) Transition(ctx context.Context, id string, from, to aeor.DeploymentState, status aeor.Status, reason string) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM deployment_records WHERE deployment_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if err := checkTransition(rec, from, to); err != nil {
		return err
	}

	var seq uint64
	var head string
	if err := tx.QueryRowContext(ctx,
		`SELECT sequence, hash FROM deployment_events WHERE deployment_id = $1 ORDER BY sequence DESC LIMIT 1`, id,
	).Scan(&seq, &head); err != nil {
		return fmt.Errorf("read chain head: %w", err)
	}

	now := j.clock().UTC()
	next := apply(rec, to, status, reason, now)
	var archived any
	if next.ArchivedAt != nil {
		archived = next.ArchivedAt.UnixNano()
	}

	// Compare-and-set on state.
	res, err := tx.ExecContext(ctx, `
		UPDATE deployment_records
		SET state = $1, status = $2, reason = $3, updated_at = $4, archived_at = $5
		WHERE deployment_id = $6 AND state = $7
	`, string(next.State), string(next.Status), next.Reason, now.UnixNano(), archived, id, string(from))
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	} else if rows == 0 {
		return fmt.Errorf("%w: %s changed concurrently", ErrConflict, id)
	}

	ev, err := seal(Event{
		DeploymentID: id,
		Sequence:     seq + 1,
		From:         from,
		To:           to,
		Status:       status,
		Reason:       reason,
		At:           now,
	}, head)
	if err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (j *SQLJournal) List(ctx context.Context, state aeor.DeploymentState) ([]aeor.DeploymentRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM deployment_records`
	var args []any
	if state != "" {
		query += ` WHERE state = $1`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at, deployment_id`

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]aeor.DeploymentRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (j *SQLJournal) Events(ctx context.Context, id string) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT deployment_id, sequence, from_state, to_state, status, reason, at, previous_hash, hash
		FROM deployment_events WHERE deployment_id = $1 ORDER BY sequence
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Event, 0)
	for rows.Next() {
		var e Event
		var from, status, reason sql.NullString
		var to string
		var at int64
		if err := rows.Scan(&e.DeploymentID, &e.Sequence, &from, &to, &status, &reason, &at, &e.PreviousHash, &e.Hash); err != nil {
			return nil, err
		}
		e.From = aeor.DeploymentState(from.String)
		e.To = aeor.DeploymentState(to)
		e.Status = aeor.Status(status.String)
		e.Reason = reason.String
		e.At = time.Unix(0, at).UTC()
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return result, nil
}

func (j *SQLJournal) Verify(ctx context.Context, id string) error {
	events, err := j.Events(ctx, id)
	if err != nil {
		return err
	}
	return verifyChain(events)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, e Event) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO deployment_events (deployment_id, sequence, from_state, to_state, status, reason, at, previous_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.DeploymentID, int64(e.Sequence), string(e.From), string(e.To), string(e.Status), e.Reason, e.At.UnixNano(), e.PreviousHash, e.Hash)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return fmt.Errorf("%w: event %d for %s already exists", ErrConflict, e.Sequence, e.DeploymentID)
	}
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (aeor.DeploymentRecord, error) {
	var rec aeor.DeploymentRecord
	var state string
	var status, reason sql.NullString
	var created, updated int64
	var archived sql.NullInt64
	if err := row.Scan(&rec.DeploymentID, &rec.PreMutationStateHash, &state, &status, &reason, &created, &updated, &archived); err != nil {
		return aeor.DeploymentRecord{}, err
	}
	rec.State = aeor.DeploymentState(state)
	rec.Status = aeor.Status(status.String)
	rec.Reason = reason.String
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	if archived.Valid {
		at := time.Unix(0, archived.Int64).UTC()
		rec.ArchivedAt = &at
	}
	return rec, nil
}

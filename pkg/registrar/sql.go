package registrar

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite via standard drivers.
// Timestamps are stored as unix nanoseconds so expiry comparisons are portable.
type SQLStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, clock: time.Now}
}

// WithClock overrides the clock used for expiry checks.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

const registrarSchema = `
CREATE TABLE IF NOT EXISTS commitment_locks (
	deployment_id TEXT PRIMARY KEY,
	state_hash TEXT NOT NULL,
	locked_at BIGINT NOT NULL,
	expires_at BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS commitment_history (
	id TEXT PRIMARY KEY,
	deployment_id TEXT NOT NULL,
	state_hash TEXT NOT NULL,
	outcome TEXT NOT NULL,
	reason TEXT,
	resolved_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commitment_history_deployment ON commitment_history (deployment_id, resolved_at);
`

// Init creates the registrar tables.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, registrarSchema)
	return err
}

func (s *SQLStore) Acquire(ctx context.Context, lock Lock) error {
	now := s.clock().UnixNano()

	// Reclaim an expired lock before inserting.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM commitment_locks WHERE deployment_id = $1 AND expires_at > 0 AND expires_at <= $2`,
		lock.DeploymentID, now,
	); err != nil {
		return fmt.Errorf("reclaim expired lock: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO commitment_locks (deployment_id, state_hash, locked_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (deployment_id) DO NOTHING
	`, lock.DeploymentID, lock.StateHash, lock.LockedAt.UnixNano(), unixNanoOrZero(lock.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert lock: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrLockHeld
	}
	return nil
}

func (s *SQLStore) Resolve(ctx context.Context, id string, outcome Outcome, reason string, at time.Time) (Resolution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Resolution{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var stateHash string
	var expiresAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT state_hash, expires_at FROM commitment_locks WHERE deployment_id = $1`, id,
	).Scan(&stateHash, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Resolution{}, ErrNotLocked
	}
	if err != nil {
		return Resolution{}, err
	}
	if expiresAt > 0 && expiresAt <= s.clock().UnixNano() {
		return Resolution{}, ErrNotLocked
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM commitment_locks WHERE deployment_id = $1`, id)
	if err != nil {
		return Resolution{}, err
	}
	if rows, err := res.RowsAffected(); err != nil {
		return Resolution{}, fmt.Errorf("failed to check rows affected: %w", err)
	} else if rows == 0 {
		return Resolution{}, ErrNotLocked
	}

	resolution := Resolution{DeploymentID: id, StateHash: stateHash, Outcome: outcome, Reason: reason, At: at}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO commitment_history (id, deployment_id, state_hash, outcome, reason, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), id, stateHash, string(outcome), reason, at.UnixNano()); err != nil {
		return Resolution{}, fmt.Errorf("append history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Resolution{}, err
	}
	return resolution, nil
}

func (s *SQLStore) Locked(ctx context.Context, id string) (Lock, bool, error) {
	var lock Lock
	var lockedAt, expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT deployment_id, state_hash, locked_at, expires_at FROM commitment_locks WHERE deployment_id = $1`, id,
	).Scan(&lock.DeploymentID, &lock.StateHash, &lockedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Lock{}, false, nil
	}
	if err != nil {
		return Lock{}, false, err
	}
	lock.LockedAt = time.Unix(0, lockedAt).UTC()
	if expiresAt > 0 {
		lock.ExpiresAt = time.Unix(0, expiresAt).UTC()
	}
	if lock.Expired(s.clock()) {
		return Lock{}, false, nil
	}
	return lock, true, nil
}

func (s *SQLStore) History(ctx context.Context, id string) ([]Resolution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT deployment_id, state_hash, outcome, reason, resolved_at
		FROM commitment_history WHERE deployment_id = $1
		ORDER BY resolved_at, id
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Resolution, 0)
	for rows.Next() {
		var r Resolution
		var outcome string
		var reason sql.NullString
		var at int64
		if err := rows.Scan(&r.DeploymentID, &r.StateHash, &outcome, &reason, &at); err != nil {
			return nil, err
		}
		r.Outcome = Outcome(outcome)
		r.Reason = reason.String
		r.At = time.Unix(0, at).UTC()
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func unixNanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

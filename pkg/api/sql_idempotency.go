package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

const idempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key         TEXT PRIMARY KEY,
	status_code INTEGER NOT NULL,
	headers     TEXT NOT NULL,
	body        BYTEA NOT NULL,
	cached_at   BIGINT NOT NULL
);
`

// SQLIdempotencyStore provides durable idempotency backed by Postgres or SQLite,
// so replays survive process restarts.
type SQLIdempotencyStore struct {
	db     *sql.DB
	ttl    time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

func NewSQLIdempotencyStore(db *sql.DB, ttl time.Duration) *SQLIdempotencyStore {
	return &SQLIdempotencyStore{
		db:     db,
		ttl:    ttl,
		clock:  time.Now,
		logger: slog.Default().With("component", "api.idempotency"),
	}
}

// Init creates the table.
func (s *SQLIdempotencyStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, idempotencySchema)
	return err
}

func (s *SQLIdempotencyStore) Lookup(ctx context.Context, key string) (Replay, bool) {
	var (
		statusCode int
		headers    string
		body       []byte
		cachedAt   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, headers, body, cached_at FROM idempotency_keys WHERE key = $1`, key,
	).Scan(&statusCode, &headers, &body, &cachedAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.WarnContext(ctx, "idempotency lookup failed", "error", err)
		}
		return Replay{}, false
	}

	at := time.Unix(0, cachedAt)
	if s.clock().Sub(at) >= s.ttl {
		return Replay{}, false
	}

	hdr := make(http.Header)
	if err := json.Unmarshal([]byte(headers), &hdr); err != nil {
		hdr.Set("Content-Type", "application/json")
	}
	return Replay{StatusCode: statusCode, Header: hdr, Body: body, At: at}, true
}

// Save upserts a replay. Failures are logged; the request already succeeded.
func (s *SQLIdempotencyStore) Save(ctx context.Context, key string, r Replay) {
	hdr, err := json.Marshal(r.Header)
	if err != nil {
		hdr = []byte("{}")
	}
	body := r.Body
	if body == nil {
		body = []byte{}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, status_code, headers, body, cached_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE SET status_code = $2, headers = $3, body = $4, cached_at = $5`,
		key, r.StatusCode, string(hdr), body, s.clock().UnixNano(),
	)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to store idempotency key", "error", err)
	}
}

// Cleanup removes keys older than the TTL.
func (s *SQLIdempotencyStore) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE cached_at < $1`,
		s.clock().Add(-s.ttl).UnixNano(),
	)
	return err
}

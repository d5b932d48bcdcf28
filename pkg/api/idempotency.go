package api

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"
)

// Replay is a stored response for an idempotency key.
type Replay struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	At         time.Time
}

// IdempotencyStorer persists replays. Save failures must not fail the request.
type IdempotencyStorer interface {
	Lookup(ctx context.Context, key string) (Replay, bool)
	Save(ctx context.Context, key string, r Replay)
}

// MemoryIdempotencyStore keeps replays in process.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	replays map[string]Replay
	ttl     time.Duration
	clock   func() time.Time
}

func NewIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{replays: make(map[string]Replay), ttl: ttl, clock: time.Now}
}

func (s *MemoryIdempotencyStore) Lookup(_ context.Context, key string) (Replay, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.replays[key]
	if !ok || s.clock().Sub(r.At) >= s.ttl {
		return Replay{}, false
	}
	return r, true
}

// Save stores r and drops expired replays.
func (s *MemoryIdempotencyStore) Save(_ context.Context, key string, r Replay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock().Add(-s.ttl)
	for k, old := range s.replays {
		if old.At.Before(cutoff) {
			delete(s.replays, k)
		}
	}
	if r.At.IsZero() {
		r.At = s.clock()
	}
	s.replays[key] = r
}

type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// replayable excludes server errors and rate limiting. Client errors are kept:
// an orchestration call must not run twice because its first answer was a 409.
func replayable(code int) bool {
	return code < http.StatusInternalServerError && code != http.StatusTooManyRequests
}

// idempotencyKey scopes the client key to the principal and route.
func idempotencyKey(r *http.Request, key string) string {
	scoped := r.URL.Path + "|" + key
	if sub, ok := PrincipalFrom(r.Context()); ok {
		scoped = sub + "|" + scoped
	}
	return scoped
}

// inFlight holds the keys whose first request is still being served by this process.
type inFlight struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (f *inFlight) claim(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.keys[key]; busy {
		return false
	}
	f.keys[key] = struct{}{}
	return true
}

func (f *inFlight) release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
}

// IdempotencyMiddleware runs a POST carrying Idempotency-Key once and replays its
// response to repeats, marked with Idempotent-Replayed. A repeat that arrives while
// the first is still running gets 409.
func IdempotencyMiddleware(store IdempotencyStorer) func(http.Handler) http.Handler {
	running := &inFlight{keys: make(map[string]struct{})}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			key = idempotencyKey(r, key)

			// Claim before Lookup: a request finishing in between has saved its replay.
			if !running.claim(key) {
				WriteErrorR(w, r, http.StatusConflict, "Conflict", "a request with this Idempotency-Key is in progress")
				return
			}
			defer running.release(key)

			if prior, ok := store.Lookup(r.Context(), key); ok {
				h := w.Header()
				for name, values := range prior.Header {
					if http.CanonicalHeaderKey(name) != "X-Request-Id" {
						h[name] = append([]string(nil), values...)
					}
				}
				h.Set("Idempotent-Replayed", "true")
				w.WriteHeader(prior.StatusCode)
				_, _ = w.Write(prior.Body)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if replayable(rec.status) {
				store.Save(r.Context(), key, Replay{
					StatusCode: rec.status,
					Header:     w.Header().Clone(),
					Body:       bytes.Clone(rec.body.Bytes()),
				})
			}
		})
	}
}

package aeor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// --- Fakes ---

// callLog records the order of collaborator calls across all fakes.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(name string) int {
	n := 0
	for _, c := range l.snapshot() {
		if c == name {
			n++
		}
	}
	return n
}

type fakeRegistrar struct {
	log *callLog

	mu      sync.Mutex
	locked  map[string]string
	reasons map[string]string

	lockErr      error
	lockReject   bool
	commitFail   bool
	commitErr    error
	reverseErr   error
	reversePanic bool
}

func newFakeRegistrar(log *callLog) *fakeRegistrar {
	return &fakeRegistrar{log: log, locked: map[string]string{}, reasons: map[string]string{}}
}

func (r *fakeRegistrar) LockState(_ context.Context, stateHash, id string) (Ack, error) {
	r.log.add("LockState")
	if r.lockErr != nil {
		return Ack{}, r.lockErr
	}
	if r.lockReject {
		return Ack{Success: false, Reason: "registry unavailable"}, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.locked[id]; held {
		return Ack{Success: false, Reason: "lock already held"}, nil
	}
	r.locked[id] = stateHash
	return Ack{Success: true}, nil
}

func (r *fakeRegistrar) CommitAndRelease(_ context.Context, id string) (Ack, error) {
	r.log.add("CommitAndRelease")
	if r.commitErr != nil {
		return Ack{}, r.commitErr
	}
	if r.commitFail {
		return Ack{Success: false, Reason: "ledger write refused"}, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locked, id)
	return Ack{Success: true}, nil
}

func (r *fakeRegistrar) ReverseAndRelease(_ context.Context, id, reason string) (Ack, error) {
	r.log.add("ReverseAndRelease")
	if r.reversePanic {
		panic("registry crashed")
	}
	if r.reverseErr != nil {
		return Ack{}, r.reverseErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locked, id)
	r.reasons[id] = reason
	return Ack{Success: true}, nil
}

func (r *fakeRegistrar) isLocked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.locked[id]
	return ok
}

func (r *fakeRegistrar) reasonFor(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reasons[id]
}

type fakeExecutor struct {
	log *callLog

	stageErr    error
	result      ExecutionResult
	execErr     error
	execPanic   bool
	execDelay   time.Duration
	rollbackAck Ack
	rollbackErr error
}

func newFakeExecutor(log *callLog) *fakeExecutor {
	return &fakeExecutor{
		log:         log,
		result:      ExecutionResult{Success: true},
		rollbackAck: Ack{Success: true},
	}
}

func (e *fakeExecutor) StageDeployment(context.Context, string) error {
	e.log.add("StageDeployment")
	return e.stageErr
}

func (e *fakeExecutor) Execute(context.Context, string) (ExecutionResult, error) {
	e.log.add("Execute")
	if e.execDelay > 0 {
		time.Sleep(e.execDelay)
	}
	if e.execPanic {
		panic("sandbox segfault")
	}
	return e.result, e.execErr
}

func (e *fakeExecutor) Rollback(context.Context, string) (Ack, error) {
	e.log.add("Rollback")
	return e.rollbackAck, e.rollbackErr
}

// fakeAuditor serves both audit interfaces and records call windows.
type fakeAuditor struct {
	log   *callLog
	name  string
	delay time.Duration
	data  map[string]any
	err   error

	mu         sync.Mutex
	start, end time.Time
}

func (a *fakeAuditor) run(ctx context.Context) (map[string]any, error) {
	a.log.add(a.name)
	a.mu.Lock()
	a.start = time.Now()
	a.mu.Unlock()
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	a.mu.Lock()
	a.end = time.Now()
	a.mu.Unlock()
	return a.data, a.err
}

func (a *fakeAuditor) window() (time.Time, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.start, a.end
}

func (a *fakeAuditor) GetMetrics(ctx context.Context, _ string) (map[string]any, error) {
	return a.run(ctx)
}

func (a *fakeAuditor) Analyze(ctx context.Context, _ string) (map[string]any, error) {
	return a.run(ctx)
}

type fakePolicy struct {
	log      *callLog
	decision VetoDecision
	err      error

	mu   sync.Mutex
	seen []AuditBundle
}

func (p *fakePolicy) CheckRollbackVeto(_ context.Context, b AuditBundle) (VetoDecision, error) {
	p.log.add("CheckRollbackVeto")
	p.mu.Lock()
	p.seen = append(p.seen, b)
	p.mu.Unlock()
	return p.decision, p.err
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

type fakeSink struct {
	mu      sync.Mutex
	entries []logEntry
}

func (s *fakeSink) add(level, msg string, args []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, logEntry{level: level, msg: msg, args: args})
}

func (s *fakeSink) Info(_ context.Context, msg string, args ...any)  { s.add("info", msg, args) }
func (s *fakeSink) Warn(_ context.Context, msg string, args ...any)  { s.add("warn", msg, args) }
func (s *fakeSink) Error(_ context.Context, msg string, args ...any) { s.add("error", msg, args) }
func (s *fakeSink) Critical(_ context.Context, msg string, args ...any) {
	s.add("critical", msg, args)
}

func (s *fakeSink) levels(level string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.level == level {
			n++
		}
	}
	return n
}

func (s *fakeSink) hasStage(stage Stage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		for i := 0; i+1 < len(e.args); i += 2 {
			if e.args[i] == "stage" && e.args[i+1] == stage {
				return true
			}
		}
	}
	return false
}

type fakeEscalator struct {
	mu        sync.Mutex
	incidents []Incident
}

func (e *fakeEscalator) Escalate(_ context.Context, inc Incident) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.incidents = append(e.incidents, inc)
	return nil
}

type memJournal struct {
	mu      sync.Mutex
	records map[string]DeploymentRecord
	failOn  DeploymentState
}

func newMemJournal() *memJournal {
	return &memJournal{records: map[string]DeploymentRecord{}}
}

var errNoRecord = errors.New("no such deployment")

func (j *memJournal) Begin(_ context.Context, rec DeploymentRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failOn == StateLocked {
		return errors.New("journal offline")
	}
	j.records[rec.DeploymentID] = rec
	return nil
}

func (j *memJournal) Get(_ context.Context, id string) (DeploymentRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.records[id]
	if !ok {
		return DeploymentRecord{}, errNoRecord
	}
	return rec, nil
}

func (j *memJournal) Transition(_ context.Context, id string, from, to DeploymentState, status Status, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.records[id]
	if !ok {
		return errNoRecord
	}
	if rec.State != from {
		return errors.New("state conflict")
	}
	rec.State = to
	if status != "" {
		rec.Status = status
	}
	rec.Reason = reason
	j.records[id] = rec
	return nil
}

type fakeTracker struct {
	mu       sync.Mutex
	ops      []string
	failed   []string
	statuses []string
}

func (t *fakeTracker) TrackOperation(ctx context.Context, name string, _ ...attribute.KeyValue) (context.Context, func(error)) {
	t.mu.Lock()
	t.ops = append(t.ops, name)
	t.mu.Unlock()
	return ctx, func(err error) {
		if err == nil {
			return
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		t.failed = append(t.failed, name)
	}
}

func (t *fakeTracker) failures(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, f := range t.failed {
		if f == name {
			n++
		}
	}
	return n
}

func (t *fakeTracker) RecordStatus(_ context.Context, _, status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses = append(t.statuses, status)
}

// harness wires a full set of fakes into an Orchestrator.
type harness struct {
	log       *callLog
	registrar *fakeRegistrar
	executor  *fakeExecutor
	metrics   *fakeAuditor
	debt      *fakeAuditor
	policy    *fakePolicy
	sink      *fakeSink
	escalator *fakeEscalator
	journal   *memJournal
	tracker   *fakeTracker
}

func newHarness() *harness {
	log := &callLog{}
	return &harness{
		log:       log,
		registrar: newFakeRegistrar(log),
		executor:  newFakeExecutor(log),
		metrics:   &fakeAuditor{log: log, name: "GetMetrics", data: map[string]any{"criticalBugs": 0}},
		debt:      &fakeAuditor{log: log, name: "Analyze", data: map[string]any{"entropy": 0.2}},
		policy:    &fakePolicy{log: log},
		sink:      &fakeSink{},
		escalator: &fakeEscalator{},
		tracker:   &fakeTracker{},
	}
}

func (h *harness) withJournal() *harness {
	h.journal = newMemJournal()
	return h
}

func (h *harness) orchestrator() *Orchestrator {
	deps := Dependencies{
		Registrar: h.registrar,
		Executor:  h.executor,
		Metrics:   h.metrics,
		Debt:      h.debt,
		Policy:    h.policy,
		Telemetry: h.sink,
		Escalator: h.escalator,
		Tracker:   h.tracker,
	}
	if h.journal != nil {
		deps.Journal = h.journal
	}
	o, err := New(deps)
	if err != nil {
		panic(err)
	}
	return o
}

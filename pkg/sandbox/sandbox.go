// Package sandbox provides AEOR isolation executors: a deny-by-default WASI
// executor built on wazero and a developer-mode in-process executor.
//
// Both run a Proposal registered for a deployment id and publish an
// ExecutionReport that the audit sources read.
package sandbox

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNoProposal      = errors.New("sandbox: no proposal registered")
	ErrProposalPending = errors.New("sandbox: proposal already pending")
	ErrNotStaged       = errors.New("sandbox: deployment not staged")
	ErrNoReport        = errors.New("sandbox: no execution report")
)

// Deterministic error codes for sandbox limit violations.
const (
	ErrComputeTimeExhausted   = "ERR_COMPUTE_TIME_EXHAUSTED"
	ErrComputeMemoryExhausted = "ERR_COMPUTE_MEMORY_EXHAUSTED"
	ErrComputeOutputExhausted = "ERR_COMPUTE_OUTPUT_EXHAUSTED"
)

// SandboxError is a typed limit violation.
type SandboxError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Limits bound one execution.
type Limits struct {
	MemoryLimitBytes int64
	CPUTimeLimit     time.Duration
	OutputMaxBytes   int
}

// DefaultOutputMaxBytes caps stdout+stderr of one execution.
const DefaultOutputMaxBytes = 1024 * 1024

// Proposal is the mutation a deployment wants to run.
type Proposal struct {
	// ModuleHash is the artifact digest ("sha256:<hex>") of the WASM module,
	// or the name of a registered Mutation for the in-process executor.
	ModuleHash string `json:"module_hash"`
	Input      []byte `json:"input,omitempty"`
	// Entrypoint is the exported start function. Defaults to "_start".
	Entrypoint string `json:"entrypoint,omitempty"`
}

// ExecutionReport is what one execution produced.
type ExecutionReport struct {
	DeploymentID string        `json:"deployment_id"`
	Success      bool          `json:"success"`
	ExitCode     uint32        `json:"exit_code"`
	Failure      string        `json:"failure,omitempty"`
	Stdout       []byte        `json:"stdout,omitempty"`
	Stderr       []byte        `json:"stderr,omitempty"`
	Duration     time.Duration `json:"duration"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// Reports is a bounded registry of execution reports keyed by deployment id.
// Oldest reports are evicted first once capacity is reached.
type Reports struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type reportEntry struct {
	id     string
	report ExecutionReport
}

// NewReports creates a registry holding at most capacity reports (0 = 1024).
func NewReports(capacity int) *Reports {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Reports{capacity: capacity, order: list.New(), entries: make(map[string]*list.Element)}
}

func (r *Reports) Put(report ExecutionReport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.entries[report.DeploymentID]; ok {
		el.Value.(*reportEntry).report = report
		r.order.MoveToBack(el)
		return
	}
	r.entries[report.DeploymentID] = r.order.PushBack(&reportEntry{id: report.DeploymentID, report: report})
	for r.order.Len() > r.capacity {
		oldest := r.order.Front()
		r.order.Remove(oldest)
		delete(r.entries, oldest.Value.(*reportEntry).id)
	}
}

// Get returns the report for id or ErrNoReport.
func (r *Reports) Get(id string) (ExecutionReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.entries[id]
	if !ok {
		return ExecutionReport{}, fmt.Errorf("%w: %s", ErrNoReport, id)
	}
	return el.Value.(*reportEntry).report, nil
}

func (r *Reports) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.entries[id]; ok {
		r.order.Remove(el)
		delete(r.entries, id)
	}
}

// proposals holds the pending proposal per deployment id, from Propose until
// Execute consumes it or Withdraw discards it.
type proposals struct {
	mu sync.Mutex
	m  map[string]Proposal
}

// claimProposal never replaces a pending proposal.
func (p *proposals) claimProposal(id string, proposal Proposal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.m[id]; ok {
		return fmt.Errorf("%w: %s", ErrProposalPending, id)
	}
	if p.m == nil {
		p.m = make(map[string]Proposal)
	}
	p.m[id] = proposal
	return nil
}

func (p *proposals) proposal(id string) (Proposal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	proposal, ok := p.m[id]
	if !ok {
		return Proposal{}, fmt.Errorf("%w: %s", ErrNoProposal, id)
	}
	return proposal, nil
}

// takeProposal returns and removes the proposal for id.
func (p *proposals) takeProposal(id string) (Proposal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	proposal, ok := p.m[id]
	if !ok {
		return Proposal{}, fmt.Errorf("%w: %s", ErrNoProposal, id)
	}
	delete(p.m, id)
	return proposal, nil
}

// Withdraw discards a pending proposal. It is a no-op when none is pending.
func (p *proposals) Withdraw(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, id)
}

func (p *proposals) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// limitedBuffer stops accepting writes past max bytes and remembers the overflow.
type limitedBuffer struct {
	buf      []byte
	max      int
	overflow bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.max - len(b.buf)
	if len(p) > room {
		b.overflow = true
		if room > 0 {
			b.buf = append(b.buf, p[:room]...)
		}
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte { return b.buf }

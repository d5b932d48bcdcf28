package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/aeor/pkg/aeor"
	"github.com/Mindburn-Labs/aeor/pkg/auditors"
	"github.com/Mindburn-Labs/aeor/pkg/escalation"
	"github.com/Mindburn-Labs/aeor/pkg/journal"
	"github.com/Mindburn-Labs/aeor/pkg/observability"
	"github.com/Mindburn-Labs/aeor/pkg/sandbox"
)

// Orchestration is the orchestrator surface served over HTTP. *aeor.Orchestrator satisfies it.
type Orchestration interface {
	RegisterCommitment(ctx context.Context, deploymentID, preMutationStateHash string) aeor.RegistrationResult
	SuperviseExecutionAndAudit(ctx context.Context, deploymentID string) aeor.Outcome
	TriggerAtomicRollback(ctx context.Context, deploymentID, reason string) aeor.RollbackResult
}

// Proposer accepts the mutation a deployment will run. Both sandbox executors satisfy it.
type Proposer interface {
	Propose(deploymentID string, p sandbox.Proposal) error
	Withdraw(deploymentID string)
}

// SignalSink accepts external feedback. *auditors.FeedbackAggregator satisfies it.
type SignalSink interface {
	Submit(deploymentID string, s auditors.Signal) error
	Forget(deploymentID string)
}

// Records reads deployment records. journal.Journal satisfies it.
type Records interface {
	Get(ctx context.Context, deploymentID string) (aeor.DeploymentRecord, error)
}

// Objectives reports SLO compliance. *observability.SLOTracker satisfies it.
type Objectives interface {
	Reports() []observability.Report
}

// Deps are the collaborators of the HTTP surface. Orchestrator is required.
type Deps struct {
	Orchestrator Orchestration
	Proposer     Proposer
	Signals      SignalSink
	Records      Records
	Escalations  *escalation.Manager
	SLO          Objectives
	// Health reports dependency health; a non-nil error turns /health into 503.
	Health func(ctx context.Context) error
}

// Options configure the middleware chain.
type Options struct {
	RateRPS     float64
	RateBurst   int
	JWTSecret   []byte
	Idempotency IdempotencyStorer
}

// Server routes HTTP requests to the orchestrator.
type Server struct {
	deps    Deps
	opts    Options
	schemas map[string]*jsonschema.Schema
	limiter *GlobalRateLimiter
}

func NewServer(deps Deps, opts Options) (*Server, error) {
	if deps.Orchestrator == nil {
		return nil, errors.New("api: orchestrator is required")
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	if opts.Idempotency == nil {
		opts.Idempotency = NewIdempotencyStore(24 * time.Hour)
	}
	s := &Server{deps: deps, opts: opts, schemas: schemas}
	if opts.RateRPS > 0 {
		s.limiter = NewGlobalRateLimiter(opts.RateRPS, max(opts.RateBurst, 1))
	}
	return s, nil
}

// Close stops background work.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

// Handler returns the routed handler wrapped in request id, rate limit, auth and idempotency middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/slo", s.handleSLO)
	mux.HandleFunc("POST /v1/deployments", s.handleRegister)
	mux.HandleFunc("GET /v1/deployments/{id}", s.handleGetDeployment)
	mux.HandleFunc("POST /v1/deployments/{id}/supervise", s.handleSupervise)
	mux.HandleFunc("POST /v1/deployments/{id}/rollback", s.handleRollback)
	mux.HandleFunc("POST /v1/deployments/{id}/signals", s.handleSignal)
	mux.HandleFunc("GET /v1/escalations", s.handleListEscalations)
	mux.HandleFunc("POST /v1/escalations/{id}/ack", s.handleAckEscalation)
	mux.HandleFunc("POST /v1/escalations/{id}/resolve", s.handleResolveEscalation)

	var h http.Handler = mux
	h = IdempotencyMiddleware(s.opts.Idempotency)(h)
	h = JWTAuth(s.opts.JWTSecret)(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return RequestID(h)
}

// HTTPStatus maps an orchestration status to its HTTP status code.
func HTTPStatus(status aeor.Status) int {
	switch status {
	case aeor.StatusSuccessCommitted:
		return http.StatusOK
	case aeor.StatusRegistered:
		return http.StatusCreated
	case aeor.StatusRollbackMandated, aeor.StatusC04RollbackForced, aeor.StatusMCRStateError:
		return http.StatusConflict
	case aeor.StatusRegistrationFailure:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type registerRequest struct {
	DeploymentID         string            `json:"deployment_id"`
	PreMutationStateHash string            `json:"pre_mutation_state_hash"`
	Proposal             *sandbox.Proposal `json:"proposal,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decodeValidated(w, r, "register", &req) {
		return
	}
	var proposed string
	if req.Proposal != nil {
		if s.deps.Proposer == nil {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "this server does not accept proposals")
			return
		}
		id, err := aeor.NormalizeIdentifier("deployment id", req.DeploymentID)
		if err != nil {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
			return
		}
		err = s.deps.Proposer.Propose(id, *req.Proposal)
		switch {
		case errors.Is(err, sandbox.ErrProposalPending):
			WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
			return
		case err != nil:
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
			return
		}
		proposed = id
	}

	res := s.deps.Orchestrator.RegisterCommitment(r.Context(), req.DeploymentID, req.PreMutationStateHash)
	code := HTTPStatus(res.Status)
	if !res.Success {
		if proposed != "" {
			s.deps.Proposer.Withdraw(proposed)
		}
		writeOutcomeProblem(w, r, code, string(res.Status), res.Reason, res)
		return
	}
	writeJSON(w, code, res)
}

func (s *Server) handleSupervise(w http.ResponseWriter, r *http.Request) {
	out := s.deps.Orchestrator.SuperviseExecutionAndAudit(r.Context(), r.PathValue("id"))
	// Anything but a refusal ran the deployment to a terminal state.
	if out.Kind != aeor.KindInput {
		s.forgetSignals(out.DeploymentID)
	}
	code := HTTPStatus(out.Status)
	if !out.Committed() {
		writeOutcomeProblem(w, r, code, string(out.Status), out.Reason, out)
		return
	}
	writeJSON(w, code, out)
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if !s.decodeValidated(w, r, "rollback", &req) {
		return
	}
	res := s.deps.Orchestrator.TriggerAtomicRollback(r.Context(), r.PathValue("id"), req.Reason)
	if res.Registry.Attempted || res.Sandbox.Attempted {
		if id, err := aeor.NormalizeIdentifier("deployment id", r.PathValue("id")); err == nil {
			s.forgetSignals(id)
		}
	}
	switch {
	case res.Success:
		writeJSON(w, http.StatusOK, res)
	case !res.Registry.Attempted && !res.Sandbox.Attempted:
		writeOutcomeProblem(w, r, http.StatusBadRequest, "ROLLBACK_REJECTED", res.Reason, res)
	default:
		writeOutcomeProblem(w, r, http.StatusInternalServerError, string(aeor.IncidentFailsafeBreach), res.Reason, res)
	}
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records == nil {
		WriteNotFound(w, "deployment records are not kept by this server")
		return
	}
	rec, err := s.deps.Records.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, journal.ErrNotFound) {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "deployment not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if s.deps.Signals == nil {
		WriteNotFound(w, "feedback signals are not accepted by this server")
		return
	}
	var sig auditors.Signal
	if !s.decodeValidated(w, r, "signal", &sig) {
		return
	}
	id, err := aeor.NormalizeIdentifier("deployment id", r.PathValue("id"))
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if s.deps.Records != nil {
		rec, err := s.deps.Records.Get(r.Context(), id)
		switch {
		case errors.Is(err, journal.ErrNotFound):
			WriteErrorR(w, r, http.StatusNotFound, "Not Found", "deployment not found")
			return
		case err != nil:
			WriteInternal(w, err)
			return
		case rec.State.Terminal():
			WriteErrorR(w, r, http.StatusConflict, "Conflict", "deployment is already "+string(rec.State))
			return
		}
	}
	if err := s.deps.Signals.Submit(id, sig); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) forgetSignals(id string) {
	if s.deps.Signals != nil && id != "" {
		s.deps.Signals.Forget(id)
	}
}

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	if s.deps.Escalations == nil {
		writeJSON(w, http.StatusOK, []escalation.Record{})
		return
	}
	status := escalation.Status(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, s.deps.Escalations.List(status))
}

type ackRequest struct {
	Operator string `json:"operator"`
}

func (s *Server) handleAckEscalation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Escalations == nil {
		WriteNotFound(w, "escalation is not enabled")
		return
	}
	var req ackRequest
	if !s.decodeValidated(w, r, "ack", &req) {
		return
	}
	rec, err := s.deps.Escalations.Acknowledge(r.Context(), r.PathValue("id"), req.Operator)
	if err != nil {
		writeEscalationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type resolveRequest struct {
	Operator   string `json:"operator"`
	Resolution string `json:"resolution"`
}

func (s *Server) handleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Escalations == nil {
		WriteNotFound(w, "escalation is not enabled")
		return
	}
	var req resolveRequest
	if !s.decodeValidated(w, r, "resolve", &req) {
		return
	}
	receipt, err := s.deps.Escalations.Resolve(r.Context(), r.PathValue("id"), req.Operator, req.Resolution)
	if err != nil {
		writeEscalationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func writeEscalationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, escalation.ErrNotFound):
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, escalation.ErrInvalidStatus):
		WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
	default:
		WriteInternal(w, err)
	}
}

type healthResponse struct {
	Status             string `json:"status"`
	PendingEscalations int    `json:"pending_escalations"`
	Error              string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.deps.Escalations != nil {
		resp.PendingEscalations = s.deps.Escalations.PendingCount()
	}
	code := http.StatusOK
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			resp.Status, resp.Error, code = "degraded", err.Error(), http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleSLO(w http.ResponseWriter, _ *http.Request) {
	if s.deps.SLO == nil {
		writeJSON(w, http.StatusOK, []observability.Report{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.SLO.Reports())
}

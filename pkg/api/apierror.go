// Package api exposes the orchestrator over JSON/HTTP.
//
// Every error response is an RFC 7807 problem document. Orchestration results
// that did not commit are problem documents too, carrying the full result.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

const problemTypePrefix = "urn:aeor:problem:"

// ProblemDetail is an RFC 7807 problem document. TraceID echoes X-Request-ID;
// Result is set only for orchestration results that did not commit.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	Result   any    `json:"result,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return p.Title + ": " + p.Detail
}

func newProblem(status int, title, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   problemTypePrefix + strings.ToLower(strings.ReplaceAll(title, " ", "-")),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// forRequest ties the problem to r and the request id already set on w.
func (p *ProblemDetail) forRequest(w http.ResponseWriter, r *http.Request) *ProblemDetail {
	p.Instance = r.URL.Path
	p.TraceID = w.Header().Get("X-Request-ID")
	return p
}

func (p *ProblemDetail) write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a problem without request context.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	newProblem(status, title, detail).write(w)
}

// WriteErrorR writes a problem carrying the request path and id.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	newProblem(status, title, detail).forRequest(w, r).write(w)
}

// writeOutcomeProblem reports a result that did not commit, titled with its orchestration status.
func writeOutcomeProblem(w http.ResponseWriter, r *http.Request, status int, aeorStatus, reason string, result any) {
	p := newProblem(status, aeorStatus, reason).forRequest(w, r)
	p.Result = result
	p.write(w)
}

func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="aeor"`)
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded; retry after "+strconv.Itoa(retryAfterSecs)+"s.")
}

// WriteInternal logs err and writes a generic 500. The cause never reaches the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Default().With("component", "api").Error("internal error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "The request could not be completed.")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/aeor/pkg/aeor"
)

func readProblem(t *testing.T, w *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
	assert.Equal(t, w.Code, problem.Status)
	return problem
}

func TestProblemWriters(t *testing.T) {
	tests := []struct {
		name       string
		write      func(w http.ResponseWriter)
		wantStatus int
		wantType   string
		wantDetail string
		wantHeader [2]string
	}{
		{
			name:       "plain error",
			write:      func(w http.ResponseWriter) { WriteError(w, http.StatusBadRequest, "Bad Request", "field is missing") },
			wantStatus: http.StatusBadRequest,
			wantType:   "urn:aeor:problem:bad-request",
			wantDetail: "field is missing",
		},
		{
			name:       "unauthorized default detail",
			write:      func(w http.ResponseWriter) { WriteUnauthorized(w, "") },
			wantStatus: http.StatusUnauthorized,
			wantType:   "urn:aeor:problem:unauthorized",
			wantDetail: "Authentication required",
			wantHeader: [2]string{"WWW-Authenticate", `Bearer realm="aeor"`},
		},
		{
			name:       "rate limited",
			write:      func(w http.ResponseWriter) { WriteTooManyRequests(w, 30) },
			wantStatus: http.StatusTooManyRequests,
			wantType:   "urn:aeor:problem:too-many-requests",
			wantHeader: [2]string{"Retry-After", "30"},
		},
		{
			name:       "not found",
			write:      func(w http.ResponseWriter) { WriteNotFound(w, "no such deployment") },
			wantStatus: http.StatusNotFound,
			wantType:   "urn:aeor:problem:not-found",
			wantDetail: "no such deployment",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)

			require.Equal(t, tt.wantStatus, w.Code)
			problem := readProblem(t, w)
			assert.Equal(t, tt.wantType, problem.Type)
			if tt.wantDetail != "" {
				assert.Equal(t, tt.wantDetail, problem.Detail)
			}
			if tt.wantHeader[0] != "" {
				assert.Equal(t, tt.wantHeader[1], w.Header().Get(tt.wantHeader[0]))
			}
		})
	}
}

func TestWriteInternal_HidesCause(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	problem := readProblem(t, w)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, problem.Detail, "10.0.0.1")
}

func TestWriteErrorR_RequestContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/deployments/dep-1", nil)
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-123")

	WriteErrorR(w, req, http.StatusBadRequest, "Bad Request", "bad input")

	problem := readProblem(t, w)
	assert.Equal(t, "/v1/deployments/dep-1", problem.Instance)
	assert.Equal(t, "req-123", problem.TraceID)
}

func TestWriteOutcomeProblem_CarriesResult(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/deployments/dep-1/supervise", nil)
	w := httptest.NewRecorder()
	out := aeor.Outcome{DeploymentID: "dep-1", Status: aeor.StatusRollbackMandated, Kind: aeor.KindPolicy, Reason: "Critical bugs reported after execution."}

	writeOutcomeProblem(w, req, http.StatusConflict, string(out.Status), out.Reason, out)

	var doc struct {
		ProblemDetail
		Result aeor.Outcome `json:"result"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&doc))
	assert.Equal(t, "urn:aeor:problem:rollback_mandated", doc.Type)
	assert.Equal(t, "ROLLBACK_MANDATED", doc.Title)
	assert.Equal(t, out.Reason, doc.Detail)
	assert.Equal(t, out, doc.Result)
}

// Package client provides a typed Go client for the AEOR HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mindburn-Labs/aeor/pkg/aeor"
	"github.com/Mindburn-Labs/aeor/pkg/auditors"
	"github.com/Mindburn-Labs/aeor/pkg/escalation"
	"github.com/Mindburn-Labs/aeor/pkg/observability"
)

// APIError is an RFC 7807 problem returned by the server.
type APIError struct {
	StatusCode int             `json:"status"`
	Type       string          `json:"type"`
	Title      string          `json:"title"`
	Detail     string          `json:"detail,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("aeor api %d: %s", e.StatusCode, e.Title)
	}
	return fmt.Sprintf("aeor api %d: %s: %s", e.StatusCode, e.Title, e.Detail)
}

// Client is a typed client for the AEOR API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New creates a new Client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// Proposal is the mutation a deployment will run.
type Proposal struct {
	ModuleHash string `json:"module_hash"`
	Input      []byte `json:"input,omitempty"`
	Entrypoint string `json:"entrypoint,omitempty"`
}

// RegisterRequest is the body of POST /v1/deployments.
type RegisterRequest struct {
	DeploymentID         string    `json:"deployment_id"`
	PreMutationStateHash string    `json:"pre_mutation_state_hash"`
	Proposal             *Proposal `json:"proposal,omitempty"`
	// IdempotencyKey is sent as the Idempotency-Key header.
	IdempotencyKey string `json:"-"`
}

// Health is the body of GET /health.
type Health struct {
	Status             string `json:"status"`
	PendingEscalations int    `json:"pending_escalations"`
	Error              string `json:"error,omitempty"`
}

// do sends one request. For problem responses carrying a result, out is filled
// from the result and the *APIError is still returned.
func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Title == "" {
			apiErr.Title = http.StatusText(resp.StatusCode)
			apiErr.Detail = strings.TrimSpace(string(raw))
		}
		apiErr.StatusCode = resp.StatusCode
		if out != nil && len(apiErr.Result) > 0 {
			_ = json.Unmarshal(apiErr.Result, out)
		}
		return apiErr
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func deploymentPath(id string, suffix ...string) string {
	return "/v1/deployments/" + url.PathEscape(id) + strings.Join(suffix, "")
}

// Register calls POST /v1/deployments.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (aeor.RegistrationResult, error) {
	var out aeor.RegistrationResult
	err := c.do(ctx, http.MethodPost, "/v1/deployments", req.IdempotencyKey, req, &out)
	return out, err
}

// Supervise calls POST /v1/deployments/{id}/supervise.
func (c *Client) Supervise(ctx context.Context, deploymentID string) (aeor.Outcome, error) {
	var out aeor.Outcome
	err := c.do(ctx, http.MethodPost, deploymentPath(deploymentID, "/supervise"), "", struct{}{}, &out)
	return out, err
}

// Rollback calls POST /v1/deployments/{id}/rollback.
func (c *Client) Rollback(ctx context.Context, deploymentID, reason string) (aeor.RollbackResult, error) {
	var out aeor.RollbackResult
	body := map[string]string{"reason": reason}
	err := c.do(ctx, http.MethodPost, deploymentPath(deploymentID, "/rollback"), "", body, &out)
	return out, err
}

// Deployment calls GET /v1/deployments/{id}.
func (c *Client) Deployment(ctx context.Context, deploymentID string) (aeor.DeploymentRecord, error) {
	var out aeor.DeploymentRecord
	err := c.do(ctx, http.MethodGet, deploymentPath(deploymentID), "", nil, &out)
	return out, err
}

// Signal calls POST /v1/deployments/{id}/signals.
func (c *Client) Signal(ctx context.Context, deploymentID string, sig auditors.Signal) error {
	return c.do(ctx, http.MethodPost, deploymentPath(deploymentID, "/signals"), "", sig, nil)
}

// Escalations calls GET /v1/escalations. An empty status lists all incidents.
func (c *Client) Escalations(ctx context.Context, status escalation.Status) ([]escalation.Record, error) {
	path := "/v1/escalations"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out []escalation.Record
	err := c.do(ctx, http.MethodGet, path, "", nil, &out)
	return out, err
}

// Acknowledge calls POST /v1/escalations/{id}/ack.
func (c *Client) Acknowledge(ctx context.Context, incidentID, operator string) (escalation.Record, error) {
	var out escalation.Record
	body := map[string]string{"operator": operator}
	err := c.do(ctx, http.MethodPost, "/v1/escalations/"+url.PathEscape(incidentID)+"/ack", "", body, &out)
	return out, err
}

// Resolve calls POST /v1/escalations/{id}/resolve.
func (c *Client) Resolve(ctx context.Context, incidentID, operator, resolution string) (escalation.Receipt, error) {
	var out escalation.Receipt
	body := map[string]string{"operator": operator, "resolution": resolution}
	err := c.do(ctx, http.MethodPost, "/v1/escalations/"+url.PathEscape(incidentID)+"/resolve", "", body, &out)
	return out, err
}

// SLO calls GET /v1/slo.
func (c *Client) SLO(ctx context.Context) ([]observability.Report, error) {
	var out []observability.Report
	err := c.do(ctx, http.MethodGet, "/v1/slo", "", nil, &out)
	return out, err
}

// Health calls GET /health. A degraded server returns the body and an *APIError.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/health", "", nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		_ = json.Unmarshal([]byte(apiErr.Detail), &out)
	}
	return out, err
}

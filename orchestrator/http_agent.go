package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PipeLaneLabs/ordo-ai/internal/tlsutil"
	"github.com/PipeLaneLabs/ordo-ai/types"
)

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 4 << 10

// HTTPAgent invokes a remote agent service over JSON.
//
// Request:  POST {endpoint} {"tier":"tier_2","state":{...}}
// Response: a types.AgentResult document.
type HTTPAgent struct {
	Name     string
	Endpoint string
	// Token is sent as a bearer credential when set.
	Token  string
	Client *http.Client
}

// NewHTTPAgent creates an agent client with a hardened TLS transport.
func NewHTTPAgent(name, endpoint string, timeout time.Duration) *HTTPAgent {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPAgent{
		Name:     name,
		Endpoint: strings.TrimRight(endpoint, "/"),
		Client:   tlsutil.SecureHTTPClient(timeout),
	}
}

type invokeRequest struct {
	Tier  types.Tier           `json:"tier"`
	State *types.WorkflowState `json:"state"`
}

// Invoke implements Agent.
func (a *HTTPAgent) Invoke(ctx context.Context, tier types.Tier, state *types.WorkflowState) (*types.AgentResult, error) {
	payload, err := json.Marshal(invokeRequest{Tier: tier, State: state})
	if err != nil {
		return nil, &AgentError{Agent: a.Name, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &AgentError{Agent: a.Name, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
	if id, ok := types.WorkflowID(ctx); ok {
		req.Header.Set("X-Workflow-ID", id)
	}
	if id, ok := types.TraceID(ctx); ok {
		req.Header.Set("X-Trace-ID", id)
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, &AgentError{Agent: a.Name, Message: "request failed", Retryable: true, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &AgentError{
			Agent:     a.Name,
			Message:   fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	var result types.AgentResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &AgentError{Agent: a.Name, Message: "invalid response body", Retryable: true, Cause: err}
	}
	if result.TokensInput < 0 || result.TokensOutput < 0 || result.Cost < 0 {
		return nil, &AgentError{Agent: a.Name, Message: "negative usage in response"}
	}
	return &result, nil
}

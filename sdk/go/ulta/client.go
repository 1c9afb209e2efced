package ulta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Ulta console (e.g. "http://localhost:8080").
	BaseURL string

	// UserID identifies the console user for authentication.
	UserID string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Ulta console API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, UserID, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ulta: BaseURL is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("ulta: UserID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("ulta: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.UserID, cfg.APIKey, httpClient),
	}, nil
}

// Chat sends one utterance (or a confirmation) through the command router
// and returns the router's response union.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.post(ctx, "/v1/chat-router", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Command policies (admin)
// ---------------------------------------------------------------------------

// CreatePolicy creates a command policy. Requires admin role.
func (c *Client) CreatePolicy(ctx context.Context, req CreatePolicyRequest) (*CommandPolicy, error) {
	var resp CommandPolicy
	if err := c.post(ctx, "/v1/policies", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListPolicies lists the tenant's command policies.
func (c *Client) ListPolicies(ctx context.Context, limit, offset int) ([]CommandPolicy, error) {
	var resp []CommandPolicy
	if err := c.get(ctx, "/v1/policies?"+pageParams(limit, offset), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetPolicy retrieves one command policy.
func (c *Client) GetPolicy(ctx context.Context, policyID uuid.UUID) (*CommandPolicy, error) {
	var resp CommandPolicy
	if err := c.get(ctx, "/v1/policies/"+policyID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdatePolicy replaces a command policy. Requires admin role.
func (c *Client) UpdatePolicy(ctx context.Context, policyID uuid.UUID, req CreatePolicyRequest) (*CommandPolicy, error) {
	var resp CommandPolicy
	if err := c.put(ctx, "/v1/policies/"+policyID.String(), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeletePolicy removes a command policy. Requires admin role.
func (c *Client) DeletePolicy(ctx context.Context, policyID uuid.UUID) error {
	return c.doDelete(ctx, "/v1/policies/"+policyID.String(), nil)
}

// ---------------------------------------------------------------------------
// Batch catalog (admin writes)
// ---------------------------------------------------------------------------

// CreateBatch creates a batch in the tenant catalog. Requires admin role.
func (c *Client) CreateBatch(ctx context.Context, req CreateBatchRequest) (*Batch, error) {
	var resp Batch
	if err := c.post(ctx, "/v1/batches", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListBatches lists the tenant's batch catalog.
func (c *Client) ListBatches(ctx context.Context, limit, offset int) ([]Batch, error) {
	var resp []Batch
	if err := c.get(ctx, "/v1/batches?"+pageParams(limit, offset), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetBatch retrieves one batch.
func (c *Client) GetBatch(ctx context.Context, batchID uuid.UUID) (*Batch, error) {
	var resp Batch
	if err := c.get(ctx, "/v1/batches/"+batchID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateBatchVersion appends a draft script version to a batch. Requires
// admin role.
func (c *Client) CreateBatchVersion(ctx context.Context, batchID uuid.UUID, content string) (*BatchVersion, error) {
	body := map[string]any{"content": content}
	var resp BatchVersion
	if err := c.post(ctx, "/v1/batches/"+batchID.String()+"/versions", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListBatchVersions lists a batch's version history.
func (c *Client) ListBatchVersions(ctx context.Context, batchID uuid.UUID) ([]BatchVersion, error) {
	var resp []BatchVersion
	if err := c.get(ctx, "/v1/batches/"+batchID.String()+"/versions", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ActivateBatchVersion makes one version the batch's active script,
// archiving the predecessor. Requires admin role.
func (c *Client) ActivateBatchVersion(ctx context.Context, batchID uuid.UUID, version int) (*Batch, error) {
	path := "/v1/batches/" + batchID.String() + "/versions/" + strconv.Itoa(version) + "/activate"
	var resp Batch
	if err := c.post(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Agent fleet
// ---------------------------------------------------------------------------

// CreateAgent registers a remote machine. Requires admin role.
func (c *Client) CreateAgent(ctx context.Context, req CreateAgentRequest) (*Agent, error) {
	var resp Agent
	if err := c.post(ctx, "/v1/agents", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListAgents lists the tenant's agents.
func (c *Client) ListAgents(ctx context.Context, limit, offset int) ([]Agent, error) {
	var resp []Agent
	if err := c.get(ctx, "/v1/agents?"+pageParams(limit, offset), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetAgent retrieves one agent.
func (c *Client) GetAgent(ctx context.Context, agentID uuid.UUID) (*Agent, error) {
	var resp Agent
	if err := c.get(ctx, "/v1/agents/"+agentID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat reports an agent's status and live telemetry. Requires agent role.
func (c *Client) Heartbeat(ctx context.Context, agentID uuid.UUID, status string, hb Heartbeat) error {
	body := map[string]any{"status": status, "heartbeat": hb}
	return c.post(ctx, "/v1/agents/"+agentID.String()+"/heartbeat", body, nil)
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// RunOptions are optional filters for ListRuns.
type RunOptions struct {
	AgentID uuid.UUID
	Limit   int
	Offset  int
}

// ListRuns lists the tenant's runs, most recent first.
func (c *Client) ListRuns(ctx context.Context, opts *RunOptions) ([]Run, error) {
	params := url.Values{}
	if opts != nil {
		if opts.AgentID != uuid.Nil {
			params.Set("agent_id", opts.AgentID.String())
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	path := "/v1/runs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []Run
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetRun retrieves one run.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var resp Run
	if err := c.get(ctx, "/v1/runs/"+runID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CompleteRun reports a run's terminal status from the agent execution
// channel. Status must be "succeeded" or "failed". Requires agent role.
func (c *Client) CompleteRun(ctx context.Context, runID uuid.UUID, status, errMsg string) error {
	body := map[string]any{"status": status}
	if errMsg != "" {
		body["error"] = errMsg
	}
	return c.post(ctx, "/v1/runs/"+runID.String()+"/complete", body, nil)
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

// GetConversation retrieves one conversation.
func (c *Client) GetConversation(ctx context.Context, conversationID uuid.UUID) (*Conversation, error) {
	var resp Conversation
	if err := c.get(ctx, "/v1/conversations/"+conversationID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListConversationEvents retrieves a conversation's append-only event trail.
func (c *Client) ListConversationEvents(ctx context.Context, conversationID uuid.UUID, limit int) ([]ChatEvent, error) {
	path := "/v1/conversations/" + conversationID.String() + "/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp []ChatEvent
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CloseConversation closes a conversation; further chat turns on it are
// rejected. Requires operator role.
func (c *Client) CloseConversation(ctx context.Context, conversationID uuid.UUID) error {
	return c.post(ctx, "/v1/conversations/"+conversationID.String()+"/close", nil, nil)
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func pageParams(limit, offset int) string {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	return params.Encode()
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("ulta: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("ulta: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) put(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("ulta: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("ulta: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("ulta: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("ulta: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("ulta: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ulta: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ulta: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ulta: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content — nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("ulta: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}

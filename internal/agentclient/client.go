// Package agentclient is the agent side of the Dispatch API: an HTTP client
// and a reference agent loop that claims offered tasks and runs them.
package agentclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/me/dispatch/internal/notify"
	"github.com/me/dispatch/pkg/model"
)

// ErrClaimLost is returned by Claim when another agent won the task.
var ErrClaimLost = errors.New("claim lost")

// Client communicates with the Dispatch server on behalf of one agent.
type Client struct {
	baseURL    string
	httpClient *http.Client
	agentID    string
	agentKey   string // Optional: shared secret sent as X-Agent-Key
}

// NewClient creates a new agent API client with connection pooling.
// If tlsCfg is nil, the default system TLS configuration is used.
func NewClient(baseURL string, tlsCfg *tls.Config) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     tlsCfg,
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// SetAgentKey sets the shared secret for agent authentication.
func (c *Client) SetAgentKey(key string) {
	c.agentKey = key
}

// AgentID returns the registered agent ID.
func (c *Client) AgentID() string {
	return c.agentID
}

// RegisterRequest mirrors the server's registration body.
type RegisterRequest struct {
	ID        string `json:"id,omitempty"`
	AccountID string `json:"account_id"`
	HostName  string `json:"host_name"`
	GroupName string `json:"group_name,omitempty"`
}

// Register registers the agent and stores its ID.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*model.Agent, error) {
	var agent model.Agent
	if err := c.call(ctx, http.MethodPost, "/api/v1/agents", req, &agent); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	c.agentID = agent.ID
	return &agent, nil
}

// Heartbeat refreshes the agent's connection. An empty connectionID opens
// a new one; the returned connection carries the id to reuse.
func (c *Client) Heartbeat(ctx context.Context, connectionID, version string) (*model.AgentConnection, error) {
	var conn model.AgentConnection
	body := map[string]string{"connection_id": connectionID, "version": version}
	if err := c.call(ctx, http.MethodPut, c.agentPath("/heartbeat"), body, &conn); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return &conn, nil
}

// CapabilityResult is one criterion check reported by the agent.
type CapabilityResult struct {
	Criteria  string `json:"criteria"`
	Validated bool   `json:"validated"`
}

// ReportCapabilities sends capability check results.
func (c *Client) ReportCapabilities(ctx context.Context, results []CapabilityResult) error {
	body := map[string]any{"results": results}
	if err := c.call(ctx, http.MethodPost, c.agentPath("/capabilities"), body, nil); err != nil {
		return fmt.Errorf("report capabilities: %w", err)
	}
	return nil
}

// Offers returns the tasks currently offered to the agent.
func (c *Client) Offers(ctx context.Context) ([]notify.Offer, error) {
	var offers []notify.Offer
	if err := c.call(ctx, http.MethodGet, c.agentPath("/offers"), nil, &offers); err != nil {
		return nil, fmt.Errorf("offers: %w", err)
	}
	return offers, nil
}

// Claim claims an offered task. It returns ErrClaimLost when another agent
// got there first.
func (c *Client) Claim(ctx context.Context, taskID string) (*model.Task, error) {
	var task model.Task
	err := c.call(ctx, http.MethodPost, c.agentPath("/tasks/"+taskID+"/claim"), nil, &task)
	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.Code == model.ErrConflict {
		return nil, fmt.Errorf("claim %s: %w", taskID, ErrClaimLost)
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", taskID, err)
	}
	return &task, nil
}

// StartValidation reports that the agent began validating a task's criteria.
func (c *Client) StartValidation(ctx context.Context, taskID string) error {
	if err := c.call(ctx, http.MethodPost, c.agentPath("/tasks/"+taskID+"/validation"), nil, nil); err != nil {
		return fmt.Errorf("start validation: %w", err)
	}
	return nil
}

// CompleteValidation reports that the agent finished validating.
func (c *Client) CompleteValidation(ctx context.Context, taskID string) error {
	if err := c.call(ctx, http.MethodPut, c.agentPath("/tasks/"+taskID+"/validation"), nil, nil); err != nil {
		return fmt.Errorf("complete validation: %w", err)
	}
	return nil
}

// Complete reports the outcome of a claimed task.
func (c *Client) Complete(ctx context.Context, taskID string, outcome model.Outcome) error {
	if err := c.call(ctx, http.MethodPut, c.agentPath("/tasks/"+taskID+"/complete"), outcome, nil); err != nil {
		return fmt.Errorf("report complete: %w", err)
	}
	return nil
}

func (c *Client) agentPath(suffix string) string {
	return "/api/v1/agents/" + c.agentID + suffix
}

// call sends body as JSON and decodes the envelope's data into dest.
func (c *Client) call(ctx context.Context, method, path string, body, dest any) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return err
		}
	}
	resp, err := c.doRequest(ctx, method, path, raw)
	if err != nil {
		return err
	}
	return decodeResponseData(resp, dest)
}

// doRequest executes an HTTP request. Error statuses are returned as the
// envelope's *model.APIError when the body carries one.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.agentKey != "" {
		req.Header.Set("X-Agent-Key", c.agentKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		var envelope struct {
			Error *model.APIError `json:"error"`
		}
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error != nil {
			return nil, envelope.Error
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody)
	}

	return resp, nil
}

// decodeResponseData extracts the data field from the API response envelope.
func decodeResponseData(resp *http.Response, dest any) error {
	defer resp.Body.Close()

	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *model.APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if dest == nil {
		return nil
	}
	return json.Unmarshal(envelope.Data, dest)
}

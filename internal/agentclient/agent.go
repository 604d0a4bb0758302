package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/me/dispatch/pkg/model"
)

// Handler runs a claimed task and returns its outcome.
type Handler interface {
	Handle(ctx context.Context, task *model.Task) model.Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *model.Task) model.Outcome

func (f HandlerFunc) Handle(ctx context.Context, task *model.Task) model.Outcome { return f(ctx, task) }

// Config holds agent configuration.
type Config struct {
	ServerURL string
	AgentKey  string
	AccountID string
	AgentID   string // Optional; the server assigns one when empty
	HostName  string
	GroupName string
	// Criteria are the capability keys this agent reports as validated.
	Criteria  []string
	Runtime   string
	WorkDir   string
	Poll      time.Duration
	Heartbeat time.Duration
	Version   string
	// Handler overrides the default command handler.
	Handler Handler
}

// Agent polls for offers, claims them, runs them, and reports outcomes.
type Agent struct {
	client  *Client
	cfg     Config
	handler Handler
	logger  *slog.Logger
}

// New creates an Agent from configuration.
func New(cfg Config, logger *slog.Logger) (*Agent, error) {
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("account id is required")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "dispatch-agent")
	}
	if cfg.Poll == 0 {
		cfg.Poll = 2 * time.Second
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.HostName == "" {
		cfg.HostName, _ = os.Hostname()
	}

	handler := cfg.Handler
	if handler == nil {
		rt, err := NewRuntime(cfg.Runtime)
		if err != nil {
			return nil, err
		}
		handler = &CommandHandler{Runtime: rt, WorkDir: cfg.WorkDir}
	}

	client := NewClient(cfg.ServerURL, nil)
	client.SetAgentKey(cfg.AgentKey)
	return &Agent{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "agent"),
	}, nil
}

// Run registers the agent, then heartbeats and serves offers until ctx is
// cancelled.
func (a *Agent) Run(ctx context.Context) error {
	agent, err := a.client.Register(ctx, RegisterRequest{
		ID:        a.cfg.AgentID,
		AccountID: a.cfg.AccountID,
		HostName:  a.cfg.HostName,
		GroupName: a.cfg.GroupName,
	})
	if err != nil {
		return err
	}
	a.logger = a.logger.With("agent_id", agent.ID)

	conn, err := a.client.Heartbeat(ctx, "", a.cfg.Version)
	if err != nil {
		return err
	}

	if len(a.cfg.Criteria) > 0 {
		results := make([]CapabilityResult, 0, len(a.cfg.Criteria))
		for _, c := range a.cfg.Criteria {
			results = append(results, CapabilityResult{Criteria: c, Validated: true})
		}
		if err := a.client.ReportCapabilities(ctx, results); err != nil {
			return err
		}
	}
	a.logger.Info("registered with server", "account_id", agent.AccountID,
		"connection_id", conn.ID, "criteria", len(a.cfg.Criteria))

	go a.heartbeatLoop(ctx, conn.ID)
	return a.offerLoop(ctx)
}

// heartbeatLoop keeps the connection alive, including while a task runs.
func (a *Agent) heartbeatLoop(ctx context.Context, connID string) {
	ticker := time.NewTicker(a.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.client.Heartbeat(ctx, connID, a.cfg.Version); err != nil {
				a.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (a *Agent) offerLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down")
			return nil
		case <-ticker.C:
			if err := a.pollOnce(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("poll error", "error", err)
			}
		}
	}
}

// pollOnce claims and runs the first offer this agent wins.
func (a *Agent) pollOnce(ctx context.Context) error {
	offers, err := a.client.Offers(ctx)
	if err != nil {
		return err
	}
	for _, o := range offers {
		task, err := a.client.Claim(ctx, o.TaskID)
		if errors.Is(err, ErrClaimLost) {
			a.logger.Debug("claim lost", "task_id", o.TaskID)
			continue
		}
		if err != nil {
			a.logger.Warn("claim failed", "task_id", o.TaskID, "error", err)
			continue
		}

		a.logger.Info("task claimed", "task_id", task.ID, "task_type", task.TaskType, "round", o.Round)
		outcome := a.handler.Handle(ctx, task)
		if err := a.client.Complete(ctx, task.ID, outcome); err != nil {
			return err
		}
		a.logger.Info("task completed", "task_id", task.ID, "succeeded", outcome.Succeeded())
		return nil
	}
	return nil
}

// CommandPayload is the payload shape CommandHandler understands.
type CommandPayload struct {
	Command []string          `json:"command"`
	Image   string            `json:"image,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// CommandHandler runs the command named by a task payload in a Runtime.
type CommandHandler struct {
	Runtime Runtime
	WorkDir string
}

// Handle runs the task. A non-zero exit fails the task with the run result
// attached as the error message.
func (h *CommandHandler) Handle(ctx context.Context, task *model.Task) model.Outcome {
	var p CommandPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return model.ErrorOutcome(model.TaskStatusFailed, model.ErrExecution, "invalid payload: "+err.Error(), false)
	}

	dir := filepath.Join(h.WorkDir, task.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.ErrorOutcome(model.TaskStatusFailed, model.ErrExecution, "create work dir: "+err.Error(), false)
	}
	defer os.RemoveAll(dir)

	res, err := h.Runtime.Run(ctx, RunSpec{Image: p.Image, Command: p.Command, WorkDir: dir, Env: p.Env})
	if err != nil {
		return model.ErrorOutcome(model.TaskStatusFailed, model.ErrExecution, err.Error(), false)
	}
	if res.ExitCode != 0 {
		msg := fmt.Sprintf("exit code %d: %s", res.ExitCode, res.Stderr)
		return model.ErrorOutcome(model.TaskStatusFailed, model.ErrExecution, msg, false)
	}
	data, _ := json.Marshal(res)
	return model.SuccessOutcome(data)
}

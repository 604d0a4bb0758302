package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/dispatch/internal/dispatch"
	"github.com/me/dispatch/internal/eligibility"
	"github.com/me/dispatch/pkg/model"
)

// parseCapability parses "type=criteria". Without "=" the whole value is the
// criteria.
func parseCapability(s string) (model.Capability, error) {
	typ, criteria, ok := strings.Cut(s, "=")
	if !ok {
		typ, criteria = "", s
	}
	if criteria == "" {
		return model.Capability{}, fmt.Errorf("invalid capability %q: criteria is empty", s)
	}
	return model.Capability{Type: typ, Criteria: criteria}, nil
}

// loadPayload reads a payload given inline or as @file. Files may be YAML or
// JSON; the result is always JSON.
func loadPayload(arg string) (json.RawMessage, error) {
	if arg == "" {
		return nil, nil
	}
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	if json.Valid(data) {
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return out, nil
}

func newSubmitCmd() *cobra.Command {
	var (
		account  string
		taskType string
		caps     []string
		agents   []string
		payload  string
		async    bool
		force    bool
		timeout  time.Duration
		wait     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task for broadcast to eligible agents",
		Example: `  dispatchd submit --account acct --cap http=https://git.example.com --payload '{"command":["git","ls-remote"]}'
  dispatchd submit --account acct --cap docker --payload @job.yml --wait 2m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := dispatch.SubmitRequest{
				AccountID:               account,
				TaskType:                taskType,
				Async:                   async,
				ForceExecute:            force,
				EligibleAgents:          agents,
				ExecutionTimeoutSeconds: int(timeout / time.Second),
			}
			for _, c := range caps {
				capability, err := parseCapability(c)
				if err != nil {
					return err
				}
				req.Capabilities = append(req.Capabilities, capability)
			}
			p, err := loadPayload(payload)
			if err != nil {
				return err
			}
			req.Payload = p

			resp, err := client.Post(cmd.Context(), "/api/v1/tasks", req)
			if err != nil {
				return fmt.Errorf("submit task: %w", err)
			}
			var task model.Task
			if err := json.Unmarshal(resp.Data, &task); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Task submitted: %s\n", task.ID)
			fmt.Fprintf(out, "  Wait ID:  %s\n", task.WaitID)
			fmt.Fprintf(out, "  Eligible: %s\n", strings.Join(task.EligibleAgents, ", "))
			fmt.Fprintf(out, "  Expires:  %s\n", task.ExpiryAt.Format(time.RFC3339))

			if wait <= 0 {
				return nil
			}
			r, err := waitForResponse(cmd.Context(), task.WaitID, wait)
			if err != nil {
				return err
			}
			printResponse(out, r)
			return nil
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "Account that owns the task (required)")
	cmd.Flags().StringVar(&taskType, "type", "", "Task type label")
	cmd.Flags().StringArrayVar(&caps, "cap", nil, "Required capability as type=criteria (repeatable)")
	cmd.Flags().StringSliceVar(&agents, "agent", nil, "Restrict eligibility to these agent ids")
	cmd.Flags().StringVar(&payload, "payload", "", "Task payload: inline JSON or @file (JSON or YAML)")
	cmd.Flags().BoolVar(&async, "async", false, "Accept the task even when no eligible agent is connected")
	cmd.Flags().BoolVar(&force, "force", false, "Keep the task alive until it is executed")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout (default from server config)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait this long for the outcome after submitting")
	cmd.MarkFlagRequired("account")
	return cmd
}

// waitForResponse long-polls the response endpoint until the outcome
// arrives or total elapses.
func waitForResponse(ctx context.Context, waitID string, total time.Duration) (*model.Response, error) {
	deadline := time.Now().Add(total)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, fmt.Errorf("no outcome for %s after %s", waitID, total)
		}
		poll := min(left, 30*time.Second).Round(time.Second)
		if poll <= 0 {
			poll = time.Second
		}
		resp, err := client.Get(ctx, "/api/v1/responses/"+url.PathEscape(waitID)+"?wait="+poll.String())
		if err != nil {
			return nil, fmt.Errorf("wait for outcome: %w", err)
		}
		if len(resp.Data) == 0 {
			continue
		}
		var r model.Response
		if err := json.Unmarshal(resp.Data, &r); err != nil {
			return nil, fmt.Errorf("parse response: %w", err)
		}
		return &r, nil
	}
}

func printResponse(out io.Writer, r *model.Response) {
	fmt.Fprintf(out, "Outcome for %s: %s\n", r.TaskID, r.Outcome.Status)
	if r.Outcome.Error != nil {
		fmt.Fprintf(out, "  Error:   [%s] %s\n", r.Outcome.Error.Code, r.Outcome.Error.Message)
	}
	if len(r.Outcome.Payload) > 0 {
		fmt.Fprintf(out, "  Payload: %s\n", r.Outcome.Payload)
	}
}

func newStatusCmd() *cobra.Command {
	var explain bool
	cmd := &cobra.Command{
		Use:   "status <task_id>",
		Short: "Show a queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Get(cmd.Context(), "/api/v1/tasks/"+url.PathEscape(id))
			if err != nil {
				return fmt.Errorf("get task: %w", err)
			}
			var task model.Task
			if err := json.Unmarshal(resp.Data, &task); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Task: %s\n", task.ID)
			fmt.Fprintf(out, "  Account:   %s\n", task.AccountID)
			if task.TaskType != "" {
				fmt.Fprintf(out, "  Type:      %s\n", task.TaskType)
			}
			fmt.Fprintf(out, "  Status:    %s\n", task.Status)
			if task.AgentID != "" {
				fmt.Fprintf(out, "  Agent:     %s\n", task.AgentID)
			}
			fmt.Fprintf(out, "  Broadcast: %d (round %d)\n", task.BroadcastCount, task.BroadcastRound)
			fmt.Fprintf(out, "  Eligible:  %s\n", strings.Join(task.EligibleAgents, ", "))
			fmt.Fprintf(out, "  Created:   %s\n", task.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "  Expires:   %s\n", task.ExpiryAt.Format(time.RFC3339))

			if !explain {
				return nil
			}
			resp, err = client.Get(cmd.Context(), "/api/v1/tasks/"+url.PathEscape(id)+"/eligibility")
			if err != nil {
				return fmt.Errorf("explain task: %w", err)
			}
			var exp struct {
				Criteria []eligibility.CriterionMatch `json:"criteria"`
				Reason   string                       `json:"reason"`
			}
			if err := json.Unmarshal(resp.Data, &exp); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Fprintln(out, "  Eligibility:")
			for _, m := range exp.Criteria {
				fmt.Fprintf(out, "    - %s: %s\n", m.Criteria, strings.Join(m.Agents, ", "))
			}
			if exp.Reason != "" {
				fmt.Fprintf(out, "  Reason:    %s\n", exp.Reason)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&explain, "explain", false, "Also show which agents satisfy each criterion")
	return cmd
}

func newListCmd() *cobra.Command {
	var account, status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued and running tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if account != "" {
				q.Set("account_id", account)
			}
			if status != "" {
				q.Set("status", strings.ToUpper(status))
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			path := "/api/v1/tasks"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			resp, err := client.Get(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			var tasks []model.Task
			if err := json.Unmarshal(resp.Data, &tasks); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No tasks found.")
				return nil
			}

			fmt.Fprintf(out, "%-42s  %-10s  %-16s  %-9s  %s\n", "ID", "STATUS", "ACCOUNT", "BROADCAST", "EXPIRES")
			fmt.Fprintf(out, "%-42s  %-10s  %-16s  %-9s  %s\n", "--", "------", "-------", "---------", "-------")
			for _, t := range tasks {
				fmt.Fprintf(out, "%-42s  %-10s  %-16s  %-9d  %s\n",
					t.ID, t.Status, t.AccountID, t.BroadcastCount, t.ExpiryAt.Format(time.RFC3339))
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(tasks), resp.Pagination.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Only tasks of this account")
	cmd.Flags().StringVar(&status, "status", "", "Only tasks in this status (queued, started, ...)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum tasks to show")
	return cmd
}

func newAbortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <task_id>",
		Short: "Abort a task; its waiter is told on the next expiry pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Put(cmd.Context(), "/api/v1/tasks/"+url.PathEscape(id)+"/abort", nil)
			if err != nil {
				return fmt.Errorf("abort task: %w", err)
			}
			var data struct {
				Status model.TaskStatus `json:"status"`
			}
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s: %s\n", id, data.Status)
			return nil
		},
	}
}

func newResponseCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "response <wait_id>",
		Short: "Show the outcome delivered for a wait id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r *model.Response
			if wait > 0 {
				var err error
				if r, err = waitForResponse(cmd.Context(), args[0], wait); err != nil {
					return err
				}
			} else {
				resp, err := client.Get(cmd.Context(), "/api/v1/responses/"+url.PathEscape(args[0]))
				if err != nil {
					return fmt.Errorf("get response: %w", err)
				}
				r = new(model.Response)
				if err := json.Unmarshal(resp.Data, r); err != nil {
					return fmt.Errorf("parse response: %w", err)
				}
			}
			printResponse(cmd.OutOrStdout(), r)
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait this long for the outcome")
	return cmd
}

package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/dispatch/pkg/model"
)

func newAgentsCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List an account's agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/agents?account_id="+url.QueryEscape(account))
			if err != nil {
				return fmt.Errorf("list agents: %w", err)
			}
			var agents []model.Agent
			if err := json.Unmarshal(resp.Data, &agents); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(agents) == 0 {
				fmt.Fprintln(out, "No agents found.")
				return nil
			}
			fmt.Fprintf(out, "%-40s  %-24s  %-9s  %-9s  %s\n", "ID", "HOST", "STATUS", "CONNECTED", "LAST HEARTBEAT")
			fmt.Fprintf(out, "%-40s  %-24s  %-9s  %-9s  %s\n", "--", "----", "------", "---------", "--------------")
			for _, a := range agents {
				hb := "-"
				if !a.LastHeartbeat.IsZero() {
					hb = a.LastHeartbeat.Format(time.RFC3339)
				}
				fmt.Fprintf(out, "%-40s  %-24s  %-9s  %-9t  %s\n", a.ID, a.DisplayName(), a.Status, a.Connected, hb)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Account whose agents to list (required)")
	cmd.MarkFlagRequired("account")

	cmd.AddCommand(
		newAgentStatusCmd("enable", model.AgentStatusEnabled),
		newAgentStatusCmd("disable", model.AgentStatusDisabled),
	)
	return cmd
}

// newAgentStatusCmd builds "agents enable" and "agents disable". Disabled
// agents leave every eligibility ring.
func newAgentStatusCmd(use string, status model.AgentStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <agent_id>",
		Short: fmt.Sprintf("Set an agent's status to %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Put(cmd.Context(), "/api/v1/agents/"+url.PathEscape(args[0])+"/status",
				map[string]any{"status": status})
			if err != nil {
				return fmt.Errorf("set agent status: %w", err)
			}
			var a model.Agent
			if err := json.Unmarshal(resp.Data, &a); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Agent %s: %s\n", a.ID, a.Status)
			return nil
		},
	}
}

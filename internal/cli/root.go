package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/dispatch/internal/config"
	"github.com/me/dispatch/internal/logging"
)

var (
	flagConfig    string
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	appConfig config.Config
	logger    *slog.Logger
	client    *Client
)

// defaultServer returns the default server URL, checking DISPATCH_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("DISPATCH_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for dispatchd.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dispatchd",
		Short: "Dispatch: broadcast tasks to remote agents and expire what they never finish",
		Long: "dispatchd runs the dispatch control plane (serve, migrate, tick) and " +
			"talks to a running server (submit, status, list, abort, agents, response).",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Server.LogLevel = flagLogLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Server.LogFormat = flagLogFormat
			}
			if flagDebug {
				cfg.Server.LogLevel = "debug"
			}
			appConfig = cfg
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(cfg.Server.LogLevel), cfg.Server.LogFormat, cmd.ErrOrStderr())
			client = NewClient(flagServer, logger)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to YAML config file (watched for changes by serve)")
	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Dispatch server URL (or DISPATCH_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newTickCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newAbortCmd(),
		newAgentsCmd(),
		newResponseCmd(),
	)

	return root
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/me/dispatch/internal/agentclient"
	"github.com/me/dispatch/internal/logging"
)

func main() {
	var cfg agentclient.Config

	// Server connection flags.
	flag.StringVar(&cfg.ServerURL, "server", "http://localhost:8080", "Dispatch server URL")
	flag.StringVar(&cfg.AgentKey, "key", os.Getenv("DISPATCH_AGENT_KEY"), "Agent key sent as X-Agent-Key (or DISPATCH_AGENT_KEY env)")
	flag.StringVar(&cfg.AccountID, "account", "", "Account this agent serves (required)")
	flag.StringVar(&cfg.AgentID, "id", "", "Agent id to reuse across restarts (default: assigned by server)")
	flag.StringVar(&cfg.HostName, "host", "", "Host name reported to the server (default: hostname)")
	flag.StringVar(&cfg.GroupName, "group", "", "Agent group name")
	criteria := flag.String("criteria", "", "Comma-separated capability keys this agent has validated, e.g. http:https://git.example.com")

	// Execution flags.
	flag.StringVar(&cfg.Runtime, "runtime", "none", "Container runtime (docker, none)")
	flag.StringVar(&cfg.WorkDir, "workdir", "", "Local working directory (default: $TMPDIR/dispatch-agent)")
	flag.DurationVar(&cfg.Poll, "poll", 2*time.Second, "Offer poll interval")
	flag.DurationVar(&cfg.Heartbeat, "heartbeat", 30*time.Second, "Heartbeat interval")

	// Logging flags.
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		*logLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(*logLevel), *logFormat)

	for _, c := range strings.Split(*criteria, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cfg.Criteria = append(cfg.Criteria, c)
		}
	}
	cfg.Version = version

	a, err := agentclient.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init agent: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting agent",
		"server", cfg.ServerURL,
		"account", cfg.AccountID,
		"runtime", cfg.Runtime,
		"poll", cfg.Poll,
	)

	if err := a.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agent error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("agent stopped")
}

// version is reported with every heartbeat; set with -ldflags "-X main.version=...".
var version = "dev"

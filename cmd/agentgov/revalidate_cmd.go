package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/Mindburn-Labs/agentgov/pkg/policy"
	"github.com/Mindburn-Labs/agentgov/pkg/revalidation"
)

// runRevalidateCmd sweeps governed agents once and prints the summary.
// Without --hash each workspace is checked against its own current policy.
// Exit code 1 means at least one agent was invalidated.
func runRevalidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("revalidate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		hash       string
		workspace  string
	)
	cmd.StringVar(&configPath, "config", "", "Path to a YAML config file")
	cmd.StringVar(&hash, "hash", "", "Policy hash to check against (default: each workspace's current snapshot)")
	cmd.StringVar(&workspace, "workspace", "", "Restrict the sweep to one workspace")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	slog.SetDefault(newLogger(cfg, stderr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := newApp(ctx, cfg, io.Discard)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = a.Close(context.Background()) }()

	var summary *revalidation.Summary
	switch {
	case workspace == "" && hash == "":
		summary, err = a.workflow.ExecuteCurrent(ctx, policy.CurrentHash(a.source))
	case workspace == "":
		summary, err = a.workflow.ExecuteRevalidation(ctx, hash)
	default:
		if hash == "" {
			if hash, err = policy.CurrentHash(a.source)(ctx, workspace); err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: fetch policy: %v\n", err)
				return 1
			}
		}
		summary, err = a.workflow.ExecuteWorkspace(ctx, workspace, hash)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: revalidation: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if summary.Invalidated > 0 {
		return 1
	}
	return 0
}

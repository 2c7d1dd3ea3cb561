package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ipiton/zoho-airtable-sync/internal/app"
)

var (
	daemonModules  string
	daemonInterval string
	daemonDryRun   bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Poll a set of modules on an interval and serve webhook ingest until signalled",
	RunE: func(c *cobra.Command, args []string) error {
		modules := splitModules(daemonModules)
		if len(modules) == 0 {
			return withCode(fmt.Errorf("config-invalid: --modules is required"), ExitConfigOrAuth)
		}

		a, err := loadApp()
		if err != nil {
			return err
		}
		a.Executor.Config.DryRun = daemonDryRun

		interval := a.Config.Sync.PollInterval
		if daemonInterval != "" {
			parsed, err := time.ParseDuration(daemonInterval)
			if err != nil {
				return withCode(fmt.Errorf("config-invalid: --interval: %w", err), ExitConfigOrAuth)
			}
			interval = parsed
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		for _, m := range modules {
			if _, err := a.Registry.EnsureInitialized(ctx, m); err != nil {
				return withCode(fmt.Errorf("registry-empty: module %q: %w", m, err), ExitRegistryFailed)
			}
		}
		a.Registry.Start(ctx)

		webhookErr := make(chan error, 1)
		go func() { webhookErr <- a.ServeWebhooks(ctx) }()

		pollErr := make(chan error, 1)
		go func() { pollErr <- runPollLoop(ctx, a, modules, interval) }()

		select {
		case err := <-webhookErr:
			if err != nil {
				return withCode(err, ExitFatal)
			}
		case err := <-pollErr:
			if err != nil {
				return withCode(err, ExitFatal)
			}
		case <-ctx.Done():
		}
		return nil
	},
}

func init() {
	daemonCmd.Flags().StringVar(&daemonModules, "modules", "", "comma-separated list of modules to poll (required)")
	daemonCmd.Flags().StringVar(&daemonInterval, "interval", "", "poll interval as a Go duration (e.g. 5m); defaults to the configured poll interval")
	daemonCmd.Flags().BoolVar(&daemonDryRun, "dry-run", false, "classify but don't write")
}

func splitModules(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// runPollLoop drives one RunPoll per configured module every interval,
// until ctx is cancelled. A failed module's error is logged, not fatal,
// so one bad module never stalls the rest of the fleet.
func runPollLoop(ctx context.Context, a *app.App, modules []string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, m := range modules {
			summary, err := a.Scheduler.RunPoll(ctx, m)
			if err != nil {
				a.Log.Error("poll run failed", "module", m, "error", err)
				continue
			}
			if verbose {
				printSummary(summary, verbose)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

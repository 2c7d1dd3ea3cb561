package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ipiton/zoho-airtable-sync/internal/model"
)

var (
	bulkSyncModule string
	bulkSyncRecord string
	bulkSyncDryRun bool
)

var bulkSyncCmd = &cobra.Command{
	Use:   "bulk-sync",
	Short: "Run one full-inventory (or single-record) sync for a module",
	RunE: func(c *cobra.Command, args []string) error {
		if bulkSyncModule == "" {
			return withCode(fmt.Errorf("config-invalid: --module is required"), ExitConfigOrAuth)
		}

		a, err := loadApp()
		if err != nil {
			return err
		}
		a.Executor.Config.DryRun = bulkSyncDryRun

		ctx := context.Background()
		if _, err := a.Registry.EnsureInitialized(ctx, bulkSyncModule); err != nil {
			return withCode(fmt.Errorf("registry-empty: %w", err), ExitRegistryFailed)
		}

		var summary *model.RunSummary
		if bulkSyncRecord != "" {
			summary, err = a.Scheduler.RunSingle(ctx, bulkSyncModule, model.SystemSource, bulkSyncRecord)
		} else {
			summary, err = a.Scheduler.RunBulk(ctx, bulkSyncModule)
		}
		if err != nil {
			return withCode(err, ExitFatal)
		}

		printSummary(summary, verbose)
		return nil
	},
}

func init() {
	bulkSyncCmd.Flags().StringVar(&bulkSyncModule, "module", "", "canonical module name to sync (required)")
	bulkSyncCmd.Flags().StringVar(&bulkSyncRecord, "record", "", "restrict the run to one source record id, skipping inventory listing")
	bulkSyncCmd.Flags().BoolVar(&bulkSyncDryRun, "dry-run", false, "classify but don't write")
}

func printSummary(summary *model.RunSummary, verbose bool) {
	fmt.Printf("module=%s started=%s finished=%s\n", summary.Module, summary.StartedAt.Format("15:04:05"), summary.FinishedAt.Format("15:04:05"))
	for _, bucket := range []model.Bucket{
		model.BucketNewInDatastore, model.BucketNewInSource, model.BucketSourceNewer,
		model.BucketDatastoreNewer, model.BucketNoSync, model.BucketConflicts,
	} {
		stats := summary.Buckets[bucket]
		if stats == nil {
			continue
		}
		fmt.Printf("  %-16s planned=%-4d applied=%-4d failed=%-4d skipped=%-4d suppressed=%-4d\n",
			bucket, stats.Planned, stats.Applied, stats.Failed, stats.Skipped, stats.Suppressed)
	}
	fmt.Printf("  %-16s planned=%-4d applied=%-4d failed=%-4d\n",
		"ORPHANS", summary.Orphans.Planned, summary.Orphans.Applied, summary.Orphans.Failed)
}

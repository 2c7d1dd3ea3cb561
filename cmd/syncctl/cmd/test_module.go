package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ipiton/zoho-airtable-sync/internal/model"
	"github.com/ipiton/zoho-airtable-sync/internal/planner"
	"github.com/ipiton/zoho-airtable-sync/internal/registry"
	"github.com/ipiton/zoho-airtable-sync/internal/remote"
	"github.com/ipiton/zoho-airtable-sync/internal/scheduler"
)

var testModuleCmd = &cobra.Command{
	Use:   "test-module MODULE",
	Short: "Check a module end to end: registry bootstrap, remote auth, and a dry-run plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		module := args[0]

		a, err := loadApp()
		if err != nil {
			return err
		}

		ctx := context.Background()
		mapping, err := stage(c, "registry bootstrap", func() (registry.Mapping, error) {
			return a.Registry.EnsureInitialized(ctx, module)
		})
		if err != nil {
			return withCode(fmt.Errorf("registry-empty: %w", err), ExitRegistryFailed)
		}

		if _, err := stage(c, "source auth", func() (remote.ModuleMetadata, error) {
			return a.SourceClient.ListMetadata(ctx, module)
		}); err != nil {
			return withCode(fmt.Errorf("auth-error: source: %w", err), ExitConfigOrAuth)
		}

		if _, err := stage(c, "datastore auth", func() (remote.ModuleMetadata, error) {
			return a.DatastoreClient.ListMetadata(ctx, module)
		}); err != nil {
			return withCode(fmt.Errorf("auth-error: datastore: %w", err), ExitConfigOrAuth)
		}

		sourcePage, err := stage(c, "source sample page", func() (remote.Page, error) {
			return a.SourceClient.ListAll(ctx, module, "")
		})
		if err != nil {
			return withCode(err, ExitFatal)
		}
		datastorePage, err := stage(c, "datastore sample page", func() (remote.Page, error) {
			return a.DatastoreClient.ListAll(ctx, module, "")
		})
		if err != nil {
			return withCode(err, ExitFatal)
		}

		source := toEntries(sourcePage.Records, model.SystemSource, mapping)
		datastore := toEntries(datastorePage.Records, model.SystemDatastore, mapping)
		opts := planner.DefaultOptions()
		opts.FullInventory = true
		plan := planner.Classify(module, source, datastore, opts)

		fmt.Fprintf(c.OutOrStdout(), "dry-run plan: %d source, %d datastore, %d pairings classified\n",
			len(source), len(datastore), len(plan.Pairings))
		for bucket, pairings := range plan.ByBucket() {
			fmt.Fprintf(c.OutOrStdout(), "  %-16s %d\n", bucket, len(pairings))
		}
		return nil
	},
}

// stage runs one check, printing its pass/fail to the command's output.
func stage[T any](c *cobra.Command, name string, fn func() (T, error)) (T, error) {
	start := time.Now()
	result, err := fn()
	elapsed := time.Since(start)
	if err != nil {
		fmt.Fprintf(c.ErrOrStderr(), "FAIL  %-24s (%s): %v\n", name, elapsed.Round(time.Millisecond), err)
		return result, err
	}
	fmt.Fprintf(c.OutOrStdout(), "PASS  %-24s (%s)\n", name, elapsed.Round(time.Millisecond))
	return result, nil
}

func toEntries(records []model.Record, system model.System, mapping registry.Mapping) []model.InventoryEntry {
	entries := make([]model.InventoryEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, scheduler.ToInventoryEntry(r, system, mapping))
	}
	return entries
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	exportMappingsModule string
	exportMappingsOut    string
)

var exportMappingsCmd = &cobra.Command{
	Use:   "export-mappings",
	Short: "Dump a module's resolved field-mapping snapshot as JSON",
	RunE: func(c *cobra.Command, args []string) error {
		if exportMappingsModule == "" {
			return withCode(fmt.Errorf("config-invalid: --module is required"), ExitConfigOrAuth)
		}

		a, err := loadApp()
		if err != nil {
			return err
		}

		mapping, err := a.Registry.EnsureInitialized(context.Background(), exportMappingsModule)
		if err != nil {
			return withCode(fmt.Errorf("registry-empty: %w", err), ExitRegistryFailed)
		}

		encoded, err := json.MarshalIndent(mapping, "", "  ")
		if err != nil {
			return withCode(err, ExitFatal)
		}

		if exportMappingsOut == "" {
			fmt.Println(string(encoded))
			return nil
		}
		if err := os.WriteFile(exportMappingsOut, append(encoded, '\n'), 0o644); err != nil {
			return withCode(err, ExitFatal)
		}
		return nil
	},
}

func init() {
	exportMappingsCmd.Flags().StringVar(&exportMappingsModule, "module", "", "canonical module name to export (required)")
	exportMappingsCmd.Flags().StringVar(&exportMappingsOut, "out", "", "file to write the mapping to; defaults to stdout")
}

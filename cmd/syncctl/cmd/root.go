// Package cmd implements the syncctl CLI surface described in §4.10:
// bulk-sync, daemon, export-mappings and test-module, each building the
// reconciliation core from the same loaded configuration.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ipiton/zoho-airtable-sync/internal/app"
	"github.com/ipiton/zoho-airtable-sync/internal/config"
)

// Exit codes, per §6.
const (
	ExitOK             = 0
	ExitFatal          = 1
	ExitConfigOrAuth   = 2
	ExitRegistryFailed = 3
)

var (
	engineConfigPath    string
	sourceConfigPath    string
	datastoreConfigPath string
	verbose             bool
)

var rootCmd = &cobra.Command{
	Use:   "syncctl",
	Short: "Reconciles records between the CRM of record and the datastore",
	Long: `syncctl drives the bidirectional reconciliation engine between the CRM
of record and the flexible relational datastore.

Exit codes:
  0: success
  1: fatal error
  2: configuration or authentication failure
  3: field-mapping registry failure
`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&engineConfigPath, "config", "", "path to the engine config JSON file")
	rootCmd.PersistentFlags().StringVar(&sourceConfigPath, "source-config", "", "path to the source remote's credentials JSON file")
	rootCmd.PersistentFlags().StringVar(&datastoreConfigPath, "datastore-config", "", "path to the datastore remote's credentials JSON file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "in daemon mode, print each poll run's summary (bulk-sync always prints it); no per-item lines are logged")

	rootCmd.AddCommand(bulkSyncCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(exportMappingsCmd)
	rootCmd.AddCommand(testModuleCmd)
}

// Execute runs the root command, returning the process exit code to use.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if code, ok := err.(exitCoder); ok {
			return code.ExitCode()
		}
		return ExitFatal
	}
	return ExitOK
}

// exitCoder lets a subcommand's returned error carry a specific exit code
// instead of always falling back to ExitFatal.
type exitCoder interface {
	error
	ExitCode() int
}

type coded struct {
	err  error
	code int
}

func (c *coded) Error() string { return c.err.Error() }
func (c *coded) ExitCode() int { return c.code }

func withCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return &coded{err: err, code: code}
}

func loadApp() (*app.App, error) {
	cfg, err := config.Load(engineConfigPath, sourceConfigPath, datastoreConfigPath)
	if err != nil {
		return nil, withCode(err, ExitConfigOrAuth)
	}
	built, err := app.Build(cfg)
	if err != nil {
		return nil, withCode(err, ExitFatal)
	}
	return built, nil
}

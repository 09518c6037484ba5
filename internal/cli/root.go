package cli

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/feral-file/ff-ecash-ledger/internal/migration"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	EnvPath    string
	Format     string // "json" | "text"
}

// MigrationRunner is the part of the migration engine the CLI drives
type MigrationRunner interface {
	Registry() *migration.Registry
	Preview(ctx context.Context, name string) (*migration.Preview, error)
	Status(ctx context.Context, name string) (*migration.Status, error)
	Up(ctx context.Context, name string) (*migration.RunResult, error)
	Down(ctx context.Context, name string) (*migration.RunResult, error)
	Reset(ctx context.Context, name string, staleAfter time.Duration) (*migration.Status, error)
}

// Opener builds the runner once flags are parsed. The returned func releases it.
type Opener func(ctx context.Context, opts *RootOptions) (MigrationRunner, func(), error)

// NewRootCommand creates the root command of the migration CLI.
func NewRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ledger-migrate",
		Short: "Inspect and run token ledger migrations",
		Long: `Inspect and run versioned corrections of token records.

Every run snapshots the records it changes so it can be rolled back with down.
Runs that write require --confirm.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "path to configuration file")
	cmd.PersistentFlags().StringVar(&opts.EnvPath, "env", "config/", "path to environment files")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	// Add subcommands
	cmd.AddCommand(NewListCommand(opts, open))
	cmd.AddCommand(NewPreviewCommand(opts, open))
	cmd.AddCommand(NewStatusCommand(opts, open))
	cmd.AddCommand(NewUpCommand(opts, open))
	cmd.AddCommand(NewDownCommand(opts, open))
	cmd.AddCommand(NewResetCommand(opts, open))

	return cmd
}

func withRunner(cmd *cobra.Command, opts *RootOptions, open Opener, fn func(MigrationRunner) error) error {
	runner, release, err := open(cmd.Context(), opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger store", err)
	}
	defer release()
	return fn(runner)
}

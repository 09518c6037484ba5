package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/feral-file/ff-ecash-ledger/internal/migration"
)

type migrationInfo struct {
	Name        string `json:"name"`
	Version     int    `json:"version"`
	Description string `json:"description"`
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions, open Opener) *cobra.Command {
	return &cobra.Command{
		Use:          "list",
		Short:        "List known migrations",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			return withRunner(cmd, rootOpts, open, func(r MigrationRunner) error {
				var infos []migrationInfo
				var b strings.Builder
				for _, m := range r.Registry().List() {
					infos = append(infos, migrationInfo{Name: m.Name(), Version: m.Version(), Description: m.Description()})
					fmt.Fprintf(&b, "%s (v%d)  %s\n", m.Name(), m.Version(), m.Description())
				}
				return out.Result(infos, strings.TrimRight(b.String(), "\n"))
			})
		},
	}
}

// NewPreviewCommand creates the preview command.
func NewPreviewCommand(rootOpts *RootOptions, open Opener) *cobra.Command {
	return &cobra.Command{
		Use:          "preview <migration>",
		Short:        "Show what a migration would change without writing",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			return withRunner(cmd, rootOpts, open, func(r MigrationRunner) error {
				p, err := r.Preview(cmd.Context(), args[0])
				if err != nil {
					return out.Failure(ExitFailure, "preview failed", err)
				}
				return out.Result(p, previewText(p))
			})
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions, open Opener) *cobra.Command {
	return &cobra.Command{
		Use:          "status <migration>",
		Short:        "Show the recorded state of a migration",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			return withRunner(cmd, rootOpts, open, func(r MigrationRunner) error {
				s, err := r.Status(cmd.Context(), args[0])
				if err != nil {
					return out.Failure(ExitFailure, "status failed", err)
				}
				return out.Result(s, statusText(s))
			})
		},
	}
}

// NewUpCommand creates the up command.
func NewUpCommand(rootOpts *RootOptions, open Opener) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "up <migration>",
		Short: "Run a migration",
		Long: `Run a migration. The records it changes are snapshotted first.

Without --confirm the preview is printed and nothing is written.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			return withRunner(cmd, rootOpts, open, func(r MigrationRunner) error {
				if !confirm {
					p, err := r.Preview(cmd.Context(), args[0])
					if err != nil {
						return out.Failure(ExitFailure, "preview failed", err)
					}
					if err := out.Result(p, previewText(p)); err != nil {
						return err
					}
					return NewExitError(ExitFailure, "refusing to run without --confirm")
				}
				res, err := r.Up(cmd.Context(), args[0])
				if err != nil {
					return out.Failure(ExitFailure, "migration failed", err)
				}
				return out.Result(res, runText(res))
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "apply the migration")
	return cmd
}

// NewDownCommand creates the down command.
func NewDownCommand(rootOpts *RootOptions, open Opener) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:          "down <migration>",
		Short:        "Roll back a completed migration from its snapshot",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			if !confirm {
				return out.Failure(ExitFailure, "refusing to roll back without --confirm", nil)
			}
			return withRunner(cmd, rootOpts, open, func(r MigrationRunner) error {
				res, err := r.Down(cmd.Context(), args[0])
				if err != nil {
					return out.Failure(ExitFailure, "rollback failed", err)
				}
				return out.Result(res, runText(res))
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "restore the snapshot")
	return cmd
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions, open Opener) *cobra.Command {
	var (
		confirm    bool
		staleAfter time.Duration
	)
	cmd := &cobra.Command{
		Use:   "reset <migration>",
		Short: "Mark a migration left running by a dead process as failed",
		Long: `Mark a running migration as failed so up can claim it again.

Only claims older than --stale-after are reset. A run is applied in a single
transaction, so a process that died mid-run left no partial writes.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(cmd, rootOpts)
			if !confirm {
				return out.Failure(ExitFailure, "refusing to reset without --confirm", nil)
			}
			return withRunner(cmd, rootOpts, open, func(r MigrationRunner) error {
				s, err := r.Reset(cmd.Context(), args[0], staleAfter)
				if err != nil {
					return out.Failure(ExitFailure, "reset failed", err)
				}
				return out.Result(s, statusText(s))
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "reset the migration state")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", time.Hour, "minimum age of the running claim")
	return cmd
}

func formatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
}

func previewText(p *migration.Preview) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (v%d): %d tokens, amount %d, %d owners",
		p.Name, p.Version, p.TokensToMigrate, p.AmountToMigrate, p.OwnersAffected)

	owners := make([]string, 0, len(p.ByOwner))
	for owner := range p.ByOwner {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	for _, owner := range owners {
		impact := p.ByOwner[owner]
		fmt.Fprintf(&b, "\n  %s: %d tokens, amount %d", owner, impact.Tokens, impact.Amount)
	}
	return b.String()
}

func statusText(s *migration.Status) string {
	text := fmt.Sprintf("%s (v%d): %s, affected %d, remaining %d, backup %t",
		s.Name, s.Version, s.Status, s.AffectedCount, s.Remaining, s.HasBackup)
	if s.Error != nil {
		text += "\nlast error: " + *s.Error
	}
	return text
}

func runText(res *migration.RunResult) string {
	return fmt.Sprintf("✓ %s (v%d): %s, %d records in %s",
		res.Name, res.Version, res.Status, res.AffectedCount, res.Duration)
}

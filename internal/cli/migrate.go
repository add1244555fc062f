package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tourcraft/relances/internal/errors"
	"github.com/tourcraft/relances/internal/logger"
	"github.com/tourcraft/relances/internal/migration"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	Action   string
	PageSize int
	DryRun   bool
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Repair duplicate relances and backfill missing statuses",
		Long: `Run the resumable relance migration.

The duplicate pass completes (or deletes) every surplus automatic relance,
then the backfill gives each legacy record an explicit status. Progress is
checkpointed after every page: an interrupted run resumes where it stopped.

Example:
  relances migrate --dry-run
  relances migrate --action delete --page-size 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Action, "action", "", "duplicate handling: complete or delete (default from config)")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 0, "records per page (default from config)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report what would change without writing")

	cmd.AddCommand(newMigrateControlCommand(rootOpts, "status", "Show the migration checkpoint", nil))
	cmd.AddCommand(newMigrateControlCommand(rootOpts, "pause", "Pause a running migration", (*migration.Runner).Pause))
	cmd.AddCommand(newMigrateControlCommand(rootOpts, "resume", "Resume a paused migration", (*migration.Runner).Resume))
	cmd.AddCommand(newMigrateControlCommand(rootOpts, "cancel", "Cancel the migration and discard its checkpoint", (*migration.Runner).Cancel))

	return cmd
}

func runMigrate(cmd *cobra.Command, opts *MigrateOptions) error {
	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := a.migrationRunner(opts.DryRun, opts.Action, opts.PageSize).Run(ctx)
	if err != nil {
		if report != nil && (errors.Is(err, migration.ErrInterrupted) || errors.Is(err, context.Canceled)) {
			a.log.Warn("migration interrupted, checkpoint kept", logger.Error(err))
			return printMigrationReport(cmd, opts.RootOptions, report)
		}
		return err
	}
	return printMigrationReport(cmd, opts.RootOptions, report)
}

func printMigrationReport(cmd *cobra.Command, opts *RootOptions, r *migration.Report) error {
	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(out, r)
	}
	mode := ""
	if r.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(out, "run %s%s\n", r.RunID, mode)
	fmt.Fprintf(out, "  processed:        %d\n", r.Processed)
	fmt.Fprintf(out, "  backfilled:       %d\n", r.Backfilled)
	fmt.Fprintf(out, "  duplicate groups: %d\n", r.DuplicateGroups)
	fmt.Fprintf(out, "  removed:          %d\n", r.Removed)
	fmt.Fprintf(out, "  duration:         %s\n", r.Duration)
	return nil
}

func newMigrateControlCommand(rootOpts *RootOptions, use, short string, action func(*migration.Runner) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			runner := a.migrationRunner(false, "", 0)
			if action != nil {
				if err := action(runner); err != nil {
					return err
				}
			}
			state, err := runner.State()
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), state)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "state: %s\n", state.State)
			if state.RunID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "run:   %s\n", state.RunID)
			}
			if state.Cursor != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "cursor: %s\n", state.Cursor)
			}
			return nil
		},
	}
}

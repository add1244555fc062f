package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tourcraft/relances/internal/migration"
)

const auditPageSize = 500

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Report duplicates, creation bursts and status drift",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := migration.Audit(cmd.Context(), a.relances, auditPageSize, a.log.Named("audit"))
			if err != nil {
				return err
			}
			if err := printAudit(cmd, rootOpts, report); err != nil {
				return err
			}
			if strict && !report.Healthy() {
				return fmt.Errorf("audit found records to repair")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero unless the table is healthy")
	return cmd
}

func printAudit(cmd *cobra.Command, opts *RootOptions, r *migration.AuditReport) error {
	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(out, map[string]any{"healthy": r.Healthy(), "report": r})
	}
	fmt.Fprintf(out, "relances:         %d (%d pending, %d completed, %d automatic)\n",
		r.Total, r.Pending, r.Completed, r.Automatic)
	fmt.Fprintf(out, "missing status:   %d\n", r.MissingStatus)
	fmt.Fprintf(out, "duplicate groups: %d\n", len(r.DuplicateGroups))
	for _, g := range r.DuplicateGroups {
		fmt.Fprintf(out, "  %s: %d extra\n", g.Key, len(g.Extra))
	}
	fmt.Fprintf(out, "bursts:           %d\n", len(r.Bursts))
	for _, b := range r.Bursts {
		fmt.Fprintf(out, "  %s/%s at %s: %d created\n", b.EntityType, b.EntityID, b.Minute.Format("2006-01-02 15:04"), b.Count)
	}
	fmt.Fprintf(out, "drift:            %d\n", len(r.Drift))
	if r.Healthy() {
		fmt.Fprintln(out, "healthy")
	}
	return nil
}

package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tourcraft/relances/internal/datastore/v2/repository"
	"github.com/tourcraft/relances/internal/relance"
)

// NewRulesCommand creates the rules command and its subcommands.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	var appliesTo string

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List the relance rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			types, err := a.types.ListTypes(cmd.Context(), repository.RelanceTypeFilter{AppliesTo: appliesTo})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return writeJSON(out, types)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tENTITY\tPRIORITY\tDELAY\tENABLED\tLABEL")
			for i := range types {
				t := &types[i]
				fmt.Fprintf(w, "%s\t%s\t%s\t%dd\t%t\t%s\n", t.Key, t.AppliesTo, t.Priority, t.DelayDays, t.Enabled, t.Label)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&appliesTo, "applies-to", "", "only rules of this entity type")

	cmd.AddCommand(newToggleRuleCommand(rootOpts, "enable", true))
	cmd.AddCommand(newToggleRuleCommand(rootOpts, "disable", false))
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Restore the built-in rules to their defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := relance.ResetDefaultTypes(cmd.Context(), a.types, a.log); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d built-in rules restored\n", len(relance.DefaultTypes()))
			return nil
		},
	})
	return cmd
}

func newToggleRuleCommand(rootOpts *RootOptions, use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <rule-key>",
		Short: fmt.Sprintf("%s a rule; existing relances are kept", use),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.types.GetTypeByKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := a.types.ToggleType(cmd.Context(), t.ID, enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rule %s %sd\n", t.Key, use)
			return nil
		},
	}
}

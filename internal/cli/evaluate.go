package cli

import (
	"fmt"
	"sort"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tourcraft/relances/internal/jobs"
	"github.com/tourcraft/relances/internal/relance"
)

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	var enqueue bool

	cmd := &cobra.Command{
		Use:   "evaluate <entity-type> <entity-id>",
		Short: "Evaluate one entity against the enabled rules",
		Long: `Evaluate one mirrored entity now and print the relances created,
updated or completed. With --enqueue the evaluation is handed to the job
queue instead.

Example:
  relances evaluate concert 123
  relances evaluate contact 42 --enqueue`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if enqueue {
				client := asynq.NewClient(a.asynqRedis())
				defer client.Close()
				queued, err := jobs.NewEnqueuer(client, a.settings.Queue.UniqueFor.Std(), a.log).
					EnqueueEvaluation(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				if queued {
					fmt.Fprintf(cmd.OutOrStdout(), "evaluation of %s/%s queued\n", args[0], args[1])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "evaluation of %s/%s already queued\n", args[0], args[1])
				}
				return nil
			}

			rt, stop, err := a.startRuntime(cmd.Context(), prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer stop()

			ev, err := rt.Engine.EvaluateEntity(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printEvaluation(cmd, rootOpts, ev)
		},
	}
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "queue the evaluation instead of running it here")
	return cmd
}

func printEvaluation(cmd *cobra.Command, opts *RootOptions, ev *relance.Evaluation) error {
	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(out, ev)
	}
	fmt.Fprintf(out, "%s/%s", ev.EntityType, ev.EntityID)
	if ev.Deleted {
		fmt.Fprint(out, " (deleted)")
	}
	fmt.Fprintln(out)
	if ev.Result != nil {
		fmt.Fprintf(out, "  created:   %d\n", ev.Result.Created)
		fmt.Fprintf(out, "  updated:   %d\n", ev.Result.Updated)
		fmt.Fprintf(out, "  completed: %d\n", ev.Result.Completed)
		fmt.Fprintf(out, "  blocked:   %d\n", ev.Result.Blocked)
		for _, key := range ev.Result.Violations {
			fmt.Fprintf(out, "  violation: %s\n", key)
		}
	}
	keys := make([]string, 0, len(ev.RuleErrors))
	for k := range ev.RuleErrors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  rule %s failed: %s\n", k, ev.RuleErrors[k])
	}
	return nil
}

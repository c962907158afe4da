package main

import (
	"github.com/spf13/cobra"
)

func newSelectCmd(a *app) *cobra.Command {
	var ff *filterFlags
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Show which tasks are ready to run",
		Long: `Select prints the tasks whose dependencies are satisfied, in run order,
along with blocked tasks and the reason each one is held back.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filters, err := ff.filters(a)
			if err != nil {
				return err
			}
			if err := a.openStore(ctx); err != nil {
				return err
			}
			plan, err := a.selector().SelectTasks(ctx, filters)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(plan)
			}
			printPlan(a.stdout, plan)
			return nil
		},
	}
	ff = addFilterFlags(cmd)
	return cmd
}

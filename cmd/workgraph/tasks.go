package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/workgraph/internal/taskfile"
)

func newTasksCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage the task graph",
	}
	cmd.AddCommand(newTasksImportCmd(a))
	return cmd
}

func newTasksImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Import tasks and dependencies from a YAML or JSON task file",
		Long: `Import writes every task in FILE to the store, then its dependency
edges and missing context comments. Importing the same file again
updates the tasks in place without duplicating edges or comments.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := taskfile.Load(args[0])
			if err != nil {
				return err
			}
			if err := a.openStore(ctx); err != nil {
				return err
			}
			summary, err := taskfile.Apply(ctx, a.store, f)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(summary)
			}
			fmt.Fprintf(a.stdout, "Imported %d task(s), %d edge(s), %d comment(s) into project %s\n",
				summary.Tasks, summary.Edges, summary.Comments, f.Project)
			return nil
		},
	}
}

package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "workgraph",
		Short: "Dependency-aware task selection and resumable job execution",
		Long: `workgraph picks the tasks of a project whose dependencies are satisfied,
runs them as a checkpointed job, and reports on jobs while they run.

Configuration is read from ~/.workgraph/config.{yaml,json} and
.workgraph/config.{yaml,json}, the latter taking precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file to use instead of the default locations")
	flags.StringVar(&a.storePath, "store", "", "SQLite database path (\":memory:\" for a throwaway store)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.BoolVar(&a.jsonOut, "json", false, "print machine-readable JSON")

	root.AddCommand(
		newTasksCmd(a),
		newSelectCmd(a),
		newRunCmd(a),
		newResumeCmd(a),
		newJobsCmd(a),
		newServeCmd(a),
	)
	return root
}

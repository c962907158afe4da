package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/aristath/workgraph/internal/scheduler"
)

// filterFlags binds the task selection flags shared by select and run.
type filterFlags struct {
	project          string
	epic             string
	story            string
	tasks            []string
	statuses         []string
	allStatuses      bool
	includeTypes     []string
	excludeTypes     []string
	limit            int
	parallel         bool
	ignoreDeps       bool
	missingContext   string
	dependencyPolicy string
	phase            string
}

func addFilterFlags(cmd *cobra.Command) *filterFlags {
	f := &filterFlags{}
	flags := cmd.Flags()
	flags.StringVarP(&f.project, "project", "p", "", "project key (required)")
	flags.StringVar(&f.epic, "epic", "", "only tasks in this epic")
	flags.StringVar(&f.story, "story", "", "only tasks in this story")
	flags.StringSliceVar(&f.tasks, "task", nil, "only these task keys (repeatable)")
	flags.StringSliceVar(&f.statuses, "status", nil, "statuses to select (default depends on --phase)")
	flags.BoolVar(&f.allStatuses, "all-statuses", false, "select every non-terminal task regardless of status")
	flags.StringSliceVar(&f.includeTypes, "include-type", nil, "only tasks of these types")
	flags.StringSliceVar(&f.excludeTypes, "exclude-type", nil, "skip tasks of these types")
	flags.IntVar(&f.limit, "limit", 0, "maximum number of tasks (0 for no limit)")
	flags.BoolVar(&f.parallel, "parallel", false, "group tasks into dependency batches")
	flags.BoolVar(&f.ignoreDeps, "ignore-deps", false, "ignore dependency gates entirely")
	flags.StringVar(&f.missingContext, "missing-context", "", "missing context policy: allow, warn or block")
	flags.StringVar(&f.dependencyPolicy, "dependency-policy", "", "dependency policy: enforce or ignore")
	flags.StringVar(&f.phase, "phase", "", "workflow phase: work, review or qa")
	_ = cmd.MarkFlagRequired("project")
	return f
}

// filters builds scheduler filters, falling back to the configured defaults
// for the policies and the phase.
func (f *filterFlags) filters(a *app) (scheduler.Filters, error) {
	if f.limit < 0 {
		return scheduler.Filters{}, errors.New("--limit must not be negative")
	}
	sc := a.cfg.Scheduler
	out := scheduler.Filters{
		ProjectKey:           f.project,
		EpicKey:              f.epic,
		StoryKey:             f.story,
		TaskKeys:             f.tasks,
		StatusFilter:         f.statuses,
		IgnoreStatusFilter:   f.allStatuses,
		IncludeTypes:         f.includeTypes,
		ExcludeTypes:         f.excludeTypes,
		Limit:                f.limit,
		Parallel:             f.parallel,
		IgnoreDependencies:   f.ignoreDeps,
		MissingContextPolicy: scheduler.MissingContextPolicy(firstNonEmpty(f.missingContext, sc.MissingContextPolicy)),
		DependencyPolicy:     scheduler.DependencyPolicy(firstNonEmpty(f.dependencyPolicy, sc.DependencyPolicy)),
	}
	phase, err := scheduler.ParsePhase(firstNonEmpty(f.phase, sc.Phase))
	if err != nil {
		return scheduler.Filters{}, err
	}
	out.Phase = phase
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

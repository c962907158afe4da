package main

import (
	"github.com/spf13/cobra"

	"github.com/aristath/workgraph/internal/insights"
	"github.com/aristath/workgraph/internal/jobsapi"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local store's jobs over HTTP",
		Long: `Serve exposes the jobs API that jobs_backend.base_url clients read from.
Set server.api_key to require a bearer token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.openStore(ctx); err != nil {
				return err
			}
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			srv := jobsapi.NewServer(insights.NewLocalBackend(a.engine),
				jobsapi.WithAPIKey(a.cfg.Server.APIKey),
				jobsapi.WithServerLogger(a.logger),
			)
			return srv.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from server.addr)")
	return cmd
}

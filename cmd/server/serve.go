package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"remitrails/internal/server"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API for confirmations and payment-status intake",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if cmd.Flags().Changed("port") {
				a.cfg.Service.HTTPPort = port
			}

			deps := server.Deps{
				Client:        a.client,
				Escrows:       a.escrows,
				Disbursements: a.disbursements,
				Watcher:       a.watcher,
				DLQ:           a.dlq,
				Metrics:       a.metrics,
				Logger:        a.log,
				Confirm:       a.confirmOptions(),
				StoreHealth:   a.storeHealth,
			}
			if a.eth != nil {
				deps.RPCHealth = a.eth.Ping
			}
			apiServer := server.NewServer(ctx, a.cfg, deps)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Service.ShutdownTimeout)
				defer cancel()
				a.log.Info("shutting down")
				return apiServer.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides config)")
	return cmd
}

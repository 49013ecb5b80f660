package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/willibrandon/dexter/internal/app"
	"github.com/willibrandon/dexter/internal/metrics"
	"github.com/willibrandon/dexter/internal/monitors"
	"github.com/willibrandon/dexter/internal/server"
)

// newServeCmd creates the serve subcommand.
func newServeCmd() *cobra.Command {
	var (
		bind      string
		port      int
		watchLogs bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP analysis API",
		Long: `Run the HTTP API used by the dashboard.

Endpoints:
  GET  /health
  POST /api/deadlocks/analyze
  GET  /api/deadlocks
  GET  /api/deadlocks/{hash}
  GET  /api/deadlocks/stats/tables
  GET  /api/deadlocks/stats/queries
  GET  /api/deadlocks/stats/timeline

With --watch-logs the server also scans logs.directory in the background
and stores every report it finds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := setup(ctx, runtimeOptions{connect: true, connectAttempts: 5})
			if err != nil {
				return err
			}
			defer rt.close()

			srvCfg := rt.cfg.Server
			if cmd.Flags().Changed("bind") {
				srvCfg.Bind = bind
			}
			if cmd.Flags().Changed("port") {
				srvCfg.Port = port
			}

			rt.service.SetMetrics(metrics.NewCollector(0))

			deps := server.Deps{
				Service: rt.service,
				Version: version,
				Logger:  rt.log,
			}
			if rt.store != nil {
				deps.History = rt.store
			}
			if pool := rt.pool; pool != nil {
				deps.Connected = func() bool {
					pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					return pool.Ping(pingCtx) == nil
				}
			}

			if rt.store != nil {
				retention := app.NewRetentionManager(rt.store, rt.cfg.Storage.Retention, rt.log)
				retention.Start(ctx)
				defer retention.Stop()
			}

			done := make(chan error, 1)
			if watchLogs {
				var positions monitors.PositionStore
				if rt.store != nil {
					positions = rt.store
				}
				monitor, err := monitors.NewDeadlockMonitor(ctx, rt.cfg.Logs, positions, rt.log)
				if err != nil {
					return err
				}
				go func() {
					done <- monitor.Run(ctx, func(r monitors.Report) error {
						rt.service.Analyze(ctx, r.Message)
						return nil
					})
				}()
			}

			srv := server.NewServer(srvCfg, deps)
			if err := srv.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "dexter %s listening on http://%s\n", version, srv.Addr())

			select {
			case <-ctx.Done():
			case err := <-done:
				if err != nil {
					rt.log.Error("log watcher stopped", "error", err)
				}
				<-ctx.Done()
			}

			rt.log.Info("shutting down")
			return srv.Stop(context.Background())
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "listen address (overrides server.bind)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	cmd.Flags().BoolVar(&watchLogs, "watch-logs", false, "scan logs.directory in the background")
	return cmd
}

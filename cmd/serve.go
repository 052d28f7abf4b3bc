package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/x402-labs/agentpay/internal/httpapi"
	"github.com/x402-labs/agentpay/internal/ledger"
	"github.com/x402-labs/agentpay/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the payment agent: HTTP API, balance monitor, and autonomy scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := newEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.Migrate(ctx); err != nil {
			return err
		}
		if err := env.Monitor.Restore(ctx); err != nil {
			return err
		}
		if err := env.Scheduler.SeedTasks(ctx); err != nil {
			return err
		}

		env.Ledger.MustAppend(ctx, ledger.Entry{
			Category: model.LedgerCategorySystem,
			Event:    model.LedgerEventBootstrap,
			Metadata: map[string]any{"port": listenPort()},
		})

		api := httpapi.New(httpapi.Config{
			Coordinator:    env.Coordinator,
			Executor:       env.Executor,
			Monitor:        env.Monitor,
			Scheduler:      env.Scheduler,
			Ledger:         env.Ledger,
			Sessions:       env.Sessions,
			Facilitator:    env.Facilitator,
			Bus:            env.Bus,
			AdminAPIKey:    cfg.Server.AdminAPIKey,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", listenPort()),
			Handler:           api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			return env.Monitor.Run(gctx)
		})
		g.Go(func() error {
			return env.Scheduler.Run(gctx)
		})
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", listenPort()))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

func listenPort() int {
	if servePort != 0 {
		return servePort
	}
	return cfg.Server.Port
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

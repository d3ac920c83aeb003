package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"authcore/internal/app"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

func NewServeCmd() *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply migrations on startup")
	return cmd
}

func runServe(parent context.Context, skipMigrations bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Build(ctx, app.Options{ConfigPath: configFile, SkipMigrations: skipMigrations})
	if err != nil {
		return oops.Code("BOOTSTRAP_FAILED").Wrap(err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			rt.Logger.Error("shutdown_close_failed", map[string]any{"error": err.Error()})
		}
	}()

	httpCfg := rt.Config.HTTP
	server := &http.Server{
		Addr:         httpCfg.Addr,
		Handler:      rt.Handler,
		ReadTimeout:  httpCfg.ReadTimeout,
		WriteTimeout: httpCfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.Logger.Info("server_start", map[string]any{"addr": httpCfg.Addr, "env": rt.Config.Env})
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		rt.Logger.Error("server_failed", map[string]any{"error": err.Error()})
		return oops.Code("SERVER_FAILED").Wrap(err)
	case <-ctx.Done():
	}

	rt.Logger.Info("server_stopping", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpCfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return oops.Code("SHUTDOWN_FAILED").Wrap(err)
	}
	return nil
}

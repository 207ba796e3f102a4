package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/omnisql/omnisql/internal/gateway"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP query gateway",
	Long: `Start the HTTP gateway: POST /v1/query executes federated queries,
GET /healthz reports liveness. Tenant configs are watched for changes
and reloaded without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default: :8080)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := initTelemetry(ctx, logger)
	defer shutdownTelemetry()

	svc, registry, err := buildService(logger)
	if err != nil {
		return err
	}

	// Hot-reload tenant configs; a broken file keeps the previous
	// generation serving.
	go func() {
		if err := registry.Watch(ctx); err != nil {
			logger.Warn("tenant watch stopped", "error", err)
		}
	}()

	addr := listenAddr
	if addr == "" {
		addr = viper.GetString("listen")
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           gateway.New(svc, registry, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", addr, "tenants", len(registry.IDs()), "version", Version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

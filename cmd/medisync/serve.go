package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclinic/medisync/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference remote store server",
	Long: `Run the shared remote store that devices sync against.

The server persists every hospital's records with per-record versions and a
global change sequence, detects conflicting pushes, and notifies subscribed
devices of changes over websocket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		storage, err := server.OpenStorage(cfg.ServerDatabasePath)
		if err != nil {
			return err
		}
		defer storage.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := storage.InitSchema(ctx); err != nil {
			return err
		}

		srv := &http.Server{
			Addr:              cfg.ServerListen,
			Handler:           server.New(storage, logger).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("listen", cfg.ServerListen).Str("db", cfg.ServerDatabasePath).Msg("remote store listening")
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

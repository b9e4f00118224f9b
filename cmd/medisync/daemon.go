package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/openclinic/medisync/internal/netmon"
)

var metricsListen string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the sync daemon until interrupted.

The daemon:
  1. Resumes draining any change entries left over from a prior session
  2. Watches connectivity and buffers local changes while offline
  3. Pushes queued changes and pulls remote changes continuously`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, client, eng, err := buildSync(ctx, cfg, logger, consoleNotifier{})
		if err != nil {
			return err
		}
		defer st.Close()

		monitor := netmon.New(client, netmon.Config{
			Interval:      cfg.PingInterval,
			FlapThreshold: cfg.FlapThreshold,
			Logger:        logger,
		}, eng.SetOnline)

		if metricsListen != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			go func() {
				if err := http.ListenAndServe(metricsListen, mux); err != nil {
					logger.Warn().Err(err).Msg("metrics listener stopped")
				}
			}()
		}

		go monitor.Run(ctx)

		logger.Info().
			Str("db", cfg.DatabasePath).
			Str("remote", cfg.RemoteURL).
			Str("hospital", cfg.HospitalID).
			Msg("sync daemon starting")

		return eng.Run(ctx)
	},
}

func init() {
	daemonCmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "address to expose Prometheus metrics on (disabled when empty)")
	rootCmd.AddCommand(daemonCmd)
}

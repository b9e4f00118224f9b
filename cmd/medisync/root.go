package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openclinic/medisync/internal/config"
	"github.com/openclinic/medisync/internal/engine"
	"github.com/openclinic/medisync/internal/remote"
	"github.com/openclinic/medisync/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "medisync",
	Short: "Offline-first EMR record synchronization",
	Long: `medisync keeps a hospital device's local record database in sync
with the shared remote store.

All reads and writes go to the local embedded database and keep working
with no connectivity. The sync daemon pushes queued local changes to the
remote store and pulls other devices' changes back, resolving conflicts
deterministically.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (YAML)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// newLogger builds the process logger: console output, plus a rotated log
// file when one is configured.
func newLogger(cfg *config.Config) zerolog.Logger {
	var w io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if cfg.LogFile != "" {
		w = zerolog.MultiLevelWriter(w, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// openLocal opens the local database and ensures its schema exists.
func openLocal(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}
	if err := st.InitSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize local schema: %w", err)
	}
	return st, nil
}

// resolveDeviceID returns the configured device ID, or the one persisted in
// the local database, generating and persisting a fresh UUID on first run.
func resolveDeviceID(ctx context.Context, cfg *config.Config, st *store.Store) (string, error) {
	if cfg.DeviceID != "" {
		return cfg.DeviceID, nil
	}
	id, err := st.Marker(ctx, store.StateDeviceID, "")
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := st.SetMarker(ctx, store.StateDeviceID, id); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	return id, nil
}

// buildSync wires the store, transport client and engine from config.
func buildSync(ctx context.Context, cfg *config.Config, logger zerolog.Logger, notifier engine.Notifier) (*store.Store, *remote.Client, *engine.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}

	st, err := openLocal(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	deviceID, err := resolveDeviceID(ctx, cfg, st)
	if err != nil {
		_ = st.Close()
		return nil, nil, nil, err
	}

	client, err := remote.New(remote.Config{
		BaseURL:  cfg.RemoteURL,
		Hospital: cfg.HospitalID,
		DeviceID: deviceID,
		Timeout:  cfg.RequestTimeout,
		Logger:   logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, nil, nil, fmt.Errorf("failed to create remote client: %w", err)
	}

	policies := make(map[string]engine.Policy, len(cfg.ConflictPolicies))
	for table, name := range cfg.ConflictPolicies {
		p := engine.PolicyByName(name)
		if p == nil {
			_ = st.Close()
			return nil, nil, nil, fmt.Errorf("unknown conflict policy %q for table %q", name, table)
		}
		policies[table] = p
	}

	eng, err := engine.New(st, client, engine.Config{
		DeviceID:       deviceID,
		PullInterval:   cfg.PullInterval,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		TablePolicies:  policies,
		Notifier:       notifier,
		Logger:         logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, nil, nil, fmt.Errorf("failed to create sync engine: %w", err)
	}
	return st, client, eng, nil
}

// consoleNotifier surfaces sync notifications to the terminal.
type consoleNotifier struct{}

func (consoleNotifier) Notify(level, message string) {
	fmt.Fprintf(os.Stderr, "[%s] %s\n", level, message)
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclinic/medisync/internal/store"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one push/pull cycle and exit",
	Long: `Drain the pending change queue to the remote store, then pull and
apply remote changes, then exit. Useful for scripted syncs and debugging;
for continuous operation use 'medisync daemon'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		st, client, eng, err := buildSync(ctx, cfg, logger, consoleNotifier{})
		if err != nil {
			return err
		}
		defer st.Close()

		if err := client.Ping(ctx); err != nil {
			return fmt.Errorf("remote store unreachable: %w", err)
		}
		eng.SetOnline(true)

		before, _ := st.PendingCount(ctx)
		start := time.Now()

		eng.Drain(ctx)
		if err := eng.Pull(ctx); err != nil {
			return fmt.Errorf("pull failed: %w", err)
		}

		after, _ := st.PendingCount(ctx)
		marker, _ := st.Marker(ctx, store.StateLastPulledSeq, "0")

		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Pushed: %d\n", before-after)
		fmt.Printf("   Still pending: %d\n", after)
		fmt.Printf("   Pull marker: %s\n", marker)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

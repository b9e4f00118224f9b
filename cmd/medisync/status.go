package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openclinic/medisync/internal/schema"
	"github.com/openclinic/medisync/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local database and sync queue status",
	Long: `Display the state of the local database and the sync queue.

Shows:
  - Local database location and size
  - Record counts per table
  - Pending change entries and the pull marker
  - Recently resolved conflicts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()

		info, err := os.Stat(cfg.DatabasePath)
		if os.IsNotExist(err) {
			fmt.Printf("Local database not initialized at %s\n", cfg.DatabasePath)
			fmt.Printf("Run 'medisync daemon' or 'medisync sync' to create it\n")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to stat database: %w", err)
		}

		st, err := openLocal(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		pending, err := st.PendingCount(ctx)
		if err != nil {
			return err
		}
		marker, err := st.Marker(ctx, store.StateLastPulledSeq, "0")
		if err != nil {
			return err
		}
		deviceID, _ := st.Marker(ctx, store.StateDeviceID, "(unset)")

		fmt.Printf("\nmedisync status\n\n")
		fmt.Printf("Database: %s (%s)\n", cfg.DatabasePath, formatSize(info.Size()))
		fmt.Printf("Device: %s\n", deviceID)
		fmt.Printf("Pending changes: %d\n", pending)
		fmt.Printf("Pull marker: %s\n", marker)

		fmt.Printf("\nRecords:\n")
		for _, table := range schema.Tables {
			n, err := st.Count(ctx, table)
			if err != nil {
				return err
			}
			fmt.Printf("   %-16s %d\n", table, n)
		}

		conflicts, err := st.Conflicts(ctx, 5)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			fmt.Printf("\nRecent conflicts:\n")
			for _, c := range conflicts {
				fmt.Printf("   %s %s/%s won by %s\n",
					c.ResolvedAt.Format("2006-01-02 15:04:05"), c.Table, c.ID, c.Winner)
			}
		}

		parked, err := st.DeadLetters(ctx, 5)
		if err != nil {
			return err
		}
		if len(parked) > 0 {
			fmt.Printf("\nParked changes (need attention):\n")
			for _, p := range parked {
				fmt.Printf("   %s %s/%s: %s\n",
					p.ParkedAt.Format("2006-01-02 15:04:05"), p.Table, p.ID, p.Reason)
			}
		}
		fmt.Println()
		return nil
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

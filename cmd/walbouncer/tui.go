package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/walbouncer/internal/metrics"
	"github.com/jfoltran/walbouncer/internal/tui"
)

var tuiAPIAddr string

// tuiCmd is the SUPPLEMENTED FEATURES "walbouncer tui" dashboard
// (SPEC_FULL.md §ambient stack), grounded on cmd/pgmigrator/tui.go: it
// polls a running walbouncer's admin HTTP API into a local collector
// rather than attaching directly to the proxy process.
var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the terminal dashboard",
	Long: `tui starts a Bubble Tea terminal dashboard showing live per-standby
session status, WAL forwarding throughput, and replication lag. It
polls a running walbouncer instance's admin API; start that instance
with the serve-admin subcommand, [admin] enabled = true in its config
file, or WALBOUNCER_ADMIN_LISTEN set first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		collector := metrics.NewCollector(logger)
		defer collector.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go pollRemote(ctx, tuiAPIAddr, collector)

		return tui.Run(collector)
	},
}

func init() {
	tuiCmd.Flags().StringVar(&tuiAPIAddr, "api-addr", "http://localhost:7654", "address of a running walbouncer's admin API")
	rootCmd.AddCommand(tuiCmd)
}

func pollRemote(ctx context.Context, addr string, collector *metrics.Collector) {
	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := fetchSnapshot(client, addr)
			if err != nil {
				collector.RecordError(fmt.Errorf("admin api fetch: %w", err))
				continue
			}
			collector.ApplyRemoteSnapshot(*snap)
		}
	}
}

func fetchSnapshot(client *http.Client, addr string) (*metrics.Snapshot, error) {
	resp, err := client.Get(addr + "/api/v1/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var snap metrics.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

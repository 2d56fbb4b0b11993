package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/jfoltran/walbouncer/internal/config"
	"github.com/jfoltran/walbouncer/internal/metrics"
	"github.com/jfoltran/walbouncer/internal/server"
	"github.com/jfoltran/walbouncer/internal/session"
)

// serveProxy wires together the standby listener, the metrics collector,
// and (when configured) the admin HTTP+WebSocket status server, then
// blocks until ctx is cancelled or the listener fails. forceAdmin starts
// the admin server even if the config left it disabled, for the explicit
// `serve-admin` subcommand.
func serveProxy(ctx context.Context, cfg config.Config, baseLogger zerolog.Logger, forceAdmin bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(baseLogger)
	defer collector.Close()

	// Logs feed both the original output (console/JSON, set up in
	// root.go) and the collector's ring buffer, so the TUI's log panel
	// and the admin /api/v1/logs endpoint see the same messages a
	// terminal operator does, matching cmd/pgmigrator/clone.go's
	// MultiLevelWriter(logOutput, logWriter) pattern.
	out := logOutput
	if out == nil {
		out = os.Stderr
	}
	logWriter := metrics.NewLogWriter(collector)
	logger := zerolog.New(zerolog.MultiLevelWriter(out, logWriter)).With().Timestamp().Logger()
	logger = logger.Level(baseLogger.GetLevel())
	logger.Info().Msg("walbouncer starting")

	if cfg.Admin.Enabled || forceAdmin {
		adminCfg := cfg
		adminCfg.Admin.Enabled = true
		srv := server.New(collector, &adminCfg, logger)
		srv.StartBackground(ctx, adminCfg.Admin.Port)
		logger.Info().Int("port", adminCfg.Admin.Port).Msg("admin status server listening")
	}

	listener := session.NewListener(cfg, collector, logger)
	return listener.Serve(ctx)
}

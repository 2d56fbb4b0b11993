package session

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/jfoltran/walbouncer/internal/config"
	"github.com/jfoltran/walbouncer/internal/metrics"
)

// Listener accepts standby connections and runs one Session per
// connection, in its own goroutine — the "parallel across sessions, no
// shared mutable state" resource model (spec §5). It replaces the
// original single-connection-at-a-time XlogFilterMain accept/serve loop
// (src/main.c) with the concurrent-per-connection shape idiomatic Go
// network servers use.
type Listener struct {
	cfg       config.Config
	collector *metrics.Collector
	logger    zerolog.Logger
}

// NewListener creates a Listener bound to cfg's listen address and
// primary target.
func NewListener(cfg config.Config, collector *metrics.Collector, logger zerolog.Logger) *Listener {
	return &Listener{
		cfg:       cfg,
		collector: collector,
		logger:    logger.With().Str("component", "listener").Logger(),
	}
}

// Serve opens the listening socket and accepts standby connections
// until ctx is cancelled or the listener fails. Each connection is
// handed to a new Session running in its own goroutine.
func (l *Listener) Serve(ctx context.Context) error {
	addr := l.cfg.Listen.ListenAddr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("session: listen on %s: %w", addr, err)
	}
	defer ln.Close()

	l.logger.Info().Str("addr", addr).Msg("listening for standby connections")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return fmt.Errorf("session: accept: %w", err)
		}

		sess := New(conn, l.cfg, l.collector, l.logger)
		go func() {
			if err := sess.Run(ctx); err != nil {
				l.collector.RecordError(err)
				l.logger.Error().Err(err).Msg("session ended with error")
			}
		}()
	}
}

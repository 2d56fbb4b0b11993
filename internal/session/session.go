// Package session implements walbouncer's frontend session: the
// per-standby state machine that accepts a connection impersonating a
// primary, negotiates startup, and dispatches replication commands. It
// is rewritten from the teacher's internal/pgwire startup/auth handling
// and the command-loop shape of cmd/pgmigrator's root command, grounded
// directly on wbclientconn.c's WbCCInitConnection / WbCCPerformAuthentication
// / WbCCCommandLoop sequence since the teacher has no walsender-impersonation
// analog of its own.
package session

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/jfoltran/walbouncer/internal/config"
	"github.com/jfoltran/walbouncer/internal/metrics"
	"github.com/jfoltran/walbouncer/internal/replcmd"
	"github.com/jfoltran/walbouncer/internal/tsresolve"
	"github.com/jfoltran/walbouncer/internal/upstream"
	"github.com/jfoltran/walbouncer/internal/walproto"
)

// masterConn is the slice of *upstream.Client that a Session depends on.
// Declaring it here, at the point of use, lets session_test.go exercise
// the command loop and streaming loop against a fake without opening a
// real libpq connection.
type masterConn interface {
	IdentifySystem(ctx context.Context) (sysID string, timeline int32, xlogpos pglogrepl.LSN, err error)
	StartStreaming(ctx context.Context, startLSN pglogrepl.LSN, timeline int32) error
	ReceiveWalMessage(ctx context.Context, timeout time.Duration) (upstream.ReplMessage, error)
	EndStreaming(ctx context.Context) (nextTimeline uint32, err error)
	ParameterStatus(name string) (string, bool)
	SendStandbyStatus(ctx context.Context, write, flush, apply pglogrepl.LSN) error
	SendHotStandbyFeedback(ctx context.Context, sendTime int64, xmin, epoch uint32) error
	Close(ctx context.Context) error
}

// reportedGUCs lists the parameters walbouncer reads through from the
// primary and forwards to the standby during startup, matching
// WbCCBeginReportingGUCOptions's fixed list.
var reportedGUCs = []string{
	"server_version",
	"server_encoding",
	"client_encoding",
	"application_name",
	"is_superuser",
	"session_authorization",
	"DateStyle",
	"IntervalStyle",
	"TimeZone",
	"integer_datetimes",
	"standard_conforming_strings",
}

var sessionSeq atomic.Int64

// Session is one standby's connection lifetime: its downstream socket,
// its upstream connection to the primary, and the GUCs and tablespace
// filter it negotiated at startup.
type Session struct {
	id     string
	conn   net.Conn
	codec  *walproto.Codec
	master masterConn

	includeTablespaces map[uint32]struct{}

	cfg       config.Config
	collector *metrics.Collector
	logger    zerolog.Logger

	user            string
	database        string
	applicationName string
	tablespaceNames []string

	sentPtr  int64
	lastSend int64

	copyDoneSent     bool
	copyDoneReceived bool

	// lastStandbyStatus and lastHSFeedback hold the most recently
	// observed standby reply, forwarded to the primary opportunistically
	// on the next upstream keepalive round-trip (see handleUpstreamKeepalive).
	lastStandbyStatus *walproto.StandbyStatusUpdate
	lastHSFeedback    *walproto.HotStandbyFeedback
}

// New creates a session for an already-accepted connection. Startup
// negotiation happens in Run, not here, so that a failed handshake never
// leaves a half-built Session for a caller to misuse.
func New(conn net.Conn, cfg config.Config, collector *metrics.Collector, logger zerolog.Logger) *Session {
	id := fmt.Sprintf("sess-%d", sessionSeq.Add(1))
	return &Session{
		id:        id,
		conn:      conn,
		cfg:       cfg,
		collector: collector,
		logger:    logger.With().Str("component", "session").Str("session_id", id).Str("remote_addr", conn.RemoteAddr().String()).Logger(),
	}
}

// Run drives the session to completion: startup, auth, GUC reporting,
// then the command dispatch loop (spec §4.D). It always closes conn and
// any upstream connection before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()

	s.collector.SessionStarted(s.id, s.conn.RemoteAddr().String(), "")
	defer s.collector.SessionClosed(s.id)

	startup, cancel, err := walproto.ReadStartupPacket(s.conn, s.conn)
	if err != nil {
		return fmt.Errorf("session: read startup packet: %w", err)
	}
	if cancel != nil {
		s.logger.Debug().Msg("received cancel request, closing")
		return nil
	}
	if !walproto.ReplicationRequested(startup.Parameters) {
		return fmt.Errorf("session: startup packet did not request replication mode")
	}

	s.user = startup.Parameters["user"]
	if s.user == "" {
		return fmt.Errorf("session: no PostgreSQL user name specified in startup packet")
	}
	s.database = startup.Parameters["database"]
	// application_name doubles as the comma-separated tablespace include
	// list (spec §4.D): the wire protocol has no other slot free for it.
	s.applicationName = startup.Parameters["application_name"]
	s.tablespaceNames = splitTablespaceList(s.applicationName)

	s.collector.SessionStarted(s.id, s.conn.RemoteAddr().String(), s.applicationName)

	s.codec = walproto.New(s.conn)

	if err := s.codec.SendAuthenticationOK(); err != nil {
		return fmt.Errorf("session: send authentication ok: %w", err)
	}

	master, err := upstream.Connect(ctx, masterConninfo(s.cfg.Master.Host, s.cfg.Master.Port, s.user), s.logger)
	if err != nil {
		s.collector.RecordError(err)
		return fmt.Errorf("session: connect to master: %w", err)
	}
	s.master = master
	defer s.master.Close(context.Background())

	if err := s.reportGUCs(); err != nil {
		return fmt.Errorf("session: report gucs: %w", err)
	}
	if err := s.codec.SendBackendKeyData(); err != nil {
		return fmt.Errorf("session: send backend key data: %w", err)
	}

	return s.commandLoop(ctx)
}

func (s *Session) reportGUCs() error {
	for _, name := range reportedGUCs {
		if value, ok := s.master.ParameterStatus(name); ok {
			if err := s.codec.SendParameterStatus(name, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// commandLoop implements the ready_for_query / command dispatch cycle
// (spec §4.D "Command dispatch"), grounded on WbCCCommandLoop.
func (s *Session) commandLoop(ctx context.Context) error {
	sendReady := true
	for {
		if sendReady {
			if err := s.codec.SendReadyForQuery(); err != nil {
				return fmt.Errorf("session: send ready for query: %w", err)
			}
			sendReady = false
		}

		msg, err := s.codec.Receive()
		if err != nil {
			// EOF and similar map to a normal session end, matching
			// WbCCCommandLoop's 'X'/EOF case.
			return nil
		}

		switch m := msg.(type) {
		case *pgproto3.Query:
			if err := s.execCommand(ctx, m.String); err != nil {
				if sendErr := s.codec.SendError("ERROR", "XX000", err.Error()); sendErr != nil {
					return fmt.Errorf("session: send error: %w", sendErr)
				}
			}
			sendReady = true

		case *pgproto3.Sync:
			sendReady = true

		case *pgproto3.Flush:
			// No buffered output to flush beyond what the codec already
			// writes eagerly; nothing to do.

		case *pgproto3.Terminate:
			return nil

		case *pgproto3.CopyData, *pgproto3.CopyDone, *pgproto3.CopyFail:
			// No-op outside streaming, matching 'd'/'c'/'f' in the command
			// loop's switch.

		case *pgproto3.Parse, *pgproto3.Bind, *pgproto3.Execute, *pgproto3.Describe, *pgproto3.Close:
			return fmt.Errorf("session: extended query protocol not permitted for a walsender")

		default:
			return fmt.Errorf("session: invalid frontend message type %T", msg)
		}
	}
}

// execCommand parses and dispatches one simple-query replication
// command (spec §4.D, grounded on WbCCExecCommand).
func (s *Session) execCommand(ctx context.Context, query string) error {
	cmd, err := replcmd.Parse(query)
	if err != nil {
		return err
	}
	if !cmd.Kind.Supported() {
		return fmt.Errorf("session: %s is not supported by walbouncer", cmd.Kind)
	}

	switch cmd.Kind {
	case replcmd.IdentifySystem:
		return s.execIdentifySystem(ctx)
	case replcmd.StartPhysical:
		return s.execStartPhysical(ctx, cmd)
	default:
		return fmt.Errorf("session: unhandled supported command %s", cmd.Kind)
	}
}

func (s *Session) execIdentifySystem(ctx context.Context) error {
	sysID, timeline, xlogpos, err := s.master.IdentifySystem(ctx)
	if err != nil {
		return err
	}
	if err := s.codec.SendIdentifySystemResult(sysID, timeline, xlogpos.String()); err != nil {
		return err
	}
	return s.codec.SendCommandComplete("SELECT")
}

// resolveTablespaces turns the startup-time tablespace name list into
// the OID keep-set the filter needs, opening the short-lived resolver
// connection WbCCFindTablespaceOids describes. A nil result (no names
// given) tells the filter to forward everything.
func (s *Session) resolveTablespaces(ctx context.Context) (map[uint32]struct{}, error) {
	if len(s.tablespaceNames) == 0 {
		return nil, nil
	}
	conninfo := tablespaceResolveConninfo(s.cfg.Master.Host, s.cfg.Master.Port, s.user)
	return tsresolve.Resolve(ctx, conninfo, s.tablespaceNames, s.logger)
}

func splitTablespaceList(raw string) []string {
	if raw == "" {
		return nil
	}
	var names []string
	for _, part := range strings.Split(raw, ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}

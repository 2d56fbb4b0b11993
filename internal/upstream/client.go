// Package upstream is the replication connection to the primary: it issues
// IDENTIFY_SYSTEM and START_REPLICATION PHYSICAL, classifies the resulting
// CopyData stream into ReplMessage values, and forwards standby feedback
// opportunistically. It replaces the teacher's logical-decoding Decoder
// (internal/migration/stream) with a synchronous, poll-driven client: a
// filtering WAL proxy has exactly one upstream per session and no reason to
// hide the receive loop behind a channel and a goroutine.
package upstream

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"
)

// Client is a physical-replication connection to a primary.
type Client struct {
	conn   *pgconn.PgConn
	logger zerolog.Logger
}

// Connect opens a replication connection using the given conninfo string.
// Conninfo construction (including the fixed dbname=replication,
// replication=true, application_name=walbouncer triple) is the caller's
// responsibility; see internal/session.masterConninfo.
func Connect(ctx context.Context, conninfo string, logger zerolog.Logger) (*Client, error) {
	conn, err := pgconn.Connect(ctx, conninfo)
	if err != nil {
		return nil, fmt.Errorf("upstream: connect: %w", err)
	}
	return &Client{conn: conn, logger: logger.With().Str("component", "upstream").Logger()}, nil
}

// IdentifySystem issues IDENTIFY_SYSTEM and returns the primary's system
// identifier, current timeline, and current WAL flush position.
func (c *Client) IdentifySystem(ctx context.Context) (sysID string, timeline int32, xlogpos pglogrepl.LSN, err error) {
	res, err := pglogrepl.IdentifySystem(ctx, c.conn)
	if err != nil {
		return "", 0, 0, fmt.Errorf("upstream: identify system: %w", err)
	}
	return res.SystemID, res.Timeline, res.XLogPos, nil
}

// StartStreaming issues START_REPLICATION PHYSICAL at the given LSN and
// timeline and consumes the resulting CopyBothResponse.
func (c *Client) StartStreaming(ctx context.Context, startLSN pglogrepl.LSN, timeline int32) error {
	err := pglogrepl.StartReplication(ctx, c.conn, "", startLSN, pglogrepl.StartReplicationOptions{
		Timeline: timeline,
		Mode:     pglogrepl.PhysicalReplication,
	})
	if err != nil {
		return fmt.Errorf("upstream: start replication: %w", err)
	}
	return nil
}

// ReceiveWalMessage waits up to timeout for the next message from the
// primary. On timeout it returns a MsgNothing message and no error, per
// spec's receive_wal_message(timeout_ms, out_msg) -> bool contract
// (translated here to the Go idiom of a typed zero-value result rather than
// an output parameter).
func (c *Client) ReceiveWalMessage(ctx context.Context, timeout time.Duration) (ReplMessage, error) {
	recvCtx, cancel := context.WithDeadline(ctx, time.Now().Add(timeout))
	defer cancel()

	rawMsg, err := c.conn.ReceiveMessage(recvCtx)
	if err != nil {
		if pgconn.Timeout(err) {
			return ReplMessage{Type: MsgNothing}, nil
		}
		return ReplMessage{}, fmt.Errorf("upstream: receive message: %w", err)
	}

	if errResp, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
		return ReplMessage{}, fmt.Errorf("upstream: server error: %s: %s (SQLSTATE %s)",
			errResp.Severity, errResp.Message, errResp.Code)
	}

	copyData, ok := rawMsg.(*pgproto3.CopyData)
	if !ok {
		if _, ok := rawMsg.(*pgproto3.CopyDone); ok {
			return ReplMessage{Type: MsgEndOfWAL}, nil
		}
		return ReplMessage{}, fmt.Errorf("upstream: unexpected message type %T during streaming", rawMsg)
	}
	if len(copyData.Data) == 0 {
		return ReplMessage{}, fmt.Errorf("upstream: empty CopyData during streaming")
	}

	switch copyData.Data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		return parseKeepaliveSubmessage(copyData.Data[1:])
	case pglogrepl.XLogDataByteID:
		msg, err := parseWALDataSubmessage(copyData.Data[1:])
		if err != nil {
			return ReplMessage{}, err
		}
		c.logger.Trace().
			Stringer("data_start", msg.DataStart).
			Stringer("wal_end", msg.WALEnd).
			Time("send_time", pgTimeToUnix(msg.SendTime)).
			Int("bytes", len(msg.Data)).
			Msg("received wal data")
		return msg, nil
	default:
		return ReplMessage{}, fmt.Errorf("upstream: unknown CopyData submessage type %q", copyData.Data[0])
	}
}

// EndStreaming sends CopyDone and drains the primary's response, returning
// the next timeline ID on a timeline-switch ending, or 0 otherwise.
func (c *Client) EndStreaming(ctx context.Context) (nextTimeline uint32, err error) {
	c.conn.Frontend().Send(&pgproto3.CopyDone{})
	if err := c.conn.Frontend().Flush(); err != nil {
		return 0, fmt.Errorf("upstream: flush copy done: %w", err)
	}

	for {
		rawMsg, err := c.conn.ReceiveMessage(ctx)
		if err != nil {
			return 0, fmt.Errorf("upstream: end streaming: receive: %w", err)
		}
		switch msg := rawMsg.(type) {
		case *pgproto3.CopyDone:
			continue
		case *pgproto3.DataRow:
			// A timeline-switch ending reports the next timeline as the
			// first column of a one-row result set.
			if len(msg.Values) > 0 {
				var tli uint32
				if _, scanErr := fmt.Sscanf(string(msg.Values[0]), "%d", &tli); scanErr == nil {
					nextTimeline = tli
				}
			}
		case *pgproto3.CommandComplete:
			return nextTimeline, nil
		case *pgproto3.ErrorResponse:
			return 0, fmt.Errorf("upstream: end streaming: server error: %s", msg.Message)
		}
	}
}

// ParameterStatus reads through to the connection's last observed
// ParameterStatus value for the given GUC name.
func (c *Client) ParameterStatus(name string) (string, bool) {
	v := c.conn.ParameterStatus(name)
	return v, v != ""
}

// SendStandbyStatus forwards the standby's write/flush/apply LSNs to the
// primary. walbouncer calls this opportunistically whenever it has fresh
// standby-reported positions, piggybacking the forwarding the original
// proxy left as a TODO onto every keepalive round-trip (spec §4.D, Open
// Question (ii)).
func (c *Client) SendStandbyStatus(ctx context.Context, write, flush, apply pglogrepl.LSN) error {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, c.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: write,
		WALFlushPosition: flush,
		WALApplyPosition: apply,
	})
	if err != nil {
		return fmt.Errorf("upstream: send standby status: %w", err)
	}
	return nil
}

// hotStandbyFeedbackByteID is the CopyData submessage tag for a
// hot-standby-feedback message ('h'), sent walreceiver-to-walsender.
// pglogrepl has no helper for this message type, unlike
// SendStandbyStatusUpdate, so it is hand-framed here.
const hotStandbyFeedbackByteID = 'h'

// SendHotStandbyFeedback forwards the standby's oldest-needed xmin to the
// primary so autovacuum doesn't remove rows the standby still depends on.
// Like SendStandbyStatus, this implements the forwarding left as a TODO in
// the original proxy.
func (c *Client) SendHotStandbyFeedback(ctx context.Context, sendTime int64, xmin, epoch uint32) error {
	data := make([]byte, 1+8+4+4)
	data[0] = hotStandbyFeedbackByteID
	binary.BigEndian.PutUint64(data[1:9], uint64(sendTime))
	binary.BigEndian.PutUint32(data[9:13], xmin)
	binary.BigEndian.PutUint32(data[13:17], epoch)

	c.conn.Frontend().Send(&pgproto3.CopyData{Data: data})
	if err := c.conn.Frontend().Flush(); err != nil {
		return fmt.Errorf("upstream: flush hot standby feedback: %w", err)
	}
	return nil
}

// Close releases the upstream connection.
func (c *Client) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

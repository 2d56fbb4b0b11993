package session

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/jfoltran/walbouncer/internal/replcmd"
	"github.com/jfoltran/walbouncer/internal/upstream"
	"github.com/jfoltran/walbouncer/internal/walfilter"
	"github.com/jfoltran/walbouncer/internal/walproto"
)

// naptime is the poll interval the session waits on the upstream for
// before checking downstream replies again, matching WbCCExecStartPhysical's
// NAPTIME.
const naptime = 100 * time.Millisecond

// execStartPhysical enters the streaming sub-protocol (spec §4.D
// "Streaming loop"), grounded on WbCCExecStartPhysical. It loops
// internally on filter desync, tearing down and restarting the upstream
// stream at the filter's restart position without returning to the
// command loop.
func (s *Session) execStartPhysical(ctx context.Context, cmd replcmd.Command) error {
	includeTablespaces, err := s.resolveTablespaces(ctx)
	if err != nil {
		return fmt.Errorf("session: resolve tablespaces: %w", err)
	}
	s.includeTablespaces = includeTablespaces

	startAt := cmd.StartLSN
	f := walfilter.New(startAt, includeTablespaces, s.logger)

	if err := s.master.StartStreaming(ctx, startAt, cmd.Timeline); err != nil {
		return fmt.Errorf("session: start streaming: %w", err)
	}
	if err := s.codec.SendCopyBothResponse(); err != nil {
		return fmt.Errorf("session: send copy both response: %w", err)
	}

	s.sentPtr = int64(startAt)
	s.copyDoneSent = false
	s.copyDoneReceived = false
	s.collector.SessionStreaming(s.id)

	for {
		endOfWAL, restartAt, err := s.streamOnce(ctx, f)
		if err != nil {
			return err
		}
		if endOfWAL {
			return nil
		}
		if restartAt == 0 {
			// Clean exit via copy-done handshake, no restart requested.
			return nil
		}

		s.collector.SessionResyncing(s.id)
		if _, err := s.master.EndStreaming(ctx); err != nil {
			return fmt.Errorf("session: end streaming before restart: %w", err)
		}
		f = walfilter.Restart(restartAt, includeTablespaces, s.logger)
		if err := s.master.StartStreaming(ctx, restartAt, cmd.Timeline); err != nil {
			return fmt.Errorf("session: restart streaming: %w", err)
		}
		s.collector.SessionStreaming(s.id)
	}
}

// streamOnce runs the streaming loop until end-of-WAL, a clean copy-done
// handshake, or a filter desync. restartAt is non-zero only on desync.
func (s *Session) streamOnce(ctx context.Context, f *walfilter.Filter) (endOfWAL bool, restartAt pglogrepl.LSN, err error) {
	for !(s.copyDoneSent && s.copyDoneReceived) {
		if err := s.drainReplies(ctx); err != nil {
			return false, 0, err
		}

		msg, err := s.master.ReceiveWalMessage(ctx, naptime)
		if err != nil {
			return false, 0, fmt.Errorf("session: receive wal message: %w", err)
		}
		if msg.Type == upstream.MsgNothing {
			continue
		}

		for {
			switch msg.Type {
			case upstream.MsgEndOfWAL:
				if err := s.endOfWAL(); err != nil {
					return false, 0, err
				}
				return true, 0, nil

			case upstream.MsgKeepalive:
				if err := s.handleUpstreamKeepalive(ctx, msg); err != nil {
					return false, 0, err
				}

			case upstream.MsgWALData:
				plan, ok, rp, ferr := walfilter.SendWALBlock(f, msg)
				if ferr != nil {
					return false, 0, ferr
				}
				if !ok {
					return false, rp, nil
				}
				if err := s.sendWalBlock(plan); err != nil {
					return false, 0, err
				}
			}

			next, err := s.master.ReceiveWalMessage(ctx, 0)
			if err != nil {
				return false, 0, fmt.Errorf("session: receive wal message: %w", err)
			}
			if next.Type == upstream.MsgNothing {
				break
			}
			msg = next
		}
	}
	return false, 0, nil
}

// sendWalBlock wire-encodes a filtered SendPlan and writes it to the
// standby, then records it for metrics. dataStart/walEnd are taken
// directly from the plan: this implementation's filter never defers a
// byte's fate past the CopyData chunk it arrived in (see sendblock.go),
// so the buffering-adjustment arithmetic WbCCSendWalBlock performs for a
// straddling record collapses to forwarding the plan unchanged.
func (s *Session) sendWalBlock(plan walfilter.SendPlan) error {
	payload := walproto.EncodeWALData(int64(plan.DataStart), int64(plan.WALEnd), plan.SendTime, plan.Payload)
	if err := s.codec.SendCopyData(payload); err != nil {
		return fmt.Errorf("session: send wal block: %w", err)
	}
	sent := plan.DataStart + pglogrepl.LSN(len(plan.Payload))
	s.sentPtr = int64(sent)
	s.lastSend = plan.SendTime

	// The filter reports filtered bytes per CopyData chunk, not per WAL
	// record (a record can straddle chunks); recordKept/recordSkipped
	// here are therefore a chunk-level approximation of record counts,
	// good enough for the dashboard's kept/skipped tallies.
	recordKept := int64(0)
	recordSkipped := int64(0)
	if plan.Filtered > 0 {
		recordSkipped = 1
	} else {
		recordKept = 1
	}
	s.collector.RecordForwarded(s.id, sent, int64(len(plan.Payload)), int64(plan.Filtered), recordKept, recordSkipped)
	s.collector.RecordLatestLSN(plan.WALEnd)
	return nil
}

// endOfWAL sends the downstream CopyDone half of the handshake if not
// already sent, matching WbCCSendEndOfWal.
func (s *Session) endOfWAL() error {
	if !s.copyDoneSent {
		if err := s.codec.SendCopyDone(); err != nil {
			return fmt.Errorf("session: send copy done: %w", err)
		}
		s.copyDoneSent = true
	}
	return nil
}

// handleUpstreamKeepalive answers a primary keepalive, and piggybacks
// the most recently observed standby status / hot-standby feedback onto
// the reply (spec §4.D Open Question (ii); see SPEC_FULL.md's
// "SUPPLEMENTED FEATURES" section).
func (s *Session) handleUpstreamKeepalive(ctx context.Context, msg upstream.ReplMessage) error {
	if !msg.ReplyRequested {
		return nil
	}
	// The reply is sent even before the standby has reported anything,
	// carrying zero positions in that case.
	var st walproto.StandbyStatusUpdate
	if s.lastStandbyStatus != nil {
		st = *s.lastStandbyStatus
	}
	if err := s.master.SendStandbyStatus(ctx, pglogrepl.LSN(st.WritePos), pglogrepl.LSN(st.FlushPos), pglogrepl.LSN(st.ApplyPos)); err != nil {
		return fmt.Errorf("session: forward standby status: %w", err)
	}
	if s.lastHSFeedback != nil {
		fb := *s.lastHSFeedback
		if err := s.master.SendHotStandbyFeedback(ctx, fb.SendTime, fb.Xmin, fb.Epoch); err != nil {
			return fmt.Errorf("session: forward hot standby feedback: %w", err)
		}
	}
	return nil
}

// drainReplies processes any standby replies already buffered on the
// socket without blocking, matching WbCCProcessRepliesIfAny.
func (s *Session) drainReplies(ctx context.Context) error {
	for {
		_, ok, err := s.codec.PeekByte()
		if err != nil {
			return fmt.Errorf("session: peek reply: %w", err)
		}
		if !ok {
			return nil
		}

		msg, err := s.codec.Receive()
		if err != nil {
			return fmt.Errorf("session: receive reply: %w", err)
		}

		switch m := msg.(type) {
		case *pgproto3.CopyData:
			if err := s.processReplyMessage(ctx, m.Data); err != nil {
				return err
			}
		case *pgproto3.CopyDone:
			if err := s.endOfWAL(); err != nil {
				return err
			}
			s.copyDoneReceived = true
		case *pgproto3.Terminate:
			return fmt.Errorf("session: standby terminated during streaming")
		default:
			return fmt.Errorf("session: unexpected standby message type %T during streaming", msg)
		}
	}
}

func (s *Session) processReplyMessage(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("session: empty standby reply")
	}
	switch data[0] {
	case walproto.StandbyStatusByte:
		update, err := walproto.DecodeStandbyStatusUpdate(data[1:])
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		s.lastStandbyStatus = &update
		if update.ReplyRequested {
			if err := s.sendKeepalive(false); err != nil {
				return err
			}
		}
		return nil

	case walproto.HSFeedbackByte:
		fb, err := walproto.DecodeHotStandbyFeedback(data[1:])
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		s.lastHSFeedback = &fb
		return nil

	default:
		return fmt.Errorf("session: unexpected standby message type %q", data[0])
	}
}

// sendKeepalive sends a 'd' 'k' keepalive to the standby, matching
// WbCCSendKeepalive.
func (s *Session) sendKeepalive(requestReply bool) error {
	payload := walproto.EncodeKeepalive(s.sentPtr, s.lastSend, requestReply)
	if err := s.codec.SendCopyData(payload); err != nil {
		return fmt.Errorf("session: send keepalive: %w", err)
	}
	return nil
}

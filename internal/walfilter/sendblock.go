package walfilter

import (
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/walbouncer/internal/upstream"
)

// SendPlan is the outbound counterpart to upstream.ReplMessage, ready to
// be wire-encoded and written to the standby. It is grounded on
// WbCCSendWalBlock: that function's job, in the original proxy, was to
// reconcile a possibly-partial decision against the bytes already
// handed to the kernel. This implementation's filter (see filter.go)
// never defers a byte's fate past the CopyData chunk it arrived in, so
// the reconciliation degenerates to forwarding the filtered payload
// under the primary's own DataStart/WALEnd unchanged: WALEnd in
// particular must stay msg.WALEnd verbatim (the primary's current end
// of WAL, which is routinely ahead of what this chunk carries), not a
// value derived from the forwarded payload's length, or a standby
// computing its own lag from it would always see itself as caught up.
type SendPlan struct {
	DataStart pglogrepl.LSN
	WALEnd    pglogrepl.LSN
	SendTime  int64
	Payload   []byte
	Filtered  int
}

// SendWALBlock runs msg's payload through the filter and produces the
// bytes walbouncer should forward to the standby. ok is false when the
// filter lost synchronization; the caller must then tear down the
// upstream stream and reissue START_REPLICATION at restartPos (spec
// §4.C's restart-resync contract).
func SendWALBlock(f *Filter, msg upstream.ReplMessage) (plan SendPlan, ok bool, restartPos pglogrepl.LSN, err error) {
	if msg.Type != upstream.MsgWALData {
		return SendPlan{}, false, 0, fmt.Errorf("walfilter: SendWALBlock called with non-WAL message type %v", msg.Type)
	}

	result, err := f.Process(msg.DataStart, msg.Data)
	if err != nil {
		return SendPlan{}, false, 0, err
	}
	if result.Desynced {
		return SendPlan{}, false, result.RestartPos, nil
	}

	return SendPlan{
		DataStart: msg.DataStart,
		WALEnd:    msg.WALEnd,
		SendTime:  msg.SendTime,
		Payload:   result.Output,
		Filtered:  result.Filtered,
	}, true, 0, nil
}

// Restart builds a fresh Filter to resume scanning at restartPos, the
// way a session restarts its upstream stream and its filter together
// after a desync (spec §4.C step 5, §8's restart-convergence property).
func Restart(restartPos pglogrepl.LSN, includeTablespaces map[uint32]struct{}, logger zerolog.Logger) *Filter {
	return New(restartPos, includeTablespaces, logger)
}

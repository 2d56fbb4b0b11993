package upstream

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/walbouncer/pkg/lsn"
)

// MsgType classifies a message received from the primary's replication
// stream, per the ReplMessage data model.
type MsgType int

const (
	MsgNothing MsgType = iota
	MsgEndOfWAL
	MsgWALData
	MsgKeepalive
)

// ReplMessage is a classified message from the upstream replication
// connection. Only the fields relevant to its Type are meaningful; see
// wbmasterconn.h's ReplMessage struct, which this mirrors field for field.
type ReplMessage struct {
	Type MsgType

	// wal_data fields.
	DataStart        pglogrepl.LSN
	WALEnd           pglogrepl.LSN
	SendTime         int64
	Data             []byte
	NextPageBoundary pglogrepl.LSN

	// keepalive fields (WALEnd/SendTime shared with wal_data above).
	ReplyRequested bool
}

const (
	walDataHeaderLen = 8 + 8 + 8
	keepaliveBodyLen = 8 + 8 + 1
)

// parseWALDataSubmessage decodes a CopyData payload whose first byte is
// pglogrepl.XLogDataByteID ('w'), already stripped by the caller.
func parseWALDataSubmessage(body []byte) (ReplMessage, error) {
	if len(body) < walDataHeaderLen {
		return ReplMessage{}, fmt.Errorf("upstream: wal data submessage too short (%d bytes)", len(body))
	}
	dataStart := pglogrepl.LSN(binary.BigEndian.Uint64(body[0:8]))
	walEnd := pglogrepl.LSN(binary.BigEndian.Uint64(body[8:16]))
	sendTime := int64(binary.BigEndian.Uint64(body[16:24]))
	payload := body[24:]

	return ReplMessage{
		Type:             MsgWALData,
		DataStart:        dataStart,
		WALEnd:           walEnd,
		SendTime:         sendTime,
		Data:             payload,
		NextPageBoundary: lsn.NextPageBoundary(dataStart),
	}, nil
}

// parseKeepaliveSubmessage decodes a CopyData payload whose first byte is
// pglogrepl.PrimaryKeepaliveMessageByteID ('k'), already stripped by the
// caller.
func parseKeepaliveSubmessage(body []byte) (ReplMessage, error) {
	if len(body) != keepaliveBodyLen {
		return ReplMessage{}, fmt.Errorf("upstream: keepalive submessage: want %d bytes, got %d", keepaliveBodyLen, len(body))
	}
	walEnd := pglogrepl.LSN(binary.BigEndian.Uint64(body[0:8]))
	sendTime := int64(binary.BigEndian.Uint64(body[8:16]))
	replyRequested := body[16] != 0

	return ReplMessage{
		Type:           MsgKeepalive,
		WALEnd:         walEnd,
		SendTime:       sendTime,
		ReplyRequested: replyRequested,
	}, nil
}

// postgresEpoch is the zero point ("2000-01-01 00:00:00 UTC") that
// PostgreSQL send-time fields are measured from, in microseconds.
var postgresEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// pgTimeToUnix converts a PostgreSQL microseconds-since-2000-01-01 send
// time, as carried on ReplMessage.SendTime, to a time.Time. Useful for
// logging; the wire format itself is passed through unchanged to the
// standby.
func pgTimeToUnix(microsSince2000 int64) time.Time {
	return postgresEpoch.Add(time.Duration(microsSince2000) * time.Microsecond)
}

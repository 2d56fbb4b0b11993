package walproto

import (
	"encoding/binary"
	"fmt"
)

// Sub-message identifiers carried as the first byte of a CopyData payload,
// on both the upstream (primary) and downstream (standby) sides of the
// proxy.
const (
	WALDataByte       = 'w'
	KeepaliveByte     = 'k'
	StandbyStatusByte = 'r'
	HSFeedbackByte    = 'h'
)

// EncodeWALData builds the 'w' CopyData sub-message forwarded to the
// standby: dataStart(8) walEnd(8) sendTime(8) then the WAL payload,
// matching the wire format in spec §6.
func EncodeWALData(dataStart, walEnd, sendTime int64, payload []byte) []byte {
	buf := make([]byte, 1+8+8+8+len(payload))
	buf[0] = WALDataByte
	binary.BigEndian.PutUint64(buf[1:9], uint64(dataStart))
	binary.BigEndian.PutUint64(buf[9:17], uint64(walEnd))
	binary.BigEndian.PutUint64(buf[17:25], uint64(sendTime))
	copy(buf[25:], payload)
	return buf
}

// EncodeKeepalive builds the 'k' CopyData sub-message: sentPtr(8)
// lastSend(8) replyRequested(1).
func EncodeKeepalive(sentPtr, lastSend int64, replyRequested bool) []byte {
	buf := make([]byte, 1+8+8+1)
	buf[0] = KeepaliveByte
	binary.BigEndian.PutUint64(buf[1:9], uint64(sentPtr))
	binary.BigEndian.PutUint64(buf[9:17], uint64(lastSend))
	if replyRequested {
		buf[17] = 1
	}
	return buf
}

// StandbyStatusUpdate is the standby's 'r' reply: its write/flush/apply
// LSNs, send time, and whether it wants an immediate keepalive back.
type StandbyStatusUpdate struct {
	WritePos       int64
	FlushPos       int64
	ApplyPos       int64
	SendTime       int64
	ReplyRequested bool
}

// DecodeStandbyStatusUpdate parses a standby status update CopyData
// payload (first byte 'r' already stripped by the caller).
func DecodeStandbyStatusUpdate(body []byte) (StandbyStatusUpdate, error) {
	if len(body) != 8+8+8+8+1 {
		return StandbyStatusUpdate{}, fmt.Errorf("walproto: standby status update: want 33 bytes, got %d", len(body))
	}
	return StandbyStatusUpdate{
		WritePos:       int64(binary.BigEndian.Uint64(body[0:8])),
		FlushPos:       int64(binary.BigEndian.Uint64(body[8:16])),
		ApplyPos:       int64(binary.BigEndian.Uint64(body[16:24])),
		SendTime:       int64(binary.BigEndian.Uint64(body[24:32])),
		ReplyRequested: body[32] != 0,
	}, nil
}

// HotStandbyFeedback is the standby's 'h' reply carrying its oldest xmin,
// used by the primary to hold back vacuum on rows the standby still needs.
type HotStandbyFeedback struct {
	SendTime int64
	Xmin     uint32
	Epoch    uint32
}

// DecodeHotStandbyFeedback parses a hot-standby-feedback CopyData payload
// (first byte 'h' already stripped by the caller).
func DecodeHotStandbyFeedback(body []byte) (HotStandbyFeedback, error) {
	if len(body) != 8+4+4 {
		return HotStandbyFeedback{}, fmt.Errorf("walproto: hot standby feedback: want 16 bytes, got %d", len(body))
	}
	return HotStandbyFeedback{
		SendTime: int64(binary.BigEndian.Uint64(body[0:8])),
		Xmin:     binary.BigEndian.Uint32(body[8:12]),
		Epoch:    binary.BigEndian.Uint32(body[12:16]),
	}, nil
}

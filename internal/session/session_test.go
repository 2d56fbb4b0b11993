package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/jfoltran/walbouncer/internal/config"
	"github.com/jfoltran/walbouncer/internal/metrics"
	"github.com/jfoltran/walbouncer/internal/replcmd"
	"github.com/jfoltran/walbouncer/internal/upstream"
	"github.com/jfoltran/walbouncer/internal/walproto"
)

// fakeMaster stands in for upstream.Client, letting command-loop and
// streaming-loop behavior be exercised without a real libpq connection.
type fakeMaster struct {
	sysID    string
	timeline int32
	xlogpos  pglogrepl.LSN
	params   map[string]string

	messages []upstream.ReplMessage
	idx      int

	standbyStatusCalls int
	hsFeedbackCalls    int
}

func (f *fakeMaster) IdentifySystem(ctx context.Context) (string, int32, pglogrepl.LSN, error) {
	return f.sysID, f.timeline, f.xlogpos, nil
}

func (f *fakeMaster) StartStreaming(ctx context.Context, startLSN pglogrepl.LSN, timeline int32) error {
	return nil
}

func (f *fakeMaster) ReceiveWalMessage(ctx context.Context, timeout time.Duration) (upstream.ReplMessage, error) {
	if f.idx >= len(f.messages) {
		return upstream.ReplMessage{Type: upstream.MsgNothing}, nil
	}
	m := f.messages[f.idx]
	f.idx++
	return m, nil
}

func (f *fakeMaster) EndStreaming(ctx context.Context) (uint32, error) { return 0, nil }

func (f *fakeMaster) ParameterStatus(name string) (string, bool) {
	v, ok := f.params[name]
	return v, ok
}

func (f *fakeMaster) SendStandbyStatus(ctx context.Context, write, flush, apply pglogrepl.LSN) error {
	f.standbyStatusCalls++
	return nil
}

func (f *fakeMaster) SendHotStandbyFeedback(ctx context.Context, sendTime int64, xmin, epoch uint32) error {
	f.hsFeedbackCalls++
	return nil
}

func (f *fakeMaster) Close(ctx context.Context) error { return nil }

func newTestSession(conn net.Conn, master masterConn) *Session {
	var codec *walproto.Codec
	if conn != nil {
		codec = walproto.New(conn)
	}
	return &Session{
		id:        "sess-test",
		conn:      conn,
		codec:     codec,
		master:    master,
		cfg:       config.Config{Master: config.MasterConfig{Host: "primary.internal", Port: 5432}},
		collector: metrics.NewCollector(zerolog.Nop()),
		logger:    zerolog.Nop(),
	}
}

func TestSplitTablespaceList(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty", "", nil},
		{"single", "pg_default", []string{"pg_default"}},
		{"multiple", "ts1,ts2, ts3", []string{"ts1", "ts2", "ts3"}},
		{"blank entries dropped", "ts1,,  ,ts2", []string{"ts1", "ts2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitTablespaceList(tt.raw)
			if len(got) != len(tt.want) {
				t.Fatalf("splitTablespaceList(%q) = %v, want %v", tt.raw, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("splitTablespaceList(%q)[%d] = %q, want %q", tt.raw, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSessionCommandLoop_IdentifySystem(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	master := &fakeMaster{
		sysID:    "6923456789012345678",
		timeline: 1,
		xlogpos:  pglogrepl.LSN(0x1000000),
		params:   map[string]string{"server_version": "15.2"},
	}
	sess := newTestSession(serverConn, master)

	done := make(chan error, 1)
	go func() { done <- sess.commandLoop(context.Background()) }()

	client := pgproto3.NewFrontend(clientConn, clientConn)

	mustReceive(t, client) // ReadyForQuery

	client.Send(&pgproto3.Query{String: "IDENTIFY_SYSTEM"})
	if err := client.Flush(); err != nil {
		t.Fatalf("flush query: %v", err)
	}

	rd := mustReceive(t, client)
	if _, ok := rd.(*pgproto3.RowDescription); !ok {
		t.Fatalf("expected RowDescription, got %T", rd)
	}
	row := mustReceive(t, client)
	dataRow, ok := row.(*pgproto3.DataRow)
	if !ok {
		t.Fatalf("expected DataRow, got %T", row)
	}
	if string(dataRow.Values[0]) != master.sysID {
		t.Errorf("systemid = %q, want %q", dataRow.Values[0], master.sysID)
	}

	cc := mustReceive(t, client)
	if _, ok := cc.(*pgproto3.CommandComplete); !ok {
		t.Fatalf("expected CommandComplete, got %T", cc)
	}
	rfq := mustReceive(t, client)
	if _, ok := rfq.(*pgproto3.ReadyForQuery); !ok {
		t.Fatalf("expected ReadyForQuery right after the single CommandComplete, got %T", rfq)
	}

	client.Send(&pgproto3.Terminate{})
	if err := client.Flush(); err != nil {
		t.Fatalf("flush terminate: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("commandLoop returned error: %v", err)
	}
}

func TestSessionCommandLoop_UnsupportedCommandSendsError(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	sess := newTestSession(serverConn, &fakeMaster{})

	done := make(chan error, 1)
	go func() { done <- sess.commandLoop(context.Background()) }()

	client := pgproto3.NewFrontend(clientConn, clientConn)
	mustReceive(t, client) // ReadyForQuery

	client.Send(&pgproto3.Query{String: "BASE_BACKUP"})
	if err := client.Flush(); err != nil {
		t.Fatalf("flush query: %v", err)
	}

	errResp := mustReceive(t, client)
	if _, ok := errResp.(*pgproto3.ErrorResponse); !ok {
		t.Fatalf("expected ErrorResponse for an unsupported command, got %T", errResp)
	}
	mustReceive(t, client) // ReadyForQuery

	client.Send(&pgproto3.Terminate{})
	if err := client.Flush(); err != nil {
		t.Fatalf("flush terminate: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("commandLoop returned error: %v", err)
	}
}

func TestHandleUpstreamKeepalive_ForwardsLastKnownStatus(t *testing.T) {
	master := &fakeMaster{}
	sess := newTestSession(nil, master)
	sess.lastStandbyStatus = &walproto.StandbyStatusUpdate{
		WritePos: 100, FlushPos: 90, ApplyPos: 80,
	}
	sess.lastHSFeedback = &walproto.HotStandbyFeedback{Xmin: 42}

	msg := upstream.ReplMessage{Type: upstream.MsgKeepalive, ReplyRequested: true}
	if err := sess.handleUpstreamKeepalive(context.Background(), msg); err != nil {
		t.Fatalf("handleUpstreamKeepalive: %v", err)
	}
	if master.standbyStatusCalls != 1 {
		t.Errorf("standbyStatusCalls = %d, want 1", master.standbyStatusCalls)
	}
	if master.hsFeedbackCalls != 1 {
		t.Errorf("hsFeedbackCalls = %d, want 1", master.hsFeedbackCalls)
	}
}

func TestHandleUpstreamKeepalive_NoReplyRequestedIsNoop(t *testing.T) {
	master := &fakeMaster{}
	sess := newTestSession(nil, master)
	sess.lastStandbyStatus = &walproto.StandbyStatusUpdate{WritePos: 1}

	msg := upstream.ReplMessage{Type: upstream.MsgKeepalive, ReplyRequested: false}
	if err := sess.handleUpstreamKeepalive(context.Background(), msg); err != nil {
		t.Fatalf("handleUpstreamKeepalive: %v", err)
	}
	if master.standbyStatusCalls != 0 {
		t.Errorf("standbyStatusCalls = %d, want 0 when no reply was requested", master.standbyStatusCalls)
	}
}

// buildKeptRecord constructs one page-aligned WAL chunk: a short page
// header followed by a single non-relation-touching (xact) record, so
// the filter's happy path can be exercised without a tablespace decision.
func buildKeptRecord(pageAddr pglogrepl.LSN, body []byte) []byte {
	buf := make([]byte, 0, shortHeaderLenForTest+recordHeaderLenForTest+len(body))

	hdr := make([]byte, shortHeaderLenForTest)
	hdr[0], hdr[1] = 0x34, 0x12 // non-zero magic
	// info(2) left zero: not long, not a continuation
	// timeline(4) left zero
	putLE64(hdr[8:16], uint64(pageAddr))
	// remaining len(4) left zero
	buf = append(buf, hdr...)

	rec := make([]byte, recordHeaderLenForTest)
	totalLen := uint32(recordHeaderLenForTest + len(body))
	putLE32(rec[0:4], totalLen)
	// xid(4) left zero
	// prevLSN(8) left zero
	rec[16] = 0          // info
	rec[17] = rmgrXactForTest // RmgrID: not relation-touching
	buf = append(buf, rec...)

	buf = append(buf, body...)
	return buf
}

const (
	shortHeaderLenForTest  = 24
	recordHeaderLenForTest = 24
	rmgrXactForTest        = 0
)

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putLE32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func TestExecStartPhysical_StreamsThenEndsOnEndOfWAL(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	startLSN := pglogrepl.LSN(8192)
	payload := buildKeptRecord(startLSN, []byte("ABCDEFGH"))

	master := &fakeMaster{
		messages: []upstream.ReplMessage{
			{Type: upstream.MsgWALData, DataStart: startLSN, WALEnd: startLSN + pglogrepl.LSN(len(payload)), SendTime: 123, Data: payload},
			{Type: upstream.MsgEndOfWAL},
		},
	}
	sess := newTestSession(serverConn, master)

	cmd := replcmd.Command{Kind: replcmd.StartPhysical, StartLSN: startLSN, Timeline: 1}

	done := make(chan error, 1)
	go func() {
		done <- sess.execStartPhysical(context.Background(), cmd)
	}()

	client := pgproto3.NewFrontend(clientConn, clientConn)

	msg := mustReceive(t, client)
	if _, ok := msg.(*pgproto3.CopyBothResponse); !ok {
		t.Fatalf("expected CopyBothResponse, got %T", msg)
	}

	walMsg := mustReceive(t, client)
	cd, ok := walMsg.(*pgproto3.CopyData)
	if !ok {
		t.Fatalf("expected CopyData carrying the WAL block, got %T", walMsg)
	}
	if cd.Data[0] != walproto.WALDataByte {
		t.Errorf("CopyData sub-message byte = %q, want %q", cd.Data[0], walproto.WALDataByte)
	}

	doneMsg := mustReceive(t, client)
	if _, ok := doneMsg.(*pgproto3.CopyDone); !ok {
		t.Fatalf("expected CopyDone at end-of-WAL, got %T", doneMsg)
	}

	if err := <-done; err != nil {
		t.Fatalf("execStartPhysical returned error: %v", err)
	}
}

func mustReceive(t *testing.T, f *pgproto3.Frontend) pgproto3.BackendMessage {
	t.Helper()
	msg, err := f.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return msg
}

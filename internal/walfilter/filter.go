// Package walfilter implements the tablespace-scoped WAL filtering
// engine: the component that decides, record by record, whether bytes
// streamed from the primary are forwarded to the standby verbatim or
// replaced with same-length zero padding. It never changes the length of
// a CopyData payload and never moves a page header off its 8-KiB
// boundary, so the standby's view of LSN space is identical whether or
// not any tablespace is excluded.
//
// The real proxy this is modeled on (walbouncer's wbfilter.c) parses the
// full PostgreSQL WAL record grammar — compressed/same-as-previous
// RelFileNode references, multiple block references per record, backup
// block images, and so on. That source file was not available in this
// exercise's reference material, so this package works off a narrower,
// explicitly-documented record model (see wal.go): a fixed 24-byte
// XLogRecord header, and, for relation-touching resource managers only,
// a fixed-offset RelFileNode + BlockNumber immediately following it.
// The state machine, buffering discipline, and decision rule are
// otherwise faithful to the design.
package walfilter

import (
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/walbouncer/pkg/lsn"
)

// State names the filter's position within the page/record grammar.
type State int

const (
	ScanHeader State = iota
	ScanRecord
	BufferRecord
	BufferFilenode
	CopyBody
	SkipBody
)

func (s State) String() string {
	switch s {
	case ScanHeader:
		return "scan_header"
	case ScanRecord:
		return "scan_record"
	case BufferRecord:
		return "buffer_record"
	case BufferFilenode:
		return "buffer_filenode"
	case CopyBody:
		return "copy_body"
	case SkipBody:
		return "skip_body"
	default:
		return "unknown"
	}
}

// Filter holds the per-session filtering state (spec §3's FilterState):
// current scan position, the resumable buffer for structures that
// straddle CopyData boundaries, and whether the stream is known to be
// synchronized on a record boundary yet.
type Filter struct {
	state State
	pos   pglogrepl.LSN

	includeTablespaces map[uint32]struct{} // nil means "no filtering, forward everything"
	synchronized       bool

	buf []byte // partial header/filenode bytes carried across Process calls

	segmentStart pglogrepl.LSN // LSN of the first byte of the current WAL segment; 0 means unknown
	segmentSize  pglogrepl.LSN

	curRmgrID   uint8
	curKeep     bool
	bodyLeft    uint32 // bytes of the current record's body not yet consumed
	resumeState State  // record sub-state to restore once an interrupting page header finishes

	logger zerolog.Logger
}

// defaultSegmentSize is 16 MiB, PostgreSQL's default wal_segment_size.
// It only affects when the long-form page header is expected (the first
// page of each segment); walbouncer has no way to learn the primary's
// actual configured segment size from the replication stream alone, so
// like the rest of this package it assumes the common default.
const defaultSegmentSize = 16 * 1024 * 1024

// New creates a Filter that will begin scanning at startPos, which must
// be page-aligned (the position a START_REPLICATION command always
// resumes from). A nil includeTablespaces keeps every record.
//
// synchronized always starts false: a fresh attach (or a post-Restart
// resume, which always lands on a page boundary too) has not yet
// inspected the first page header's continuation flag, so the filter
// cannot know whether the bytes immediately following belong to a
// record it never saw the start of. f.pos%PageSize==0 already forces
// the first Process call into stepPageBoundary regardless of state,
// which is what actually decides synchronized on the spot.
func New(startPos pglogrepl.LSN, includeTablespaces map[uint32]struct{}, logger zerolog.Logger) *Filter {
	return &Filter{
		state:              ScanRecord,
		pos:                startPos,
		includeTablespaces: includeTablespaces,
		synchronized:       false,
		segmentStart:       lsn.SegmentBoundary(startPos, defaultSegmentSize),
		segmentSize:        defaultSegmentSize,
		logger:             logger,
	}
}

// Pos reports the absolute LSN of the next byte the filter expects to
// scan (the low-water mark it has fully decided the fate of).
func (f *Filter) Pos() pglogrepl.LSN { return f.pos }

// Result is the outcome of filtering one inbound WAL data chunk.
type Result struct {
	// Output is always exactly len(payload) bytes: every byte is
	// decided within the call it arrives in (a header or block
	// reference straddling the end of a chunk only delays how it's
	// classified, never how it's counted), so skipped record bytes
	// become same-length zero runs and everything else — page headers,
	// kept records — passes through unchanged.
	Output []byte
	// Filtered counts the bytes within Output that were replaced with
	// zero-fill because they belonged to an excluded tablespace's
	// record body (the SkipBody state). It is metrics-only: Output
	// itself already carries the zero-filled bytes in place.
	Filtered int
	// Desynced is true if the filter could not make sense of the stream
	// (e.g. on first attach mid-segment) and the session must restart
	// replication from the most recent page boundary instead.
	Desynced   bool
	RestartPos pglogrepl.LSN
}

// Process runs the state machine over one WAL data chunk starting at
// chunkStart (msg.DataStart). It must be called with chunks in strictly
// increasing, contiguous LSN order; a chunk that does not start exactly
// at Pos() is rejected with an error.
func (f *Filter) Process(chunkStart pglogrepl.LSN, payload []byte) (Result, error) {
	if chunkStart != f.pos {
		return Result{}, fmt.Errorf("walfilter: non-contiguous chunk: have %s, want %s", chunkStart, f.pos)
	}

	data := payload
	out := make([]byte, 0, len(data))
	filtered := 0
	i := 0
	for i < len(data) {
		// A page header is expected either at a fresh page boundary, or
		// (f.state == ScanHeader) because one was left partially
		// buffered by a previous call whose chunk ended inside it.
		if f.pos%PageSize == 0 || f.state == ScanHeader {
			n, desynced, err := f.stepPageBoundary(data[i:])
			if err != nil {
				return Result{}, err
			}
			if desynced {
				restart := lsn.PageBoundary(f.pos)
				f.logger.Warn().
					Str("pos", f.pos.String()).
					Str("restart", restart.String()).
					Msg("walfilter: lost synchronization, requesting restart")
				return Result{Desynced: true, RestartPos: restart}, nil
			}
			if n == 0 {
				return Result{Output: out, Filtered: filtered}, nil
			}
			out = append(out, data[i:i+n]...)
			i += n
			f.pos += pglogrepl.LSN(n)
			continue
		}

		skipping := f.state == SkipBody
		emit, n, err := f.stepWithinPage(data[i:])
		if err != nil {
			return Result{}, err
		}
		if n == 0 {
			// Not enough bytes buffered yet to make progress; stash and
			// wait for the next chunk.
			f.buf = append(f.buf, data[i:]...)
			return Result{Output: out, Filtered: filtered}, nil
		}
		if skipping {
			filtered += n
		}
		out = append(out, emit...)
		i += n
		f.pos += pglogrepl.LSN(n)
	}

	return Result{Output: out, Filtered: filtered}, nil
}

// stepPageBoundary consumes (all or part of) a page header. pageStart,
// the page-aligned position the header describes, is recovered as
// f.pos minus however much of the header is already held in f.buf from
// a previous call — the two advance in lockstep, so the difference is
// invariant across resumes. Returns desynced==true if the header
// doesn't look like a page header at all (only possible right after
// attaching mid-stream).
func (f *Filter) stepPageBoundary(data []byte) (n int, desynced bool, err error) {
	if len(f.buf) == 0 {
		// First byte of this header: remember what the record machine
		// was doing so it can resume once the header is out of the way.
		f.resumeState = f.state
	}

	pageStart := f.pos - pglogrepl.LSN(len(f.buf))
	long := pageStart == f.segmentStart
	want := shortPageHeaderLen
	if long {
		want = longPageHeaderLen
	}

	need := want - len(f.buf)
	avail := need
	if avail > len(data) {
		avail = len(data)
	}
	if avail < need {
		f.buf = append(f.buf, data[:avail]...)
		f.state = ScanHeader
		return avail, false, nil
	}

	full := append(append([]byte{}, f.buf...), data[:avail]...)
	f.buf = nil
	hdr, perr := parsePageHeader(full, long)
	if perr != nil {
		if !f.synchronized {
			return 0, true, nil
		}
		return 0, false, fmt.Errorf("walfilter: %w", perr)
	}

	// Once synchronized, a page boundary is transparent to the record
	// state machine: whatever record/filenode/body was in progress
	// simply resumes on the far side of the header, which is exactly
	// what XLP_FIRST_IS_CONTINUATION_RECORD describes for a record that
	// legitimately spans pages. The flag only needs to drive a decision
	// the first time the filter attaches mid-stream, before it knows
	// what was in progress.
	if !f.synchronized {
		if hdr.Continuation {
			// Discard the tail of a record we never saw the start of;
			// once past it we're on a clean record boundary. The
			// continuation bytes are zeroed, conservatively treated as
			// excluded, since we never learned which tablespace they
			// belong to.
			f.curKeep = false
			if hdr.RemainingLen > 0 {
				f.beginBody(hdr.RemainingLen, false)
			} else {
				f.state = ScanRecord
			}
		} else {
			f.state = ScanRecord
		}
		f.synchronized = true
	} else {
		f.state = f.resumeState
	}

	return avail, false, nil
}

// stepWithinPage advances within the current page by at most the
// distance remaining to the next page boundary, driven by the record
// sub-state machine, and returns the bytes to append to the output.
// Header and block-reference bytes always pass through raw — the
// keep/skip decision applies only once we're actually consuming a
// record's body — which is why the emission is decided here, at the
// point each byte is classified, rather than inferred afterwards from
// whatever state the machine has since moved on to. Returns n==0 if
// more bytes must be buffered before any progress can be made.
func (f *Filter) stepWithinPage(data []byte) (emit []byte, n int, err error) {
	toPageEnd := int(PageSize - f.pos%PageSize)

	switch f.state {
	case ScanRecord, BufferRecord:
		need := recordHeaderLen - len(f.buf)
		avail := min(need, len(data), toPageEnd)
		if len(f.buf)+avail < recordHeaderLen {
			f.state = BufferRecord
			f.buf = append(f.buf, data[:avail]...)
			return data[:avail], avail, nil
		}
		hdrBuf := append(append([]byte{}, f.buf...), data[:avail]...)
		hdr, perr := parseRecordHeader(hdrBuf)
		if perr != nil {
			return nil, 0, fmt.Errorf("walfilter: %w", perr)
		}
		f.buf = nil
		f.curRmgrID = hdr.RmgrID
		bodyLen := hdr.TotalLen - recordHeaderLen
		if touchesRelation(hdr.RmgrID) {
			f.state = BufferFilenode
			f.bodyLeft = bodyLen
		} else {
			f.curKeep = true
			f.beginBody(bodyLen, true)
		}
		return data[:avail], avail, nil

	case BufferFilenode:
		need := blockRefLen - len(f.buf)
		avail := min(need, len(data), toPageEnd)
		if len(f.buf)+avail < blockRefLen {
			f.buf = append(f.buf, data[:avail]...)
			return data[:avail], avail, nil
		}
		refBuf := append(append([]byte{}, f.buf...), data[:avail]...)
		ref, perr := parseBlockReference(refBuf)
		if perr != nil {
			return nil, 0, fmt.Errorf("walfilter: %w", perr)
		}
		f.buf = nil
		keepRec := keep(f.includeTablespaces, f.curRmgrID, ref)
		f.curKeep = keepRec
		f.beginBody(f.bodyLeft-blockRefLen, keepRec)
		return data[:avail], avail, nil

	case CopyBody:
		avail := min(int(f.bodyLeft), len(data), toPageEnd)
		f.bodyLeft -= uint32(avail)
		if f.bodyLeft == 0 {
			f.state = ScanRecord
		}
		return data[:avail], avail, nil

	case SkipBody:
		avail := min(int(f.bodyLeft), len(data), toPageEnd)
		f.bodyLeft -= uint32(avail)
		if f.bodyLeft == 0 {
			f.state = ScanRecord
		}
		return make([]byte, avail), avail, nil

	default:
		return nil, 0, fmt.Errorf("walfilter: unreachable state %v", f.state)
	}
}

// beginBody transitions into copying or skipping a record's remaining
// body bytes, folding in the zero-length case (header-only records).
func (f *Filter) beginBody(remaining uint32, keepRec bool) {
	f.bodyLeft = remaining
	if keepRec {
		f.state = CopyBody
	} else {
		f.state = SkipBody
	}
	if f.bodyLeft == 0 {
		f.state = ScanRecord
	}
}

func min(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

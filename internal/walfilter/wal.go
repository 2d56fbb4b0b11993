package walfilter

import (
	"encoding/binary"
	"fmt"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/walbouncer/pkg/lsn"
)

// PageSize is the WAL page size walbouncer assumes throughout (XLOG_BLCKSZ
// in PostgreSQL; 8192 on every build this proxy targets).
const PageSize = lsn.PageSize

const (
	shortPageHeaderLen = 24
	longPageHeaderLen  = 40
	recordHeaderLen    = 24
	relFileNodeLen     = 12 // tablespace_oid(4) + database_oid(4) + relation_oid(4)
	blockRefLen        = relFileNodeLen + 4

	xlpLongHeader              = 0x0002
	xlpFirstIsContinuationRec  = 0x0001
)

// xlogPageMagic is compared loosely: walbouncer doesn't track the exact
// per-major-version magic number table (source for that,
// src/wbfilter.c, was not retrieved alongside the rest of the original
// proxy — see DESIGN.md). A page header is accepted as long as it isn't
// the obviously-wrong all-zero value a truncated/corrupt stream would
// produce.
const xlogPageMagicZero = 0

// RelFileNode identifies the storage file a WAL record touches.
type RelFileNode struct {
	TablespaceOID uint32
	DatabaseOID   uint32
	RelationOID   uint32
}

// BlockReference is a relation-touching record's pointer to a page of
// table or index storage.
type BlockReference struct {
	RelFileNode
	BlockNumber uint32
}

// PageHeader is the decoded form of a WAL page's leading bytes (long or
// short form).
type PageHeader struct {
	Long             bool
	Info             uint16
	Timeline         uint32
	PageAddr         pglogrepl.LSN
	RemainingLen     uint32 // valid only if Continuation
	Continuation     bool
	HeaderLen        int
}

// parsePageHeader decodes a page header from buf, which must be at least
// long enough for the form requested. long should be true only for the
// first page of a new WAL segment; walbouncer decides this the same way
// the filter decides everything else about page boundaries, via its scan
// position (Filter.pos against Filter.segmentStart), not via inspecting
// the bytes first (PostgreSQL itself
// doesn't self-describe long-vs-short in a way recoverable without
// knowing segment size).
func parsePageHeader(buf []byte, long bool) (PageHeader, error) {
	want := shortPageHeaderLen
	if long {
		want = longPageHeaderLen
	}
	if len(buf) < want {
		return PageHeader{}, fmt.Errorf("walfilter: page header needs %d bytes, got %d", want, len(buf))
	}

	magic := binary.LittleEndian.Uint16(buf[0:2])
	info := binary.LittleEndian.Uint16(buf[2:4])
	tli := binary.LittleEndian.Uint32(buf[4:8])
	addr := binary.LittleEndian.Uint64(buf[8:16])
	remLen := binary.LittleEndian.Uint32(buf[16:20])

	if magic == xlogPageMagicZero {
		return PageHeader{}, fmt.Errorf("walfilter: zero page magic, stream desynchronized")
	}

	return PageHeader{
		Long:         long,
		Info:         info,
		Timeline:     tli,
		PageAddr:     pglogrepl.LSN(addr),
		RemainingLen: remLen,
		Continuation: info&xlpFirstIsContinuationRec != 0,
		HeaderLen:    want,
	}, nil
}

// RecordHeader is the decoded fixed portion of an XLogRecord.
type RecordHeader struct {
	TotalLen uint32
	XID      uint32
	PrevLSN  pglogrepl.LSN
	Info     uint8
	RmgrID   uint8
}

// Relation-manager IDs walbouncer distinguishes. Only RmgrHeap is
// treated as relation-touching; records of every other resource manager
// pass through unconditionally. This is narrower than PostgreSQL's full resource
// manager table, which also has to thread RelFileNode detection through
// several other managers (btree, gin, gist, sequence, ...); walbouncer
// models the one the spec's examples (tablespace-scoped relation
// filtering) actually exercise.
const (
	RmgrXact = 0
	RmgrHeap = 10
)

// parseRecordHeader decodes the fixed 24-byte XLogRecord header.
func parseRecordHeader(buf []byte) (RecordHeader, error) {
	if len(buf) < recordHeaderLen {
		return RecordHeader{}, fmt.Errorf("walfilter: record header needs %d bytes, got %d", recordHeaderLen, len(buf))
	}
	return RecordHeader{
		TotalLen: binary.LittleEndian.Uint32(buf[0:4]),
		XID:      binary.LittleEndian.Uint32(buf[4:8]),
		PrevLSN:  pglogrepl.LSN(binary.LittleEndian.Uint64(buf[8:16])),
		Info:     buf[16],
		RmgrID:   buf[17],
	}, nil
}

// touchesRelation reports whether records from this resource manager
// carry a BlockReference immediately after the fixed header.
func touchesRelation(rmgrID uint8) bool {
	return rmgrID == RmgrHeap
}

// parseBlockReference decodes the fixed-offset RelFileNode + BlockNumber
// walbouncer expects immediately after the record header for
// relation-touching records.
func parseBlockReference(buf []byte) (BlockReference, error) {
	if len(buf) < blockRefLen {
		return BlockReference{}, fmt.Errorf("walfilter: block reference needs %d bytes, got %d", blockRefLen, len(buf))
	}
	return BlockReference{
		RelFileNode: RelFileNode{
			TablespaceOID: binary.LittleEndian.Uint32(buf[0:4]),
			DatabaseOID:   binary.LittleEndian.Uint32(buf[4:8]),
			RelationOID:   binary.LittleEndian.Uint32(buf[8:12]),
		},
		BlockNumber: binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// keep applies the decision rule from spec §4.C: kept if tablespaces are
// unrestricted, the record doesn't touch a relation, or the record's
// tablespace is in the include set.
func keep(include map[uint32]struct{}, rmgrID uint8, ref BlockReference) bool {
	if include == nil {
		return true
	}
	if !touchesRelation(rmgrID) {
		return true
	}
	_, ok := include[ref.TablespaceOID]
	return ok
}

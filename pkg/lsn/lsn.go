package lsn

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
)

// PageSize is the fixed size of a WAL page (XLOG_BLCKSZ in PostgreSQL).
const PageSize = 8192

// Lag calculates the byte distance between two LSN positions.
func Lag(current, latest pglogrepl.LSN) uint64 {
	if latest <= current {
		return 0
	}
	return uint64(latest - current)
}

// PageBoundary returns the LSN of the WAL page containing pos, i.e. pos
// rounded down to the nearest multiple of PageSize.
func PageBoundary(pos pglogrepl.LSN) pglogrepl.LSN {
	return pos - pglogrepl.LSN(uint64(pos)%PageSize)
}

// NextPageBoundary returns the LSN of the next page start at or after pos.
// When pos already sits on a page boundary it is returned unchanged.
func NextPageBoundary(pos pglogrepl.LSN) pglogrepl.LSN {
	rem := uint64(pos) % PageSize
	if rem == 0 {
		return pos
	}
	return pos + pglogrepl.LSN(PageSize-rem)
}

// IsPageAligned reports whether pos sits exactly on an 8 KiB page boundary.
func IsPageAligned(pos pglogrepl.LSN) bool {
	return uint64(pos)%PageSize == 0
}

// SegmentBoundary returns the LSN of the start of the WAL segment
// containing pos, given segSize (PostgreSQL's wal_segment_size, 16 MiB
// by default).
func SegmentBoundary(pos, segSize pglogrepl.LSN) pglogrepl.LSN {
	return pos - pglogrepl.LSN(uint64(pos)%uint64(segSize))
}

// FormatLag returns a human-friendly representation of replication lag.
func FormatLag(bytes uint64, latency time.Duration) string {
	var size string
	switch {
	case bytes >= 1<<30:
		size = fmt.Sprintf("%.2f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		size = fmt.Sprintf("%.2f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		size = fmt.Sprintf("%.2f KB", float64(bytes)/float64(1<<10))
	default:
		size = fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%s (latency: %s)", size, latency.Truncate(time.Millisecond))
}

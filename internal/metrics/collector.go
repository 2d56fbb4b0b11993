package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/walbouncer/pkg/lsn"
)

// SessionStatus is the lifecycle stage of one standby connection.
type SessionStatus string

const (
	SessionStarting  SessionStatus = "starting"
	SessionStreaming SessionStatus = "streaming"
	SessionResyncing SessionStatus = "resyncing" // filter desync, restarting upstream
	SessionClosed    SessionStatus = "closed"
)

// SessionProgress tracks one standby session's streaming position.
type SessionProgress struct {
	ID             string        `json:"id"`
	RemoteAddr     string        `json:"remote_addr"`
	ApplicationName string       `json:"application_name"`
	Status         SessionStatus `json:"status"`
	SentLSN        string        `json:"sent_lsn"`
	BytesForwarded int64         `json:"bytes_forwarded"`
	BytesFiltered  int64         `json:"bytes_filtered"`
	RecordsKept    int64         `json:"records_kept"`
	RecordsSkipped int64         `json:"records_skipped"`
	StartedAt      time.Time     `json:"-"`
	ElapsedSec     float64       `json:"elapsed_sec"`
}

// Snapshot is the complete metrics state at a point in time.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	SessionsActive int               `json:"sessions_active"`
	Sessions       []SessionProgress `json:"sessions"`

	LatestLSN    string `json:"latest_lsn"`
	LagBytes     uint64 `json:"lag_bytes"`
	LagFormatted string `json:"lag_formatted"`

	BytesForwardedPerSec float64 `json:"bytes_forwarded_per_sec"`
	BytesFilteredPerSec  float64 `json:"bytes_filtered_per_sec"`
	TotalBytesForwarded  int64   `json:"total_bytes_forwarded"`
	TotalBytesFiltered   int64   `json:"total_bytes_filtered"`

	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
}

// LogEntry represents a log line captured for the admin UI.
type LogEntry struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Collector aggregates per-standby-session metrics and provides
// snapshots for the admin HTTP API and TUI. Grounded on the teacher's
// Collector (same subscriber/broadcast/sliding-window machinery), with
// the per-table copy-progress model replaced by a per-session
// filter-throughput model, since walbouncer has sessions and bytes
// where the teacher had tables and rows.
type Collector struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*SessionProgress
	order    []string // insertion order

	latestLSN pglogrepl.LSN

	totalBytesForwarded atomic.Int64
	totalBytesFiltered  atomic.Int64

	errorCount atomic.Int64
	lastError  atomic.Value // string

	forwardedWindow *slidingWindow
	filteredWindow  *slidingWindow

	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}

	logMu  sync.Mutex
	logs   []LogEntry
	logCap int

	// remoteSnapshot, when set, overrides Snapshot()'s own computation
	// with one fetched from a remote walbouncer's admin API, for the
	// detached "tui --api-addr" dashboard (see ApplyRemoteSnapshot).
	remoteSnapshot atomic.Pointer[Snapshot]

	done chan struct{}
}

// NewCollector creates a new Collector.
func NewCollector(logger zerolog.Logger) *Collector {
	c := &Collector{
		logger:          logger.With().Str("component", "metrics").Logger(),
		sessions:        make(map[string]*SessionProgress),
		subscribers:     make(map[chan Snapshot]struct{}),
		forwardedWindow: newSlidingWindow(60 * time.Second),
		filteredWindow:  newSlidingWindow(60 * time.Second),
		logs:            make([]LogEntry, 0, 500),
		logCap:          500,
		done:            make(chan struct{}),
	}
	go c.broadcastLoop()
	return c
}

// SessionStarted registers a newly accepted standby connection.
func (c *Collector) SessionStarted(id, remoteAddr, applicationName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.sessions[id]; !exists {
		c.order = append(c.order, id)
	}
	c.sessions[id] = &SessionProgress{
		ID:              id,
		RemoteAddr:      remoteAddr,
		ApplicationName: applicationName,
		Status:          SessionStarting,
		StartedAt:       time.Now(),
	}
}

// SessionStreaming marks a session as actively forwarding WAL.
func (c *Collector) SessionStreaming(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[id]; ok {
		s.Status = SessionStreaming
	}
}

// SessionResyncing marks a session as restarting its upstream stream
// after a filter desync (spec §4.C's restart protocol).
func (c *Collector) SessionResyncing(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[id]; ok {
		s.Status = SessionResyncing
	}
}

// SessionClosed marks a session as ended and leaves its final counters
// visible; closed sessions stay in every later snapshot and are never
// pruned.
func (c *Collector) SessionClosed(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[id]; ok {
		s.Status = SessionClosed
		s.ElapsedSec = time.Since(s.StartedAt).Seconds()
	}
}

// RecordForwarded records len(kept) bytes forwarded and len(skipped)
// bytes filtered out for one Process() call on behalf of session id, and
// the session's new high-water sent LSN.
func (c *Collector) RecordForwarded(id string, sentLSN pglogrepl.LSN, bytesForwarded, bytesFiltered int64, recordsKept, recordsSkipped int64) {
	c.mu.Lock()
	if s, ok := c.sessions[id]; ok {
		s.SentLSN = sentLSN.String()
		s.BytesForwarded += bytesForwarded
		s.BytesFiltered += bytesFiltered
		s.RecordsKept += recordsKept
		s.RecordsSkipped += recordsSkipped
		if !s.StartedAt.IsZero() {
			s.ElapsedSec = time.Since(s.StartedAt).Seconds()
		}
	}
	c.mu.Unlock()

	c.totalBytesForwarded.Add(bytesForwarded)
	c.totalBytesFiltered.Add(bytesFiltered)
	now := time.Now()
	c.forwardedWindow.Add(now, float64(bytesForwarded))
	c.filteredWindow.Add(now, float64(bytesFiltered))
}

// RecordLatestLSN updates the primary's most recently observed WAL
// position, used for the lag calculation across all sessions.
func (c *Collector) RecordLatestLSN(pos pglogrepl.LSN) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latestLSN = pos
}

// RecordError increments the error count and stores the last error message.
func (c *Collector) RecordError(err error) {
	c.errorCount.Add(1)
	if err != nil {
		c.lastError.Store(err.Error())
	}
}

// AddLog appends a log entry to the ring buffer.
func (c *Collector) AddLog(entry LogEntry) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if len(c.logs) >= c.logCap {
		n := c.logCap / 4
		copy(c.logs, c.logs[n:])
		c.logs = c.logs[:len(c.logs)-n]
	}
	c.logs = append(c.logs, entry)
}

// Logs returns a copy of recent log entries.
func (c *Collector) Logs() []LogEntry {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	out := make([]LogEntry, len(c.logs))
	copy(out, c.logs)
	return out
}

// ApplyRemoteSnapshot overwrites this collector's reported state with a
// snapshot polled from a remote walbouncer's admin API, so a detached
// "tui --api-addr" dashboard can drive its Bubble Tea model off the same
// Collector/Snapshot machinery as an in-process proxy, rather than
// needing a second rendering path. Grounded on cmd/pgmigrator/tui.go's
// pollRemote, which likewise pushes fetched state straight into its
// Collector (there via SetPhase/SetTables) instead of recomputing it
// locally.
func (c *Collector) ApplyRemoteSnapshot(snap Snapshot) {
	c.remoteSnapshot.Store(&snap)
}

// Snapshot returns the current metrics state (thread-safe). If a remote
// snapshot has been applied via ApplyRemoteSnapshot, it is returned
// verbatim instead of being recomputed from local session state.
func (c *Collector) Snapshot() Snapshot {
	if rs := c.remoteSnapshot.Load(); rs != nil {
		return *rs
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	sessions := make([]SessionProgress, 0, len(c.order))
	active := 0
	for _, id := range c.order {
		s := *c.sessions[id]
		sessions = append(sessions, s)
		if s.Status != SessionClosed {
			active++
		}
	}

	var lastErr string
	if v := c.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	// Collector-wide lag isn't meaningful across multiple independent
	// sessions at different replay positions; per-session lag belongs on
	// SessionProgress once a session tracks the primary's write LSN
	// alongside its own sent LSN. Reported as zero here pending that.
	lagBytes := uint64(0)

	return Snapshot{
		Timestamp:            now,
		SessionsActive:       active,
		Sessions:             sessions,
		LatestLSN:            c.latestLSN.String(),
		LagBytes:             lagBytes,
		LagFormatted:         lsn.FormatLag(lagBytes, 0),
		BytesForwardedPerSec: c.forwardedWindow.Rate(),
		BytesFilteredPerSec:  c.filteredWindow.Rate(),
		TotalBytesForwarded:  c.totalBytesForwarded.Load(),
		TotalBytesFiltered:   c.totalBytesFiltered.Load(),
		ErrorCount:           int(c.errorCount.Load()),
		LastError:            lastErr,
	}
}

// Subscribe returns a channel that receives periodic Snapshot updates.
func (c *Collector) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 4)
	c.subMu.Lock()
	c.subscribers[ch] = struct{}{}
	c.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription channel.
func (c *Collector) Unsubscribe(ch chan Snapshot) {
	c.subMu.Lock()
	delete(c.subscribers, ch)
	c.subMu.Unlock()
}

// Close stops the broadcast loop.
func (c *Collector) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Collector) broadcastLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			snap := c.Snapshot()
			c.subMu.Lock()
			for ch := range c.subscribers {
				select {
				case ch <- snap:
				default:
					// Subscriber too slow, skip.
				}
			}
			c.subMu.Unlock()
		}
	}
}

// --- Sliding window for throughput calculation ---

type windowEntry struct {
	time  time.Time
	value float64
}

type slidingWindow struct {
	mu      sync.Mutex
	entries []windowEntry
	window  time.Duration
}

func newSlidingWindow(d time.Duration) *slidingWindow {
	return &slidingWindow{
		entries: make([]windowEntry, 0, 128),
		window:  d,
	}
}

func (w *slidingWindow) Add(t time.Time, val float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, windowEntry{time: t, value: val})
	w.evict(t)
}

func (w *slidingWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.evict(now)
	if len(w.entries) == 0 {
		return 0
	}
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	elapsed := now.Sub(w.entries[0].time).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return total / elapsed
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		copy(w.entries, w.entries[i:])
		w.entries = w.entries[:len(w.entries)-i]
	}
}

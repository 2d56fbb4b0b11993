package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"
)

func TestCollector_SessionLifecycle(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.SessionStarted("sess-1", "10.0.0.5:54321", "pg_default")
	snap := c.Snapshot()
	if snap.SessionsActive != 1 {
		t.Errorf("SessionsActive = %d, want 1", snap.SessionsActive)
	}
	if len(snap.Sessions) != 1 || snap.Sessions[0].Status != SessionStarting {
		t.Errorf("expected one starting session, got %+v", snap.Sessions)
	}

	c.SessionStreaming("sess-1")
	snap = c.Snapshot()
	if snap.Sessions[0].Status != SessionStreaming {
		t.Errorf("Status = %s, want streaming", snap.Sessions[0].Status)
	}

	c.SessionResyncing("sess-1")
	snap = c.Snapshot()
	if snap.Sessions[0].Status != SessionResyncing {
		t.Errorf("Status = %s, want resyncing", snap.Sessions[0].Status)
	}

	c.SessionClosed("sess-1")
	snap = c.Snapshot()
	if snap.SessionsActive != 0 {
		t.Errorf("SessionsActive = %d, want 0 after close", snap.SessionsActive)
	}
	if snap.Sessions[0].Status != SessionClosed {
		t.Errorf("Status = %s, want closed", snap.Sessions[0].Status)
	}
}

func TestCollector_RecordForwarded(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.SessionStarted("sess-1", "127.0.0.1:1", "")
	c.RecordForwarded("sess-1", pglogrepl.LSN(8192), 6000, 2192, 3, 1)
	c.RecordForwarded("sess-1", pglogrepl.LSN(16384), 8192, 0, 4, 0)

	snap := c.Snapshot()
	if snap.TotalBytesForwarded != 14192 {
		t.Errorf("TotalBytesForwarded = %d, want 14192", snap.TotalBytesForwarded)
	}
	if snap.TotalBytesFiltered != 2192 {
		t.Errorf("TotalBytesFiltered = %d, want 2192", snap.TotalBytesFiltered)
	}

	var found bool
	for _, s := range snap.Sessions {
		if s.ID == "sess-1" {
			found = true
			if s.SentLSN != pglogrepl.LSN(16384).String() {
				t.Errorf("SentLSN = %q, want %q", s.SentLSN, pglogrepl.LSN(16384).String())
			}
			if s.RecordsKept != 7 || s.RecordsSkipped != 1 {
				t.Errorf("RecordsKept/Skipped = %d/%d, want 7/1", s.RecordsKept, s.RecordsSkipped)
			}
		}
	}
	if !found {
		t.Fatal("sess-1 not present in snapshot")
	}
}

func TestCollector_ErrorTracking(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.RecordError(nil)
	snap := c.Snapshot()
	if snap.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", snap.ErrorCount)
	}

	c.RecordError(fmt.Errorf("test error"))
	snap = c.Snapshot()
	if snap.ErrorCount != 2 {
		t.Errorf("ErrorCount = %d, want 2", snap.ErrorCount)
	}
	if snap.LastError != "test error" {
		t.Errorf("LastError = %q, want 'test error'", snap.LastError)
	}
}

func TestCollector_LogBuffer(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.AddLog(LogEntry{
			Time:    time.Now(),
			Level:   "info",
			Message: fmt.Sprintf("log %d", i),
		})
	}

	logs := c.Logs()
	if len(logs) != 10 {
		t.Errorf("expected 10 logs, got %d", len(logs))
	}
}

func TestCollector_LogBufferEviction(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	for i := 0; i < 600; i++ {
		c.AddLog(LogEntry{
			Time:    time.Now(),
			Level:   "info",
			Message: fmt.Sprintf("log %d", i),
		})
	}

	logs := c.Logs()
	if len(logs) > 500 {
		t.Errorf("log buffer should not exceed capacity, got %d", len(logs))
	}
}

func TestCollector_SubscribeUnsubscribe(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	ch := c.Subscribe()
	c.Unsubscribe(ch)

	// Should not panic or deadlock.
	c.SessionStarted("sess-1", "", "")
}

func TestCollector_LatestLSN(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.RecordLatestLSN(pglogrepl.LSN(1 << 20))
	snap := c.Snapshot()
	if snap.LatestLSN != pglogrepl.LSN(1<<20).String() {
		t.Errorf("LatestLSN = %q, want %q", snap.LatestLSN, pglogrepl.LSN(1<<20).String())
	}
}

func TestCollector_Elapsed(t *testing.T) {
	c := NewCollector(zerolog.Nop())
	defer c.Close()

	c.SessionStarted("sess-1", "", "")
	time.Sleep(50 * time.Millisecond)
	c.RecordForwarded("sess-1", pglogrepl.LSN(1), 1, 0, 1, 0)
	snap := c.Snapshot()
	if snap.Sessions[0].ElapsedSec < 0.04 {
		t.Errorf("ElapsedSec = %f, expected > 0.04", snap.Sessions[0].ElapsedSec)
	}
}

func TestSlidingWindow_Rate(t *testing.T) {
	w := newSlidingWindow(5 * time.Second)
	now := time.Now()

	w.Add(now.Add(-3*time.Second), 30)
	w.Add(now.Add(-2*time.Second), 20)
	w.Add(now.Add(-1*time.Second), 10)

	rate := w.Rate()
	if rate <= 0 {
		t.Errorf("Rate() = %f, want > 0", rate)
	}
}

func TestSlidingWindow_Eviction(t *testing.T) {
	w := newSlidingWindow(100 * time.Millisecond)
	now := time.Now()

	w.Add(now.Add(-200*time.Millisecond), 100)
	w.Add(now, 50)

	rate := w.Rate()
	// The old entry should be evicted, leaving only the 50 entry.
	if rate <= 0 {
		t.Errorf("Rate() = %f, want > 0", rate)
	}
}

func TestSlidingWindow_Empty(t *testing.T) {
	w := newSlidingWindow(time.Second)
	if r := w.Rate(); r != 0 {
		t.Errorf("Rate() on empty window = %f, want 0", r)
	}
}

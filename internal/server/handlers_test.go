package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jfoltran/walbouncer/internal/config"
	"github.com/jfoltran/walbouncer/internal/metrics"
)

func TestHandlerStatus(t *testing.T) {
	c := metrics.NewCollector(zerolog.Nop())
	defer c.Close()
	c.SessionStarted("sess-1", "127.0.0.1:1", "pg_default")
	c.SessionStreaming("sess-1")

	h := &handlers{collector: c}
	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	rec := httptest.NewRecorder()

	h.status(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want 200", rec.Code)
	}

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var snap metrics.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.SessionsActive != 1 {
		t.Errorf("SessionsActive = %d, want 1", snap.SessionsActive)
	}
}

func TestHandlerSessions(t *testing.T) {
	c := metrics.NewCollector(zerolog.Nop())
	defer c.Close()
	c.SessionStarted("sess-1", "127.0.0.1:1", "pg_default")

	h := &handlers{collector: c}
	req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
	rec := httptest.NewRecorder()

	h.sessions(rec, req)

	var sessions []metrics.SessionProgress
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].ID != "sess-1" {
		t.Errorf("session id = %q, want sess-1", sessions[0].ID)
	}
}

func TestHandlerConfig(t *testing.T) {
	c := metrics.NewCollector(zerolog.Nop())
	defer c.Close()

	cfg := &config.Config{
		Listen: config.ListenConfig{Host: "0.0.0.0", Port: 5433},
		Master: config.MasterConfig{Host: "primary.example.com", Port: 5432},
	}

	h := &handlers{collector: c, cfg: cfg}
	req := httptest.NewRequest("GET", "/api/v1/config", nil)
	rec := httptest.NewRecorder()

	h.configHandler(rec, req)

	body := rec.Body.String()
	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want 200", rec.Code)
	}
	if !strings.Contains(body, "primary.example.com") {
		t.Error("response should contain master host")
	}
}

func TestHandlerConfigNil(t *testing.T) {
	c := metrics.NewCollector(zerolog.Nop())
	defer c.Close()

	h := &handlers{collector: c, cfg: nil}
	req := httptest.NewRequest("GET", "/api/v1/config", nil)
	rec := httptest.NewRecorder()

	h.configHandler(rec, req)

	if !strings.Contains(rec.Body.String(), "no config available") {
		t.Error("expected 'no config available' error message")
	}
}

func TestHandlerLogs(t *testing.T) {
	c := metrics.NewCollector(zerolog.Nop())
	defer c.Close()

	c.AddLog(metrics.LogEntry{Level: "info", Message: "test log"})

	h := &handlers{collector: c}
	req := httptest.NewRequest("GET", "/api/v1/logs", nil)
	rec := httptest.NewRecorder()

	h.logs(rec, req)

	var logs []metrics.LogEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &logs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}
	if logs[0].Message != "test log" {
		t.Errorf("log message = %q, want 'test log'", logs[0].Message)
	}
}

func TestHandlerCORS(t *testing.T) {
	c := metrics.NewCollector(zerolog.Nop())
	defer c.Close()

	h := &handlers{collector: c}
	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	rec := httptest.NewRecorder()

	h.status(rec, req)

	cors := rec.Header().Get("Access-Control-Allow-Origin")
	if cors != "*" {
		t.Errorf("CORS header = %q, want *", cors)
	}
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/ReplyPipe/internal/guard"
	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/orchestrator"
	"github.com/BTreeMap/ReplyPipe/internal/ratelimit"
	"github.com/BTreeMap/ReplyPipe/internal/store"
)

type noopFetcher struct{}

func (noopFetcher) Poll(ctx context.Context) ([]models.RawEvent, error) { return nil, nil }

type noopGenerator struct{}

func (noopGenerator) Generate(ctx context.Context, item models.InboundItem, history []models.ThreadMessage) (string, error) {
	return "ok", nil
}

type noopEmitter struct{}

func (noopEmitter) Emit(ctx context.Context, item models.OutboundItem) (orchestrator.EmitResult, error) {
	return orchestrator.EmitResult{Delivered: true}, nil
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	st, err := store.NewSQLiteStore(store.WithDSN(filepath.Join(t.TempDir(), "replypipe.db")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	limiter, err := ratelimit.New(ratelimit.Config{BucketSize: 100, RefillRate: 100}, st)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g := guard.New(guard.Config{})
	orch := orchestrator.New(st, limiter, g, noopFetcher{}, noopGenerator{}, noopEmitter{}, orchestrator.Config{})

	srv := NewServer("", st, limiter, g, orch)
	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body.Guard.EmergencyStopActive {
		t.Error("fresh guard should not report emergency stop")
	}
	if body.Limiter.Tokens <= 0 {
		t.Errorf("limiter should report a stocked bucket, got %v", body.Limiter.Tokens)
	}
}

func TestTickEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/tick", "application/json", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	// Triggering with the wrong method is rejected.
	resp2, err := http.Get(ts.URL + "/tick")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp2.StatusCode)
	}
}

func TestEmergencyStopEndpoint(t *testing.T) {
	srv, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/emergency-stop", "application/json", strings.NewReader(`{"active":true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !srv.guard.EmergencyStopActive() {
		t.Error("emergency stop should be active after POST")
	}

	resp, err = http.Post(ts.URL+"/emergency-stop", "application/json", strings.NewReader(`{"active":false}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if srv.guard.EmergencyStopActive() {
		t.Error("emergency stop should clear after deactivation")
	}

	resp, err = http.Post(ts.URL+"/emergency-stop", "application/json", strings.NewReader(`not json`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", resp.StatusCode)
	}
}

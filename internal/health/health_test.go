package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthzAlwaysReturns200(t *testing.T) {
	h := New(nil)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyzAllCheckersPass(t *testing.T) {
	h := New(nil,
		Checker{Name: "event_bus", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyzCheckerFails(t *testing.T) {
	h := New(nil,
		Checker{Name: "event_bus", Check: func(_ context.Context) error { return errors.New("disconnected") }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestStatusReflectsSnapshot(t *testing.T) {
	h := New(func() Snapshot {
		return Snapshot{State: "listening", WarmupComplete: true, EventBusConnected: true}
	})

	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	h.Status(rec, req)

	var snap Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.State != "listening" || !snap.WarmupComplete || !snap.EventBusConnected {
		t.Fatalf("snapshot = %+v, want listening/warm/connected", snap)
	}
}

func TestStatusIncludesRecordedError(t *testing.T) {
	h := New(func() Snapshot { return Snapshot{State: "degraded"} })
	h.RecordError(errors.New("capture device lost"))

	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	h.Status(rec, req)

	var snap Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.LastError != "capture device lost" {
		t.Fatalf("last_error = %q, want %q", snap.LastError, "capture device lost")
	}
}

func TestRegisterRoutesWork(t *testing.T) {
	h := New(nil)
	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/readyz", "/status"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}

package ai

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/agalue/voice-gateway/internal/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDatetimeBypassSkipsProvider(t *testing.T) {
	registry := tools.New(testLogger(), tools.Config{})
	fixed := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	tools.RegisterDatetime(registry, func() time.Time { return fixed })

	r, err := New(testLogger(), Config{Host: "http://127.0.0.1:1", Model: "test"}, registry)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := r.Route(context.Background(), "what time is it")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp.FinishReason != "bypass" {
		t.Fatalf("expected bypass finish reason, got %q", resp.FinishReason)
	}
	if resp.Text == "" {
		t.Fatal("expected non-empty datetime text")
	}
}

func TestDeviceControlBypassExtractsArgs(t *testing.T) {
	registry := tools.New(testLogger(), tools.Config{})
	bus := &recordingBus{status: tools.DeviceStatus{Exists: true, Reachable: true}}
	tools.RegisterDeviceControl(registry, bus)

	r, err := New(testLogger(), Config{Host: "http://127.0.0.1:1", Model: "test"}, registry)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := r.Route(context.Background(), "turn on the kitchen lamp")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp.FinishReason != "bypass" {
		t.Fatalf("expected bypass, got %+v", resp)
	}
	if bus.lastDevice == "" {
		t.Fatal("expected device_id to be extracted")
	}
	if bus.lastCommand != "on" {
		t.Fatalf("command = %q, want on", bus.lastCommand)
	}
}

func TestDeviceControlBypassFailureNeverCallsProvider(t *testing.T) {
	registry := tools.New(testLogger(), tools.Config{})
	bus := &recordingBus{status: tools.DeviceStatus{Exists: true, Reachable: false}}
	tools.RegisterDeviceControl(registry, bus)

	// Host points nowhere reachable: if the bypass fell through to
	// callProvider, Route would return a transport error instead of a
	// canned response.
	r, err := New(testLogger(), Config{Host: "http://127.0.0.1:1", Model: "test"}, registry)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := r.Route(context.Background(), "turn on switch two")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp.FinishReason != "bypass_failed" {
		t.Fatalf("expected bypass_failed finish reason, got %+v", resp)
	}
	if resp.Text == "" {
		t.Fatal("expected a deterministic failure response, got empty text")
	}
	if bus.lastDevice != "" || bus.lastCommand != "" {
		t.Fatal("command must never be dispatched when the device is unreachable")
	}
}

func TestNewRegistersFallbackModelInProviderGroup(t *testing.T) {
	registry := tools.New(testLogger(), tools.Config{})

	r, err := New(testLogger(), Config{Host: "http://127.0.0.1:1", Model: "gemma3:1b"}, registry)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(r.providers.Entries()) != 1 {
		t.Fatalf("expected 1 provider entry with no fallback configured, got %d", len(r.providers.Entries()))
	}

	r, err = New(testLogger(), Config{Host: "http://127.0.0.1:1", Model: "gemma3:1b", FallbackModel: "qwen2.5:3b"}, registry)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	entries := r.providers.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 provider entries with a fallback configured, got %d", len(entries))
	}
	if entries[0] != "gemma3:1b" || entries[1] != "qwen2.5:3b" {
		t.Fatalf("entries = %v, want [gemma3:1b qwen2.5:3b]", entries)
	}
}

func TestWindowClearsAfterIdleTimeout(t *testing.T) {
	w := newWindow(10, 50*time.Millisecond)
	w.touch(time.Now())
	w.append(api.Message{Role: "user", Content: "hello"})
	if len(w.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.messages))
	}

	w.touch(time.Now().Add(100 * time.Millisecond))
	if len(w.messages) != 0 {
		t.Fatal("expected window to clear after idle timeout")
	}
}

func TestWindowCapsHistoryLength(t *testing.T) {
	w := newWindow(2, time.Hour)
	for i := 0; i < 10; i++ {
		w.append(api.Message{Role: "user", Content: "msg"})
	}
	if len(w.messages) != 4 {
		t.Fatalf("expected capped at maxHistory*2=4 messages, got %d", len(w.messages))
	}
}

type recordingBus struct {
	status      tools.DeviceStatus
	lastDevice  string
	lastCommand string
}

func (b *recordingBus) Status(ctx context.Context, deviceID string) (tools.DeviceStatus, error) {
	return b.status, nil
}

func (b *recordingBus) Command(ctx context.Context, deviceID, command string) error {
	b.lastDevice = deviceID
	b.lastCommand = command
	return nil
}

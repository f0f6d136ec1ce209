package tools

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDatetimeBuiltin(t *testing.T) {
	r := New(testLogger(), Config{})
	fixed := time.Date(2026, 7, 30, 14, 0, 0, 0, time.UTC)
	RegisterDatetime(r, func() time.Time { return fixed })

	res := r.Execute(context.Background(), Call{Name: "datetime"})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Content == "" {
		t.Fatal("expected non-empty datetime content")
	}
}

func TestInvalidArgumentsSkipsHandler(t *testing.T) {
	r := New(testLogger(), Config{})
	called := false
	RegisterWebSearch(r, func(ctx context.Context, query string) (string, error) {
		called = true
		return "result", nil
	})

	res := r.Execute(context.Background(), Call{Name: "web_search", Args: map[string]any{}})
	if res.ErrorKind != ErrInvalidArguments {
		t.Fatalf("expected ErrInvalidArguments, got %v", res.ErrorKind)
	}
	if called {
		t.Fatal("handler must not be called when validation fails")
	}
}

func TestNotFound(t *testing.T) {
	r := New(testLogger(), Config{})
	res := r.Execute(context.Background(), Call{Name: "nonexistent"})
	if res.ErrorKind != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", res.ErrorKind)
	}
}

func TestTransientRetriedUntilSuccess(t *testing.T) {
	r := New(testLogger(), Config{RetryBudget: 2})
	attempts := 0
	RegisterWebSearch(r, func(ctx context.Context, query string) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("upstream timeout")
		}
		return "ok", nil
	})

	res := r.Execute(context.Background(), Call{Name: "web_search", Args: map[string]any{"query": "go generics"}})
	if !res.Success {
		t.Fatalf("expected eventual success, got %+v", res)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestStateChangingNotRetriedAfterDispatch(t *testing.T) {
	r := New(testLogger(), Config{RetryBudget: 3})
	bus := &fakeBus{status: DeviceStatus{Exists: true, Reachable: true}, cmdErr: errors.New("device rejected command")}
	RegisterDeviceControl(r, bus)

	res := r.Execute(context.Background(), Call{Name: "device_control", Args: map[string]any{"device_id": "lamp1", "command": "on"}})
	if res.Success {
		t.Fatal("expected failure")
	}
	if bus.commandCalls != 1 {
		t.Fatalf("command calls = %d, want 1 (no retry once dispatched)", bus.commandCalls)
	}
}

func TestDeviceControlUnreachableDeviceFailsFast(t *testing.T) {
	r := New(testLogger(), Config{})
	bus := &fakeBus{status: DeviceStatus{Exists: true, Reachable: false}}
	RegisterDeviceControl(r, bus)

	res := r.Execute(context.Background(), Call{Name: "device_control", Args: map[string]any{"device_id": "lamp1", "command": "on"}})
	if res.Success {
		t.Fatal("expected failure for unreachable device")
	}
	if bus.commandCalls != 0 {
		t.Fatal("command should never be dispatched to an unreachable device")
	}
}

type fakeBus struct {
	status       DeviceStatus
	statusErr    error
	cmdErr       error
	commandCalls int
}

func (f *fakeBus) Status(ctx context.Context, deviceID string) (DeviceStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeBus) Command(ctx context.Context, deviceID, command string) error {
	f.commandCalls++
	return f.cmdErr
}

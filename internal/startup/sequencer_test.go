package startup

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

func okSteps(warmup <-chan struct{}) Steps {
	return Steps{
		ConnectEventBus: func(ctx context.Context) error { return nil },
		LoadModels:      func(ctx context.Context) error { return nil },
		OpenCapture:     func(ctx context.Context) error { return nil },
		WarmupComplete:  warmup,
		WarmupTimeout:   50 * time.Millisecond,
		PlayWelcome:     func(ctx context.Context) error { return nil },
		EnterListening:  func() {},
		PublishReady:    func() {},
	}
}

func TestRunSucceedsInOrder(t *testing.T) {
	warmup := make(chan struct{})
	close(warmup)

	var order []string
	steps := okSteps(warmup)
	steps.ConnectEventBus = func(ctx context.Context) error { order = append(order, "bus"); return nil }
	steps.LoadModels = func(ctx context.Context) error { order = append(order, "models"); return nil }
	steps.OpenCapture = func(ctx context.Context) error { order = append(order, "capture"); return nil }
	steps.PlayWelcome = func(ctx context.Context) error { order = append(order, "welcome"); return nil }
	listened := false
	steps.EnterListening = func() { order = append(order, "listening"); listened = true }
	published := false
	steps.PublishReady = func() { order = append(order, "ready"); published = true }

	if err := Run(context.Background(), testLogger(), steps); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"bus", "models", "capture", "welcome", "listening", "ready"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if !listened || !published {
		t.Fatal("expected both EnterListening and PublishReady to run")
	}
}

func TestRunProceedsOnWarmupTimeout(t *testing.T) {
	warmup := make(chan struct{}) // never closed
	steps := okSteps(warmup)
	steps.WarmupTimeout = 10 * time.Millisecond

	readyCalled := false
	steps.PublishReady = func() { readyCalled = true }

	if err := Run(context.Background(), testLogger(), steps); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !readyCalled {
		t.Fatal("expected sequencer to proceed past warmup timeout")
	}
}

func TestRunReturnsTypedErrorOnFailedStep(t *testing.T) {
	warmup := make(chan struct{})
	close(warmup)
	steps := okSteps(warmup)
	steps.LoadModels = func(ctx context.Context) error { return errors.New("onnx load failed") }

	err := Run(context.Background(), testLogger(), steps)
	if err == nil {
		t.Fatal("expected error")
	}
	var seqErr *Error
	if !errors.As(err, &seqErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if seqErr.Kind != KindModels {
		t.Fatalf("kind = %v, want KindModels", seqErr.Kind)
	}
}

// Package startup implements the ordered sequencer that brings the
// gateway from process start to Listening without the "looks ready,
// isn't" welcome gap: it never resets the wake-word detector after
// the welcome cue plays.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ErrorKind names which sequencer step failed, letting the caller
// exit with a categorized status code.
type ErrorKind int

const (
	KindEventBus ErrorKind = iota
	KindModels
	KindCapture
	KindWelcome
)

func (k ErrorKind) String() string {
	switch k {
	case KindEventBus:
		return "event_bus"
	case KindModels:
		return "models"
	case KindCapture:
		return "capture"
	case KindWelcome:
		return "welcome"
	default:
		return "unknown"
	}
}

// Error wraps a sequencer step failure with the step that failed.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("startup: %s step failed: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Steps are the pluggable operations the sequencer orders. Every field
// is required except WarmupTimeout, which defaults below.
type Steps struct {
	// ConnectEventBus opens MQTT/tool-protocol connections, retrying
	// internally as needed.
	ConnectEventBus func(ctx context.Context) error
	// LoadModels loads ONNX models and initializes the detector.
	LoadModels func(ctx context.Context) error
	// OpenCapture opens the microphone and begins feeding the
	// detector.
	OpenCapture func(ctx context.Context) error
	// WarmupComplete is closed once the detector has accumulated
	// enough temporal context to run real inference.
	WarmupComplete <-chan struct{}
	// WarmupTimeout bounds the wait on WarmupComplete; on timeout the
	// sequencer proceeds anyway and logs it.
	WarmupTimeout time.Duration
	// PlayWelcome plays the welcome cue, blocking until playback
	// settles (capture is expected to be muted for its duration).
	PlayWelcome func(ctx context.Context) error
	// EnterListening transitions the orchestrator to Listening. Must
	// NOT reset the wake-word detector.
	EnterListening func()
	// PublishReady publishes voice/status = ready.
	PublishReady func()
}

func (s *Steps) defaults() {
	if s.WarmupTimeout <= 0 {
		s.WarmupTimeout = 10 * time.Second
	}
}

// Run executes the seven-step sequence in order, returning a typed
// *Error naming the failed step, or nil on success.
func Run(ctx context.Context, log *slog.Logger, steps Steps) error {
	steps.defaults()

	if err := steps.ConnectEventBus(ctx); err != nil {
		return &Error{Kind: KindEventBus, Err: err}
	}
	log.Info("startup: event bus connected")

	if err := steps.LoadModels(ctx); err != nil {
		return &Error{Kind: KindModels, Err: err}
	}
	log.Info("startup: models loaded")

	if err := steps.OpenCapture(ctx); err != nil {
		return &Error{Kind: KindCapture, Err: err}
	}
	log.Info("startup: capture opened")

	select {
	case <-steps.WarmupComplete:
		log.Info("startup: detector warmed up")
	case <-time.After(steps.WarmupTimeout):
		log.Warn("startup: detector warmup timed out, proceeding anyway", "timeout", steps.WarmupTimeout)
	case <-ctx.Done():
		return &Error{Kind: KindModels, Err: ctx.Err()}
	}

	if err := steps.PlayWelcome(ctx); err != nil {
		return &Error{Kind: KindWelcome, Err: err}
	}
	log.Info("startup: welcome cue played")

	// Do NOT reset the detector here: its rolling buffers hold only
	// muted frames from the welcome, which is harmless, and a reset
	// would force a second warm-up pause.
	steps.EnterListening()
	steps.PublishReady()
	log.Info("startup: ready")

	return nil
}

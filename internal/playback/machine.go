// Package playback implements the Playback Machine: a small state
// machine serializing audio output and coordinating capture muting
// while the assistant speaks.
package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/agalue/voice-gateway/internal/audio"
)

// State is one of the Playback Machine's five states.
type State int

const (
	Idle State = iota
	Speaking
	Completed
	Interrupted
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Speaking:
		return "speaking"
	case Completed:
		return "completed"
	case Interrupted:
		return "interrupted"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is emitted to the orchestrator when Speak returns.
type Outcome struct {
	State State
	Err   error
}

// MuteFunc mutes or unmutes the capture path. The Machine calls it with
// true before playback starts and false once playback ends, so the
// system never hears itself.
type MuteFunc func(mute bool)

// player is the subset of *audio.Player the Machine drives, narrowed to
// an interface so it can be exercised with a fake in tests.
type player interface {
	Play(buffer audio.AudioBuffer) error
	Interrupt()
}

// Machine wraps an audio.Player with explicit states and an interrupt
// path the orchestrator can trigger out of band.
type Machine struct {
	log       *slog.Logger
	player    player
	mute      MuteFunc
	interrupt *atomic.Bool

	mu    sync.Mutex
	state State
}

// New constructs a Machine. interruptFlag is the same *atomic.Bool
// handed to audio.NewPlayer as its externalInterrupt argument, so an
// Interrupt() call here and the player's own internal interrupt path
// observe the same signal.
func New(log *slog.Logger, p player, interruptFlag *atomic.Bool, mute MuteFunc) *Machine {
	return &Machine{
		log:       log,
		player:    p,
		mute:      mute,
		interrupt: interruptFlag,
		state:     Idle,
	}
}

// State returns the machine's current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Speak plays buffer to completion, interruption, or error, muting
// capture for the duration. It blocks until playback settles and
// returns the terminal Outcome.
func (m *Machine) Speak(buffer audio.AudioBuffer) Outcome {
	m.mu.Lock()
	m.state = Speaking
	m.mu.Unlock()

	m.interrupt.Store(false)
	if m.mute != nil {
		m.mute(true)
	}
	defer func() {
		if m.mute != nil {
			m.mute(false)
		}
	}()

	err := m.player.Play(buffer)

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err != nil:
		m.state = Error
		m.log.Warn("playback ended in error", "error", err)
		return Outcome{State: Error, Err: fmt.Errorf("playback: %w", err)}
	case m.interrupt.Load():
		m.state = Interrupted
		return Outcome{State: Interrupted}
	default:
		m.state = Completed
		return Outcome{State: Completed}
	}
}

// Interrupt stops the in-flight Speak call within one frame, per the
// one-frame interruption bound.
func (m *Machine) Interrupt() {
	m.interrupt.Store(true)
	m.player.Interrupt()
}

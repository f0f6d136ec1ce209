// Package orchestrator implements the Voice Orchestrator: the
// single-threaded state machine that owns every transition in the
// wake-word -> capture -> transcribe -> think -> speak pipeline.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// State is one of the orchestrator's eight states.
type State int

const (
	Initializing State = iota
	Listening
	WakeConfirmed
	Capturing
	Transcribing
	Thinking
	Speaking
	Degraded
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Listening:
		return "listening"
	case WakeConfirmed:
		return "wake_confirmed"
	case Capturing:
		return "capturing"
	case Transcribing:
		return "transcribing"
	case Thinking:
		return "thinking"
	case Speaking:
		return "speaking"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// EventType names one of the transitions in §4.10's table.
type EventType int

const (
	StartupComplete EventType = iota
	WakeDetected
	FirstFrameCaptured
	VADUtteranceEnd
	MaxUtteranceReached
	TranscriptSilent
	TranscriptOK
	TranscriptionFailed
	AIResponseOK
	AIFailed
	PlaybackComplete
	FatalDeviceError
	RecoveryOK
)

func (e EventType) String() string {
	switch e {
	case StartupComplete:
		return "startup_complete"
	case WakeDetected:
		return "wake_detected"
	case FirstFrameCaptured:
		return "first_frame_captured"
	case VADUtteranceEnd:
		return "vad_utterance_end"
	case MaxUtteranceReached:
		return "max_utterance_reached"
	case TranscriptSilent:
		return "transcript_silent"
	case TranscriptOK:
		return "transcript_ok"
	case TranscriptionFailed:
		return "transcription_failed"
	case AIResponseOK:
		return "ai_response_ok"
	case AIFailed:
		return "ai_failed"
	case PlaybackComplete:
		return "playback_complete"
	case FatalDeviceError:
		return "fatal_device_error"
	case RecoveryOK:
		return "recovery_ok"
	default:
		return "unknown"
	}
}

// Event is one item on the orchestrator's bounded event queue.
type Event struct {
	Type EventType
	// SessionID scopes the event to a session; required for all
	// events except StartupComplete, FatalDeviceError and RecoveryOK.
	SessionID string
	// Text carries a transcript (TranscriptOK) or assistant reply
	// (AIResponseOK); unused otherwise.
	Text string
	// Err carries the failure for TranscriptionFailed, AIFailed and
	// FatalDeviceError.
	Err error
}

// Hooks are the side effects the table in §4.10 calls for. The
// orchestrator never touches audio, TTS, STT or the AI Router
// directly; it only invokes these callbacks, keeping the FSM itself
// testable without any of those dependencies.
type Hooks struct {
	EmitReady              func()
	PlayWelcome            func()
	StartUtteranceBuffer   func(sessionID string)
	PlayConfirmationCue    func(sessionID string)
	BeginVAD               func(sessionID string)
	FreezeUtteranceBuffer  func(sessionID string)
	PassToAIRouter         func(sessionID, transcript string)
	SynthesizeDidntCatch   func(sessionID string)
	SynthesizePoliteError  func(sessionID string)
	HandToTTSPlayback      func(sessionID, text string)
	PublishSessionStarted  func(sessionID string)
	PublishSessionEnded    func(sessionID string)
	PublishTransition      func(sessionID string, from, to State, reason string)
	AttemptRecovery        func()
	CancelInFlight         func(sessionID string)
}

const eventQueueCapacity = 64

// Machine is the single-threaded state owner. All transitions happen
// in Run, driven by the table in §4.10; no other goroutine mutates
// state directly.
type Machine struct {
	log   *slog.Logger
	hooks Hooks

	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	state     State
	sessionID string
}

// New constructs a Machine in Initializing state.
func New(log *slog.Logger, hooks Hooks) *Machine {
	return &Machine{
		log:    log,
		hooks:  hooks,
		events: make(chan Event, eventQueueCapacity),
		done:   make(chan struct{}),
		state:  Initializing,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Submit enqueues an event for processing. Non-blocking: a full queue
// drops the event and logs it, since a state-transition event should
// never be produced faster than the single-threaded loop can drain it
// under normal operation.
func (m *Machine) Submit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Warn("orchestrator event queue full, dropping event", "event", ev.Type.String())
	}
}

// Run drains the event queue until ctx is cancelled. Exactly one
// instance should run per Machine.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

// Done reports when Run has returned.
func (m *Machine) Done() <-chan struct{} { return m.done }

func newSessionID() string { return uuid.NewString() }

func (m *Machine) handle(ev Event) {
	m.mu.Lock()
	current := m.state
	session := m.sessionID
	m.mu.Unlock()

	// Wake events are only actionable from Listening; everything else
	// in any other state is ignored but logged, per §4.10's invariant.
	if ev.Type == WakeDetected && current != Listening {
		m.log.Info("wake event ignored outside listening", "state", current.String())
		return
	}

	// fatal_device_error is accepted from any state.
	if ev.Type == FatalDeviceError {
		m.transition(current, Degraded, "fatal_device_error", session)
		if session != "" {
			m.endSession(session)
		}
		if m.hooks.AttemptRecovery != nil {
			m.hooks.AttemptRecovery()
		}
		return
	}

	switch current {
	case Initializing:
		if ev.Type == StartupComplete {
			m.transition(current, Listening, ev.Type.String(), session)
			if m.hooks.EmitReady != nil {
				m.hooks.EmitReady()
			}
			if m.hooks.PlayWelcome != nil {
				m.hooks.PlayWelcome()
			}
		}

	case Listening:
		if ev.Type == WakeDetected {
			id := newSessionID()
			m.mu.Lock()
			m.sessionID = id
			m.mu.Unlock()
			m.startSession(id)
			m.transition(Listening, WakeConfirmed, ev.Type.String(), id)
			if m.hooks.StartUtteranceBuffer != nil {
				m.hooks.StartUtteranceBuffer(id)
			}
			if m.hooks.PlayConfirmationCue != nil {
				m.hooks.PlayConfirmationCue(id)
			}
		}

	case WakeConfirmed:
		if ev.Type == FirstFrameCaptured && ev.SessionID == session {
			m.transition(current, Capturing, ev.Type.String(), session)
			if m.hooks.BeginVAD != nil {
				m.hooks.BeginVAD(session)
			}
		}

	case Capturing:
		if (ev.Type == VADUtteranceEnd || ev.Type == MaxUtteranceReached) && ev.SessionID == session {
			m.transition(current, Transcribing, ev.Type.String(), session)
			if m.hooks.FreezeUtteranceBuffer != nil {
				m.hooks.FreezeUtteranceBuffer(session)
			}
		}

	case Transcribing:
		if ev.SessionID != session {
			return
		}
		switch ev.Type {
		case TranscriptSilent:
			m.transition(current, Listening, ev.Type.String(), session)
			m.endSession(session)
		case TranscriptOK:
			m.transition(current, Thinking, ev.Type.String(), session)
			if m.hooks.PassToAIRouter != nil {
				m.hooks.PassToAIRouter(session, ev.Text)
			}
		case TranscriptionFailed:
			m.transition(current, Speaking, ev.Type.String(), session)
			if m.hooks.SynthesizeDidntCatch != nil {
				m.hooks.SynthesizeDidntCatch(session)
			}
		}

	case Thinking:
		if ev.SessionID != session {
			return
		}
		switch ev.Type {
		case AIResponseOK:
			m.transition(current, Speaking, ev.Type.String(), session)
			if m.hooks.HandToTTSPlayback != nil {
				m.hooks.HandToTTSPlayback(session, ev.Text)
			}
		case AIFailed:
			m.transition(current, Speaking, ev.Type.String(), session)
			if m.hooks.SynthesizePoliteError != nil {
				m.hooks.SynthesizePoliteError(session)
			}
		}

	case Speaking:
		if ev.Type == PlaybackComplete && ev.SessionID == session {
			// Do NOT reset the wake-word detector here.
			m.transition(current, Listening, ev.Type.String(), session)
			m.endSession(session)
		}

	case Degraded:
		if ev.Type == RecoveryOK {
			m.transition(current, Listening, ev.Type.String(), "")
		}
	}
}

func (m *Machine) transition(from, to State, reason, sessionID string) {
	m.mu.Lock()
	m.state = to
	m.mu.Unlock()
	m.log.Info("orchestrator transition", "from", from.String(), "to", to.String(), "reason", reason, "session_id", sessionID)
	if m.hooks.PublishTransition != nil {
		m.hooks.PublishTransition(sessionID, from, to, reason)
	}
}

// startSession issues exactly one session_started event for id.
func (m *Machine) startSession(id string) {
	if m.hooks.PublishSessionStarted != nil {
		m.hooks.PublishSessionStarted(id)
	}
}

// endSession issues exactly one session_ended event for the current
// session and clears it, cancelling any in-flight worker call.
func (m *Machine) endSession(id string) {
	if m.hooks.CancelInFlight != nil {
		m.hooks.CancelInFlight(id)
	}
	if m.hooks.PublishSessionEnded != nil {
		m.hooks.PublishSessionEnded(id)
	}
	m.mu.Lock()
	m.sessionID = ""
	m.mu.Unlock()
}

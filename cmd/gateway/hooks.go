package main

import (
	"context"
	"errors"
	"time"

	"github.com/agalue/voice-gateway/internal/audio"
	"github.com/agalue/voice-gateway/internal/orchestrator"
	"github.com/agalue/voice-gateway/internal/stt"
	"github.com/agalue/voice-gateway/internal/vad"
)

// onFrame is the audio capturer's per-frame callback. It always keeps
// the wake-word detector fed so its rolling buffers stay warm, and
// additionally runs VAD once the orchestrator has entered Capturing
// for the current session.
func (g *gateway) onFrame(frame audio.Frame) {
	state := g.orch.State()

	res, err := g.wake.ProcessChunk(frame.Samples)
	if err != nil {
		g.log.Warn("wakeword: process chunk failed", "error", err)
	} else if !frame.Muted && state == orchestrator.Listening && res.Detected {
		g.orch.Submit(orchestrator.Event{Type: orchestrator.WakeDetected})
	}

	switch state {
	case orchestrator.WakeConfirmed:
		if !g.firstFrameSent.Swap(true) {
			g.mu.Lock()
			sid := g.sessionID
			g.mu.Unlock()
			g.orch.Submit(orchestrator.Event{Type: orchestrator.FirstFrameCaptured, SessionID: sid})
		}

	case orchestrator.Capturing:
		g.mu.Lock()
		g.utterance = append(g.utterance, frame)
		sid := g.sessionID
		g.mu.Unlock()

		ev := g.vadDet.Process(frame)
		if ev.Type == vad.UtteranceEnd {
			g.mu.Lock()
			g.lastUtteranceEnd = ev
			g.mu.Unlock()

			evType := orchestrator.VADUtteranceEnd
			if ev.End == vad.EndMaxUtterance {
				evType = orchestrator.MaxUtteranceReached
			}
			g.orch.Submit(orchestrator.Event{Type: evType, SessionID: sid})
		}
	}
}

// hooks binds every orchestrator side effect to exactly one
// component's existing API. The orchestrator itself never touches
// audio, STT, TTS or the AI Router.
func (g *gateway) hooks() orchestrator.Hooks {
	return orchestrator.Hooks{
		StartUtteranceBuffer: func(sessionID string) {
			g.mu.Lock()
			g.sessionID = sessionID
			g.utterance = g.utterance[:0]
			g.mu.Unlock()
			g.firstFrameSent.Store(false)
			g.vadDet.Reset()
		},
		PlayConfirmationCue: func(sessionID string) {
			go func() {
				if err := g.speak(context.Background(), sessionID, "Yes?"); err != nil {
					g.log.Warn("gateway: confirmation cue failed", "session_id", sessionID, "error", err)
				}
			}()
		},
		FreezeUtteranceBuffer: func(sessionID string) {
			g.mu.Lock()
			frames := append([]audio.Frame(nil), g.utterance...)
			silent := g.lastUtteranceEnd.Silent
			g.mu.Unlock()
			go g.transcribe(sessionID, frames, silent)
		},
		PassToAIRouter: func(sessionID, transcript string) {
			go g.routeToAI(sessionID, transcript)
		},
		SynthesizeDidntCatch: func(sessionID string) {
			go g.speakAndComplete(sessionID, "Sorry, I didn't catch that.")
		},
		SynthesizePoliteError: func(sessionID string) {
			go g.speakAndComplete(sessionID, "Sorry, I'm having trouble helping with that right now.")
		},
		HandToTTSPlayback: func(sessionID, text string) {
			go g.speakAndComplete(sessionID, text)
		},
		PublishSessionStarted: func(sessionID string) {
			if err := g.bus.PublishStatus(sessionID, "session_started", time.Now()); err != nil {
				g.log.Warn("gateway: publish session_started failed", "error", err)
			}
		},
		PublishSessionEnded: func(sessionID string) {
			if err := g.bus.PublishStatus(sessionID, "session_ended", time.Now()); err != nil {
				g.log.Warn("gateway: publish session_ended failed", "error", err)
			}
		},
		PublishTransition: func(sessionID string, from, to orchestrator.State, reason string) {
			if err := g.bus.PublishTransition(sessionID, from.String(), to.String(), reason, time.Now()); err != nil {
				g.log.Warn("gateway: publish transition failed", "error", err)
			}
		},
		AttemptRecovery: func() {
			go g.attemptRecovery()
		},
		CancelInFlight: func(sessionID string) {
			g.mu.Lock()
			cancel, ok := g.inFlight[sessionID]
			delete(g.inFlight, sessionID)
			g.mu.Unlock()
			if ok {
				cancel()
			}
		},
	}
}

// transcribe runs the STT recognizer over a frozen utterance buffer
// and reports the outcome back to the orchestrator.
func (g *gateway) transcribe(sessionID string, frames []audio.Frame, silent bool) {
	ctx, cancel := g.trackInFlight(sessionID)
	defer cancel()

	result, err := g.stt.Transcribe(ctx, frames, silent)
	if err != nil {
		g.recordError(err)
		var failed *stt.TranscriptionFailed
		if errors.As(err, &failed) && failed.Kind == stt.KindEmpty {
			g.orch.Submit(orchestrator.Event{Type: orchestrator.TranscriptSilent, SessionID: sessionID})
			return
		}
		g.orch.Submit(orchestrator.Event{Type: orchestrator.TranscriptionFailed, SessionID: sessionID, Err: err})
		return
	}
	if result.IsSilent || result.Text == "" {
		g.orch.Submit(orchestrator.Event{Type: orchestrator.TranscriptSilent, SessionID: sessionID})
		return
	}
	g.orch.Submit(orchestrator.Event{Type: orchestrator.TranscriptOK, SessionID: sessionID, Text: result.Text})
}

// routeToAI publishes the transcript, calls the AI Router, and
// reports the outcome back to the orchestrator.
func (g *gateway) routeToAI(sessionID, transcript string) {
	ctx, cancel := g.trackInFlight(sessionID)
	defer cancel()

	if err := g.bus.PublishRequest(sessionID, transcript, time.Now()); err != nil {
		g.log.Warn("gateway: publish request failed", "error", err)
	}

	resp, err := g.router.Route(ctx, transcript)
	if err != nil {
		g.recordError(err)
		g.orch.Submit(orchestrator.Event{Type: orchestrator.AIFailed, SessionID: sessionID, Err: err})
		return
	}
	if err := g.bus.PublishResponse(sessionID, resp.Text, time.Now()); err != nil {
		g.log.Warn("gateway: publish response failed", "error", err)
	}
	g.orch.Submit(orchestrator.Event{Type: orchestrator.AIResponseOK, SessionID: sessionID, Text: resp.Text})
}

// speakAndComplete synthesizes and plays text, always submitting
// PlaybackComplete afterward regardless of outcome so the orchestrator
// never stalls in Speaking.
func (g *gateway) speakAndComplete(sessionID, text string) {
	if err := g.speak(context.Background(), sessionID, text); err != nil {
		g.log.Warn("gateway: speak failed", "session_id", sessionID, "error", err)
	}
	g.orch.Submit(orchestrator.Event{Type: orchestrator.PlaybackComplete, SessionID: sessionID})
}

// speak synthesizes text and plays it through the Playback Machine,
// muting capture for the duration.
func (g *gateway) speak(ctx context.Context, sessionID, text string) error {
	out, err := g.tts.Synthesize(text)
	if err != nil {
		return err
	}
	outcome := g.playback.Speak(audio.AudioBuffer{Samples: out.Samples, SampleRate: out.SampleRate})
	if outcome.Err != nil {
		return outcome.Err
	}
	_ = ctx
	_ = sessionID
	return nil
}

// attemptRecovery tells the orchestrator it may leave Degraded once the
// event bus reports a live connection. It checks only bus connectivity:
// when the bus is down it logs and returns without retrying or
// resubmitting, and it does not check wake-word warmup.
func (g *gateway) attemptRecovery() {
	if !g.bus.Connected() {
		g.log.Warn("gateway: recovery waiting on event bus reconnect")
		return
	}
	g.orch.Submit(orchestrator.Event{Type: orchestrator.RecoveryOK})
}

// trackInFlight registers a cancellable context for sessionID so a
// fatal_device_error can cancel in-progress work.
func (g *gateway) trackInFlight(sessionID string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	g.inFlight[sessionID] = cancel
	g.mu.Unlock()
	return ctx, func() {
		g.mu.Lock()
		delete(g.inFlight, sessionID)
		g.mu.Unlock()
		cancel()
	}
}

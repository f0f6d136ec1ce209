package playback

import (
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/agalue/voice-gateway/internal/audio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePlayer struct {
	playErr        error
	interruptDuring *atomic.Bool
	interruptHit   bool
}

func (f *fakePlayer) Play(buffer audio.AudioBuffer) error {
	if f.interruptDuring != nil {
		f.interruptDuring.Store(true)
	}
	return f.playErr
}

func (f *fakePlayer) Interrupt() {
	f.interruptHit = true
}

func TestSpeakCompletesWithoutError(t *testing.T) {
	fp := &fakePlayer{}
	var flag atomic.Bool
	var muted []bool
	m := New(testLogger(), fp, &flag, func(mute bool) { muted = append(muted, mute) })

	outcome := m.Speak(audio.AudioBuffer{Samples: []float32{0.1, 0.2}, SampleRate: 24000})
	if outcome.State != Completed {
		t.Fatalf("state = %v, want Completed", outcome.State)
	}
	if len(muted) != 2 || !muted[0] || muted[1] {
		t.Fatalf("expected mute(true) then mute(false), got %v", muted)
	}
	if m.State() != Completed {
		t.Fatalf("machine state = %v, want Completed", m.State())
	}
}

func TestSpeakReportsError(t *testing.T) {
	fp := &fakePlayer{playErr: errors.New("device lost")}
	var flag atomic.Bool
	m := New(testLogger(), fp, &flag, nil)

	outcome := m.Speak(audio.AudioBuffer{Samples: []float32{0.1}, SampleRate: 24000})
	if outcome.State != Error {
		t.Fatalf("state = %v, want Error", outcome.State)
	}
	if outcome.Err == nil {
		t.Fatal("expected non-nil error")
	}
}

func TestInterruptMarksStateInterrupted(t *testing.T) {
	var flag atomic.Bool
	fp := &fakePlayer{interruptDuring: &flag}
	m := New(testLogger(), fp, &flag, nil)

	outcome := m.Speak(audio.AudioBuffer{Samples: []float32{0.1}, SampleRate: 24000})
	if outcome.State != Interrupted {
		t.Fatalf("state = %v, want Interrupted", outcome.State)
	}
}

func TestInterruptCallsPlayerInterrupt(t *testing.T) {
	fp := &fakePlayer{}
	var flag atomic.Bool
	m := New(testLogger(), fp, &flag, nil)

	m.Interrupt()
	if !fp.interruptHit {
		t.Fatal("expected player.Interrupt to be called")
	}
	if !flag.Load() {
		t.Fatal("expected interrupt flag set")
	}
}

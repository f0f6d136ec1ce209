package vad

import (
	"testing"
	"time"

	"github.com/agalue/voice-gateway/internal/audio"
)

func loudFrame(t0 time.Time, seq uint64) audio.Frame {
	samples := make([]float32, audio.FrameSamples)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 0.5
		} else {
			samples[i] = -0.5
		}
	}
	return audio.Frame{Samples: samples, T0: t0, SequenceNo: seq}
}

func quietFrame(t0 time.Time, seq uint64) audio.Frame {
	return audio.Frame{Samples: make([]float32, audio.FrameSamples), T0: t0, SequenceNo: seq}
}

func TestSpeechConfirmedAfterMinFrames(t *testing.T) {
	d := New(Config{Threshold: 0.1, MinConfirmedFrames: 3, TrailingSilence: time.Second, MaxUtterance: 10 * time.Second})
	d.Reset()

	base := time.Now()
	var last Event
	for i := 0; i < 3; i++ {
		last = d.Process(loudFrame(base.Add(time.Duration(i)*80*time.Millisecond), uint64(i)))
	}
	if last.Type != Speech {
		t.Fatalf("expected Speech on 3rd confirmed frame, got %v", last.Type)
	}
	if !d.Speaking() {
		t.Fatal("expected Speaking() true after confirmation")
	}
}

func TestUtteranceEndOnTrailingSilence(t *testing.T) {
	d := New(Config{Threshold: 0.1, MinConfirmedFrames: 2, TrailingSilence: 200 * time.Millisecond, MaxUtterance: 10 * time.Second})
	d.Reset()

	base := time.Now()
	d.Process(loudFrame(base, 0))
	d.Process(loudFrame(base.Add(80*time.Millisecond), 1))

	ev := d.Process(quietFrame(base.Add(500*time.Millisecond), 2))
	if ev.Type != UtteranceEnd || ev.End != EndTrailingSilence {
		t.Fatalf("expected UtteranceEnd/EndTrailingSilence, got %v/%v", ev.Type, ev.End)
	}
	if ev.Silent {
		t.Fatal("utterance had confirmed speech, should not be marked silent")
	}
}

func TestUtteranceEndOnMaxDuration(t *testing.T) {
	d := New(Config{Threshold: 0.1, MinConfirmedFrames: 2, TrailingSilence: time.Hour, MaxUtterance: 100 * time.Millisecond})
	d.Reset()

	base := time.Now()
	ev := d.Process(quietFrame(base.Add(200*time.Millisecond), 0))
	if ev.Type != UtteranceEnd || ev.End != EndMaxUtterance {
		t.Fatalf("expected UtteranceEnd/EndMaxUtterance, got %v/%v", ev.Type, ev.End)
	}
}

func TestSilentUtteranceWhenNoSpeechEver(t *testing.T) {
	d := New(Config{Threshold: 0.1, MinConfirmedFrames: 2, TrailingSilence: 100 * time.Millisecond, MaxUtterance: 10 * time.Second})
	d.Reset()

	base := time.Now()
	d.Process(quietFrame(base, 0))
	ev := d.Process(quietFrame(base.Add(150*time.Millisecond), 1))
	if ev.Type != UtteranceEnd || !ev.Silent {
		t.Fatalf("expected silent UtteranceEnd, got type=%v silent=%v", ev.Type, ev.Silent)
	}
}

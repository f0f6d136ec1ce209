package wakeword

import "testing"

func TestPhaseString(t *testing.T) {
	cases := map[Phase]string{
		PhaseWarmupMel:       "warmup_mel",
		PhaseWarmupEmbedding: "warmup_embedding",
		PhaseArmed:           "armed",
		Phase(99):            "unknown",
	}
	for phase, want := range cases {
		if got := phase.String(); got != want {
			t.Errorf("Phase(%d).String() = %q, want %q", phase, got, want)
		}
	}
}

func TestConfigDefaultsThreshold(t *testing.T) {
	var cfg Config
	cfg.defaults()
	if cfg.Threshold != 0.25 {
		t.Fatalf("default threshold = %v, want 0.25", cfg.Threshold)
	}

	cfg = Config{Threshold: 0.4}
	cfg.defaults()
	if cfg.Threshold != 0.4 {
		t.Fatalf("explicit threshold overridden: got %v, want 0.4", cfg.Threshold)
	}
}

// TestThresholdBoundaryIsStrict verifies the documented boundary
// behavior: a score exactly at the threshold does not detect.
func TestThresholdBoundaryIsStrict(t *testing.T) {
	threshold := float32(0.3)
	if isDetected(threshold, threshold) {
		t.Fatal("score == threshold must not detect (strict >)")
	}
	if !isDetected(nextUp(threshold), threshold) {
		t.Fatal("score just above threshold must detect")
	}
	if isDetected(threshold-0.01, threshold) {
		t.Fatal("score below threshold must not detect")
	}
}

func nextUp(f float32) float32 {
	return f + 0.0001
}

// TestMelBufferReadinessBoundary verifies the exact 75/76-frame
// boundary: fewer than melWindowSize mel frames is never ready, and
// melWindowSize is.
func TestMelBufferReadinessBoundary(t *testing.T) {
	if melWindowSizeReady(melWindowSize - 1) {
		t.Fatalf("%d mel frames should not be ready", melWindowSize-1)
	}
	if !melWindowSizeReady(melWindowSize) {
		t.Fatalf("%d mel frames should be ready", melWindowSize)
	}
}

// TestEmbeddingWindowBoundary verifies wake-word inference never runs
// on fewer than embeddingWindow embeddings.
func TestEmbeddingWindowBoundary(t *testing.T) {
	if embeddingWindowReady(embeddingWindow - 1) {
		t.Fatalf("%d embeddings should not be ready", embeddingWindow-1)
	}
	if !embeddingWindowReady(embeddingWindow) {
		t.Fatalf("%d embeddings should be ready", embeddingWindow)
	}
}

// TestSplitMelOutputPreservesOrder verifies the flat per-chunk
// melspectrogram output is split into MelFrame-s in emission order,
// so the oldest frame of the chunk is pushed to the ring buffer first.
func TestSplitMelOutputPreservesOrder(t *testing.T) {
	flat := make([]float32, melFramesPerChunk*melBins)
	for f := 0; f < melFramesPerChunk; f++ {
		for b := 0; b < melBins; b++ {
			flat[f*melBins+b] = float32(f)
		}
	}
	frames := splitMelOutput(flat)
	if len(frames) != melFramesPerChunk {
		t.Fatalf("len(frames) = %d, want %d", len(frames), melFramesPerChunk)
	}
	for f, frame := range frames {
		for b := 0; b < melBins; b++ {
			if frame[b] != float32(f) {
				t.Fatalf("frame[%d][%d] = %v, want %v", f, b, frame[b], f)
			}
		}
	}
}

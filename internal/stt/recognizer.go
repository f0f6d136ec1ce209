// Package stt provides speech-to-text transcription using sherpa-onnx's
// offline Whisper recognizer.
package stt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agalue/voice-gateway/internal/audio"
	"github.com/agalue/voice-gateway/internal/sherpa"
)

// MinUtteranceMs is the minimum utterance length accepted for
// transcription; shorter buffers are treated as silent without
// invoking the model.
const MinUtteranceMs = 200

// Transcript is the result of transcribing one utterance.
type Transcript struct {
	Text       string
	IsSilent   bool
	DurationMs uint32
}

// ErrorKind classifies a TranscriptionFailed error.
type ErrorKind int

const (
	KindTimeout ErrorKind = iota
	KindModel
	KindEmpty
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindModel:
		return "model"
	case KindEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// TranscriptionFailed is the well-typed error §4.5 calls for.
type TranscriptionFailed struct {
	Kind ErrorKind
	Err  error
}

func (e *TranscriptionFailed) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stt: transcription failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("stt: transcription failed (%s)", e.Kind)
}

func (e *TranscriptionFailed) Unwrap() error { return e.Err }

// Config holds Whisper recognizer configuration.
type Config struct {
	Encoder    string
	Decoder    string
	Tokens     string
	SampleRate int
	Provider   string // cpu, cuda, coreml
	Language   string // e.g. "en", "es", "auto"
	Threads    int
	Verbose    bool
	// Timeout bounds a single Transcribe call; zero uses a 10s default.
	Timeout time.Duration
}

// Recognizer wraps sherpa-onnx's offline Whisper recognizer behind a
// single blocking Transcribe call. VAD is no longer its concern: callers
// hand it a finished UtteranceBuffer assembled by the orchestrator using
// the dedicated vad package.
type Recognizer struct {
	log        *slog.Logger
	recognizer *sherpa.OfflineRecognizer
	sampleRate int
	timeout    time.Duration

	mu sync.Mutex // sherpa-onnx offline recognizer is not goroutine-safe
}

// NewRecognizer constructs a Recognizer from cfg.
func NewRecognizer(log *slog.Logger, cfg *Config) (*Recognizer, error) {
	recognizerConfig := &sherpa.OfflineRecognizerConfig{}
	recognizerConfig.ModelConfig.Whisper.Encoder = cfg.Encoder
	recognizerConfig.ModelConfig.Whisper.Decoder = cfg.Decoder

	language := cfg.Language
	if strings.EqualFold(language, "auto") {
		language = ""
	}
	recognizerConfig.ModelConfig.Whisper.Language = language
	recognizerConfig.ModelConfig.Whisper.Task = "transcribe"
	recognizerConfig.ModelConfig.Whisper.TailPaddings = -1
	recognizerConfig.ModelConfig.Tokens = cfg.Tokens
	recognizerConfig.ModelConfig.NumThreads = cfg.Threads
	recognizerConfig.ModelConfig.Provider = cfg.Provider
	recognizerConfig.DecodingMethod = "greedy_search"
	recognizerConfig.ModelConfig.Debug = 0
	if cfg.Verbose {
		recognizerConfig.ModelConfig.Debug = 1
	}

	recognizer := sherpa.NewOfflineRecognizer(recognizerConfig)
	if recognizer == nil {
		return nil, fmt.Errorf("stt: failed to create offline recognizer")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Recognizer{
		log:        log,
		recognizer: recognizer,
		sampleRate: cfg.SampleRate,
		timeout:    timeout,
	}, nil
}

// Transcribe converts the frames captured for one utterance into a
// Transcript. It blocks until decoding completes, the context is
// canceled, or the configured timeout elapses, whichever comes first.
func (r *Recognizer) Transcribe(ctx context.Context, frames []audio.Frame, silent bool) (Transcript, error) {
	if silent {
		return Transcript{IsSilent: true}, nil
	}

	samples := flatten(frames)
	durationMs := uint32(len(samples) * 1000 / max(r.sampleRate, 1))
	if durationMs < MinUtteranceMs {
		return Transcript{IsSilent: true, DurationMs: durationMs}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)

	go func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		stream := sherpa.NewOfflineStream(r.recognizer)
		if stream == nil {
			done <- result{err: &TranscriptionFailed{Kind: KindModel, Err: fmt.Errorf("failed to create offline stream")}}
			return
		}
		defer sherpa.DeleteOfflineStream(stream)

		stream.AcceptWaveform(r.sampleRate, samples)
		r.recognizer.Decode(stream)

		text := strings.TrimSpace(stream.GetResult().Text)
		done <- result{text: text}
	}()

	select {
	case <-ctx.Done():
		return Transcript{}, &TranscriptionFailed{Kind: KindTimeout, Err: ctx.Err()}
	case res := <-done:
		if res.err != nil {
			return Transcript{}, res.err
		}
		if res.text == "" {
			return Transcript{IsSilent: true, DurationMs: durationMs}, nil
		}
		r.log.Info("transcribed utterance", "duration_ms", durationMs, "chars", len(res.text))
		return Transcript{Text: res.text, DurationMs: durationMs}, nil
	}
}

// Close releases the underlying recognizer.
func (r *Recognizer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recognizer != nil {
		sherpa.DeleteOfflineRecognizer(r.recognizer)
		r.recognizer = nil
	}
}

func flatten(frames []audio.Frame) []float32 {
	total := 0
	for _, f := range frames {
		total += len(f.Samples)
	}
	out := make([]float32, 0, total)
	for _, f := range frames {
		out = append(out, f.Samples...)
	}
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

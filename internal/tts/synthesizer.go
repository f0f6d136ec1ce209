// Package tts provides text-to-speech synthesis using sherpa-onnx's
// offline Kokoro model.
package tts

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/agalue/voice-gateway/internal/sherpa"
)

// Synthesizer handles text-to-speech synthesis using Kokoro models.
type Synthesizer struct {
	log        *slog.Logger
	tts        *sherpa.OfflineTts // Kokoro TTS engine
	sampleRate int                // Output sample rate (24kHz for Kokoro)
	speakerID  int                // Speaker/voice identifier
	speed      float32            // Speech speed multiplier
	verbose    bool               // Enable verbose logging
	mu         sync.Mutex         // Protects TTS engine access
}

// Config holds TTS configuration.
type Config struct {
	Model      string // Path to model.onnx
	Voices     string // Path to voices.bin
	Tokens     string // Path to tokens.txt
	DataDir    string // espeak-ng-data directory
	Lexicon    string // Path to lexicon.txt (optional)
	Language   string // Language code for multi-lingual models (e.g., "en-gb", "en-us")
	SpeakerID  int
	Speed      float32
	Provider   string // Hardware acceleration provider (cpu, cuda, coreml)
	Verbose    bool
	TTSThreads int // Number of threads for TTS
}

// AudioOutput contains generated audio data.
type AudioOutput struct {
	Samples    []float32 // Generated audio samples (mono)
	SampleRate int       // Sample rate of the audio (24kHz)
}

// NewSynthesizer creates a new TTS synthesizer.
func NewSynthesizer(log *slog.Logger, cfg *Config) (*Synthesizer, error) {
	ttsConfig := &sherpa.OfflineTtsConfig{}

	ttsConfig.Model.Kokoro.Model = cfg.Model
	ttsConfig.Model.Kokoro.Voices = cfg.Voices
	ttsConfig.Model.Kokoro.Tokens = cfg.Tokens
	ttsConfig.Model.Kokoro.DataDir = cfg.DataDir
	ttsConfig.Model.Kokoro.Lexicon = cfg.Lexicon
	ttsConfig.Model.Kokoro.Lang = cfg.Language
	ttsConfig.Model.Kokoro.LengthScale = 1.0 / cfg.Speed
	ttsConfig.Model.NumThreads = cfg.TTSThreads
	ttsConfig.Model.Provider = cfg.Provider
	ttsConfig.MaxNumSentences = 1 // Kokoro TTS only supports 1
	ttsConfig.Model.Debug = 0
	if cfg.Verbose {
		ttsConfig.Model.Debug = 1
	}

	tts := sherpa.NewOfflineTts(ttsConfig)
	if tts == nil {
		return nil, fmt.Errorf("tts: failed to create synthesizer")
	}

	return &Synthesizer{
		log:        log,
		tts:        tts,
		sampleRate: 24000,
		speakerID:  cfg.SpeakerID,
		speed:      cfg.Speed,
		verbose:    cfg.Verbose,
	}, nil
}

// Synthesize converts text to audio, running it through markdown
// stripping / URL eliding / speakable normalization first.
func (s *Synthesizer) Synthesize(text string) (*AudioOutput, error) {
	text = Preprocess(text)
	if text == "" {
		return nil, fmt.Errorf("tts: empty text after preprocessing")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.verbose {
		s.log.Debug("synthesizing", "text", text)
	}

	audio := s.tts.Generate(text, s.speakerID, s.speed)
	if audio == nil || len(audio.Samples) == 0 {
		return nil, fmt.Errorf("tts: generation failed")
	}

	s.log.Info("synthesized speech", "samples", len(audio.Samples))

	return &AudioOutput{
		Samples:    audio.Samples,
		SampleRate: int(audio.SampleRate),
	}, nil
}

// SynthesizeStreaming converts text to audio in chunks for lower latency
// playback, splitting on sentence boundaries after preprocessing.
func (s *Synthesizer) SynthesizeStreaming(text string) ([]*AudioOutput, error) {
	text = Preprocess(text)
	if text == "" {
		return nil, fmt.Errorf("tts: empty text after preprocessing")
	}

	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil, fmt.Errorf("tts: no sentences to synthesize")
	}

	var results []*AudioOutput
	for _, sentence := range sentences {
		if sentence == "" {
			continue
		}

		s.mu.Lock()
		if s.verbose {
			s.log.Debug("synthesizing sentence", "text", sentence)
		}
		audio := s.tts.Generate(sentence, s.speakerID, s.speed)
		s.mu.Unlock()

		if audio == nil || len(audio.Samples) == 0 {
			continue // Skip failed sentences
		}

		results = append(results, &AudioOutput{
			Samples:    audio.Samples,
			SampleRate: int(audio.SampleRate),
		})
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("tts: generation failed for all sentences")
	}

	return results, nil
}

var (
	mdCodeFence  = regexp.MustCompile("```[\\s\\S]*?```")
	mdInlineCode = regexp.MustCompile("`([^`]*)`")
	mdBoldItalic = regexp.MustCompile(`[*_]{1,3}([^*_]+)[*_]{1,3}`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s*`)
	mdLink       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	bareURL      = regexp.MustCompile(`https?://\S+`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// Preprocess strips markdown formatting, elides bare URLs, and
// normalizes whitespace so LLM output reads naturally when spoken.
func Preprocess(text string) string {
	text = mdCodeFence.ReplaceAllString(text, "")
	text = mdLink.ReplaceAllString(text, "$1")
	text = bareURL.ReplaceAllString(text, "a link")
	text = mdInlineCode.ReplaceAllString(text, "$1")
	text = mdBoldItalic.ReplaceAllString(text, "$1")
	text = mdHeading.ReplaceAllString(text, "")
	text = whitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// SplitSentences splits text into sentences for streaming synthesis.
func SplitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for _, c := range text {
		current.WriteRune(c)

		if c == '.' || c == '!' || c == '?' || c == '\n' {
			trimmed := strings.TrimSpace(current.String())
			if trimmed != "" {
				sentences = append(sentences, trimmed)
			}
			current.Reset()
		}
	}

	trimmed := strings.TrimSpace(current.String())
	if trimmed != "" {
		sentences = append(sentences, trimmed)
	}

	return sentences
}

// SampleRate returns the output sample rate.
func (s *Synthesizer) SampleRate() int {
	return s.sampleRate
}

// Close releases all resources.
func (s *Synthesizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tts != nil {
		sherpa.DeleteOfflineTts(s.tts)
		s.tts = nil
	}
}

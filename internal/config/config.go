// Package config defines the gateway's layered configuration: a YAML
// file provides the base, environment variables override selected
// keys, and command-line flags override both.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// LogLevel is a validated slog level name.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	default:
		return false
	}
}

// Level converts to the slog.Level the logger is configured with.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AudioConfig governs capture and playback device selection.
type AudioConfig struct {
	CaptureDeviceID string `yaml:"capture_device_id"`
	SampleRate      int    `yaml:"sample_rate"`
	BufferMs        uint32 `yaml:"buffer_ms"`
}

// WakeWordConfig points at the three ONNX models and the detection
// threshold.
type WakeWordConfig struct {
	MelspecModel   string  `yaml:"melspec_model"`
	EmbeddingModel string  `yaml:"embedding_model"`
	WakewordModel  string  `yaml:"wakeword_model"`
	OnnxLib        string  `yaml:"onnx_lib"`
	Threshold      float32 `yaml:"threshold"`
}

// VADConfig mirrors vad.Config, expressed in config-file-friendly
// units (milliseconds instead of time.Duration).
type VADConfig struct {
	Threshold          float64 `yaml:"threshold"`
	MinConfirmedFrames int     `yaml:"min_confirmed_frames"`
	TrailingSilenceMs  int     `yaml:"trailing_silence_ms"`
	MaxUtteranceMs     int     `yaml:"max_utterance_ms"`
}

// TranscriptionConfig configures the STT recognizer.
type TranscriptionConfig struct {
	Encoder   string `yaml:"encoder"`
	Decoder   string `yaml:"decoder"`
	Tokens    string `yaml:"tokens"`
	Provider  string `yaml:"provider"`
	Language  string `yaml:"language"`
	Threads   int    `yaml:"threads"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// TTSConfig configures the speech synthesizer.
type TTSConfig struct {
	Model     string  `yaml:"model"`
	Voices    string  `yaml:"voices"`
	Tokens    string  `yaml:"tokens"`
	DataDir   string  `yaml:"data_dir"`
	Lexicon   string  `yaml:"lexicon"`
	Language  string  `yaml:"language"`
	Voice     string  `yaml:"voice"`
	SpeakerID int     `yaml:"speaker_id"`
	Speed     float32 `yaml:"speed"`
	Provider  string  `yaml:"provider"`
	Threads   int     `yaml:"threads"`
}

// AIConfig configures the AI Router's provider call and window.
type AIConfig struct {
	Host          string `yaml:"host"`
	Model         string `yaml:"model"`
	FallbackModel string `yaml:"fallback_model"`
	SystemPrompt  string `yaml:"system_prompt"`
	MaxHistory    int    `yaml:"max_history"`
	IdleTimeoutMs int    `yaml:"idle_timeout_ms"`
	MaxToolHops   int    `yaml:"max_tool_hops"`
}

// MCPServerConfig describes one external tool-protocol server to
// spawn over stdio at startup.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Env     map[string]string `yaml:"env"`
}

// ToolsConfig configures the Tool Registry & Executor.
type ToolsConfig struct {
	CallTimeoutMs int               `yaml:"call_timeout_ms"`
	RetryBudget   int               `yaml:"retry_budget"`
	MCPServers    []MCPServerConfig `yaml:"mcp_servers"`
}

// EventBusConfig configures the MQTT adapter.
type EventBusConfig struct {
	BrokerURL    string `yaml:"broker_url"`
	ClientID     string `yaml:"client_id"`
	ControlTopic string `yaml:"control_topic"`
}

// HealthConfig configures the HTTP health/status server.
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// Config holds the gateway's full configuration tree.
type Config struct {
	LogLevel LogLevel `yaml:"log_level"`
	ModelDir string   `yaml:"model_dir"`
	Verbose  bool     `yaml:"verbose"`

	Audio         AudioConfig         `yaml:"audio"`
	WakeWord      WakeWordConfig      `yaml:"wake_word"`
	VAD           VADConfig           `yaml:"vad"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	TTS           TTSConfig           `yaml:"tts"`
	AI            AIConfig            `yaml:"ai"`
	Tools         ToolsConfig         `yaml:"tools"`
	EventBus      EventBusConfig      `yaml:"event_bus"`
	Health        HealthConfig        `yaml:"health"`
}

// Default returns a Config populated with sensible defaults, the
// starting point Load overlays a file, environment, and flags onto.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	modelDir := filepath.Join(homeDir, ".voice-gateway", "models")
	wwDir := filepath.Join(modelDir, "wakeword")
	ttsDir := filepath.Join(modelDir, "tts", "kokoro-multi-lang-v1_0")

	return &Config{
		LogLevel: LogInfo,
		ModelDir: modelDir,
		Audio: AudioConfig{
			SampleRate: 16000,
			BufferMs:   0,
		},
		WakeWord: WakeWordConfig{
			MelspecModel:   filepath.Join(wwDir, "melspectrogram.onnx"),
			EmbeddingModel: filepath.Join(wwDir, "embedding.onnx"),
			WakewordModel:  filepath.Join(wwDir, "wakeword.onnx"),
			Threshold:      0.5,
		},
		VAD: VADConfig{
			Threshold:          0.02,
			MinConfirmedFrames: 3,
			TrailingSilenceMs:  1000,
			MaxUtteranceMs:     10000,
		},
		Transcription: TranscriptionConfig{
			Encoder:   filepath.Join(modelDir, "whisper", "whisper-small-encoder.int8.onnx"),
			Decoder:   filepath.Join(modelDir, "whisper", "whisper-small-decoder.int8.onnx"),
			Tokens:    filepath.Join(modelDir, "whisper", "whisper-small-tokens.txt"),
			Language:  "en",
			TimeoutMs: 10000,
		},
		TTS: TTSConfig{
			Model:     filepath.Join(ttsDir, "model.onnx"),
			Voices:    filepath.Join(ttsDir, "voices.bin"),
			Tokens:    filepath.Join(ttsDir, "tokens.txt"),
			DataDir:   filepath.Join(ttsDir, "espeak-ng-data"),
			Voice:     "af_bella",
			SpeakerID: 2,
			Speed:     0.93,
		},
		AI: AIConfig{
			Host:          "http://localhost:11434",
			Model:         "gemma3:1b",
			SystemPrompt:  defaultSystemPrompt,
			MaxHistory:    10,
			IdleTimeoutMs: 5 * 60 * 1000,
			MaxToolHops:   4,
		},
		Tools: ToolsConfig{
			CallTimeoutMs: 5000,
			RetryBudget:   1,
		},
		EventBus: EventBusConfig{
			BrokerURL:    "tcp://localhost:1883",
			ClientID:     "voice-gateway",
			ControlTopic: "voice/control",
		},
		Health: HealthConfig{
			Addr: ":8089",
		},
	}
}

const defaultSystemPrompt = "You are a helpful voice assistant. Keep responses brief and concise, maximum 2-3 short sentences. Be conversational and natural for speech output. Your responses will be read aloud, so never use markdown, asterisks, underscores, backticks, brackets, code blocks, bullet points, numbered lists, or special formatting characters."

// Validate checks cfg for a coherent, fully specified configuration,
// returning a joined error listing every problem found.
func Validate(cfg *Config) error {
	var errs []error
	addf := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		addf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel)
	}
	if cfg.Audio.SampleRate != 16000 {
		addf("audio.sample_rate must be 16000, got %d", cfg.Audio.SampleRate)
	}
	if cfg.WakeWord.MelspecModel == "" || cfg.WakeWord.EmbeddingModel == "" || cfg.WakeWord.WakewordModel == "" {
		addf("wake_word model paths are required (melspec_model, embedding_model, wakeword_model)")
	}
	if cfg.WakeWord.Threshold <= 0 || cfg.WakeWord.Threshold >= 1 {
		addf("wake_word.threshold must be in (0, 1), got %v", cfg.WakeWord.Threshold)
	}
	if cfg.VAD.TrailingSilenceMs <= 0 {
		addf("vad.trailing_silence_ms must be positive")
	}
	if cfg.VAD.MaxUtteranceMs <= cfg.VAD.TrailingSilenceMs {
		addf("vad.max_utterance_ms must exceed vad.trailing_silence_ms")
	}
	if cfg.Transcription.Encoder == "" || cfg.Transcription.Decoder == "" || cfg.Transcription.Tokens == "" {
		addf("transcription model paths are required (encoder, decoder, tokens)")
	}
	if cfg.AI.Host == "" {
		addf("ai.host is required")
	}
	if cfg.AI.Model == "" {
		addf("ai.model is required")
	}
	if cfg.EventBus.BrokerURL == "" {
		addf("event_bus.broker_url is required")
	}
	for i, srv := range cfg.Tools.MCPServers {
		if srv.Name == "" {
			addf("tools.mcp_servers[%d].name is required", i)
		}
		if srv.Command == "" {
			addf("tools.mcp_servers[%d].command is required", i)
		}
	}

	return joinErrors(errs)
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	combined := errs[0]
	for _, e := range errs[1:] {
		combined = fmt.Errorf("%w; %w", combined, e)
	}
	return combined
}

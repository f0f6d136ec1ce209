package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the configuration file at path (if it exists), overlays
// recognized environment variables, then overlays flags parsed from
// args, and finally validates the result. An empty path skips the
// file layer entirely, relying on defaults plus env and flags.
func Load(path string, args []string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()
		if err := LoadFromReader(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := applyFlagOverrides(cfg, args); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r onto cfg, rejecting unknown keys
// so a typo in the file surfaces immediately instead of silently
// falling back to a default.
func LoadFromReader(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// envOverride reads env var name into *dst if set.
func envOverride(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envOverrideFloat32(dst *float32, name string) {
	if v, ok := os.LookupEnv(name); ok {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			*dst = float32(f)
		}
	}
}

func envOverrideInt(dst *int, name string) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envOverrideBool(dst *bool, name string) {
	if v, ok := os.LookupEnv(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// applyEnvOverrides layers the subset of configuration keys that
// operators commonly need to override per-deployment (container
// orchestration, systemd units) without editing the YAML file.
func applyEnvOverrides(cfg *Config) {
	var logLevel string
	envOverride(&logLevel, "VOICE_GATEWAY_LOG_LEVEL")
	if logLevel != "" {
		cfg.LogLevel = LogLevel(logLevel)
	}
	envOverrideBool(&cfg.Verbose, "VOICE_GATEWAY_VERBOSE")
	envOverride(&cfg.ModelDir, "VOICE_GATEWAY_MODEL_DIR")

	envOverride(&cfg.Audio.CaptureDeviceID, "VOICE_GATEWAY_CAPTURE_DEVICE")

	envOverrideFloat32(&cfg.WakeWord.Threshold, "VOICE_GATEWAY_WAKEWORD_THRESHOLD")

	envOverride(&cfg.Transcription.Provider, "VOICE_GATEWAY_STT_PROVIDER")
	envOverrideInt(&cfg.Transcription.Threads, "VOICE_GATEWAY_STT_THREADS")

	envOverride(&cfg.TTS.Provider, "VOICE_GATEWAY_TTS_PROVIDER")
	envOverride(&cfg.TTS.Voice, "VOICE_GATEWAY_TTS_VOICE")

	envOverride(&cfg.AI.Host, "VOICE_GATEWAY_OLLAMA_HOST")
	envOverride(&cfg.AI.Model, "VOICE_GATEWAY_OLLAMA_MODEL")

	envOverride(&cfg.EventBus.BrokerURL, "VOICE_GATEWAY_MQTT_BROKER")
	envOverride(&cfg.EventBus.ClientID, "VOICE_GATEWAY_MQTT_CLIENT_ID")

	envOverride(&cfg.Health.Addr, "VOICE_GATEWAY_HEALTH_ADDR")
}

// applyFlagOverrides layers a small set of command-line flags on top
// of the file and environment layers, taking highest precedence. Most
// configuration belongs in the YAML file; flags exist for the handful
// of values operators want to override ad hoc when invoking the
// binary directly.
func applyFlagOverrides(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("voice-gateway", flag.ContinueOnError)

	logLevel := fs.String("log-level", string(cfg.LogLevel), "log level: debug, info, warn, error")
	verbose := fs.Bool("verbose", cfg.Verbose, "enable verbose logging")
	captureDevice := fs.String("capture-device", cfg.Audio.CaptureDeviceID, "audio capture device id")
	aiHost := fs.String("ai-host", cfg.AI.Host, "AI provider base URL")
	aiModel := fs.String("ai-model", cfg.AI.Model, "AI provider model name")
	ttsVoice := fs.String("tts-voice", cfg.TTS.Voice, "TTS voice name")
	brokerURL := fs.String("mqtt-broker", cfg.EventBus.BrokerURL, "event bus broker URL")
	healthAddr := fs.String("health-addr", cfg.Health.Addr, "health server listen address")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg.LogLevel = LogLevel(*logLevel)
	cfg.Verbose = *verbose
	cfg.Audio.CaptureDeviceID = *captureDevice
	cfg.AI.Host = *aiHost
	cfg.AI.Model = *aiModel
	cfg.TTS.Voice = *ttsVoice
	cfg.EventBus.BrokerURL = *brokerURL
	cfg.Health.Addr = *healthAddr
	return nil
}

package config

import (
	"strings"
	"testing"
)

func TestDefaultPassesValidation(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestValidateRejectsWrongSampleRate(t *testing.T) {
	cfg := Default()
	cfg.Audio.SampleRate = 44100
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "sample_rate") {
		t.Fatalf("expected sample_rate error, got: %v", err)
	}
}

func TestValidateJoinsMultipleErrors(t *testing.T) {
	cfg := Default()
	cfg.Audio.SampleRate = 8000
	cfg.AI.Host = ""
	cfg.EventBus.BrokerURL = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"sample_rate", "ai.host", "event_bus.broker_url"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidateRejectsUnnamedMCPServer(t *testing.T) {
	cfg := Default()
	cfg.Tools.MCPServers = append(cfg.Tools.MCPServers, MCPServerConfig{Command: "mcp-weather"})

	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "mcp_servers[0].name") {
		t.Fatalf("expected mcp_servers[0].name error, got: %v", err)
	}
}

func TestLoadFromReaderRejectsUnknownKeys(t *testing.T) {
	cfg := Default()
	err := LoadFromReader(strings.NewReader("ai:\n  not_a_real_field: true\n"), cfg)
	if err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestLoadFromReaderOverlaysOntoDefaults(t *testing.T) {
	cfg := Default()
	err := LoadFromReader(strings.NewReader("ai:\n  model: llama3.2:3b\n"), cfg)
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.AI.Model != "llama3.2:3b" {
		t.Fatalf("ai.model = %q, want llama3.2:3b", cfg.AI.Model)
	}
	if cfg.AI.Host == "" {
		t.Fatal("ai.host default should survive an overlay that doesn't mention it")
	}
}

func TestApplyEnvOverridesTakesPrecedenceOverFile(t *testing.T) {
	cfg := Default()
	if err := LoadFromReader(strings.NewReader("ai:\n  model: llama3.2:3b\n"), cfg); err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	t.Setenv("VOICE_GATEWAY_OLLAMA_MODEL", "qwen2.5:7b")
	applyEnvOverrides(cfg)
	if cfg.AI.Model != "qwen2.5:7b" {
		t.Fatalf("ai.model = %q, want qwen2.5:7b", cfg.AI.Model)
	}
}

func TestApplyFlagOverridesTakesPrecedenceOverEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("VOICE_GATEWAY_OLLAMA_MODEL", "qwen2.5:7b")
	applyEnvOverrides(cfg)

	if err := applyFlagOverrides(cfg, []string{"--ai-model", "gemma3:4b"}); err != nil {
		t.Fatalf("applyFlagOverrides: %v", err)
	}
	if cfg.AI.Model != "gemma3:4b" {
		t.Fatalf("ai.model = %q, want gemma3:4b", cfg.AI.Model)
	}
}

func TestLogLevelValidity(t *testing.T) {
	if !LogInfo.IsValid() {
		t.Fatal("info should be valid")
	}
	if LogLevel("trace").IsValid() {
		t.Fatal("trace should not be valid")
	}
}

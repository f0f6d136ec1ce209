// Command gateway runs the real-time voice gateway: wake-word
// detection, VAD-bounded capture, Whisper transcription, an AI Router
// with tool-calling, Kokoro synthesis, and an MQTT event bus, all
// driven by a single-threaded orchestrator state machine.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agalue/voice-gateway/internal/ai"
	"github.com/agalue/voice-gateway/internal/audio"
	"github.com/agalue/voice-gateway/internal/config"
	"github.com/agalue/voice-gateway/internal/eventbus"
	"github.com/agalue/voice-gateway/internal/health"
	"github.com/agalue/voice-gateway/internal/orchestrator"
	"github.com/agalue/voice-gateway/internal/playback"
	"github.com/agalue/voice-gateway/internal/startup"
	"github.com/agalue/voice-gateway/internal/stt"
	"github.com/agalue/voice-gateway/internal/tools"
	"github.com/agalue/voice-gateway/internal/tts"
	"github.com/agalue/voice-gateway/internal/vad"
	"github.com/agalue/voice-gateway/internal/wakeword"
)

func main() {
	if handleVoiceFlags(os.Args[1:]) {
		return
	}

	cfg, err := config.Load(os.Getenv("VOICE_GATEWAY_CONFIG"), os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, err := newGateway(ctx, log, cfg)
	if err != nil {
		log.Error("gateway: construction failed", "error", err)
		os.Exit(1)
	}
	defer g.Close()

	mux := http.NewServeMux()
	g.health.Register(mux)
	httpServer := &http.Server{Addr: cfg.Health.Addr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("health server failed", "error", err)
		}
	}()

	go g.orch.Run(ctx)

	if err := startup.Run(ctx, log, g.startupSteps()); err != nil {
		log.Error("startup sequence failed", "error", err)
		// Exit status names the failed step: 2 event bus, 3 models,
		// 4 capture, 5 welcome; anything else exits 1.
		code := 1
		var seqErr *startup.Error
		if errors.As(err, &seqErr) {
			code = 2 + int(seqErr.Kind)
		}
		os.Exit(code)
	}

	<-sigCh
	log.Info("shutdown signal received")
	g.capturer.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	select {
	case <-g.orch.Done():
		log.Info("shutdown complete")
	case <-time.After(5 * time.Second):
		log.Warn("shutdown timeout, forcing exit")
	}
}

// handleVoiceFlags intercepts the voice-listing flags ahead of the main
// configuration flag set, so --list-voices/--voice-info work without
// requiring a valid config file or model paths to already be in place.
// It reports whether one of them was handled, in which case main should
// return immediately instead of starting the gateway.
func handleVoiceFlags(args []string) bool {
	fs := flag.NewFlagSet("voice-gateway", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	listVoices := fs.Bool("list-voices", false, "List all available TTS voices and exit")
	voiceInfo := fs.String("voice-info", "", "Show detailed information about a specific voice and exit")
	if err := fs.Parse(args); err != nil {
		return false
	}

	if *listVoices {
		config.PrintVoices()
		return true
	}
	if *voiceInfo != "" {
		if err := config.PrintVoiceInfo(*voiceInfo); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return true
	}
	return false
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := cfg.LogLevel.Level()
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// gateway wires every component named in the component graph together
// behind the orchestrator's hook-driven control flow. It owns no
// business logic itself: each hook delegates to exactly one
// component's existing API.
type gateway struct {
	log *slog.Logger
	cfg *config.Config

	bus      *eventbus.Bus
	registry *tools.Registry
	router   *ai.Router
	wake     *wakeword.Detector
	vadDet   *vad.Detector
	stt      *stt.Recognizer
	tts      *tts.Synthesizer
	capturer *audio.Capturer
	player   *audio.Player
	playback *playback.Machine
	orch     *orchestrator.Machine
	health   *health.Handler

	interruptFlag  atomic.Bool
	firstFrameSent atomic.Bool

	mu               sync.Mutex
	sessionID        string
	utterance        []audio.Frame
	lastUtteranceEnd vad.Event
	inFlight         map[string]context.CancelFunc
	lastError        string
}

func newGateway(ctx context.Context, log *slog.Logger, cfg *config.Config) (*gateway, error) {
	g := &gateway{
		log:      log,
		cfg:      cfg,
		inFlight: make(map[string]context.CancelFunc),
	}

	bus, err := eventbus.New(ctx, log, eventbus.Config{
		BrokerURL:    cfg.EventBus.BrokerURL,
		ClientID:     cfg.EventBus.ClientID,
		ControlTopic: cfg.EventBus.ControlTopic,
		DeviceStatusTopic: func(deviceID string) string {
			return "devices/" + deviceID + "/status"
		},
		DeviceCommandTopic: func(deviceID string) string {
			return "devices/" + deviceID + "/cmd"
		},
	}, g.handleControl)
	if err != nil {
		return nil, fmt.Errorf("gateway: event bus: %w", err)
	}
	g.bus = bus

	registry := tools.New(log, tools.Config{
		CallTimeout: time.Duration(cfg.Tools.CallTimeoutMs) * time.Millisecond,
		RetryBudget: cfg.Tools.RetryBudget,
	})
	tools.RegisterDatetime(registry, nil)
	tools.RegisterWebSearch(registry, duckDuckGoSearch)
	tools.RegisterDeviceControl(registry, bus)
	for _, srv := range cfg.Tools.MCPServers {
		if err := registry.RegisterMCPServer(ctx, srv.Name, srv.Command, srv.Env); err != nil {
			log.Warn("gateway: mcp server registration failed", "server", srv.Name, "error", err)
		}
	}
	g.registry = registry

	router, err := ai.New(log, ai.Config{
		Host:          cfg.AI.Host,
		Model:         cfg.AI.Model,
		FallbackModel: cfg.AI.FallbackModel,
		SystemPrompt:  cfg.AI.SystemPrompt,
		MaxHistory:    cfg.AI.MaxHistory,
		IdleTimeout:   time.Duration(cfg.AI.IdleTimeoutMs) * time.Millisecond,
		MaxToolHops:   cfg.AI.MaxToolHops,
	}, registry)
	if err != nil {
		return nil, fmt.Errorf("gateway: ai router: %w", err)
	}
	g.router = router

	wake, err := wakeword.New(log, wakeword.Config{
		MelspecModel:   cfg.WakeWord.MelspecModel,
		EmbeddingModel: cfg.WakeWord.EmbeddingModel,
		WakewordModel:  cfg.WakeWord.WakewordModel,
		OnnxLib:        cfg.WakeWord.OnnxLib,
		Threshold:      cfg.WakeWord.Threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: wakeword detector: %w", err)
	}
	g.wake = wake

	g.vadDet = vad.New(vad.Config{
		Threshold:          cfg.VAD.Threshold,
		MinConfirmedFrames: cfg.VAD.MinConfirmedFrames,
		TrailingSilence:    time.Duration(cfg.VAD.TrailingSilenceMs) * time.Millisecond,
		MaxUtterance:       time.Duration(cfg.VAD.MaxUtteranceMs) * time.Millisecond,
	})

	recognizer, err := stt.NewRecognizer(log, &stt.Config{
		Encoder:    cfg.Transcription.Encoder,
		Decoder:    cfg.Transcription.Decoder,
		Tokens:     cfg.Transcription.Tokens,
		SampleRate: cfg.Audio.SampleRate,
		Provider:   cfg.Transcription.Provider,
		Language:   cfg.Transcription.Language,
		Threads:    cfg.Transcription.Threads,
		Verbose:    cfg.Verbose,
		Timeout:    time.Duration(cfg.Transcription.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: stt recognizer: %w", err)
	}
	g.stt = recognizer

	voice := config.GetVoice(cfg.TTS.Voice)
	speakerID := cfg.TTS.SpeakerID
	language := cfg.TTS.Language
	if voice != nil {
		speakerID = voice.SpeakerID
		if language == "" {
			language = voice.EspeakCode
		}
	}
	synth, err := tts.NewSynthesizer(log, &tts.Config{
		Model:      cfg.TTS.Model,
		Voices:     cfg.TTS.Voices,
		Tokens:     cfg.TTS.Tokens,
		DataDir:    cfg.TTS.DataDir,
		Lexicon:    cfg.TTS.Lexicon,
		Language:   language,
		SpeakerID:  speakerID,
		Speed:      cfg.TTS.Speed,
		Provider:   cfg.TTS.Provider,
		Verbose:    cfg.Verbose,
		TTSThreads: cfg.TTS.Threads,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: tts synthesizer: %w", err)
	}
	g.tts = synth

	capturer, err := audio.NewCapturer(log, cfg.Audio.SampleRate, g.onFrame)
	if err != nil {
		return nil, fmt.Errorf("gateway: audio capturer: %w", err)
	}
	g.capturer = capturer

	player, err := audio.NewPlayer(log, synth.SampleRate(), cfg.Audio.BufferMs, &g.interruptFlag)
	if err != nil {
		return nil, fmt.Errorf("gateway: audio player: %w", err)
	}
	g.player = player
	g.playback = playback.New(log, player, &g.interruptFlag, capturer.MuteCapture)

	g.orch = orchestrator.New(log, g.hooks())

	g.health = health.New(g.snapshot,
		health.Checker{Name: "event_bus", Check: func(_ context.Context) error {
			if !g.bus.Connected() {
				return fmt.Errorf("event bus disconnected")
			}
			return nil
		}},
		health.Checker{Name: "ai_provider", Check: g.router.HealthCheck},
	)

	return g, nil
}

func (g *gateway) Close() {
	g.capturer.Close()
	g.player.Close()
	g.stt.Close()
	g.tts.Close()
	g.wake.Close()
	g.registry.Close()
	g.bus.Close()
}

// startupSteps adapts the gateway's already-constructed components
// into the ordered sequencer's pluggable steps.
func (g *gateway) startupSteps() startup.Steps {
	return startup.Steps{
		ConnectEventBus: func(_ context.Context) error {
			if !g.bus.Connected() {
				return fmt.Errorf("event bus not connected")
			}
			return nil
		},
		LoadModels: func(_ context.Context) error {
			return nil
		},
		OpenCapture: func(_ context.Context) error {
			return g.capturer.Start()
		},
		WarmupComplete: g.wake.WarmupComplete(),
		PlayWelcome: func(ctx context.Context) error {
			return g.speak(ctx, "", "Hello, I'm ready to help.")
		},
		EnterListening: func() {
			g.orch.Submit(orchestrator.Event{Type: orchestrator.StartupComplete})
		},
		PublishReady: func() {
			if err := g.bus.PublishStatus("", "ready", time.Now()); err != nil {
				g.log.Warn("gateway: publish ready failed", "error", err)
			}
		},
	}
}

func (g *gateway) snapshot() health.Snapshot {
	g.mu.Lock()
	lastErr := g.lastError
	g.mu.Unlock()
	return health.Snapshot{
		State:             g.orch.State().String(),
		WarmupComplete:    g.warmupClosed(),
		EventBusConnected: g.bus.Connected(),
		LastError:         lastErr,
	}
}

func (g *gateway) warmupClosed() bool {
	select {
	case <-g.wake.WarmupComplete():
		return true
	default:
		return false
	}
}

func (g *gateway) recordError(err error) {
	if err == nil {
		return
	}
	g.mu.Lock()
	g.lastError = err.Error()
	g.mu.Unlock()
	g.health.RecordError(err)
}

// controlMessage is the payload accepted on the control topic.
type controlMessage struct {
	Action string `json:"action"`
}

// handleControl applies one control-topic action: "mute", "unmute" or
// "interrupt". Any other action, including reset or state-dump
// requests, is logged at debug level and ignored.
func (g *gateway) handleControl(payload []byte) {
	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		g.log.Warn("gateway: malformed control message", "error", err)
		return
	}
	switch msg.Action {
	case "mute":
		g.capturer.MuteCapture(true)
	case "unmute":
		g.capturer.MuteCapture(false)
	case "interrupt":
		g.playback.Interrupt()
	default:
		g.log.Debug("gateway: unrecognized control action", "action", msg.Action)
	}
}

func duckDuckGoSearch(ctx context.Context, query string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://api.duckduckgo.com/?format=json&no_html=1&skip_disambig=1&q="+query, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		AbstractText string `json:"AbstractText"`
		Heading      string `json:"Heading"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.AbstractText == "" {
		return "", fmt.Errorf("web_search: no summary available for %q", query)
	}
	return out.AbstractText, nil
}

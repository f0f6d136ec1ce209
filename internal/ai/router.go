// Package ai implements the AI Router: a compiled-regex pattern bypass
// ahead of an Ollama chat provider with tool-calling. Chat calls run
// through a resilience.FallbackGroup so a configured fallback model on
// the same host is tried whenever a primary call fails or the primary's
// circuit breaker is open.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/agalue/voice-gateway/internal/resilience"
	"github.com/agalue/voice-gateway/internal/tools"
)

// Response is the router's terminal output for one transcript.
type Response struct {
	Text         string
	ToolCalls    int // number of tool hops taken before the final text
	FinishReason string
	Provider     string
	LatencyMs    int64
}

// ErrorKind classifies an AIProviderError.
type ErrorKind int

const (
	KindUnreachable ErrorKind = iota
	KindTimeout
	KindMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// AIProviderError is the well-typed error this spec's provider taxonomy
// calls for.
type AIProviderError struct {
	Kind ErrorKind
	Err  error
}

func (e *AIProviderError) Error() string {
	return fmt.Sprintf("ai: provider error (%s): %v", e.Kind, e.Err)
}

func (e *AIProviderError) Unwrap() error { return e.Err }

// Config holds AI Router configuration.
type Config struct {
	Host         string
	Model        string
	SystemPrompt string
	MaxHistory   int           // message pairs retained in the window
	IdleTimeout  time.Duration // window auto-clear after this much inactivity
	MaxToolHops  int           // default 4

	// FallbackModel, if set, is tried against the same Ollama host when
	// a call to Model fails or Model's circuit breaker is open (e.g. a
	// larger model has started timing out under load). Leave empty to
	// run with just the primary.
	FallbackModel string
}

func (c *Config) defaults() {
	if c.MaxHistory <= 0 {
		c.MaxHistory = 10
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.MaxToolHops <= 0 {
		c.MaxToolHops = 4
	}
}

// window is the ConversationWindow: bounded history, auto-cleared after
// idle timeout. The AI Router exclusively owns it.
type window struct {
	messages   []api.Message
	lastTouch  time.Time
	maxHistory int
	idle       time.Duration
}

func newWindow(maxHistory int, idle time.Duration) *window {
	return &window{maxHistory: maxHistory, idle: idle}
}

func (w *window) touch(now time.Time) {
	if !w.lastTouch.IsZero() && now.Sub(w.lastTouch) > w.idle {
		w.messages = nil
	}
	w.lastTouch = now
}

func (w *window) append(msg api.Message) {
	w.messages = append(w.messages, msg)
	maxMessages := w.maxHistory * 2
	if len(w.messages) > maxMessages {
		w.messages = w.messages[len(w.messages)-maxMessages:]
	}
}

// Router is the AI Router component of §4.6.
type Router struct {
	log       *slog.Logger
	client    *api.Client
	providers *resilience.FallbackGroup[string] // entries are Ollama model names
	tools     *tools.Registry
	cfg       Config
	window    *window
	bypass    []bypassRule
}

type bypassRule struct {
	pattern *regexp.Regexp
	tool    string
	extract func(matches []string) map[string]any
}

// New constructs a Router.
func New(log *slog.Logger, cfg Config, registry *tools.Registry) (*Router, error) {
	cfg.defaults()

	host := strings.TrimSuffix(cfg.Host, "/")
	parsedURL, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("ai: invalid host URL: %w", err)
	}
	httpClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	onStateChange := func(name string, from, to resilience.State) {
		log.Warn("ai provider circuit breaker state changed", "model", name, "from", from, "to", to)
	}
	cbCfg := resilience.CircuitBreakerConfig{OnStateChange: onStateChange}
	providers := resilience.NewFallbackGroup(cfg.Model, cfg.Model, resilience.FallbackConfig{CircuitBreaker: cbCfg})
	if cfg.FallbackModel != "" {
		providers.AddFallback(cfg.FallbackModel, cfg.FallbackModel)
	}

	return &Router{
		log:       log,
		client:    api.NewClient(parsedURL, httpClient),
		providers: providers,
		tools:     registry,
		cfg:       cfg,
		window:    newWindow(cfg.MaxHistory, cfg.IdleTimeout),
		bypass:    defaultBypassRules(),
	}, nil
}

func defaultBypassRules() []bypassRule {
	return []bypassRule{
		{pattern: regexp.MustCompile(`(?i)what('s| is)?\s+(the\s+)?(time|day|date)|current time`), tool: "datetime"},
		{
			pattern: regexp.MustCompile(`(?i)^(who|what)\s+is\s+(.+)|search (for|the web)\s+(.+)`),
			tool:    "web_search",
			extract: func(m []string) map[string]any {
				query := strings.TrimSpace(lastNonEmpty(m[2:]))
				return map[string]any{"query": query}
			},
		},
		{
			pattern: regexp.MustCompile(`(?i)turn (on|off)\s+(?:the\s+)?(.+)|dim (?:the\s+)?(.+)|set (?:the\s+)?(.+?) to (.+)|switch (?:the\s+)?(.+)`),
			tool:    "device_control",
			extract: func(m []string) map[string]any {
				device := firstNonEmpty(m[2], m[3], m[4], m[6])
				command := firstNonEmpty(m[1], m[5])
				if command == "" {
					command = "toggle"
				}
				return map[string]any{"device_id": strings.TrimSpace(device), "command": strings.TrimSpace(command)}
			},
		},
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func lastNonEmpty(vals []string) string {
	for i := len(vals) - 1; i >= 0; i-- {
		if vals[i] != "" {
			return vals[i]
		}
	}
	return ""
}

// Route implements §4.6's decision logic: pattern bypass first, then the
// provider call with a tool-calling loop.
func (r *Router) Route(ctx context.Context, transcript string) (Response, error) {
	start := time.Now()
	now := start
	r.window.touch(now)

	if resp, handled := r.tryBypass(ctx, transcript); handled {
		r.window.append(api.Message{Role: "user", Content: transcript})
		r.window.append(api.Message{Role: "assistant", Content: resp.Text})
		resp.LatencyMs = time.Since(start).Milliseconds()
		return resp, nil
	}

	resp, err := r.callProvider(ctx, transcript)
	if err != nil {
		return Response{}, err
	}
	resp.LatencyMs = time.Since(start).Milliseconds()
	return resp, nil
}

func (r *Router) tryBypass(ctx context.Context, transcript string) (Response, bool) {
	for _, rule := range r.bypass {
		matches := rule.pattern.FindStringSubmatch(transcript)
		if matches == nil {
			continue
		}
		args := map[string]any{}
		if rule.extract != nil {
			args = rule.extract(matches)
		}
		result := r.tools.Execute(ctx, tools.Call{Name: rule.tool, Args: args})
		if !result.Success {
			r.log.Warn("pattern bypass tool failed", "tool", rule.tool, "error", result.Content)
			return Response{Text: result.Content, FinishReason: "bypass_failed", Provider: "pattern:" + rule.tool}, true
		}
		return Response{Text: result.Content, FinishReason: "bypass", Provider: "pattern:" + rule.tool}, true
	}
	return Response{}, false
}

func (r *Router) callProvider(ctx context.Context, transcript string) (Response, error) {
	r.window.append(api.Message{Role: "user", Content: transcript})

	toolDefs := toAPITools(r.tools.AvailableTools(tools.BudgetDeep))

	var finalText string
	var finishReason string
	var usedModel string
	hops := 0

	for hops <= r.cfg.MaxToolHops {
		messages := r.buildMessages()
		stream := false

		response, err := resilience.ExecuteWithResult(r.providers, func(model string) (api.ChatResponse, error) {
			var resp api.ChatResponse
			err := r.client.Chat(ctx, &api.ChatRequest{
				Model:    model,
				Messages: messages,
				Tools:    toolDefs,
				Stream:   &stream,
				Options: map[string]any{
					"temperature": 0.7,
					"num_predict": 200,
					"num_ctx":     1024,
				},
			}, func(chunk api.ChatResponse) error {
				resp = chunk
				return nil
			})
			if err == nil {
				usedModel = model
			}
			return resp, err
		})
		if err != nil {
			return Response{}, &AIProviderError{Kind: classifyProviderErr(err), Err: err}
		}

		if len(response.Message.ToolCalls) == 0 {
			finalText = strings.TrimSpace(response.Message.Content)
			finishReason = "stop"
			break
		}

		r.window.append(response.Message)
		for _, call := range response.Message.ToolCalls {
			result := r.tools.Execute(ctx, tools.Call{Name: call.Function.Name, Args: call.Function.Arguments})
			r.window.append(api.Message{Role: "tool", Content: toolResultText(result)})
		}
		hops++
	}

	if finalText == "" {
		finalText = "Sorry, I wasn't able to finish that."
		finishReason = "max_tool_hops"
	}

	r.window.append(api.Message{Role: "assistant", Content: finalText})

	if usedModel == "" {
		usedModel = r.cfg.Model
	}
	return Response{
		Text:         finalText,
		ToolCalls:    hops,
		FinishReason: finishReason,
		Provider:     "ollama:" + usedModel,
	}, nil
}

func (r *Router) buildMessages() []api.Message {
	messages := make([]api.Message, 0, len(r.window.messages)+1)
	messages = append(messages, api.Message{Role: "system", Content: r.cfg.SystemPrompt})
	messages = append(messages, r.window.messages...)
	return messages
}

func toolResultText(res tools.Result) string {
	if res.Success {
		return res.Content
	}
	return fmt.Sprintf("error (%s): %s", res.ErrorKind, res.Content)
}

// toAPITools adapts our Descriptor/Schema shape into api.Tool. Parameters
// is an anonymous struct on api.ToolFunction, so we go through a JSON
// round trip rather than naming that type here.
func toAPITools(descs []tools.Descriptor) []api.Tool {
	out := make([]api.Tool, 0, len(descs))
	for _, d := range descs {
		tool := api.Tool{Type: "function"}
		tool.Function.Name = d.Name
		tool.Function.Description = d.Description
		schema := d.Schema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		if data, err := json.Marshal(schema); err == nil {
			_ = json.Unmarshal(data, &tool.Function.Parameters)
		}
		out = append(out, tool)
	}
	return out
}

func classifyProviderErr(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnreachable
}

// ClearWindow empties the conversation window, e.g. when a session ends.
func (r *Router) ClearWindow() {
	r.window.messages = nil
}

// HealthCheck verifies the Ollama server is reachable.
func (r *Router) HealthCheck(ctx context.Context) error {
	if err := r.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ai: cannot reach provider: %w", err)
	}
	return nil
}

package tools

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const defaultWindowSize = 100

// entry is a registered tool plus its live health and tier state.
type entry struct {
	desc         Descriptor
	handler      Handler // non-nil for builtins
	measurements *rollingWindow
	measuredP50  int64
	degraded     bool
	tier         BudgetTier
}

// Config tunes per-call retry/timeout behavior.
type Config struct {
	// CallTimeout bounds a single tool invocation attempt.
	CallTimeout time.Duration
	// RetryBudget is the number of additional attempts allowed for a
	// retriable (transient) failure.
	RetryBudget int
}

func (c *Config) defaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.RetryBudget < 0 {
		c.RetryBudget = 0
	}
}

// Registry enumerates built-in and externally-discovered tools and
// executes calls against them, enforcing schema validation, per-tool
// timeout, and idempotent-vs-state-changing retry rules.
type Registry struct {
	log *slog.Logger
	cfg Config

	mu      sync.RWMutex
	entries map[string]*entry
	mcp     *mcpClient // nil until RegisterMCPServer succeeds at least once
}

// New creates an empty Registry. Call RegisterBuiltin and
// RegisterMCPServer to populate it.
func New(log *slog.Logger, cfg Config) *Registry {
	cfg.defaults()
	return &Registry{
		log:     log,
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

// RegisterBuiltin adds an in-process tool. Built-ins always win naming
// collisions against external tools discovered later.
func (r *Registry) RegisterBuiltin(desc Descriptor, handler Handler) {
	desc.Source = SourceBuiltin
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[desc.Name] = &entry{
		desc:         desc,
		handler:      handler,
		measurements: newRollingWindow(defaultWindowSize),
		tier:         tierFromP50(desc.DeclaredP50Ms),
	}
}

// mergeExternal registers discovered external tool descriptors, skipping
// any name already claimed by a builtin.
func (r *Registry) mergeExternal(descs []Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range descs {
		d.Source = SourceExternal
		if existing, ok := r.entries[d.Name]; ok && existing.desc.Source == SourceBuiltin {
			r.log.Warn("external tool name collides with builtin, keeping builtin", "tool", d.Name)
			continue
		}
		r.entries[d.Name] = &entry{
			desc:         d,
			measurements: newRollingWindow(defaultWindowSize),
			tier:         tierFromP50(d.DeclaredP50Ms),
		}
	}
}

// AvailableTools returns descriptors for every tool whose tier is <=
// maxTier, fastest-first.
func (r *Registry) AvailableTools(maxTier BudgetTier) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*entry
	for _, e := range r.entries {
		if e.tier <= maxTier {
			matched = append(matched, e)
		}
	}
	slices.SortFunc(matched, func(a, b *entry) int {
		return cmp.Compare(a.effectiveP50(), b.effectiveP50())
	})

	out := make([]Descriptor, len(matched))
	for i, e := range matched {
		out[i] = e.desc
	}
	return out
}

func (e *entry) effectiveP50() int64 {
	if e.measurements.Count() > 0 {
		return e.measuredP50
	}
	return e.desc.DeclaredP50Ms
}

func tierFromP50(p50Ms int64) BudgetTier {
	switch {
	case p50Ms <= 500:
		return BudgetFast
	case p50Ms <= 1500:
		return BudgetStandard
	default:
		return BudgetDeep
	}
}

// Execute validates call.Args against the tool's schema, then invokes it
// with the configured timeout, retrying transient failures up to
// RetryBudget times for idempotent tools (or state-changing tools whose
// prior attempt provably never reached the tool, i.e. failed before the
// call was dispatched).
func (r *Registry) Execute(ctx context.Context, call Call) Result {
	r.mu.RLock()
	e, ok := r.entries[call.Name]
	r.mu.RUnlock()
	if !ok {
		return Result{ErrorKind: ErrNotFound}
	}

	if err := validateArgs(e.desc.Schema, call.Args); err != nil {
		return Result{ErrorKind: ErrInvalidArguments, Content: err.Error()}
	}

	attempts := 1 + r.cfg.RetryBudget
	var last Result
	for attempt := 0; attempt < attempts; attempt++ {
		start := time.Now()
		content, dispatched, err := r.invoke(ctx, e, call)
		durationMs := time.Since(start).Milliseconds()

		isError := err != nil
		r.record(call.Name, durationMs, isError)

		if err == nil {
			return Result{Success: true, Content: content, DurationMs: durationMs}
		}

		last = Result{ErrorKind: classifyError(err), Content: err.Error(), DurationMs: durationMs}

		retriable := last.ErrorKind == ErrTransient
		if e.desc.Idempotency == StateChanging {
			// Only retry a state-changing tool if we know for certain the
			// command never left this process.
			retriable = retriable && !dispatched
		}
		if !retriable || attempt == attempts-1 {
			break
		}
		r.log.Warn("tool call failed, retrying", "tool", call.Name, "attempt", attempt+1, "error", err)
	}
	return last
}

// invoke runs one attempt. dispatched reports whether the call reached
// the tool (builtin handler entered, or the MCP request was sent) before
// failing, used to gate state-changing retries.
func (r *Registry) invoke(ctx context.Context, e *entry, call Call) (content string, dispatched bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	if e.handler != nil {
		content, err = e.handler(ctx, call.Args)
		return content, true, err
	}

	if r.mcp == nil {
		return "", false, fmt.Errorf("tools: no external server registered for %q", call.Name)
	}
	return r.mcp.call(ctx, e.desc.ServerName, call.Name, call.Args)
}

func (r *Registry) record(name string, durationMs int64, isError bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.measurements.Record(durationMs, isError)
	e.measuredP50 = e.measurements.P50()
	errRate := e.measurements.ErrorRate()
	e.degraded = errRate > 0.3
	tier := tierFromP50(e.measuredP50)
	if e.degraded && tier < BudgetDeep {
		tier++
	}
	e.tier = tier
}

func classifyError(err error) ErrorKind {
	var te *transientError
	if asTransient(err, &te) {
		return ErrTransient
	}
	return ErrPermanent
}

// transientError marks an error as retry-eligible.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so Execute treats it as retriable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func asTransient(err error, target **transientError) bool {
	te, ok := err.(*transientError)
	if ok {
		*target = te
	}
	return ok
}

// Package tools implements the tool registry and executor: built-in
// smart-home tools plus external tools discovered from MCP servers,
// unified behind a single validated execute(call) contract.
package tools

import "context"

// Source identifies where a tool's implementation lives.
type Source int

const (
	SourceBuiltin Source = iota
	SourceExternal
)

func (s Source) String() string {
	if s == SourceBuiltin {
		return "builtin"
	}
	return "external"
}

// BudgetTier bounds how much latency a caller is willing to tolerate
// when selecting which tools to expose to the AI Router.
type BudgetTier int

const (
	// BudgetFast allows only tools with <=500ms measured/declared P50.
	BudgetFast BudgetTier = iota
	// BudgetStandard allows tools with <=1500ms P50.
	BudgetStandard
	// BudgetDeep allows all tools regardless of latency.
	BudgetDeep
)

func (t BudgetTier) String() string {
	switch t {
	case BudgetFast:
		return "fast"
	case BudgetStandard:
		return "standard"
	case BudgetDeep:
		return "deep"
	default:
		return "unknown"
	}
}

// Idempotency classifies whether a tool call is safe to retry blindly.
type Idempotency int

const (
	// Idempotent tools (list, get-status) may be retried freely on
	// transient failure.
	Idempotent Idempotency = iota
	// StateChanging tools (device on/off) are retried only when the
	// prior attempt provably failed to send.
	StateChanging
)

// Descriptor describes one tool's identity, schema, and execution
// properties, independent of whether it is builtin or external.
type Descriptor struct {
	Name        string
	Description string
	// Schema is a JSON-schema-like map describing accepted parameters.
	Schema      map[string]any
	Source      Source
	ServerName  string // non-empty only for SourceExternal
	Idempotency Idempotency

	// DeclaredP50Ms seeds the tier assignment before any measurements
	// exist.
	DeclaredP50Ms int64
}

// Call is a single tool invocation request.
type Call struct {
	Name          string
	Args          map[string]any
	CorrelationID string
}

// ErrorKind classifies a failed tool execution.
type ErrorKind int

const (
	ErrKindNone ErrorKind = iota
	ErrInvalidArguments
	ErrNotFound
	ErrTransient
	ErrPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidArguments:
		return "invalid_arguments"
	case ErrNotFound:
		return "not_found"
	case ErrTransient:
		return "transient"
	case ErrPermanent:
		return "permanent"
	default:
		return "none"
	}
}

// Result is the outcome of one tool call.
type Result struct {
	Success    bool
	Content    string
	ErrorKind  ErrorKind
	DurationMs int64
}

// Handler is the in-process implementation of a builtin tool.
type Handler func(ctx context.Context, args map[string]any) (string, error)

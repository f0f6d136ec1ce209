package tools

import (
	"context"
	"fmt"
	"time"
)

// DeviceStatus is the result of a status check against the smart-home
// device layer.
type DeviceStatus struct {
	Exists    bool
	Reachable bool
	State     string
}

// DeviceBus is the minimal surface the device-control tool needs from
// the Event Bus Adapter (§4.12): a synchronous status query and a
// fire-and-forget command dispatch, both addressed to the outbound
// MQTT topic tree the Z-Wave gateway listens on.
type DeviceBus interface {
	Status(ctx context.Context, deviceID string) (DeviceStatus, error)
	Command(ctx context.Context, deviceID, command string) error
}

// RegisterDatetime adds the "datetime" builtin: answers what-time/day/date
// questions without touching the LLM or any external service.
func RegisterDatetime(r *Registry, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.RegisterBuiltin(Descriptor{
		Name:          "datetime",
		Description:   "Returns the current local date and time.",
		Schema:        map[string]any{"type": "object", "properties": map[string]any{}},
		Idempotency:   Idempotent,
		DeclaredP50Ms: 1,
	}, func(ctx context.Context, args map[string]any) (string, error) {
		return now().Format("Monday, January 2, 2006 at 3:04 PM"), nil
	})
}

// WebSearcher performs a web search and returns a short plain-text
// summary suitable for TTS. Implementations are expected to be a
// last-resort fallback (e.g. a local search API) since this system is
// primarily offline-first.
type WebSearcher func(ctx context.Context, query string) (string, error)

// RegisterWebSearch adds the "web_search" builtin backed by searcher.
func RegisterWebSearch(r *Registry, searcher WebSearcher) {
	r.RegisterBuiltin(Descriptor{
		Name:        "web_search",
		Description: "Searches the web for factual questions the assistant cannot answer from its own knowledge.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []any{"query"},
		},
		Idempotency:   Idempotent,
		DeclaredP50Ms: 1200,
	}, func(ctx context.Context, args map[string]any) (string, error) {
		query, _ := args["query"].(string)
		if query == "" {
			return "", fmt.Errorf("web_search: missing query")
		}
		result, err := searcher(ctx, query)
		if err != nil {
			return "", Transient(fmt.Errorf("web_search: %w", err))
		}
		return result, nil
	})
}

// RegisterDeviceControl adds the "device_control" builtin. Per §4.7 it
// must verify the target device exists and is reachable via a status
// check before dispatching the command, returning a precise error
// otherwise.
func RegisterDeviceControl(r *Registry, bus DeviceBus) {
	r.RegisterBuiltin(Descriptor{
		Name:        "device_control",
		Description: "Turns a smart-home device on/off, or sets its level (e.g. dimmer, thermostat).",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"device_id": map[string]any{"type": "string"},
				"command":   map[string]any{"type": "string"},
			},
			"required": []any{"device_id", "command"},
		},
		Idempotency:   StateChanging,
		DeclaredP50Ms: 400,
	}, func(ctx context.Context, args map[string]any) (string, error) {
		deviceID, _ := args["device_id"].(string)
		command, _ := args["command"].(string)
		if deviceID == "" || command == "" {
			return "", fmt.Errorf("device_control: device_id and command are required")
		}

		status, err := bus.Status(ctx, deviceID)
		if err != nil {
			return "", Transient(fmt.Errorf("device_control: status check failed: %w", err))
		}
		if !status.Exists {
			return "", fmt.Errorf("device_control: device %q not found", deviceID)
		}
		if !status.Reachable {
			return "", fmt.Errorf("device_control: device %q is unreachable", deviceID)
		}

		if err := bus.Command(ctx, deviceID, command); err != nil {
			return "", fmt.Errorf("device_control: command failed: %w", err)
		}
		return fmt.Sprintf("Done, %s is now %s.", deviceID, command), nil
	})
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// mcpClient holds live connections to external MCP tool servers and
// routes ExecuteTool-style calls to the right session.
type mcpClient struct {
	client *mcpsdk.Client

	mu       sync.RWMutex
	sessions map[string]*mcpsdk.ClientSession // keyed by server name
}

func newMCPClient() *mcpClient {
	return &mcpClient{
		client:   mcpsdk.NewClient(&mcpsdk.Implementation{Name: "voice-gateway", Version: "1.0.0"}, nil),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// RegisterMCPServer spawns (or connects to) an external tool server over
// stdio, discovers its tool catalog, and merges the descriptors into the
// registry. Name collisions with builtins are resolved in favor of the
// builtin.
func (r *Registry) RegisterMCPServer(ctx context.Context, name, command string, env map[string]string) error {
	r.mu.Lock()
	if r.mcp == nil {
		r.mcp = newMCPClient()
	}
	mc := r.mcp
	r.mu.Unlock()

	executable, args := splitCommand(command)
	if executable == "" {
		return fmt.Errorf("tools: mcp server %q requires a non-empty command", name)
	}
	cmd := exec.CommandContext(ctx, executable, args...)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	transport := &mcpsdk.CommandTransport{Command: cmd}

	session, err := mc.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect to mcp server %q: %w", name, err)
	}

	var discovered []Descriptor
	for tool, iterErr := range session.Tools(ctx, nil) {
		if iterErr != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools on mcp server %q: %w", name, iterErr)
		}
		discovered = append(discovered, Descriptor{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      schemaToMap(tool.InputSchema),
			ServerName:  name,
			Idempotency: Idempotent, // external tools default to idempotent unless overridden by the caller
		})
	}

	mc.mu.Lock()
	if old, ok := mc.sessions[name]; ok {
		_ = old.Close()
	}
	mc.sessions[name] = session
	mc.mu.Unlock()

	r.mergeExternal(discovered)
	r.log.Info("registered mcp server", "server", name, "tools", len(discovered))
	return nil
}

func (mc *mcpClient) call(ctx context.Context, serverName, toolName string, args map[string]any) (content string, dispatched bool, err error) {
	mc.mu.RLock()
	session, ok := mc.sessions[serverName]
	mc.mu.RUnlock()
	if !ok {
		return "", false, fmt.Errorf("tools: mcp server %q not connected", serverName)
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: toolName, Arguments: args})
	if err != nil {
		return "", false, fmt.Errorf("tools: call to %q failed: %w", toolName, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return "", true, fmt.Errorf("tools: %s returned an error: %s", toolName, sb.String())
	}
	return sb.String(), true, nil
}

// Close shuts down all external server connections.
func (r *Registry) Close() error {
	r.mu.Lock()
	mc := r.mcp
	r.mu.Unlock()
	if mc == nil {
		return nil
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	var firstErr error
	for name, session := range mc.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: closing mcp server %q: %w", name, err)
		}
		delete(mc.sessions, name)
	}
	return firstErr
}

func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

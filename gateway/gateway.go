// Package gateway routes model tool calls to tool servers. It owns the
// server connections, flattens their catalogs into one namespace of
// "<server>__<tool>" names and gates every call through the approval policy.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/opengravity/opengravity/config"
	"github.com/opengravity/opengravity/policy"
	"github.com/opengravity/opengravity/tools"
	"github.com/opengravity/opengravity/tools/mcp"
)

// DeniedResult is returned to the model when the user declines a call.
const DeniedResult = "Error: tool execution denied by user."

// BlockedResult is returned to the model when the approval policy blocks a
// call without asking the user.
const BlockedResult = "Error: tool execution blocked by policy."

// Approval options offered for calls that require confirmation.
const (
	OptionAllow       = "Allow"
	OptionAlwaysAllow = "Always allow"
	OptionDeny        = "Deny"
)

// ToolServer is a source of tools, either a subprocess connection or an
// in-process registry.
type ToolServer interface {
	ListTools(ctx context.Context) ([]tools.Descriptor, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error)
	Close() error
}

// Approver asks the user to pick one of options. Any answer other than
// OptionAllow or OptionAlwaysAllow denies the call.
type Approver interface {
	Confirm(ctx context.Context, message string, options []string) (string, error)
}

// Decider is the policy consulted before a call is dispatched.
type Decider interface {
	Decide(ctx context.Context, input policy.Input) policy.Decision
}

// Connector starts a subprocess tool server.
type Connector func(ctx context.Context, server config.MCPServer, logger *slog.Logger) (ToolServer, error)

func connectMCP(ctx context.Context, server config.MCPServer, logger *slog.Logger) (ToolServer, error) {
	return mcp.NewClient(ctx, server, logger)
}

// serverSet is shared by every view of a gateway.
type serverSet struct {
	mu      sync.RWMutex
	byName  map[string]ToolServer
	order   []string
	catalog map[string]tools.Descriptor
}

// Gateway executes tool calls on behalf of the agent.
type Gateway struct {
	servers  *serverSet
	decider  Decider
	approver Approver
	mode     string
	toolset  []string
	connect  Connector
	logger   *slog.Logger

	mu          sync.Mutex
	alwaysAllow map[string]bool
}

// Options configures a Gateway. Only Decider is required.
type Options struct {
	Decider  Decider
	Approver Approver
	// Mode is passed to the policy as input.mode.
	Mode string
	// Toolset holds doublestar patterns over qualified names, or over bare
	// tool names for patterns without "__". Empty enables every tool.
	Toolset []string
	// Connect overrides how subprocess servers are started.
	Connect Connector
	Logger  *slog.Logger
}

// New creates a gateway with no servers.
func New(opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Connect == nil {
		opts.Connect = connectMCP
	}
	return &Gateway{
		servers: &serverSet{
			byName:  make(map[string]ToolServer),
			catalog: make(map[string]tools.Descriptor),
		},
		decider:     opts.Decider,
		approver:    opts.Approver,
		mode:        opts.Mode,
		toolset:     opts.Toolset,
		connect:     opts.Connect,
		logger:      opts.Logger,
		alwaysAllow: make(map[string]bool),
	}
}

// WithApprover returns a view sharing g's servers that asks a instead. The
// view starts with an empty "always allow" memory.
func (g *Gateway) WithApprover(a Approver) *Gateway {
	return &Gateway{
		servers:     g.servers,
		decider:     g.decider,
		approver:    a,
		mode:        g.mode,
		toolset:     g.toolset,
		connect:     g.connect,
		logger:      g.logger,
		alwaysAllow: make(map[string]bool),
	}
}

// Startup connects to every configured server. A server that fails to start
// is logged and left out; startup never fails as a whole.
func (g *Gateway) Startup(ctx context.Context, servers []config.MCPServer) {
	for _, s := range servers {
		srv, err := g.connect(ctx, s, g.logger)
		if err != nil {
			g.logger.Error("tool server failed to start", "server", s.Name, "error", err)
			continue
		}
		g.Register(s.Name, srv)
	}
}

// Register adds an in-process or already connected server. A server with
// the same name is closed and replaced.
func (g *Gateway) Register(name string, srv ToolServer) {
	g.servers.mu.Lock()
	defer g.servers.mu.Unlock()
	if old, ok := g.servers.byName[name]; ok {
		old.Close()
	} else {
		g.servers.order = append(g.servers.order, name)
	}
	g.servers.byName[name] = srv
	g.logger.Debug("tool server registered", "server", name)
}

// Servers returns the registered server names in registration order.
func (g *Gateway) Servers() []string {
	g.servers.mu.RLock()
	defer g.servers.mu.RUnlock()
	out := make([]string, len(g.servers.order))
	copy(out, g.servers.order)
	return out
}

// ListTools returns the enabled tools of every server in registration
// order. A server that fails to list is skipped.
func (g *Gateway) ListTools(ctx context.Context) []tools.Descriptor {
	var all []tools.Descriptor
	for _, name := range g.Servers() {
		srv, ok := g.server(name)
		if !ok {
			continue
		}
		descriptors, err := srv.ListTools(ctx)
		if err != nil {
			g.logger.Warn("could not list tools", "server", name, "error", err)
			continue
		}
		for _, d := range descriptors {
			// The registered name is authoritative.
			d.ServerID = name
			g.remember(d)
			if g.enabled(d.QualifiedName()) {
				all = append(all, d)
			}
		}
	}
	return all
}

// Execute runs one tool call and always returns the text handed back to the
// model. Failures are reported as "Error: ..." strings.
func (g *Gateway) Execute(ctx context.Context, qualifiedName string, argsJSON json.RawMessage) string {
	serverName, toolName, ok := tools.SplitQualifiedName(qualifiedName)
	if !ok {
		return fmt.Sprintf("Error: malformed tool name '%s', expected <server>%s<tool>", qualifiedName, tools.Separator)
	}
	srv, ok := g.server(serverName)
	if !ok {
		return fmt.Sprintf("Error: tool server '%s' is not available", serverName)
	}
	if !g.enabled(qualifiedName) {
		return fmt.Sprintf("Error: tool '%s' is not enabled in the active toolset", qualifiedName)
	}
	descriptor, ok := g.lookup(ctx, serverName, srv, qualifiedName)
	if !ok {
		return fmt.Sprintf("Error: unknown tool '%s' on server '%s'", toolName, serverName)
	}

	args := map[string]interface{}{}
	if len(argsJSON) > 0 {
		if err := json.Unmarshal(argsJSON, &args); err != nil {
			return fmt.Sprintf("Error: invalid arguments for '%s': %v", qualifiedName, err)
		}
		if args == nil {
			args = map[string]interface{}{}
		}
	}
	if err := tools.ValidateArguments(descriptor.Schema, args); err != nil {
		return fmt.Sprintf("Error: invalid arguments for '%s': %v", qualifiedName, err)
	}

	if refusal := g.approve(ctx, serverName, toolName, qualifiedName, args, argsJSON); refusal != "" {
		return refusal
	}

	g.logger.Info("executing tool", "tool", qualifiedName)
	out, err := srv.CallTool(ctx, toolName, args)
	if err != nil {
		g.logger.Warn("tool call failed", "tool", qualifiedName, "error", err)
		return "Error: " + err.Error()
	}
	return out
}

// Shutdown closes every server.
func (g *Gateway) Shutdown() {
	g.servers.mu.Lock()
	defer g.servers.mu.Unlock()
	for _, name := range g.servers.order {
		if err := g.servers.byName[name].Close(); err != nil {
			g.logger.Warn("error closing tool server", "server", name, "error", err)
		}
	}
	g.servers.byName = make(map[string]ToolServer)
	g.servers.order = nil
	g.servers.catalog = make(map[string]tools.Descriptor)
}

// approve returns the refusal handed to the model, or "" when the call may
// run.
func (g *Gateway) approve(ctx context.Context, serverName, toolName, qualifiedName string, args map[string]interface{}, argsJSON json.RawMessage) string {
	g.mu.Lock()
	remembered := g.alwaysAllow[qualifiedName]
	g.mu.Unlock()
	if remembered {
		return ""
	}

	decision := policy.RequireApproval
	if g.decider != nil {
		decision = g.decider.Decide(ctx, policy.Input{
			Server:        serverName,
			Tool:          toolName,
			QualifiedName: qualifiedName,
			Args:          args,
			Mode:          g.mode,
		})
	}

	switch decision {
	case policy.Allow:
		return ""
	case policy.Block:
		g.logger.Info("tool call blocked by policy", "tool", qualifiedName)
		return BlockedResult
	}

	if g.approver == nil {
		g.logger.Warn("tool call requires approval but no approver is attached", "tool", qualifiedName)
		return DeniedResult
	}
	shownArgs := string(argsJSON)
	if shownArgs == "" {
		shownArgs = "{}"
	}
	message := fmt.Sprintf("Allow tool '%s' to run with arguments %s?", qualifiedName, shownArgs)
	choice, err := g.approver.Confirm(ctx, message, []string{OptionAllow, OptionAlwaysAllow, OptionDeny})
	if err != nil {
		g.logger.Warn("approval prompt failed", "tool", qualifiedName, "error", err)
		return DeniedResult
	}
	switch choice {
	case OptionAllow:
		return ""
	case OptionAlwaysAllow:
		g.mu.Lock()
		g.alwaysAllow[qualifiedName] = true
		g.mu.Unlock()
		return ""
	default:
		return DeniedResult
	}
}

func (g *Gateway) server(name string) (ToolServer, bool) {
	g.servers.mu.RLock()
	defer g.servers.mu.RUnlock()
	srv, ok := g.servers.byName[name]
	return srv, ok
}

func (g *Gateway) remember(d tools.Descriptor) {
	g.servers.mu.Lock()
	defer g.servers.mu.Unlock()
	g.servers.catalog[d.QualifiedName()] = d
}

// lookup finds a descriptor in the cached catalog, refreshing it from the
// server on a miss.
func (g *Gateway) lookup(ctx context.Context, serverName string, srv ToolServer, qualifiedName string) (tools.Descriptor, bool) {
	g.servers.mu.RLock()
	d, ok := g.servers.catalog[qualifiedName]
	g.servers.mu.RUnlock()
	if ok {
		return d, true
	}

	descriptors, err := srv.ListTools(ctx)
	if err != nil {
		g.logger.Warn("could not list tools", "server", serverName, "error", err)
		return tools.Descriptor{}, false
	}
	for _, d := range descriptors {
		d.ServerID = serverName
		g.remember(d)
		if d.QualifiedName() == qualifiedName {
			return d, true
		}
	}
	return tools.Descriptor{}, false
}

func (g *Gateway) enabled(qualifiedName string) bool {
	if len(g.toolset) == 0 {
		return true
	}
	_, toolName, _ := tools.SplitQualifiedName(qualifiedName)
	for _, pattern := range g.toolset {
		// Patterns without a server part match the bare tool name.
		subject := qualifiedName
		if !strings.Contains(pattern, tools.Separator) {
			subject = toolName
		}
		match, err := doublestar.Match(pattern, subject)
		if err != nil {
			g.logger.Warn("invalid toolset pattern", "pattern", pattern, "error", err)
			continue
		}
		if match {
			return true
		}
	}
	return false
}

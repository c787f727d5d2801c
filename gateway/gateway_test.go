package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/opengravity/opengravity/config"
	"github.com/opengravity/opengravity/policy"
	"github.com/opengravity/opengravity/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	descriptors []tools.Descriptor
	listErr     error
	results     map[string]string
	callErr     error
	calls       []string
	lastArgs    map[string]interface{}
	closed      bool
}

func (f *fakeServer) ListTools(ctx context.Context) ([]tools.Descriptor, error) {
	return f.descriptors, f.listErr
}

func (f *fakeServer) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	f.calls = append(f.calls, name)
	f.lastArgs = args
	if f.callErr != nil {
		return "", f.callErr
	}
	return f.results[name], nil
}

func (f *fakeServer) Close() error {
	f.closed = true
	return nil
}

type fixedDecider policy.Decision

func (d fixedDecider) Decide(ctx context.Context, input policy.Input) policy.Decision {
	return policy.Decision(d)
}

type scriptedApprover struct {
	answers  []string
	err      error
	messages []string
}

func (a *scriptedApprover) Confirm(ctx context.Context, message string, options []string) (string, error) {
	a.messages = append(a.messages, message)
	if a.err != nil {
		return "", a.err
	}
	answer := a.answers[0]
	a.answers = a.answers[1:]
	return answer, nil
}

const pathSchema = `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`

func fsServer() *fakeServer {
	return &fakeServer{
		descriptors: []tools.Descriptor{
			{ServerID: "fs", Name: "list_dir", Schema: json.RawMessage(`{"type":"object"}`)},
			{ServerID: "fs", Name: "read_file", Schema: json.RawMessage(pathSchema)},
		},
		results: map[string]string{"list_dir": `["a.txt","b.txt"]`, "read_file": "contents"},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGateway(decision policy.Decision, approver Approver, toolset ...string) *Gateway {
	return New(Options{
		Decider:  fixedDecider(decision),
		Approver: approver,
		Toolset:  toolset,
		Logger:   quietLogger(),
	})
}

func TestListToolsOrderAndFailures(t *testing.T) {
	g := newGateway(policy.Allow, nil)
	g.Register("fs", fsServer())
	g.Register("broken", &fakeServer{listErr: fmt.Errorf("pipe closed")})
	g.Register("git", &fakeServer{descriptors: []tools.Descriptor{{Name: "status"}}})

	var names []string
	for _, d := range g.ListTools(context.Background()) {
		names = append(names, d.QualifiedName())
	}
	assert.Equal(t, []string{"fs__list_dir", "fs__read_file", "git__status"}, names)
	assert.Equal(t, []string{"fs", "broken", "git"}, g.Servers())
}

func TestToolsetFiltering(t *testing.T) {
	g := newGateway(policy.Allow, nil, "fs__read_*")
	srv := fsServer()
	g.Register("fs", srv)

	descriptors := g.ListTools(context.Background())
	require.Len(t, descriptors, 1)
	assert.Equal(t, "fs__read_file", descriptors[0].QualifiedName())

	out := g.Execute(context.Background(), "fs__list_dir", nil)
	assert.Contains(t, out, "not enabled")
	assert.Empty(t, srv.calls)

	bare := newGateway(policy.Allow, nil, "list_dir")
	bare.Register("fs", fsServer())
	bare.Register("git", &fakeServer{descriptors: []tools.Descriptor{{Name: "list_dir"}, {Name: "push"}}})
	var names []string
	for _, d := range bare.ListTools(context.Background()) {
		names = append(names, d.QualifiedName())
	}
	assert.Equal(t, []string{"fs__list_dir", "git__list_dir"}, names)
}

func TestExecuteAllowed(t *testing.T) {
	g := newGateway(policy.Allow, nil)
	srv := fsServer()
	g.Register("fs", srv)

	out := g.Execute(context.Background(), "fs__read_file", json.RawMessage(`{"path":"a.txt"}`))
	assert.Equal(t, "contents", out)
	assert.Equal(t, []string{"read_file"}, srv.calls)
	assert.Equal(t, map[string]interface{}{"path": "a.txt"}, srv.lastArgs)

	// Empty arguments become an empty object.
	out = g.Execute(context.Background(), "fs__list_dir", nil)
	assert.Equal(t, `["a.txt","b.txt"]`, out)
	assert.Equal(t, map[string]interface{}{}, srv.lastArgs)
}

func TestExecuteErrors(t *testing.T) {
	g := newGateway(policy.Allow, nil)
	srv := fsServer()
	g.Register("fs", srv)

	tests := []struct {
		name  string
		tool  string
		args  string
		wants string
	}{
		{"malformed name", "read_file", `{}`, "malformed tool name"},
		{"empty tool", "fs__", `{}`, "malformed tool name"},
		{"unknown server", "web__fetch", `{}`, "tool server 'web' is not available"},
		{"unknown tool", "fs__delete", `{}`, "unknown tool 'delete' on server 'fs'"},
		{"not json", "fs__read_file", `{"path":`, "invalid arguments"},
		{"missing field", "fs__read_file", `{}`, "missing properties"},
		{"wrong type", "fs__read_file", `{"path":3}`, "invalid arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := g.Execute(context.Background(), tt.tool, json.RawMessage(tt.args))
			assert.Contains(t, out, "Error: ")
			assert.Contains(t, out, tt.wants)
		})
	}
	assert.Empty(t, srv.calls)
}

func TestExecuteUnionTypedSchema(t *testing.T) {
	g := newGateway(policy.Allow, nil)
	srv := &fakeServer{
		descriptors: []tools.Descriptor{{
			Name:   "search",
			Schema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"limit":{"type":["integer","null"]}},"required":["path"]}`),
		}},
		results: map[string]string{"search": "found"},
	}
	g.Register("code", srv)
	ctx := context.Background()

	assert.Equal(t, "found", g.Execute(ctx, "code__search", json.RawMessage(`{"path":"."}`)))
	assert.Equal(t, "found", g.Execute(ctx, "code__search", json.RawMessage(`{"path":".","limit":null}`)))
	assert.Equal(t, "found", g.Execute(ctx, "code__search", json.RawMessage(`{"path":".","limit":5}`)))
	assert.Contains(t, g.Execute(ctx, "code__search", json.RawMessage(`{"path":".","limit":"five"}`)), "invalid arguments")
	assert.Len(t, srv.calls, 3)
}

func TestExecuteServerError(t *testing.T) {
	g := newGateway(policy.Allow, nil)
	srv := fsServer()
	srv.callErr = fmt.Errorf("disk on fire")
	g.Register("fs", srv)

	out := g.Execute(context.Background(), "fs__list_dir", json.RawMessage(`{}`))
	assert.Equal(t, "Error: disk on fire", out)
}

func TestExecuteBlocked(t *testing.T) {
	approver := &scriptedApprover{}
	g := newGateway(policy.Block, approver)
	srv := fsServer()
	g.Register("fs", srv)

	assert.Equal(t, BlockedResult, g.Execute(context.Background(), "fs__list_dir", nil))
	assert.NotEqual(t, DeniedResult, BlockedResult)
	assert.Empty(t, srv.calls)
	assert.Empty(t, approver.messages)
}

func TestExecuteApproval(t *testing.T) {
	approver := &scriptedApprover{answers: []string{OptionDeny, OptionAllow, OptionAlwaysAllow}}
	g := newGateway(policy.RequireApproval, approver)
	srv := fsServer()
	g.Register("fs", srv)
	ctx := context.Background()

	assert.Equal(t, DeniedResult, g.Execute(ctx, "fs__read_file", json.RawMessage(`{"path":"a.txt"}`)))
	assert.Empty(t, srv.calls)
	require.Len(t, approver.messages, 1)
	assert.Contains(t, approver.messages[0], "fs__read_file")
	assert.Contains(t, approver.messages[0], `{"path":"a.txt"}`)

	assert.Equal(t, "contents", g.Execute(ctx, "fs__read_file", json.RawMessage(`{"path":"a.txt"}`)))
	assert.Equal(t, "contents", g.Execute(ctx, "fs__read_file", json.RawMessage(`{"path":"b.txt"}`)))

	// Remembered, so no further prompt.
	assert.Equal(t, "contents", g.Execute(ctx, "fs__read_file", json.RawMessage(`{"path":"c.txt"}`)))
	assert.Len(t, approver.messages, 3)
	assert.Len(t, srv.calls, 3)

	// A different tool still asks.
	approver.answers = []string{OptionDeny}
	assert.Equal(t, DeniedResult, g.Execute(ctx, "fs__list_dir", nil))
	assert.Len(t, approver.messages, 4)
}

func TestExecuteApprovalFailures(t *testing.T) {
	srv := fsServer()

	g := newGateway(policy.RequireApproval, nil)
	g.Register("fs", srv)
	assert.Equal(t, DeniedResult, g.Execute(context.Background(), "fs__list_dir", nil))

	failing := g.WithApprover(&scriptedApprover{err: fmt.Errorf("stdin closed")})
	assert.Equal(t, DeniedResult, failing.Execute(context.Background(), "fs__list_dir", nil))

	odd := g.WithApprover(&scriptedApprover{answers: []string{"Maybe"}})
	assert.Equal(t, DeniedResult, odd.Execute(context.Background(), "fs__list_dir", nil))
	assert.Empty(t, srv.calls)
}

func TestWithApproverSharesServers(t *testing.T) {
	g := newGateway(policy.RequireApproval, &scriptedApprover{answers: []string{OptionAlwaysAllow}})
	g.Register("fs", fsServer())
	assert.Equal(t, "contents", g.Execute(context.Background(), "fs__read_file", json.RawMessage(`{"path":"a"}`)))

	other := &scriptedApprover{answers: []string{OptionDeny}}
	view := g.WithApprover(other)
	view.Register("git", &fakeServer{})
	assert.Equal(t, []string{"fs", "git"}, g.Servers())

	// The view keeps its own memory of "always allow".
	assert.Equal(t, DeniedResult, view.Execute(context.Background(), "fs__read_file", json.RawMessage(`{"path":"a"}`)))
	assert.Len(t, other.messages, 1)
}

func TestStartupIsBestEffort(t *testing.T) {
	started := map[string]*fakeServer{}
	g := New(Options{
		Decider: fixedDecider(policy.Allow),
		Logger:  quietLogger(),
		Connect: func(ctx context.Context, server config.MCPServer, logger *slog.Logger) (ToolServer, error) {
			if server.Command == "missing" {
				return nil, fmt.Errorf("executable not found")
			}
			srv := &fakeServer{descriptors: []tools.Descriptor{{Name: "ping"}}}
			started[server.Name] = srv
			return srv, nil
		},
	})

	g.Startup(context.Background(), []config.MCPServer{
		{Name: "one", Command: "good"},
		{Name: "two", Command: "missing"},
		{Name: "three", Command: "good"},
	})
	assert.Equal(t, []string{"one", "three"}, g.Servers())
	assert.Len(t, g.ListTools(context.Background()), 2)

	g.Shutdown()
	assert.True(t, started["one"].closed)
	assert.True(t, started["three"].closed)
	assert.Empty(t, g.Servers())
}

func TestRegisterReplaces(t *testing.T) {
	g := newGateway(policy.Allow, nil)
	first := fsServer()
	g.Register("fs", first)
	g.Register("fs", &fakeServer{})
	assert.True(t, first.closed)
	assert.Equal(t, []string{"fs"}, g.Servers())
}

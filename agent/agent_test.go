package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opengravity/opengravity/errors"
	"github.com/opengravity/opengravity/gateway"
	"github.com/opengravity/opengravity/llm"
	"github.com/opengravity/opengravity/policy"
	"github.com/opengravity/opengravity/session"
	"github.com/opengravity/opengravity/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTools struct {
	descriptors []tools.Descriptor
	results     map[string]string
	executed    []string
	args        []string
}

func (f *fakeTools) ListTools(ctx context.Context) []tools.Descriptor {
	return f.descriptors
}

func (f *fakeTools) Execute(ctx context.Context, name string, args json.RawMessage) string {
	f.executed = append(f.executed, name)
	f.args = append(f.args, string(args))
	if r, ok := f.results[name]; ok {
		return r
	}
	return "Error: unknown tool '" + name + "'"
}

func listDirTools() *fakeTools {
	return &fakeTools{
		descriptors: []tools.Descriptor{{ServerID: "fs", Name: "list_dir"}},
		results:     map[string]string{"fs__list_dir": `["a.txt","b.txt"]`},
	}
}

func newTestAgent(t *testing.T, provider ToolProvider, responses ...llm.MockResponse) (*Agent, *llm.MockStreamer) {
	t.Helper()
	mock := llm.NewMockStreamer(responses...)
	sess := session.New(filepath.Join(t.TempDir(), "sessions", "test.json"), quietLogger())
	a := New(sess, llm.NewStreamingClient(mock, 0, quietLogger()), provider, quietLogger())
	a.SystemPrompt = "You are a test."
	return a, mock
}

func TestListFilesScenario(t *testing.T) {
	provider := listDirTools()
	a, mock := newTestAgent(t, provider,
		llm.MockResponse{Events: []llm.Event{
			llm.Content("Let me check"),
			llm.Fragment(0, "call_1", "fs__list_dir", ""),
			llm.Fragment(0, "", "", `{"path":`),
			llm.Fragment(0, "", "", `"."}`),
		}},
		llm.MockResponse{Events: []llm.Event{llm.Content("Found 2 files: a.txt, b.txt")}},
	)

	require.NoError(t, a.ProcessUserInput(context.Background(), "list files", Callbacks{}))

	msgs := a.Session().Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, session.RoleSystem, msgs[0].Role)
	assert.Equal(t, session.Message{Role: session.RoleUser, Content: "list files"}, msgs[1])

	assert.Equal(t, session.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "Let me check", msgs[2].Content)
	require.Len(t, msgs[2].ToolCalls, 1)
	assert.Equal(t, "call_1", msgs[2].ToolCalls[0].ID)
	assert.Equal(t, "fs__list_dir", msgs[2].ToolCalls[0].Name)
	assert.JSONEq(t, `{"path":"."}`, string(msgs[2].ToolCalls[0].Arguments))

	assert.Equal(t, session.Message{Role: session.RoleTool, Content: `["a.txt","b.txt"]`, ToolCallID: "call_1"}, msgs[3])
	assert.Equal(t, session.Message{Role: session.RoleAssistant, Content: "Found 2 files: a.txt, b.txt"}, msgs[4])

	assert.Equal(t, StateIdle, a.State())
	assert.False(t, a.Busy())
	assert.Equal(t, []string{"fs__list_dir"}, provider.executed)
	require.Len(t, provider.args, 1)
	assert.JSONEq(t, `{"path":"."}`, provider.args[0])

	reqs := mock.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, provider.descriptors, reqs[0].Tools)
	// The second request carries the tool result and no new user message.
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, session.RoleTool, last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)

	// Four messages after the system message reach the disk.
	stored := session.Load(a.Session().FilePath(), quietLogger())
	assert.Equal(t, msgs, stored.Messages())
}

func TestTerminationAfterKResponses(t *testing.T) {
	for _, k := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("K=%d", k), func(t *testing.T) {
			var responses []llm.MockResponse
			for i := 1; i < k; i++ {
				responses = append(responses, llm.MockResponse{Events: []llm.Event{
					llm.Fragment(0, fmt.Sprintf("call_%d", i), "fs__list_dir", "{}"),
				}})
			}
			responses = append(responses, llm.MockResponse{Events: []llm.Event{llm.Content("done")}})

			provider := listDirTools()
			a, mock := newTestAgent(t, provider, responses...)
			require.NoError(t, a.ProcessUserInput(context.Background(), "go", Callbacks{}))

			assert.Len(t, mock.Requests(), k)
			assert.Len(t, provider.executed, k-1)
			assert.Equal(t, StateIdle, a.State())
			msgs := a.Session().Messages()
			require.Len(t, msgs, 2+2*(k-1)+1)
			assert.Equal(t, "done", msgs[len(msgs)-1].Content)
		})
	}
}

func TestCallbackOrdering(t *testing.T) {
	a, _ := newTestAgent(t, listDirTools(),
		llm.MockResponse{Events: []llm.Event{llm.Content("checking"), llm.Fragment(0, "call_1", "fs__list_dir", "{}")}},
		llm.MockResponse{Events: []llm.Event{llm.Content("done")}},
	)

	var trace []string
	cb := Callbacks{
		OnStreamStart:      func() { trace = append(trace, "stream") },
		OnEvent:            func(ev llm.Event) { trace = append(trace, "event:"+string(ev.Kind)) },
		OnAssistantMessage: func(msg session.Message) { trace = append(trace, "assistant:"+msg.Content) },
		OnToolCall:         func(call session.ToolCall) { trace = append(trace, "call:"+call.Name) },
		OnToolResult:       func(call session.ToolCall, result string) { trace = append(trace, "result:"+call.ID) },
		OnStateChange:      func(s State) { trace = append(trace, "state:"+string(s)) },
	}
	require.NoError(t, a.ProcessUserInput(context.Background(), "go", cb))

	assert.Equal(t, []string{
		"state:awaiting_model",
		"stream",
		"event:content",
		"event:tool_call_fragment",
		"assistant:checking",
		"state:awaiting_tool_results",
		"call:fs__list_dir",
		"result:call_1",
		"state:awaiting_model",
		"stream",
		"event:content",
		"assistant:done",
		"state:idle",
	}, trace)
}

func TestSingleSystemMessage(t *testing.T) {
	a, _ := newTestAgent(t, nil)
	require.NoError(t, a.ProcessUserInput(context.Background(), "one", Callbacks{}))
	require.NoError(t, a.ProcessUserInput(context.Background(), "two", Callbacks{}))

	msgs := a.Session().Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, session.RoleSystem, msgs[0].Role)
	assert.Equal(t, "You are a test.", msgs[0].Content)
	for _, m := range msgs[1:] {
		assert.NotEqual(t, session.RoleSystem, m.Role)
	}
	assert.Equal(t, "I am a mock LLM. You said: 'two'.", msgs[4].Content)
}

func TestReasoningIsNotResubmitted(t *testing.T) {
	a, mock := newTestAgent(t, listDirTools(),
		llm.MockResponse{Events: []llm.Event{llm.Reasoning("private chain of thought"), llm.Fragment(0, "call_1", "fs__list_dir", "{}")}},
		llm.MockResponse{Events: []llm.Event{llm.Content("ok")}},
	)
	require.NoError(t, a.ProcessUserInput(context.Background(), "go", Callbacks{}))

	assert.Equal(t, "private chain of thought", a.Session().Messages()[2].Reasoning)

	reqs := mock.Requests()
	require.Len(t, reqs, 2)
	encoded, err := json.Marshal(reqs[1].Messages)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "private chain of thought")
}

func TestEveryCallGetsOneResult(t *testing.T) {
	provider := &fakeTools{results: map[string]string{"fs__read": "A", "fs__stat": "B"}}
	a, _ := newTestAgent(t, provider,
		llm.MockResponse{Events: []llm.Event{
			llm.Fragment(0, "call_a", "fs__read", `{"path":"a"}`),
			llm.Fragment(1, "call_b", "fs__stat", `{"path":"b"}`),
			llm.Fragment(2, "call_c", "web__fetch", `{}`),
		}},
		llm.MockResponse{Events: []llm.Event{llm.Content("done")}},
	)
	require.NoError(t, a.ProcessUserInput(context.Background(), "go", Callbacks{}))

	msgs := a.Session().Messages()
	require.Len(t, msgs, 7)
	assert.Equal(t, []string{"fs__read", "fs__stat", "web__fetch"}, provider.executed)
	for i, id := range []string{"call_a", "call_b", "call_c"} {
		assert.Equal(t, session.RoleTool, msgs[3+i].Role)
		assert.Equal(t, id, msgs[3+i].ToolCallID)
	}
	assert.Equal(t, "A", msgs[3].Content)
	assert.Equal(t, "B", msgs[4].Content)
	assert.True(t, strings.HasPrefix(msgs[5].Content, "Error: "))
}

type denyAll struct{ asked int }

func (d *denyAll) Confirm(ctx context.Context, message string, options []string) (string, error) {
	d.asked++
	return gateway.OptionDeny, nil
}

type listServer struct{ calls int }

func (s *listServer) ListTools(ctx context.Context) ([]tools.Descriptor, error) {
	return []tools.Descriptor{{Name: "list_dir"}}, nil
}

func (s *listServer) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	s.calls++
	return `["a.txt"]`, nil
}

func (s *listServer) Close() error { return nil }

func TestDeniedToolThroughGateway(t *testing.T) {
	ctx := context.Background()
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy, quietLogger())
	require.NoError(t, err)

	approver := &denyAll{}
	gw := gateway.New(gateway.Options{Decider: engine, Approver: approver, Mode: string(ModePrompt), Logger: quietLogger()})
	srv := &listServer{}
	gw.Register("fs", srv)

	a, _ := newTestAgent(t, gw,
		llm.MockResponse{Events: []llm.Event{llm.Fragment(0, "call_1", "fs__list_dir", "{}")}},
		llm.MockResponse{Events: []llm.Event{llm.Content("I was not allowed to look.")}},
	)
	require.NoError(t, a.ProcessUserInput(ctx, "list files", Callbacks{}))

	msgs := a.Session().Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, gateway.DeniedResult, msgs[3].Content)
	assert.Equal(t, "call_1", msgs[3].ToolCallID)
	assert.Equal(t, 1, approver.asked)
	assert.Equal(t, 0, srv.calls)
	assert.Equal(t, StateIdle, a.State())
}

func TestToolRoundLimit(t *testing.T) {
	call := llm.MockResponse{Events: []llm.Event{llm.Fragment(0, "", "fs__list_dir", "{}")}}
	a, mock := newTestAgent(t, listDirTools(), call, call, call)
	a.MaxToolRounds = 2

	var notices []string
	err := a.ProcessUserInput(context.Background(), "loop forever", Callbacks{
		OnAssistantMessage: func(msg session.Message) {
			if !msg.HasToolCalls() {
				notices = append(notices, msg.Content)
			}
		},
	})
	require.NoError(t, err)

	msgs := a.Session().Messages()
	require.Len(t, msgs, 7)
	assert.Equal(t, session.RoleTool, msgs[5].Role)
	assert.Equal(t, session.RoleAssistant, msgs[6].Role)
	assert.Empty(t, msgs[6].ToolCalls)
	assert.Contains(t, msgs[6].Content, "Stopped after 2 rounds")
	assert.Equal(t, []string{msgs[6].Content}, notices)
	assert.Len(t, mock.Requests(), 2)
	assert.Equal(t, StateIdle, a.State())
}

func TestProtocolErrorEndsTurn(t *testing.T) {
	provider := listDirTools()
	a, _ := newTestAgent(t, provider,
		llm.MockResponse{Events: []llm.Event{llm.Fragment(1, "call_1", "fs__list_dir", "{}")}},
	)
	require.NoError(t, a.ProcessUserInput(context.Background(), "go", Callbacks{}))

	msgs := a.Session().Messages()
	require.Len(t, msgs, 3)
	assert.True(t, strings.HasPrefix(msgs[2].Content, llm.ProtocolErrorMarker))
	assert.Empty(t, msgs[2].ToolCalls)
	assert.Empty(t, provider.executed)
}

type blockingStreamer struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingStreamer) Stream(ctx context.Context, req llm.Request, emit func(llm.Event) error) error {
	close(b.started)
	<-b.release
	return emit(llm.Content("finally"))
}

func TestBusyRejection(t *testing.T) {
	streamer := &blockingStreamer{started: make(chan struct{}), release: make(chan struct{})}
	sess := session.New(filepath.Join(t.TempDir(), "s.json"), quietLogger())
	a := New(sess, llm.NewStreamingClient(streamer, 0, quietLogger()), nil, quietLogger())

	done := make(chan error, 1)
	go func() {
		done <- a.ProcessUserInput(context.Background(), "first", Callbacks{})
	}()
	<-streamer.started

	assert.True(t, a.Busy())
	assert.Equal(t, StateAwaitingModel, a.State())
	err := a.ProcessUserInput(context.Background(), "second", Callbacks{})
	assert.True(t, errors.Is(err, errors.ErrBusy))
	_, err = a.SaveAndClear(t.TempDir(), session.FormatMarkdown)
	assert.True(t, errors.Is(err, errors.ErrBusy))

	close(streamer.release)
	require.NoError(t, <-done)

	msgs := a.Session().Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[1].Content)
	assert.Equal(t, "finally", msgs[2].Content)
}

func TestNoClientIsConfigurationError(t *testing.T) {
	sess := session.New(filepath.Join(t.TempDir(), "s.json"), quietLogger())
	a := New(sess, nil, nil, quietLogger())
	err := a.ProcessUserInput(context.Background(), "hi", Callbacks{})
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
	assert.Equal(t, 0, sess.Len())
}

func TestTurnIsPersisted(t *testing.T) {
	a, _ := newTestAgent(t, listDirTools(),
		llm.MockResponse{Events: []llm.Event{llm.Fragment(0, "call_1", "fs__list_dir", "{}")}},
		llm.MockResponse{Events: []llm.Event{llm.Content("two files")}},
	)
	require.NoError(t, a.ProcessUserInput(context.Background(), "list files", Callbacks{}))

	restored := session.Load(a.Session().FilePath(), quietLogger())
	assert.Equal(t, a.Session().Messages(), restored.Messages())
}

func TestPersistenceFailureIsAWarning(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	sess := session.New(filepath.Join(blocker, "s.json"), quietLogger())
	a := New(sess, llm.NewStreamingClient(llm.NewMockStreamer(), 0, quietLogger()), nil, quietLogger())

	var warnings []string
	err := a.ProcessUserInput(context.Background(), "hi", Callbacks{
		OnWarning: func(w string) { warnings = append(warnings, w) },
	})
	require.NoError(t, err)
	assert.NotEmpty(t, warnings)
	assert.Equal(t, 3, sess.Len())
}

func TestSaveAndClear(t *testing.T) {
	a, _ := newTestAgent(t, nil)
	require.NoError(t, a.ProcessUserInput(context.Background(), "hello", Callbacks{}))
	require.NoError(t, a.Session().Save())

	dir := t.TempDir()
	path, err := a.SaveAndClear(dir, session.FormatMarkdown)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "### [USER]")
	assert.Contains(t, string(data), "hello")

	assert.Equal(t, 0, a.Session().Len())
	_, err = os.Stat(a.Session().FilePath())
	assert.True(t, os.IsNotExist(err))

	path, err = a.SaveAndClear(dir, session.FormatMarkdown)
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestLinkFile(t *testing.T) {
	a, _ := newTestAgent(t, nil)
	file := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("remember the milk"), 0644))

	require.NoError(t, a.LinkFile(context.Background(), file, Callbacks{}))
	user := a.Session().Messages()[1]
	assert.Equal(t, session.RoleUser, user.Role)
	assert.Contains(t, user.Content, "[CONTEXT_LINK: `notes.txt`]")
	assert.Contains(t, user.Content, "remember the milk")

	err := a.LinkFile(context.Background(), filepath.Join(t.TempDir(), "missing"), Callbacks{})
	require.Error(t, err)
	assert.Equal(t, 3, a.Session().Len(), fmt.Sprintf("messages: %v", a.Session().Messages()))
}

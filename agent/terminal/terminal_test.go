package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opengravity/opengravity/agent"
	"github.com/opengravity/opengravity/llm"
	"github.com/opengravity/opengravity/session"
	"github.com/opengravity/opengravity/tools"
)

type staticTools struct{}

func (staticTools) ListTools(ctx context.Context) []tools.Descriptor {
	return []tools.Descriptor{{ServerID: "fs", Name: "list_dir", Description: "List a directory"}}
}

func (staticTools) Execute(ctx context.Context, name string, args json.RawMessage) string {
	return `["a.txt"]`
}

// newTestTerminal creates a terminal reading input and writing to the
// returned buffer.
func newTestTerminal(t *testing.T, input string, verbosity ToolVerbosity, responses ...llm.MockResponse) (*Terminal, *bytes.Buffer) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sess := session.New(filepath.Join(t.TempDir(), "test.json"), logger)
	client := llm.NewStreamingClient(llm.NewMockStreamer(responses...), 0, logger)
	testAgent := agent.New(sess, client, staticTools{}, logger)

	var out bytes.Buffer
	term := New(testAgent, NewConsole(strings.NewReader(input), &out), Options{
		Tools:         staticTools{},
		Workspace:     t.TempDir(),
		ArchiveDir:    t.TempDir(),
		ArchiveFormat: session.FormatMarkdown,
		Verbosity:     verbosity,
	})
	return term, &out
}

func TestTerminalRun(t *testing.T) {
	term, out := newTestTerminal(t, "hello\n/quit\nnever read\n", ToolVerbosityNone)

	if err := term.Run(context.Background(), ""); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(out.String(), "Opengravity: I am a mock LLM. You said: 'hello'.") {
		t.Errorf("unexpected output: %q", out.String())
	}
	if term.agent.Session().Len() != 3 {
		t.Errorf("expected 3 messages, got %d", term.agent.Session().Len())
	}
}

func TestTerminalRunInitialPromptAndEOF(t *testing.T) {
	term, out := newTestTerminal(t, "", ToolVerbosityNone)

	if err := term.Run(context.Background(), "initial test prompt"); err != nil {
		t.Fatalf("Run failed with initial prompt: %v", err)
	}
	if !strings.Contains(out.String(), "You said: 'initial test prompt'") {
		t.Errorf("initial prompt was not processed: %q", out.String())
	}
}

func TestTerminalRendersReasoning(t *testing.T) {
	term, out := newTestTerminal(t, "", ToolVerbosityNone, llm.MockResponse{Events: []llm.Event{
		llm.Reasoning("first line\nsecond line"),
		llm.Content("The answer."),
	}})

	if err := term.processTurn(context.Background(), "think"); err != nil {
		t.Fatalf("processTurn failed: %v", err)
	}
	want := "Opengravity: \n:: THOUGHT first line\n:: THOUGHT second line\nThe answer.\n"
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}
}

func TestTerminalToolVerbosity(t *testing.T) {
	testCases := []struct {
		name      string
		verbosity ToolVerbosity
		wants     []string
		unwanted  []string
	}{
		{"None", ToolVerbosityNone, nil, []string{"fs__list_dir"}},
		{"Info", ToolVerbosityInfo, []string{"wants to call tool `fs__list_dir`\n"}, []string{"output:"}},
		{"All", ToolVerbosityAll, []string{"with args: {\"path\":\".\"}", "Tool `fs__list_dir` output: [\"a.txt\"]"}, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			term, out := newTestTerminal(t, "", tc.verbosity,
				llm.MockResponse{Events: []llm.Event{llm.Fragment(0, "call_1", "fs__list_dir", `{"path":"."}`)}},
				llm.MockResponse{Events: []llm.Event{llm.Content("done")}},
			)
			if err := term.processTurn(context.Background(), "list"); err != nil {
				t.Fatalf("processTurn failed: %v", err)
			}
			for _, w := range tc.wants {
				if !strings.Contains(out.String(), w) {
					t.Errorf("output %q does not contain %q", out.String(), w)
				}
			}
			for _, u := range tc.unwanted {
				if strings.Contains(out.String(), u) {
					t.Errorf("output %q should not contain %q", out.String(), u)
				}
			}
		})
	}
}

func TestTerminalCommands(t *testing.T) {
	term, out := newTestTerminal(t, "", ToolVerbosityNone)
	ctx := context.Background()

	if quit, _ := term.command(ctx, "/exit"); !quit {
		t.Error("/exit should quit")
	}

	if _, err := term.command(ctx, "/tools"); err != nil {
		t.Fatalf("/tools failed: %v", err)
	}
	if !strings.Contains(out.String(), "- fs__list_dir: List a directory") {
		t.Errorf("/tools output: %q", out.String())
	}

	out.Reset()
	if _, err := term.command(ctx, "/save"); err != nil {
		t.Fatalf("/save failed: %v", err)
	}
	if !strings.Contains(out.String(), "Nothing to archive.") {
		t.Errorf("/save on empty session: %q", out.String())
	}

	if err := os.WriteFile(filepath.Join(term.opts.Workspace, "notes.txt"), []byte("buy milk"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := term.command(ctx, "/link notes.txt"); err != nil {
		t.Fatalf("/link failed: %v", err)
	}
	msgs := term.agent.Session().Messages()
	if len(msgs) != 3 || !strings.Contains(msgs[1].Content, "buy milk") {
		t.Fatalf("linked file not submitted: %+v", msgs)
	}

	out.Reset()
	if _, err := term.command(ctx, "/save"); err != nil {
		t.Fatalf("/save failed: %v", err)
	}
	if !strings.Contains(out.String(), "Conversation archived to "+term.opts.ArchiveDir) {
		t.Errorf("/save output: %q", out.String())
	}
	if term.agent.Session().Len() != 0 {
		t.Error("session should be empty after /save")
	}

	if _, err := term.command(ctx, "/link"); err == nil {
		t.Error("/link without a path should fail")
	}
	if _, err := term.command(ctx, "/bogus"); err == nil {
		t.Error("unknown command should fail")
	}
}

func TestConsoleConfirm(t *testing.T) {
	options := []string{"Allow", "Always allow", "Deny"}
	testCases := []struct {
		input string
		want  string
	}{
		{"1\n", "Allow"},
		{"2\n", "Always allow"},
		{"deny\n", "Deny"},
		{"y\n", "Allow"},
		{"n\n", "Deny"},
		{"7\nmaybe\n3\n", "Deny"},
	}

	for _, tc := range testCases {
		var out bytes.Buffer
		console := NewConsole(strings.NewReader(tc.input), &out)
		got, err := console.Confirm(context.Background(), "Run it?", options)
		if err != nil {
			t.Fatalf("Confirm(%q) failed: %v", tc.input, err)
		}
		if got != tc.want {
			t.Errorf("Confirm(%q) = %q, want %q", tc.input, got, tc.want)
		}
		if !strings.Contains(out.String(), "  2) Always allow") {
			t.Errorf("options not printed: %q", out.String())
		}
	}

	console := NewConsole(strings.NewReader(""), io.Discard)
	if _, err := console.Confirm(context.Background(), "Run it?", options); err == nil {
		t.Error("Confirm should fail once input is exhausted")
	}
}

package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opengravity/opengravity/agent"
	"github.com/opengravity/opengravity/errors"
	"github.com/opengravity/opengravity/llm"
	"github.com/opengravity/opengravity/session"
)

// ToolVerbosity controls how much of tool execution is printed.
type ToolVerbosity string

const (
	ToolVerbosityNone ToolVerbosity = "none"
	ToolVerbosityInfo ToolVerbosity = "info"
	ToolVerbosityAll  ToolVerbosity = "all"
)

// ThoughtPrefix starts every printed line of model reasoning.
const ThoughtPrefix = ":: THOUGHT "

// Console is the line-oriented terminal shared by the chat loop and the
// approval prompt.
type Console struct {
	in  *bufio.Reader
	out io.Writer
}

// NewConsole wraps the given input and output streams.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: bufio.NewReader(in), out: out}
}

// ReadLine reads one trimmed line. io.EOF is returned once input is
// exhausted and the final line is empty.
func (c *Console) ReadLine() (string, error) {
	line, err := c.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Confirm prints the options and reads a choice, by number or by name.
// "y" and "n" are accepted as the first and the last option.
func (c *Console) Confirm(ctx context.Context, message string, options []string) (string, error) {
	fmt.Fprintf(c.out, "\n%s\n", message)
	for i, opt := range options {
		fmt.Fprintf(c.out, "  %d) %s\n", i+1, opt)
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		fmt.Fprint(c.out, "Choice: ")
		answer, err := c.ReadLine()
		if err != nil {
			return "", errors.Wrapf(err, "could not read approval")
		}
		if choice, ok := pick(answer, options); ok {
			return choice, nil
		}
		fmt.Fprintf(c.out, "Please answer with a number between 1 and %d.\n", len(options))
	}
}

func pick(answer string, options []string) (string, bool) {
	if len(options) == 0 {
		return "", false
	}
	if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(options) {
		return options[n-1], true
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return options[0], true
	case "n", "no":
		return options[len(options)-1], true
	}
	for _, opt := range options {
		if strings.EqualFold(answer, opt) {
			return opt, true
		}
	}
	return "", false
}

// Options configures a Terminal.
type Options struct {
	// Tools backs the /tools command. It may be nil.
	Tools         agent.ToolProvider
	Workspace     string
	ArchiveDir    string
	ArchiveFormat string
	Verbosity     ToolVerbosity
}

// Terminal handles the terminal/CLI interaction mode for the agent
type Terminal struct {
	agent   *agent.Agent
	console *Console
	opts    Options

	thinking bool
}

// New creates a new Terminal instance
func New(a *agent.Agent, console *Console, opts Options) *Terminal {
	if opts.Verbosity == "" {
		opts.Verbosity = ToolVerbosityInfo
	}
	return &Terminal{agent: a, console: console, opts: opts}
}

// Run starts the interactive terminal session. It returns nil when input
// ends or the user quits.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	if initialPrompt != "" {
		if err := t.processTurn(ctx, initialPrompt); err != nil {
			return err
		}
	}

	for {
		fmt.Fprint(t.console.out, "You: ")
		userInput, err := t.console.ReadLine()
		if err == io.EOF {
			fmt.Fprintln(t.console.out)
			return nil
		}
		if err != nil {
			return err
		}
		if userInput == "" {
			continue
		}

		if strings.HasPrefix(userInput, "/") {
			quit, err := t.command(ctx, userInput)
			if err != nil {
				fmt.Fprintf(t.console.out, "Error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if err := t.processTurn(ctx, userInput); err != nil {
			fmt.Fprintf(t.console.out, "Error: %v\n", err)
		}
	}
}

func (t *Terminal) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/save":
		path, err := t.agent.SaveAndClear(t.opts.ArchiveDir, t.opts.ArchiveFormat)
		if err != nil {
			return false, err
		}
		if path == "" {
			fmt.Fprintln(t.console.out, "Nothing to archive.")
		} else {
			fmt.Fprintf(t.console.out, "Conversation archived to %s\n", path)
		}
		return false, nil
	case "/link":
		if arg == "" {
			return false, errors.New("usage: /link <path>")
		}
		if !filepath.IsAbs(arg) && t.opts.Workspace != "" {
			arg = filepath.Join(t.opts.Workspace, arg)
		}
		return false, t.agent.LinkFile(ctx, arg, t.callbacks())
	case "/tools":
		if t.opts.Tools == nil {
			fmt.Fprintln(t.console.out, "No tools available.")
			return false, nil
		}
		descriptors := t.opts.Tools.ListTools(ctx)
		if len(descriptors) == 0 {
			fmt.Fprintln(t.console.out, "No tools available.")
		}
		for _, d := range descriptors {
			fmt.Fprintf(t.console.out, "- %s: %s\n", d.QualifiedName(), d.Description)
		}
		return false, nil
	case "/help":
		fmt.Fprintln(t.console.out, "Commands: /save, /link <path>, /tools, /quit")
		return false, nil
	default:
		return false, errors.New("unknown command %s", name)
	}
}

// processTurn handles a single user input turn
func (t *Terminal) processTurn(ctx context.Context, userInput string) error {
	return t.agent.ProcessUserInput(ctx, userInput, t.callbacks())
}

func (t *Terminal) callbacks() agent.Callbacks {
	out := t.console.out
	return agent.Callbacks{
		OnStreamStart: func() {
			t.thinking = false
			fmt.Fprint(out, "Opengravity: ")
		},
		OnEvent: func(ev llm.Event) {
			switch ev.Kind {
			case llm.EventReasoning:
				if !t.thinking {
					fmt.Fprint(out, "\n"+ThoughtPrefix)
					t.thinking = true
				}
				fmt.Fprint(out, strings.ReplaceAll(ev.Text, "\n", "\n"+ThoughtPrefix))
			case llm.EventContent:
				if t.thinking {
					fmt.Fprint(out, "\n")
					t.thinking = false
				}
				fmt.Fprint(out, ev.Text)
			}
		},
		OnAssistantMessage: func(msg session.Message) {
			fmt.Fprintln(out)
		},
		OnToolCall: func(call session.ToolCall) {
			switch t.opts.Verbosity {
			case ToolVerbosityAll:
				fmt.Fprintf(out, "Opengravity wants to call tool `%s` with args: %s\n", call.Name, string(call.Arguments))
			case ToolVerbosityInfo:
				fmt.Fprintf(out, "Opengravity wants to call tool `%s`\n", call.Name)
			}
		},
		OnToolResult: func(call session.ToolCall, result string) {
			if t.opts.Verbosity == ToolVerbosityAll {
				fmt.Fprintf(out, "Tool `%s` output: %s\n", call.Name, result)
			}
		},
		OnWarning: func(warning string) {
			fmt.Fprintf(out, "Warning: %s\n", warning)
		},
	}
}

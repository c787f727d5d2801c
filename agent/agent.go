package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opengravity/opengravity/config"
	"github.com/opengravity/opengravity/errors"
	"github.com/opengravity/opengravity/llm"
	"github.com/opengravity/opengravity/session"
	"github.com/opengravity/opengravity/tools"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModePrompt Mode = "prompt"
)

// State is the position of the agent in its turn cycle.
type State string

const (
	StateIdle                State = "idle"
	StateAwaitingModel       State = "awaiting_model"
	StateAwaitingToolResults State = "awaiting_tool_results"
)

// ToolProvider lists and executes the tools offered to the model.
type ToolProvider interface {
	ListTools(ctx context.Context) []tools.Descriptor
	Execute(ctx context.Context, qualifiedName string, args json.RawMessage) string
}

// Callbacks observe a turn. Every field is optional. They are called
// synchronously from the goroutine running the turn.
type Callbacks struct {
	OnStreamStart      func()
	OnEvent            func(ev llm.Event)
	OnAssistantMessage func(msg session.Message)
	OnToolCall         func(call session.ToolCall)
	OnToolResult       func(call session.ToolCall, result string)
	OnStateChange      func(state State)
	OnWarning          func(warning string)
}

type Agent struct {
	SystemPrompt  string
	MaxToolRounds int

	session *session.Session
	client  llm.Client
	tools   ToolProvider
	logger  *slog.Logger

	mu    sync.Mutex
	busy  bool
	state State
}

// New creates an agent bound to one session. client may be nil, in which
// case every turn is rejected with ErrConfiguration.
func New(sess *session.Session, client llm.Client, provider ToolProvider, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		SystemPrompt:  config.DefaultSystemPrompt,
		MaxToolRounds: config.DefaultMaxToolRounds,
		session:       sess,
		client:        client,
		tools:         provider,
		logger:        logger,
		state:         StateIdle,
	}
}

// Session returns the conversation the agent operates on.
func (a *Agent) Session() *session.Session { return a.session }

// State returns the current turn state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Busy reports whether a turn is in flight.
func (a *Agent) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

// ProcessUserInput runs one user turn to completion: the model is called,
// requested tools are executed and the model is called again until it
// answers without tool calls or the round limit is reached.
func (a *Agent) ProcessUserInput(ctx context.Context, text string, cb Callbacks) error {
	if a.client == nil {
		return errors.Mark(errors.New("no language model client is configured"), errors.ErrConfiguration)
	}
	if !a.acquire() {
		return errors.Mark(errors.New("a turn is already in progress"), errors.ErrBusy)
	}
	defer a.release(cb)

	if a.session.EnsureSystemPrompt(a.SystemPrompt) {
		a.logger.Debug("seeded system prompt", "session", a.session.FilePath())
	}
	a.session.AddMessage(session.Message{Role: session.RoleUser, Content: text})
	a.persist(cb)

	rounds := 0
	for {
		a.setState(StateAwaitingModel, cb)
		if cb.OnStreamStart != nil {
			cb.OnStreamStart()
		}

		var available []tools.Descriptor
		if a.tools != nil {
			available = a.tools.ListTools(ctx)
		}
		reply := a.client.Complete(ctx, a.session.Messages(), available, func(ev llm.Event) {
			if cb.OnEvent != nil {
				cb.OnEvent(ev)
			}
		})
		a.session.AddMessage(*reply)
		a.persist(cb)
		if cb.OnAssistantMessage != nil {
			cb.OnAssistantMessage(*reply)
		}

		if !reply.HasToolCalls() {
			return nil
		}

		a.setState(StateAwaitingToolResults, cb)
		for _, call := range reply.ToolCalls {
			if cb.OnToolCall != nil {
				cb.OnToolCall(call)
			}
			result := a.execute(ctx, call)
			a.session.AddMessage(session.Message{
				Role:       session.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
			if cb.OnToolResult != nil {
				cb.OnToolResult(call, result)
			}
		}
		a.persist(cb)

		rounds++
		if limit := a.maxToolRounds(); rounds >= limit {
			a.logger.Warn("tool round limit reached", "rounds", rounds)
			notice := session.Message{
				Role:    session.RoleAssistant,
				Content: fmt.Sprintf("Stopped after %d rounds of tool calls. Send another message to continue.", limit),
			}
			a.session.AddMessage(notice)
			a.persist(cb)
			if cb.OnAssistantMessage != nil {
				cb.OnAssistantMessage(notice)
			}
			return nil
		}
	}
}

// LinkFile submits the contents of a file as a user turn.
func (a *Agent) LinkFile(ctx context.Context, path string, cb Callbacks) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "could not read linked file %s", path)
	}
	prompt := fmt.Sprintf("[CONTEXT_LINK: `%s`]\nContents:\n```\n%s\n```\nPlease analyze this file.", filepath.Base(path), data)
	return a.ProcessUserInput(ctx, prompt, cb)
}

// SaveAndClear archives the conversation into dir and starts a fresh one.
// It returns the archive path, or "" when the conversation was empty.
func (a *Agent) SaveAndClear(dir, format string) (string, error) {
	if !a.acquire() {
		return "", errors.Mark(errors.New("cannot archive while a turn is in progress"), errors.ErrBusy)
	}
	defer a.release(Callbacks{})
	return a.session.Archive(dir, format, time.Now())
}

func (a *Agent) execute(ctx context.Context, call session.ToolCall) string {
	if a.tools == nil {
		return fmt.Sprintf("Error: no tools are available to run '%s'", call.Name)
	}
	a.logger.Debug("tool call", "tool", call.Name, "id", call.ID)
	result := a.tools.Execute(ctx, call.Name, call.Arguments)
	a.logger.Log(ctx, config.LevelTrace, "tool result", "tool", call.Name, "id", call.ID, "result", result)
	return result
}

func (a *Agent) persist(cb Callbacks) {
	if err := a.session.Save(); err != nil {
		a.logger.Warn("failed to save session", "error", err)
		if cb.OnWarning != nil {
			cb.OnWarning(fmt.Sprintf("failed to save session: %v", err))
		}
	}
}

func (a *Agent) maxToolRounds() int {
	if a.MaxToolRounds <= 0 {
		return config.DefaultMaxToolRounds
	}
	return a.MaxToolRounds
}

func (a *Agent) acquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return false
	}
	a.busy = true
	return true
}

func (a *Agent) release(cb Callbacks) {
	a.mu.Lock()
	a.busy = false
	a.mu.Unlock()
	a.setState(StateIdle, cb)
}

func (a *Agent) setState(s State, cb Callbacks) {
	a.mu.Lock()
	changed := a.state != s
	a.state = s
	a.mu.Unlock()
	if changed && cb.OnStateChange != nil {
		cb.OnStateChange(s)
	}
}

package llm

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/opengravity/opengravity/errors"
	"github.com/opengravity/opengravity/session"
)

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// Assembler folds a stream of events into reasoning text, content text and
// complete tool calls. It is used for a single response and is not safe for
// concurrent use.
type Assembler struct {
	sink      Sink
	reasoning strings.Builder
	content   strings.Builder
	calls     map[int]*partialCall
}

// NewAssembler returns an assembler forwarding every event to sink. A nil
// sink discards events.
func NewAssembler(sink Sink) *Assembler {
	return &Assembler{sink: sink, calls: make(map[int]*partialCall)}
}

// Push forwards ev to the sink and then folds it into the assembled state.
// An argument fragment for an index that was never opened with a name is a
// protocol violation.
func (a *Assembler) Push(ev Event) error {
	if a.sink != nil {
		a.sink(ev)
	}

	switch ev.Kind {
	case EventReasoning:
		a.reasoning.WriteString(ev.Text)
	case EventContent:
		a.content.WriteString(ev.Text)
	case EventToolCallFragment:
		f := ev.Fragment
		if f == nil {
			return errors.Mark(errors.New("tool call event without a fragment"), errors.ErrProtocolViolation)
		}
		if f.Index < 0 {
			return errors.Mark(errors.New("tool call fragment with negative index %d", f.Index), errors.ErrProtocolViolation)
		}
		pc, ok := a.calls[f.Index]
		if !ok {
			pc = &partialCall{}
			a.calls[f.Index] = pc
		}
		if pc.name == "" {
			pc.name = f.Name
		}
		if pc.id == "" {
			pc.id = f.ID
		}
		if f.Arguments != "" {
			if pc.name == "" {
				return errors.Mark(errors.New("argument fragment for tool call index %d which was never opened with a name", f.Index), errors.ErrProtocolViolation)
			}
			pc.args.WriteString(f.Arguments)
		}
	default:
		return errors.Mark(errors.New("unknown stream event kind %q", ev.Kind), errors.ErrProtocolViolation)
	}
	return nil
}

// Reasoning returns the reasoning text received so far.
func (a *Assembler) Reasoning() string { return a.reasoning.String() }

// Content returns the content text received so far.
func (a *Assembler) Content() string { return a.content.String() }

// Finish returns the tool calls in index order. Indexes must form the
// sequence 0..n-1, every call must have a name, and its concatenated
// arguments must be a JSON object or empty. Missing ids are generated.
func (a *Assembler) Finish() ([]session.ToolCall, error) {
	if len(a.calls) == 0 {
		return nil, nil
	}

	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]session.ToolCall, 0, len(indexes))
	for pos, idx := range indexes {
		if idx != pos {
			return nil, errors.Mark(errors.New("tool call index %d is missing", pos), errors.ErrProtocolViolation)
		}
		pc := a.calls[idx]
		if pc.name == "" {
			return nil, errors.Mark(errors.New("tool call at index %d has no name", idx), errors.ErrProtocolViolation)
		}

		args, err := compactArguments(pc.args.String())
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "tool call '%s' has malformed arguments", pc.name), errors.ErrProtocolViolation)
		}

		id := pc.id
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		calls = append(calls, session.ToolCall{ID: id, Name: pc.name, Arguments: args})
	}
	return calls, nil
}

func compactArguments(raw string) (json.RawMessage, error) {
	if strings.TrimSpace(raw) == "" {
		return json.RawMessage("{}"), nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return json.RawMessage("{}"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}

package llm

// EventKind identifies the channel of a streamed event.
type EventKind string

const (
	EventReasoning        EventKind = "reasoning"
	EventContent          EventKind = "content"
	EventToolCallFragment EventKind = "tool_call_fragment"
)

// ToolCallFragment is a partial tool call addressed by its position in the
// response. Name and ID arrive once; Arguments is a substring of the JSON
// argument object and is appended across fragments.
type ToolCallFragment struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Event is one incremental update from a completion stream.
type Event struct {
	Kind     EventKind         `json:"kind"`
	Text     string            `json:"text,omitempty"`
	Fragment *ToolCallFragment `json:"fragment,omitempty"`
}

// Sink receives every event as it arrives, before assembly.
type Sink func(Event)

func contentEvent(text string) Event   { return Event{Kind: EventContent, Text: text} }
func reasoningEvent(text string) Event { return Event{Kind: EventReasoning, Text: text} }

func fragmentEvent(index int, id, name, args string) Event {
	return Event{Kind: EventToolCallFragment, Fragment: &ToolCallFragment{
		Index:     index,
		ID:        id,
		Name:      name,
		Arguments: args,
	}}
}

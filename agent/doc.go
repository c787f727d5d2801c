// Package agent provides the core agent loop for Opengravity.
//
// This package contains the code shared between the interaction modes
// (terminal CLI and ACP server). It owns one conversation session and drives
// it through the model and the tool gateway.
//
// # Architecture
//
//   - Core agent (this package): the Agent type and its turn loop
//   - Terminal subpackage (agent/terminal): the CLI interaction mode
//   - ACP subpackage (agent/acp): the Agent Client Protocol server for IDE integration
//
// # Turn cycle
//
// A turn starts Idle. The user message is appended and persisted, then the
// agent moves to AwaitingModel and streams a reply. If the reply carries tool
// calls the agent moves to AwaitingToolResults, executes every call in order,
// appends one tool message per call and asks the model again. The turn ends
// Idle when the model answers without tool calls, or after MaxToolRounds
// rounds of tool execution, in which case a notice is appended.
//
// Only one turn may be in flight per agent; a second submission fails with
// errors.ErrBusy.
//
// # Usage
//
//	a := agent.New(sess, client, gw, logger)
//	err := a.ProcessUserInput(ctx, "list files", agent.Callbacks{
//	    OnEvent: func(ev llm.Event) {
//	        // render streamed content and reasoning
//	    },
//	    OnToolCall: func(call session.ToolCall) {
//	        // show the call
//	    },
//	    OnToolResult: func(call session.ToolCall, result string) {
//	        // show the result
//	    },
//	})
//
// # Modes
//
//   - ModeAuto: the default policy lets every tool call through
//   - ModePrompt: the default policy asks the user before each call
//
// Approval itself lives in the gateway; the mode is only an input to the
// policy.
//
// # Callbacks
//
// Callbacks let each host render a turn its own way (printing to stdout, or
// sending JSON-RPC notifications) while the turn logic stays in one place.
// Persistence failures are reported through OnWarning and never abort a turn.
package agent

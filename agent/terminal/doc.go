// Package terminal implements the command-line interface (CLI) mode for the Opengravity agent.
//
// This package provides an interactive terminal-based user interface where users can
// communicate with the agent through text prompts and watch responses stream in. It
// handles user input, renders content and reasoning as it arrives, asks for tool
// approval when the policy requires it, and prints tool execution at the chosen
// verbosity.
//
// The terminal package is one of the two main interaction modes for Opengravity:
//   - Terminal mode: Interactive CLI for direct user interaction
//   - ACP mode: JSON-RPC based protocol for IDE integration
//
// # Usage
//
// The Console is shared by the chat loop and the approval prompt, so it is created
// first and handed to the gateway as its Approver:
//
//	console := terminal.NewConsole(os.Stdin, os.Stdout)
//	a := agent.New(sess, client, gw.WithApprover(console), logger)
//	term := terminal.New(a, console, terminal.Options{Tools: gw})
//	err := term.Run(ctx, initialPrompt)
//
// # Commands
//
//   - /quit, /exit: end the session
//   - /save: archive the conversation and start a fresh one
//   - /link <path>: submit a file as context
//   - /tools: list the enabled tools
//
// # Verbosity Levels
//
//   - None: No tool execution information is displayed
//   - Info: Tool names are displayed when called
//   - All: Tool names, arguments, and results are displayed
package terminal

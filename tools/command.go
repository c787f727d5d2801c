package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/opengravity/opengravity/errors"
)

// RunCommandTool runs an allowlisted command in the workspace root.
type RunCommandTool struct {
	root            string
	allowedCommands []string
	logger          *slog.Logger
}

func (t *RunCommandTool) Name() string { return "run_command" }
func (t *RunCommandTool) Description() string {
	if len(t.allowedCommands) == 0 {
		return "Executes a command in the workspace root. No commands are currently allowed."
	}

	var allowedList strings.Builder
	allowedList.WriteString("Allowed command patterns (regular expressions matching the whole command line):\n")
	for _, cmd := range t.allowedCommands {
		fmt.Fprintf(&allowedList, "- %s\n", cmd)
	}
	return "Executes a command in the workspace root.\n" + allowedList.String()
}

func (t *RunCommandTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Command line; arguments are split on whitespace"}},"required":["command"]}`)
}

func (t *RunCommandTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	command, ok := stringArg(args, "command")
	if !ok {
		return "", errors.New("missing or invalid 'command' argument")
	}

	if !isCommandAllowed(command, t.allowedCommands, t.logger) {
		return "", errors.Mark(errors.New("command '%s' is not in the list of allowed commands", command), errors.ErrPermissionDenied)
	}

	// No shell: the command line is split on whitespace.
	parts := strings.Fields(command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = t.root

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", errors.Wrapf(err, "command execution failed. Output:\n%s", string(output))
	}
	return fmt.Sprintf("Command executed successfully. Output:\n%s", string(output)), nil
}

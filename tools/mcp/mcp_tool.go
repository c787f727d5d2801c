package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/opengravity/opengravity/config"
	"github.com/opengravity/opengravity/errors"
	"github.com/opengravity/opengravity/tools"
)

// session is the part of an MCP client session used here.
type session interface {
	ListTools(ctx context.Context, params *mcpsdk.ListToolsParams) (*mcpsdk.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
	Close() error
}

// Client manages the connection to a single MCP server subprocess.
type Client struct {
	Name   string
	cmd    *exec.Cmd
	conn   session
	logger *slog.Logger
}

// NewClient starts the server subprocess and performs the MCP handshake.
// The subprocess inherits the parent environment overlaid with server.Env.
func NewClient(ctx context.Context, server config.MCPServer, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.Command(server.Command, server.Args...)
	cmd.Env = MergeEnv(os.Environ(), server.Env)
	// stderr is not part of the protocol; it only goes to the log.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to open stderr of MCP server '%s'", server.Name), errors.ErrTransport)
	}

	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "opengravity", Version: "v1.0.0"}, nil)
	conn, err := mcpClient.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if cmd.Process != nil {
		go drainStderr(stderr, logger.With("server", server.Name))
	} else {
		stderr.Close()
	}
	if err != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, errors.Mark(errors.Wrapf(err, "failed to connect to MCP server '%s'", server.Name), errors.ErrTransport)
	}

	logger.Info("connected to MCP server", "server", server.Name, "command", server.Command)
	return &Client{Name: server.Name, cmd: cmd, conn: conn, logger: logger}, nil
}

// drainStderr logs the subprocess stderr line by line at debug level.
func drainStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Debug("MCP server stderr", "line", scanner.Text())
	}
}

// ListTools pages through the server's tool list.
func (c *Client) ListTools(ctx context.Context) ([]tools.Descriptor, error) {
	var descriptors []tools.Descriptor
	params := &mcpsdk.ListToolsParams{}
	for {
		toolList, err := c.conn.ListTools(ctx, params)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "failed to list tools from MCP server '%s'", c.Name), errors.ErrTransport)
		}

		for _, t := range toolList.Tools {
			d := tools.Descriptor{ServerID: c.Name, Name: t.Name, Description: t.Description}
			if t.InputSchema != nil {
				schema, err := json.Marshal(t.InputSchema)
				if err != nil {
					c.logger.Warn("dropping unencodable tool schema", "server", c.Name, "tool", t.Name, "error", err)
				} else {
					d.Schema = schema
				}
			}
			descriptors = append(descriptors, d)
		}

		if toolList.NextCursor == "" {
			break
		}
		params.Cursor = toolList.NextCursor
	}
	c.logger.Debug("listed MCP tools", "server", c.Name, "count", len(descriptors))
	return descriptors, nil
}

// CallTool invokes a tool by its unqualified name and renders the result as
// text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	result, err := c.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "failed to call tool '%s' on MCP server '%s'", name, c.Name), errors.ErrTransport)
	}
	return FormatResult(result), nil
}

// Close ends the session and terminates the subprocess.
func (c *Client) Close() error {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.logger.Info("terminating MCP server", "server", c.Name)
		if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	return nil
}

// FormatResult concatenates text content and JSON-encodes anything else.
// Error results are prefixed with "Error: ".
func FormatResult(result *mcpsdk.CallToolResult) string {
	if result == nil {
		return ""
	}
	var out strings.Builder
	for _, content := range result.Content {
		if text, ok := content.(*mcpsdk.TextContent); ok {
			out.WriteString(text.Text)
			continue
		}
		encoded, err := json.Marshal(content)
		if err != nil {
			continue
		}
		out.Write(encoded)
	}
	if result.IsError {
		return "Error: " + out.String()
	}
	return out.String()
}

// MergeEnv overlays overrides on a KEY=VALUE environment. Entries without
// "=" are dropped and the result is sorted by key.
func MergeEnv(parent []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(parent)+len(overrides))
	for _, kv := range parent {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		merged[key] = value
	}
	for k, v := range overrides {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/opengravity/opengravity/config"
	"github.com/opengravity/opengravity/errors"
)

// ServerID is the name under which the built-in tools are exposed.
const ServerID = "workspace"

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Registry holds the built-in tools and serves them as an in-process tool
// server.
type Registry struct {
	tools  map[string]Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates a registry with the default workspace tools rooted at
// cfg.Workspace.
func NewRegistry(cfg *config.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{tools: make(map[string]Tool), logger: logger}

	ws := &workspace{root: cfg.Workspace, access: cfg.FilesystemAccess}
	r.Register(&ReadFileTool{ws: ws})
	r.Register(&WriteFileTool{ws: ws})
	r.Register(&ListDirTool{ws: ws})
	r.Register(&RunCommandTool{root: cfg.Workspace, allowedCommands: cfg.AllowedCommands, logger: logger})
	return r
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	if _, ok := r.tools[t.Name()]; !ok {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

func (r *Registry) GetTool(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// ListTools returns descriptors in registration order.
func (r *Registry) ListTools(ctx context.Context) ([]Descriptor, error) {
	descriptors := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		descriptors = append(descriptors, Descriptor{
			ServerID:    ServerID,
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return descriptors, nil
}

// CallTool runs the named tool. Tool failures are returned as errors so the
// caller can render them for the model.
func (r *Registry) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	t, ok := r.GetTool(name)
	if !ok {
		return "", errors.New("unknown tool '%s'", name)
	}
	r.logger.Debug("running built-in tool", "tool", name)
	return t.Execute(ctx, args)
}

// Close is a no-op; built-in tools hold no resources.
func (r *Registry) Close() error { return nil }

// workspace resolves tool paths against the workspace root and applies the
// configured access globs.
type workspace struct {
	root   string
	access config.FilesystemAccess
}

// resolve returns the absolute path and the slash-separated path relative to
// the root. Paths escaping the root are rejected.
func (w *workspace) resolve(path string) (string, string, error) {
	if path == "" {
		return "", "", errors.New("path must not be empty")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(w.root, path)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(filepath.Clean(w.root), abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", errors.Mark(errors.New("access denied: path '%s' is outside the workspace", path), errors.ErrPermissionDenied)
	}
	return abs, filepath.ToSlash(rel), nil
}

func (w *workspace) checkHidden(rel string) error {
	hidden, err := isPathRestricted(rel, w.access.Hidden)
	if err != nil {
		return err
	}
	if hidden {
		return errors.Mark(errors.New("access denied: path '%s' is hidden", rel), errors.ErrPermissionDenied)
	}
	return nil
}

func (w *workspace) checkWritable(rel string) error {
	if err := w.checkHidden(rel); err != nil {
		return err
	}
	readOnly, err := isPathRestricted(rel, w.access.ReadOnly)
	if err != nil {
		return err
	}
	if readOnly {
		return errors.Mark(errors.New("access denied: path '%s' is read-only", rel), errors.ErrPermissionDenied)
	}
	return nil
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.Match(pattern, path)
		if err != nil {
			return false, fmt.Errorf("invalid glob pattern '%s': %w", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist. Each pattern is a
// regular expression that must match the whole command line.
func isCommandAllowed(command string, allowed []string, logger *slog.Logger) bool {
	if len(strings.Fields(command)) == 0 {
		return false
	}

	for _, pattern := range allowed {
		re, err := regexp.Compile(`^(?:` + pattern + `)$`)
		if err != nil {
			logger.Warn("invalid regex in allowed_commands", "pattern", pattern, "error", err)
			// Fall back to an exact comparison.
			if command == pattern {
				return true
			}
			continue
		}
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

func stringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

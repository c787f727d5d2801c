package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/opengravity/opengravity/errors"
)

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct {
	ws *workspace
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Reads the entire content of a file in the workspace."
}

func (t *ReadFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Path relative to the workspace root"}},"required":["path"]}`)
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	p, ok := stringArg(args, "path")
	if !ok {
		return "", errors.New("missing or invalid 'path' argument")
	}
	abs, rel, err := t.ws.resolve(p)
	if err != nil {
		return "", err
	}
	if err := t.ws.checkHidden(rel); err != nil {
		return "", err
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", p)
	}
	return string(content), nil
}

// WriteFileTool implements the tool for writing to a file.
type WriteFileTool struct {
	ws *workspace
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file in the workspace, creating parent directories and replacing any existing content."
}

func (t *WriteFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Path relative to the workspace root"},"content":{"type":"string"}},"required":["path","content"]}`)
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	p, pathOk := stringArg(args, "path")
	content, contentOk := stringArg(args, "content")
	if !pathOk || !contentOk {
		return "", errors.New("missing or invalid 'path' or 'content' arguments")
	}
	abs, rel, err := t.ws.resolve(p)
	if err != nil {
		return "", err
	}
	if err := t.ws.checkWritable(rel); err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create parent directory for '%s'", p)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", p)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), rel), nil
}

// ListDirTool lists the entries of a workspace directory as a JSON array.
// Directories carry a trailing slash; hidden entries are omitted.
type ListDirTool struct {
	ws *workspace
}

func (t *ListDirTool) Name() string { return "list_dir" }
func (t *ListDirTool) Description() string {
	return "Lists the entries of a directory in the workspace. Directories end with '/'."
}

func (t *ListDirTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory relative to the workspace root; defaults to the root"}}}`)
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	p, ok := stringArg(args, "path")
	if !ok || p == "" {
		p = "."
	}
	abs, rel, err := t.ws.resolve(p)
	if err != nil {
		return "", err
	}
	if rel != "." {
		if err := t.ws.checkHidden(rel); err != nil {
			return "", err
		}
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", errors.Wrapf(err, "failed to list directory '%s'", p)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		entryRel := e.Name()
		if rel != "." {
			entryRel = path.Join(rel, e.Name())
		}
		if hidden, _ := isPathRestricted(entryRel, t.ws.access.Hidden); hidden {
			continue
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	out, err := json.Marshal(names)
	if err != nil {
		return "", errors.Wrapf(err, "failed to encode listing")
	}
	return string(out), nil
}

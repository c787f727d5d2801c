package session

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/opengravity/opengravity/errors"
)

// Archive formats.
const (
	FormatMarkdown = "md"
	FormatHTML     = "html"
)

// Transcript renders messages as a human readable markdown document with one
// role-labelled section per message.
func Transcript(messages []Message) string {
	var b strings.Builder
	b.WriteString("# Opengravity Chat Archive\n\n")
	for _, m := range messages {
		fmt.Fprintf(&b, "### [%s]\n", strings.ToUpper(string(m.Role)))
		if m.Role == RoleTool && m.ToolCallID != "" {
			fmt.Fprintf(&b, "_result for `%s`_\n\n", m.ToolCallID)
		}
		if m.Reasoning != "" {
			for _, line := range strings.Split(m.Reasoning, "\n") {
				fmt.Fprintf(&b, "> %s\n", line)
			}
			b.WriteString("\n")
		}
		if m.Content != "" {
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "\n- call `%s` (%s): `%s`\n", tc.Name, tc.ID, string(tc.Arguments))
		}
		b.WriteString("\n---\n\n")
	}
	return b.String()
}

// Archive writes the transcript into dir as a timestamped file, then clears
// the session and removes its persistence file. It returns the archive path,
// or "" when there was nothing to archive.
func (s *Session) Archive(dir, format string, now time.Time) (string, error) {
	messages := s.Messages()
	if len(messages) == 0 {
		return "", nil
	}

	doc := []byte(Transcript(messages))
	ext := FormatMarkdown
	if format == FormatHTML {
		var buf bytes.Buffer
		buf.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>Opengravity Chat Archive</title></head><body>\n")
		if err := goldmark.Convert(doc, &buf); err != nil {
			return "", errors.Wrapf(err, "failed to render archive")
		}
		buf.WriteString("</body></html>\n")
		doc = buf.Bytes()
		ext = FormatHTML
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Mark(errors.Wrapf(err, "could not create archive directory"), errors.ErrPersistence)
	}
	path := filepath.Join(dir, fmt.Sprintf("chat_archive_%d.%s", now.UnixMilli(), ext))
	if err := os.WriteFile(path, doc, 0644); err != nil {
		return "", errors.Mark(errors.Wrapf(err, "could not write archive %s", path), errors.ErrPersistence)
	}
	s.logger.Info("session archived", "archive", path, "messages", len(messages))

	if err := s.Clear(); err != nil {
		return path, err
	}
	return path, nil
}

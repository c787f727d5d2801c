package session

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/opengravity/opengravity/errors"
)

// Session is the ordered message log of one conversation together with the
// file it is persisted to.
type Session struct {
	Name string

	mu       sync.Mutex
	messages []Message
	path     string
	logger   *slog.Logger
}

// Path returns the default persistence file for a named session inside a
// workspace.
func Path(workspace, name string) string {
	if name == "" {
		name = "default"
	}
	return filepath.Join(workspace, ".opengravity", "sessions", name+".json")
}

// New creates an empty session persisted at path. Nothing is written until
// Save is called.
func New(path string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		Name:     sessionName(path),
		messages: []Message{},
		path:     path,
		logger:   logger,
	}
}

// Load restores a session from path. A missing file yields an empty session;
// an unreadable or corrupt file is logged and also yields an empty session.
func Load(path string, logger *slog.Logger) *Session {
	s := New(path, logger)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("could not read session file, starting empty", "path", path, "error", err)
		}
		return s
	}

	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		s.logger.Warn("corrupt session file, starting empty", "path", path, "error", err)
		return s
	}
	if messages == nil {
		messages = []Message{}
	}
	s.messages = messages
	s.logger.Debug("session restored", "path", path, "messages", len(messages))
	return s
}

// FilePath returns the persistence location.
func (s *Session) FilePath() string { return s.path }

// Save writes the full message array to disk, replacing the previous
// snapshot atomically.
func (s *Session) Save() error {
	// No indentation: tool call arguments are raw JSON and must come back
	// byte-for-byte.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	s.mu.Lock()
	err := enc.Encode(s.messages)
	s.mu.Unlock()
	data := buf.Bytes()
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to serialize session"), errors.ErrPersistence)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return errors.Mark(errors.Wrapf(err, "could not create session directory"), errors.ErrPersistence)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "could not create temp session file"), errors.ErrPersistence)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Mark(errors.Wrapf(err, "could not write session file"), errors.ErrPersistence)
	}
	if err := tmp.Close(); err != nil {
		return errors.Mark(errors.Wrapf(err, "could not write session file"), errors.ErrPersistence)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return errors.Mark(errors.Wrapf(err, "could not replace session file %s", s.path), errors.ErrPersistence)
	}
	return nil
}

// AddMessage appends a message to the session history.
func (s *Session) AddMessage(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

// EnsureSystemPrompt inserts the system message when the history is empty.
// It reports whether a message was added.
func (s *Session) EnsureSystemPrompt(prompt string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) > 0 {
		return false
	}
	s.messages = append(s.messages, Message{Role: RoleSystem, Content: prompt})
	return true
}

// Messages returns a copy of the history.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages in the history.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Clear empties the in-memory history and removes the persistence file.
func (s *Session) Clear() error {
	s.mu.Lock()
	s.messages = []Message{}
	s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Mark(errors.Wrapf(err, "could not remove session file %s", s.path), errors.ErrPersistence)
	}
	return nil
}

func sessionName(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

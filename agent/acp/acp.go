package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/opengravity/opengravity/agent"
	"github.com/opengravity/opengravity/config"
	"github.com/opengravity/opengravity/errors"
	"github.com/opengravity/opengravity/gateway"
	"github.com/opengravity/opengravity/llm"
	"github.com/opengravity/opengravity/session"
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeBusy           = -32000
)

// AgentFactory builds the agent serving one ACP session. Tool approvals for
// that session must be routed through approver.
type AgentFactory func(sess *session.Session, approver gateway.Approver) *agent.Agent

// Options configures the ACP server.
type Options struct {
	// Workspace is where session files are kept.
	Workspace string
	NewAgent  AgentFactory
	Logger    *slog.Logger
}

// Run serves the Agent Client Protocol over newline-delimited JSON-RPC until
// in is exhausted or ctx is cancelled. It implements:
//   - initialize
//   - session/new
//   - session/load (replays the stored history as session/update notifications)
//   - session/prompt (streams agent_message_chunk, agent_thought_chunk,
//     tool_call and tool_call_update notifications)
//   - session/cancel
//
// Tool approvals are sent to the client as session/request_permission
// requests. Prompts run off the read loop so the client's answers can be
// delivered while a turn is waiting on them. Nothing but JSON-RPC messages
// is ever written to out.
func Run(ctx context.Context, in io.Reader, out io.Writer, opts Options) error {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)

	s := &acpServer{
		ctx:      ctx,
		opts:     opts,
		logger:   opts.Logger,
		reader:   bufio.NewReader(in),
		writer:   bufio.NewWriter(out),
		sessions: make(map[string]*acpSession),
		pending:  make(map[string]chan *jsonrpcMessage),
	}
	// Running prompts are cancelled, then awaited.
	defer s.prompts.Wait()
	defer cancel()

	s.trace("starting ACP server")
	for {
		payload, err := s.readFramedMessage()
		if err != nil {
			if err == io.EOF {
				s.trace("EOF received, exiting")
				return nil
			}
			return errors.Mark(errors.Wrapf(err, "ACP: read error"), errors.ErrTransport)
		}
		if len(payload) == 0 {
			continue
		}

		var msg jsonrpcMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.trace("JSON parse error", "error", err)
			_ = s.writeResponseError(nil, codeParseError, "Parse error", nil)
			continue
		}

		if msg.Method == "" {
			s.deliver(&msg)
			continue
		}

		s.trace("dispatching", "method", msg.Method, "id", string(msg.ID))
		switch msg.Method {
		case "initialize":
			s.handleInitialize(&msg)
		case "session/new":
			s.handleSessionNew(&msg)
		case "session/load":
			s.handleSessionLoad(&msg)
		case "session/prompt":
			s.handleSessionPrompt(&msg)
		case "session/cancel":
			s.handleSessionCancel(&msg)
		default:
			if msg.ID != nil {
				_ = s.writeResponseError(msg.ID, codeMethodNotFound, "Method not found", nil)
			}
		}
	}
}

// ---- JSON-RPC types ----

// jsonrpcMessage is any JSON-RPC 2.0 message: a request, a notification or
// a response. IDs are kept raw so they are echoed back unchanged.
type jsonrpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

// jsonrpcError represents a JSON-RPC 2.0 error object
type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ---- acpServer ----

type acpSession struct {
	id       string
	agent    *agent.Agent
	approver *permissionApprover

	// cancel is set while a prompt is running.
	mu     sync.Mutex
	cancel context.CancelFunc
}

type acpServer struct {
	ctx    context.Context
	opts   Options
	logger *slog.Logger

	reader    *bufio.Reader
	writer    *bufio.Writer
	writeLock sync.Mutex

	sessionsLock sync.Mutex
	sessions     map[string]*acpSession

	pendingLock sync.Mutex
	pending     map[string]chan *jsonrpcMessage
	nextID      int64

	prompts sync.WaitGroup
}

func (s *acpServer) trace(msg string, args ...any) {
	s.logger.Log(s.ctx, config.LevelTrace, "acp: "+msg, args...)
}

// readFramedMessage reads one newline-delimited JSON-RPC payload.
func (s *acpServer) readFramedMessage() ([]byte, error) {
	line, err := s.reader.ReadBytes('\n')
	if err != nil && (err != io.EOF || len(line) == 0) {
		return nil, err
	}
	return []byte(strings.TrimSpace(string(line))), nil
}

// writeFramedJSON serializes obj and writes it as one line.
func (s *acpServer) writeFramedJSON(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	s.trace("sending", "message", string(data))

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if _, err := s.writer.Write(data); err != nil {
		return err
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *acpServer) writeResponseOK(id json.RawMessage, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return s.writeResponseError(id, codeInternalError, "Internal error", err.Error())
	}
	return s.writeFramedJSON(jsonrpcMessage{JSONRPC: "2.0", ID: id, Result: raw})
}

func (s *acpServer) writeResponseError(id json.RawMessage, code int, msg string, data any) error {
	if id == nil {
		id = json.RawMessage("null")
	}
	return s.writeFramedJSON(jsonrpcMessage{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: msg, Data: data},
	})
}

func (s *acpServer) writeNotification(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize %s params", method)
	}
	return s.writeFramedJSON(jsonrpcMessage{JSONRPC: "2.0", Method: method, Params: raw})
}

// call sends a request to the client and waits for its response.
func (s *acpServer) call(ctx context.Context, method string, params any) (*jsonrpcMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize %s params", method)
	}

	s.pendingLock.Lock()
	s.nextID++
	id := json.RawMessage(fmt.Sprintf("%d", s.nextID))
	ch := make(chan *jsonrpcMessage, 1)
	s.pending[string(id)] = ch
	s.pendingLock.Unlock()
	defer func() {
		s.pendingLock.Lock()
		delete(s.pending, string(id))
		s.pendingLock.Unlock()
	}()

	if err := s.writeFramedJSON(jsonrpcMessage{JSONRPC: "2.0", ID: id, Method: method, Params: raw}); err != nil {
		return nil, errors.Mark(err, errors.ErrTransport)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, errors.New("%s failed: %s", method, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliver routes a client response to the request waiting for it.
func (s *acpServer) deliver(msg *jsonrpcMessage) {
	s.pendingLock.Lock()
	ch, ok := s.pending[string(msg.ID)]
	s.pendingLock.Unlock()
	if !ok {
		s.logger.Warn("acp: response for unknown request", "id", string(msg.ID))
		return
	}
	select {
	case ch <- msg:
	default:
		s.logger.Warn("acp: duplicate response", "id", string(msg.ID))
	}
}

func decodeParams(msg *jsonrpcMessage, v any) error {
	if len(msg.Params) == 0 {
		return nil
	}
	return json.Unmarshal(msg.Params, v)
}

// ---- Handlers ----

// handleInitialize returns the protocol version and agent capabilities.
func (s *acpServer) handleInitialize(req *jsonrpcMessage) {
	_ = s.writeResponseOK(req.ID, map[string]any{
		"protocolVersion": 1,
		"agentCapabilities": map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           false,
			},
		},
		"authMethods": []any{},
	})
}

type sessionParams struct {
	SessionID  string          `json:"sessionId"`
	Cwd        string          `json:"cwd"`
	McpServers json.RawMessage `json:"mcpServers"`
}

// handleSessionNew creates an empty session with a fresh ID.
func (s *acpServer) handleSessionNew(req *jsonrpcMessage) {
	var p sessionParams
	if err := decodeParams(req, &p); err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	s.logIgnoredParams(p)

	sid := "sess_" + uuid.NewString()
	sess := session.New(session.Path(s.opts.Workspace, sid), s.logger)
	s.register(sid, sess)
	s.logger.Info("acp: session created", "session", sid)
	_ = s.writeResponseOK(req.ID, map[string]any{"sessionId": sid})
}

// handleSessionLoad restores a stored session and replays its history.
func (s *acpServer) handleSessionLoad(req *jsonrpcMessage) {
	var p sessionParams
	if err := decodeParams(req, &p); err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	s.logIgnoredParams(p)
	if p.SessionID == "" || filepath.Base(p.SessionID) != p.SessionID || strings.HasPrefix(p.SessionID, ".") {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", "invalid sessionId")
		return
	}

	var sess *session.Session
	if existing, ok := s.lookupSession(p.SessionID); ok {
		// A registered session keeps its agent so that turns stay serialized
		// and session/cancel still reaches them.
		if existing.running() {
			_ = s.writeResponseError(req.ID, codeBusy, "Session busy", "a prompt is running in this session")
			return
		}
		sess = existing.agent.Session()
	} else {
		path := session.Path(s.opts.Workspace, p.SessionID)
		if _, err := os.Stat(path); err != nil {
			_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", fmt.Sprintf("session not found: %s", p.SessionID))
			return
		}
		sess = session.Load(path, s.logger)
		s.register(p.SessionID, sess)
	}

	s.trace("replaying session", "session", p.SessionID, "messages", sess.Len())
	for _, msg := range sess.Messages() {
		switch msg.Role {
		case session.RoleUser:
			_ = s.sendUpdate(p.SessionID, textUpdate("user_message_chunk", msg.Content))
		case session.RoleAssistant:
			if msg.Reasoning != "" {
				_ = s.sendUpdate(p.SessionID, textUpdate("agent_thought_chunk", msg.Reasoning))
			}
			if msg.Content != "" {
				_ = s.sendUpdate(p.SessionID, textUpdate("agent_message_chunk", msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				_ = s.sendUpdate(p.SessionID, toolCallUpdate(tc))
			}
		case session.RoleTool:
			_ = s.sendUpdate(p.SessionID, toolResultUpdate(msg.ToolCallID, msg.Content))
		}
	}
	_ = s.writeResponseOK(req.ID, nil)
}

func (s *acpServer) logIgnoredParams(p sessionParams) {
	if p.Cwd != "" && p.Cwd != s.opts.Workspace {
		s.logger.Debug("acp: ignoring client cwd", "cwd", p.Cwd, "workspace", s.opts.Workspace)
	}
	if len(p.McpServers) > 0 && string(p.McpServers) != "[]" && string(p.McpServers) != "null" {
		s.logger.Debug("acp: ignoring client mcpServers; configure them in mcp_config.json")
	}
}

func (s *acpServer) register(sid string, sess *session.Session) {
	approver := &permissionApprover{server: s, sessionID: sid}
	a := s.opts.NewAgent(sess, approver)
	s.sessionsLock.Lock()
	s.sessions[sid] = &acpSession{id: sid, agent: a, approver: approver}
	s.sessionsLock.Unlock()
}

func (sess *acpSession) running() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.cancel != nil || sess.agent.Busy()
}

func (s *acpServer) lookupSession(sid string) (*acpSession, bool) {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()
	sess, ok := s.sessions[sid]
	return sess, ok
}

// contentBlock is a block of an ACP prompt. Only text and resource_link
// blocks are understood.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// ResourceLink fields
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

// handleSessionPrompt starts a turn in the background and answers the
// request with a stop reason once the turn is over.
func (s *acpServer) handleSessionPrompt(req *jsonrpcMessage) {
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if err := decodeParams(req, &p); err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	sess, ok := s.lookupSession(p.SessionID)
	if !ok {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", "unknown sessionId")
		return
	}
	sess.mu.Lock()
	if sess.cancel != nil || sess.agent.Busy() {
		sess.mu.Unlock()
		_ = s.writeResponseError(req.ID, codeBusy, "Session busy", "a prompt is already running in this session")
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	sess.cancel = cancel
	sess.mu.Unlock()

	userText := extractUserText(p.Prompt)
	s.prompts.Add(1)
	go func() {
		defer s.prompts.Done()
		defer cancel()
		s.runPrompt(ctx, req.ID, sess, userText)
	}()
}

func (s *acpServer) runPrompt(ctx context.Context, id json.RawMessage, sess *acpSession, userText string) {
	sid := sess.id
	callbacks := agent.Callbacks{
		OnEvent: func(ev llm.Event) {
			switch ev.Kind {
			case llm.EventContent:
				_ = s.sendUpdate(sid, textUpdate("agent_message_chunk", ev.Text))
			case llm.EventReasoning:
				_ = s.sendUpdate(sid, textUpdate("agent_thought_chunk", ev.Text))
			}
		},
		OnToolCall: func(call session.ToolCall) {
			sess.approver.setCurrent(call)
			_ = s.sendUpdate(sid, toolCallUpdate(call))
		},
		OnToolResult: func(call session.ToolCall, result string) {
			_ = s.sendUpdate(sid, toolResultUpdate(call.ID, result))
		},
		OnWarning: func(warning string) {
			s.logger.Warn("acp: "+warning, "session", sid)
		},
	}

	err := sess.agent.ProcessUserInput(ctx, userText, callbacks)
	sess.mu.Lock()
	sess.cancel = nil
	sess.mu.Unlock()
	switch {
	case errors.Is(err, errors.ErrBusy):
		_ = s.writeResponseError(id, codeBusy, "Session busy", err.Error())
	case err != nil:
		_ = s.writeResponseError(id, codeInternalError, "Internal error", err.Error())
	case ctx.Err() != nil:
		_ = s.writeResponseOK(id, map[string]any{"stopReason": "cancelled"})
	default:
		_ = s.writeResponseOK(id, map[string]any{"stopReason": "end_turn"})
	}
}

// handleSessionCancel aborts the running prompt of a session.
func (s *acpServer) handleSessionCancel(req *jsonrpcMessage) {
	var p sessionParams
	if err := decodeParams(req, &p); err != nil {
		return
	}
	sess, ok := s.lookupSession(p.SessionID)
	if !ok {
		return
	}
	sess.mu.Lock()
	cancel := sess.cancel
	sess.mu.Unlock()
	if cancel != nil {
		s.logger.Info("acp: cancelling prompt", "session", p.SessionID)
		cancel()
	}
}

// ---- session/update payloads ----

func (s *acpServer) sendUpdate(sessionID string, update map[string]any) error {
	return s.writeNotification("session/update", map[string]any{
		"sessionId": sessionID,
		"update":    update,
	})
}

func textUpdate(kind, text string) map[string]any {
	return map[string]any{
		"sessionUpdate": kind,
		"content": map[string]any{
			"type": "text",
			"text": text,
		},
	}
}

func toolCallUpdate(call session.ToolCall) map[string]any {
	update := map[string]any{
		"sessionUpdate": "tool_call",
		"toolCallId":    call.ID,
		"title":         call.Name,
		"kind":          "other",
		"status":        "pending",
	}
	if len(call.Arguments) > 0 {
		update["rawInput"] = call.Arguments
	}
	return update
}

func toolResultUpdate(toolCallID, result string) map[string]any {
	status := "completed"
	if strings.HasPrefix(result, "Error: ") {
		status = "failed"
	}
	return map[string]any{
		"sessionUpdate": "tool_call_update",
		"toolCallId":    toolCallID,
		"status":        status,
		"content": []any{map[string]any{
			"type": "content",
			"content": map[string]any{
				"type": "text",
				"text": result,
			},
		}},
	}
}

// ---- permission requests ----

// permissionApprover asks the ACP client to approve tool calls of one
// session.
type permissionApprover struct {
	server    *acpServer
	sessionID string

	mu      sync.Mutex
	current session.ToolCall
}

func (p *permissionApprover) setCurrent(call session.ToolCall) {
	p.mu.Lock()
	p.current = call
	p.mu.Unlock()
}

// permissionOption maps a gateway option to an ACP permission option.
func permissionOption(name string) map[string]any {
	kind := "reject_once"
	switch name {
	case gateway.OptionAllow:
		kind = "allow_once"
	case gateway.OptionAlwaysAllow:
		kind = "allow_always"
	}
	return map[string]any{
		"optionId": optionID(name),
		"name":     name,
		"kind":     kind,
	}
}

func optionID(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", "_"))
}

func (p *permissionApprover) Confirm(ctx context.Context, message string, options []string) (string, error) {
	p.mu.Lock()
	call := p.current
	p.mu.Unlock()

	acpOptions := make([]map[string]any, 0, len(options))
	for _, o := range options {
		acpOptions = append(acpOptions, permissionOption(o))
	}
	toolCall := map[string]any{
		"toolCallId": call.ID,
		"title":      message,
	}
	if len(call.Arguments) > 0 {
		toolCall["rawInput"] = call.Arguments
	}

	resp, err := p.server.call(ctx, "session/request_permission", map[string]any{
		"sessionId": p.sessionID,
		"toolCall":  toolCall,
		"options":   acpOptions,
	})
	if err != nil {
		return "", err
	}

	var result struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", errors.Mark(errors.Wrapf(err, "malformed permission response"), errors.ErrProtocolViolation)
	}
	if result.Outcome.Outcome != "selected" {
		return gateway.OptionDeny, nil
	}
	for _, o := range options {
		if optionID(o) == result.Outcome.OptionID {
			return o, nil
		}
	}
	return gateway.OptionDeny, nil
}

// ---- prompt content ----

// readFileFromURI reads the file behind a file:// URI.
func readFileFromURI(uri string) (string, error) {
	parsedURL, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URI")
	}
	if parsedURL.Scheme != "file" {
		return "", errors.New("unsupported URI scheme: %s", parsedURL.Scheme)
	}
	content, err := os.ReadFile(parsedURL.Path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file")
	}
	return string(content), nil
}

// maxLinkedContent bounds the inline contents of a linked resource.
const maxLinkedContent = 50000

// extractUserText creates a single string from all content blocks
func extractUserText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource_link":
			var info strings.Builder
			fmt.Fprintf(&info, "[CONTEXT_LINK: `%s`]\n", b.Name)
			if b.Title != "" {
				fmt.Fprintf(&info, "Title: %s\n", b.Title)
			}
			if b.Description != "" {
				fmt.Fprintf(&info, "Description: %s\n", b.Description)
			}
			fmt.Fprintf(&info, "URI: %s\n", b.URI)
			if b.MimeType != "" {
				fmt.Fprintf(&info, "Type: %s\n", b.MimeType)
			}
			if b.Size != nil {
				fmt.Fprintf(&info, "Size: %d bytes\n", *b.Size)
			}

			if strings.HasPrefix(b.URI, "file://") {
				content, err := readFileFromURI(b.URI)
				if err != nil {
					fmt.Fprintf(&info, "\n[Error reading file: %v]\n", err)
				} else {
					if len(content) > maxLinkedContent {
						content = content[:maxLinkedContent] + "\n\n[... truncated to 50KB ...]"
					}
					fmt.Fprintf(&info, "Contents:\n```\n%s\n```\n", content)
				}
			} else {
				info.WriteString("\n[External resource - content not available]\n")
			}
			parts = append(parts, info.String())
		}
	}
	return strings.Join(parts, "\n")
}

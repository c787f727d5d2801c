package tools

import (
	"encoding/json"
	"strings"
)

// Separator joins a server id and a tool name into the flat namespace shown
// to the model.
const Separator = "__"

// Descriptor describes one tool discovered from a tool server.
type Descriptor struct {
	ServerID    string          `json:"server_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// QualifiedName returns "<server>__<tool>".
func (d Descriptor) QualifiedName() string {
	return QualifiedName(d.ServerID, d.Name)
}

// ParameterSchema returns the declared schema, or an empty object schema when
// the server declared none.
func (d Descriptor) ParameterSchema() json.RawMessage {
	if len(d.Schema) == 0 || string(d.Schema) == "null" {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return d.Schema
}

// QualifiedName joins server and tool with Separator.
func QualifiedName(server, tool string) string {
	return server + Separator + tool
}

// SplitQualifiedName splits on the first Separator. ok is false when the
// separator is missing or either side is empty.
func SplitQualifiedName(qualified string) (server, tool string, ok bool) {
	server, tool, found := strings.Cut(qualified, Separator)
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// Package mcp implements the client side of the Model Context Protocol: a
// JSON-RPC 2.0 request/response/notification protocol spoken with external
// plugin processes over a pluggable Transport. The package provides the wire
// types, two transport implementations (subprocess stdio and HTTP), and a
// Client that performs the capability handshake, correlates responses to
// outstanding requests and exposes typed protocol operations.
package mcp

import "encoding/json"

// ProtocolVersion is the MCP revision this client implements. Servers
// answering with a different version are tolerated with a logged warning;
// see Client.Initialize.
const ProtocolVersion = "2024-11-05"

// ClientName identifies this client in the initialize handshake.
const ClientName = "toolmesh"

// ClientVersion is reported to servers in the initialize handshake.
const ClientVersion = "0.1.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Protocol method names.
const (
	MethodInitialize       = "initialize"
	MethodToolsList        = "tools/list"
	MethodToolsCall        = "tools/call"
	MethodResourcesList    = "resources/list"
	MethodPromptsList      = "prompts/list"
	MethodPing             = "ping"
	NotifInitialized       = "notifications/initialized"
	NotifToolsListChanged  = "notifications/tools/list_changed"
	NotifPromptListChanged = "notifications/prompts/list_changed"
)

// Message is the generic JSON-RPC 2.0 envelope. A request has ID and Method,
// a response has ID and exactly one of Result or Error, and a notification
// has Method but no ID. Fields not applicable to a given shape stay nil so
// they are omitted on the wire.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// IsResponse reports whether the message is a response to an earlier request.
func (m *Message) IsResponse() bool { return m.ID != nil && m.Method == "" }

// IsNotification reports whether the message is a server-initiated
// notification (method present, no id).
func (m *Message) IsNotification() bool { return m.ID == nil && m.Method != "" }

// IsRequest reports whether the message is a server-initiated request.
func (m *Message) IsRequest() bool { return m.ID != nil && m.Method != "" }

// ErrorObject is the JSON-RPC 2.0 error member of a response.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// newRequest builds a request envelope with marshaled params. A marshal
// failure here means a programming error in the typed params structs, so it
// is returned rather than panicking.
func newRequest(id int64, method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: "2.0", ID: &id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		msg.Params = raw
	}
	return msg, nil
}

// newNotification builds a notification envelope (no id).
func newNotification(method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		msg.Params = raw
	}
	return msg, nil
}

// InitializeParams is sent by the client as the first message of the
// handshake.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// ClientCapabilities declares the optional protocol features this client
// supports. Empty objects are valid: the base protocol needs no opt-ins.
type ClientCapabilities struct {
	Sampling     map[string]any `json:"sampling,omitempty"`
	Experimental map[string]any `json:"experimental,omitempty"`
}

// Implementation names a protocol participant (client or server).
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server's half of the handshake.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
}

// ServerCapabilities declares which protocol features the server implements.
// The client checks these before using optional primitives.
type ServerCapabilities struct {
	Tools     *ToolCapability     `json:"tools,omitempty"`
	Resources *ResourceCapability `json:"resources,omitempty"`
	Prompts   *PromptCapability   `json:"prompts,omitempty"`
	Logging   map[string]any      `json:"logging,omitempty"`
}

// ToolCapability describes the server's tool support.
type ToolCapability struct {
	// ListChanged indicates the server pushes tools/list_changed
	// notifications, letting the client re-discover without polling.
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourceCapability describes the server's resource support.
type ResourceCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptCapability describes the server's prompt template support.
type PromptCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolDefinition is one tool as described by the server in tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ListToolsParams carries the pagination cursor for tools/list.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult is one page of tools/list. A non-empty NextCursor means
// more pages remain and the caller must loop.
type ListToolsResult struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// CallToolParams invokes a named tool with opaque structured arguments.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult is the outcome of tools/call. IsError true signals an
// execution-level failure: the tool ran and reported an error, which is
// distinct from a protocol-level JSON-RPC error response.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text concatenates the text of all content blocks, joined by newlines.
func (r *CallToolResult) Text() string {
	var out string
	for i, c := range r.Content {
		if c.Type != "text" {
			continue
		}
		if i > 0 && out != "" {
			out += "\n"
		}
		out += c.Text
	}
	return out
}

// ContentBlock is one element of a tool result. Only text blocks are
// interpreted by this client; other types are carried through untouched.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ResourceDefinition is one resource as described by resources/list.
type ResourceDefinition struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListResourcesResult is one page of resources/list.
type ListResourcesResult struct {
	Resources  []ResourceDefinition `json:"resources"`
	NextCursor string               `json:"nextCursor,omitempty"`
}

// PromptDefinition is one prompt template as described by prompts/list.
type PromptDefinition struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one argument accepted by a prompt template.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ListPromptsResult is one page of prompts/list.
type ListPromptsResult struct {
	Prompts    []PromptDefinition `json:"prompts"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

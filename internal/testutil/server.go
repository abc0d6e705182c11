package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/toolmesh/toolmesh/mcp"
)

// Server is a scripted protocol peer driven over one end of a transport
// pair. It answers the handshake and the discovery and invocation methods
// from its configured state, paginating tool listings when PageSize is set.
// Fields must be configured before Serve and not mutated after, except
// through SetTools.
type Server struct {
	Name            string
	ProtocolVersion string
	Capabilities    mcp.ServerCapabilities
	// PageSize splits tools/list into pages of this size; zero means one page.
	PageSize int
	// CallFunc answers tools/call. Nil yields an echo of the tool name.
	CallFunc func(name string, args map[string]any) *mcp.CallToolResult
	// CallError, when set, makes tools/call answer with a protocol-level
	// error response instead of a result.
	CallError *mcp.ErrorObject

	transport *PipeTransport

	mu    sync.Mutex
	tools []mcp.ToolDefinition

	done chan struct{}
}

// NewServer builds a server with tool capability declared and the given
// initial tool set.
func NewServer(transport *PipeTransport, tools ...mcp.ToolDefinition) *Server {
	return &Server{
		Name:            "scripted-server",
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities:    mcp.ServerCapabilities{Tools: &mcp.ToolCapability{ListChanged: true}},
		transport:       transport,
		tools:           tools,
		done:            make(chan struct{}),
	}
}

// Serve starts answering requests in a background goroutine until the
// transport closes.
func (s *Server) Serve() {
	go func() {
		defer close(s.done)
		ctx := context.Background()
		for {
			raw, err := s.transport.Receive(ctx)
			if err != nil {
				return
			}

			var msg mcp.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			if msg.IsNotification() {
				continue
			}

			s.handle(ctx, &msg)
		}
	}()
}

// Done is closed when the serve loop exits.
func (s *Server) Done() <-chan struct{} { return s.done }

// SetTools replaces the tool set and pushes a list_changed notification.
func (s *Server) SetTools(tools ...mcp.ToolDefinition) {
	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
	s.notify(mcp.NotifToolsListChanged)
}

// Crash closes the transport abruptly, simulating a dead peer.
func (s *Server) Crash() { _ = s.transport.Close() }

func (s *Server) handle(ctx context.Context, msg *mcp.Message) {
	switch msg.Method {
	case mcp.MethodInitialize:
		s.reply(ctx, msg.ID, mcp.InitializeResult{
			ProtocolVersion: s.ProtocolVersion,
			Capabilities:    s.Capabilities,
			ServerInfo:      mcp.Implementation{Name: s.Name, Version: "1.0.0"},
		})

	case mcp.MethodToolsList:
		var params mcp.ListToolsParams
		if len(msg.Params) > 0 {
			_ = json.Unmarshal(msg.Params, &params)
		}
		s.reply(ctx, msg.ID, s.page(params.Cursor))

	case mcp.MethodToolsCall:
		if s.CallError != nil {
			s.replyError(ctx, msg.ID, s.CallError.Code, s.CallError.Message)
			return
		}
		var params mcp.CallToolParams
		_ = json.Unmarshal(msg.Params, &params)
		s.reply(ctx, msg.ID, s.call(params))

	case mcp.MethodResourcesList:
		s.reply(ctx, msg.ID, mcp.ListResourcesResult{})

	case mcp.MethodPromptsList:
		s.reply(ctx, msg.ID, mcp.ListPromptsResult{})

	default:
		s.replyError(ctx, msg.ID, mcp.CodeMethodNotFound, "method not supported")
	}
}

func (s *Server) call(params mcp.CallToolParams) *mcp.CallToolResult {
	if s.CallFunc != nil {
		return s.CallFunc(params.Name, params.Arguments)
	}
	return TextResult("echo:"+params.Name, false)
}

// page returns one page of the tool listing. Cursors are stringified start
// offsets, which is all the client should ever treat them as: opaque.
func (s *Server) page(cursor string) mcp.ListToolsResult {
	s.mu.Lock()
	tools := make([]mcp.ToolDefinition, len(s.tools))
	copy(tools, s.tools)
	s.mu.Unlock()

	if s.PageSize <= 0 || len(tools) <= s.PageSize {
		return mcp.ListToolsResult{Tools: tools}
	}

	start := 0
	if cursor != "" {
		for i := range tools {
			if cursorFor(i) == cursor {
				start = i
				break
			}
		}
	}

	end := start + s.PageSize
	result := mcp.ListToolsResult{}
	if end >= len(tools) {
		result.Tools = tools[start:]
	} else {
		result.Tools = tools[start:end]
		result.NextCursor = cursorFor(end)
	}

	return result
}

func cursorFor(offset int) string {
	return "cursor-" + string(rune('a'+offset))
}

func (s *Server) reply(ctx context.Context, id *int64, result any) {
	raw, _ := json.Marshal(result)
	out, _ := json.Marshal(mcp.Message{JSONRPC: "2.0", ID: id, Result: raw})
	_ = s.transport.Send(ctx, out)
}

func (s *Server) replyError(ctx context.Context, id *int64, code int, message string) {
	out, _ := json.Marshal(mcp.Message{JSONRPC: "2.0", ID: id, Error: &mcp.ErrorObject{Code: code, Message: message}})
	_ = s.transport.Send(ctx, out)
}

func (s *Server) notify(method string) {
	out, _ := json.Marshal(mcp.Message{JSONRPC: "2.0", Method: method})
	_ = s.transport.Send(context.Background(), out)
}

// TextResult builds a single-text-block tool result.
func TextResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: text}},
		IsError: isError,
	}
}

// Tool builds a tool definition with a one-string-argument schema.
func Tool(name, description string) mcp.ToolDefinition {
	return mcp.ToolDefinition{
		Name:        name,
		Description: description,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"input": map[string]any{"type": "string"},
			},
		},
	}
}

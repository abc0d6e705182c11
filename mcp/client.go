package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/toolmesh/toolmesh/logging"
)

// ErrNotInitialized is returned for any typed operation attempted before the
// capability handshake has completed. Traffic before the handshake is a
// protocol violation, not a silent reorder.
var ErrNotInitialized = errors.New("mcp: client not initialized - call Initialize first")

// maxListPages bounds discovery pagination so a misbehaving server cannot
// trap the client in a cursor loop.
const maxListPages = 100

// ClientOptions configures a protocol client.
type ClientOptions struct {
	Logger logging.Logger
	// NotificationBuffer sizes the channel surfacing server notifications.
	// When full, further notifications are dropped with a warning; the
	// supervisor re-discovers on the next one, so drops only delay.
	NotificationBuffer int
}

// Client speaks the JSON-RPC protocol over a Transport. It performs the
// initialize handshake, maintains the correlation map from outstanding
// request id to pending waiter, routes asynchronous notifications, and fails
// every pending waiter if the transport closes.
//
// A Client is safe for concurrent use. Its lifetime ends when Done() is
// closed, after which Err() reports the terminal cause.
type Client struct {
	transport Transport
	logger    logging.Logger

	nextID        atomic.Int64
	handshakeDone atomic.Bool

	mu         sync.Mutex
	pending    map[int64]chan *Message
	terminal   error
	serverCaps ServerCapabilities
	serverInfo Implementation
	initResult *InitializeResult

	notifications chan string
	done          chan struct{}
	closeOnce     sync.Once
	readCancel    context.CancelFunc
}

// NewClient wraps a started Transport and begins its read loop. The caller
// must call Initialize before any other operation.
func NewClient(transport Transport, optFns ...func(o *ClientOptions)) *Client {
	opts := ClientOptions{
		Logger:             logging.NoOpLogger{},
		NotificationBuffer: 8,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport:     transport,
		logger:        opts.Logger,
		pending:       make(map[int64]chan *Message),
		notifications: make(chan string, opts.NotificationBuffer),
		done:          make(chan struct{}),
		readCancel:    cancel,
	}

	go c.readLoop(readCtx)

	return c
}

// readLoop pumps inbound messages until the transport closes or a protocol
// violation makes the connection unusable.
func (c *Client) readLoop(ctx context.Context) {
	for {
		raw, err := c.transport.Receive(ctx)
		if err != nil {
			c.fail(err)
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Error("mcp.client.malformed_message", "raw", string(raw), "error", err.Error())
			c.fail(&ProtocolError{Code: CodeParseError, Message: "malformed message from server", Raw: raw})
			return
		}

		switch {
		case msg.IsResponse():
			c.resolve(&msg)
		case msg.IsNotification():
			if !c.handshakeDone.Load() {
				c.logger.Error("mcp.client.traffic_before_handshake", "method", msg.Method, "raw", string(raw))
				c.fail(&ProtocolError{Message: fmt.Sprintf("received %q before handshake completed", msg.Method), Raw: raw})
				return
			}
			c.deliverNotification(msg.Method)
		case msg.IsRequest():
			c.answerServerRequest(ctx, &msg)
		default:
			c.logger.Error("mcp.client.unroutable_message", "raw", string(raw))
			c.fail(&ProtocolError{Code: CodeInvalidRequest, Message: "message is neither request, response nor notification", Raw: raw})
			return
		}
	}
}

// resolve hands a response to the waiter registered under its id. Responses
// with no matching waiter are logged and dropped; the request may have been
// abandoned by a cancelled caller.
func (c *Client) resolve(msg *Message) {
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("mcp.client.unmatched_response", "id", *msg.ID)
		return
	}
	ch <- msg
}

// deliverNotification forwards a notification method name without blocking
// the read loop.
func (c *Client) deliverNotification(method string) {
	select {
	case c.notifications <- method:
	default:
		c.logger.Warn("mcp.client.notification_dropped", "method", method)
	}
}

// answerServerRequest handles server-initiated requests. Only ping is
// implemented; anything else gets a method-not-found error so the server is
// told rather than left waiting.
func (c *Client) answerServerRequest(ctx context.Context, msg *Message) {
	reply := &Message{JSONRPC: "2.0", ID: msg.ID}
	if msg.Method == MethodPing {
		reply.Result = json.RawMessage("{}")
	} else {
		reply.Error = &ErrorObject{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not supported by client", msg.Method)}
	}

	raw, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := c.transport.Send(ctx, raw); err != nil {
		c.logger.Warn("mcp.client.reply_failed", "method", msg.Method, "error", err.Error())
	}
}

// fail records the terminal error once, wakes every pending waiter and marks
// the client done. Subsequent calls are no-ops.
func (c *Client) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.terminal = err
		waiters := c.pending
		c.pending = make(map[int64]chan *Message)
		c.mu.Unlock()

		for _, ch := range waiters {
			close(ch)
		}

		c.readCancel()
		_ = c.transport.Close()
		close(c.done)
	})
}

// call sends one request and blocks for its correlated response.
func (c *Client) call(ctx context.Context, method string, params any) (*Message, error) {
	if method != MethodInitialize && !c.handshakeDone.Load() {
		return nil, ErrNotInitialized
	}

	id := c.nextID.Add(1)
	req, err := newRequest(id, method, params)
	if err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("marshal %s params: %v", method, err)}
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("marshal %s request: %v", method, err)}
	}

	ch := make(chan *Message, 1)
	c.mu.Lock()
	if c.terminal != nil {
		err := c.terminal
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.transport.Send(ctx, raw); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return nil, c.Err()
		}
		if msg.Error != nil {
			return nil, &ProtocolError{Code: msg.Error.Code, Message: fmt.Sprintf("%s failed: %s", method, msg.Error.Message)}
		}
		return msg, nil
	}
}

// notify sends a fire-and-forget notification.
func (c *Client) notify(ctx context.Context, method string, params any) error {
	msg, err := newNotification(method, params)
	if err != nil {
		return &ProtocolError{Message: fmt.Sprintf("marshal %s params: %v", method, err)}
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return &ProtocolError{Message: fmt.Sprintf("marshal %s notification: %v", method, err)}
	}
	return c.transport.Send(ctx, raw)
}

// Initialize performs the capability handshake: it exchanges declared
// capabilities with the server and confirms readiness with the initialized
// notification. No other traffic is allowed first. A version mismatch is
// tolerated with a warning; the server may still serve the primitives we
// use, and discovery gates on declared capabilities anyway.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	c.mu.Lock()
	if c.initResult != nil {
		cached := c.initResult
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      Implementation{Name: ClientName, Version: ClientVersion},
	}

	msg, err := c.call(ctx, MethodInitialize, params)
	if err != nil {
		return nil, err
	}

	var result InitializeResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("invalid initialize result: %v", err), Raw: msg.Result}
	}

	if result.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("mcp.client.protocol_version_mismatch",
			"client", ProtocolVersion, "server", result.ProtocolVersion, "server_name", result.ServerInfo.Name)
	}

	c.mu.Lock()
	c.serverCaps = result.Capabilities
	c.serverInfo = result.ServerInfo
	c.initResult = &result
	c.mu.Unlock()
	c.handshakeDone.Store(true)

	if err := c.notify(ctx, NotifInitialized, nil); err != nil {
		return nil, err
	}

	c.logger.Info("mcp.client.initialized",
		"server", result.ServerInfo.Name, "version", result.ServerInfo.Version, "protocol", result.ProtocolVersion)

	return &result, nil
}

// ListTools discovers every tool the server offers, following pagination
// cursors until the server reports no more pages. Servers that do not
// declare the tools capability yield an empty list.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if !c.handshakeDone.Load() {
		return nil, ErrNotInitialized
	}
	if caps := c.ServerCapabilities(); caps.Tools == nil {
		return nil, nil
	}

	var (
		tools  []ToolDefinition
		cursor string
	)
	for page := 0; page < maxListPages; page++ {
		var params any
		if cursor != "" {
			params = ListToolsParams{Cursor: cursor}
		}

		msg, err := c.call(ctx, MethodToolsList, params)
		if err != nil {
			return nil, err
		}

		var result ListToolsResult
		if err := json.Unmarshal(msg.Result, &result); err != nil {
			return nil, &ProtocolError{Message: fmt.Sprintf("invalid tools/list result: %v", err), Raw: msg.Result}
		}

		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			return tools, nil
		}
		if result.NextCursor == cursor {
			return nil, &ProtocolError{Message: "tools/list returned a repeating pagination cursor"}
		}
		cursor = result.NextCursor
	}

	return nil, &ProtocolError{Message: fmt.Sprintf("tools/list exceeded %d pages", maxListPages)}
}

// CallTool invokes a named tool. A JSON-RPC error response (e.g. unknown
// tool) is returned as a *ProtocolError; an execution-level failure is a
// successful result with IsError set, which the caller surfaces to the model
// rather than treating as a fault.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*CallToolResult, error) {
	msg, err := c.call(ctx, MethodToolsCall, CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}

	var result CallToolResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("invalid tools/call result: %v", err), Raw: msg.Result}
	}

	return &result, nil
}

// ListResources discovers the server's resources, following pagination.
// Servers without the resources capability yield an empty list.
func (c *Client) ListResources(ctx context.Context) ([]ResourceDefinition, error) {
	if !c.handshakeDone.Load() {
		return nil, ErrNotInitialized
	}
	if caps := c.ServerCapabilities(); caps.Resources == nil {
		return nil, nil
	}

	var (
		resources []ResourceDefinition
		cursor    string
	)
	for page := 0; page < maxListPages; page++ {
		var params any
		if cursor != "" {
			params = ListToolsParams{Cursor: cursor}
		}

		msg, err := c.call(ctx, MethodResourcesList, params)
		if err != nil {
			return nil, err
		}

		var result ListResourcesResult
		if err := json.Unmarshal(msg.Result, &result); err != nil {
			return nil, &ProtocolError{Message: fmt.Sprintf("invalid resources/list result: %v", err), Raw: msg.Result}
		}

		resources = append(resources, result.Resources...)
		if result.NextCursor == "" {
			return resources, nil
		}
		cursor = result.NextCursor
	}

	return nil, &ProtocolError{Message: fmt.Sprintf("resources/list exceeded %d pages", maxListPages)}
}

// ListPrompts discovers the server's prompt templates, following pagination.
// Servers without the prompts capability yield an empty list.
func (c *Client) ListPrompts(ctx context.Context) ([]PromptDefinition, error) {
	if !c.handshakeDone.Load() {
		return nil, ErrNotInitialized
	}
	if caps := c.ServerCapabilities(); caps.Prompts == nil {
		return nil, nil
	}

	var (
		prompts []PromptDefinition
		cursor  string
	)
	for page := 0; page < maxListPages; page++ {
		var params any
		if cursor != "" {
			params = ListToolsParams{Cursor: cursor}
		}

		msg, err := c.call(ctx, MethodPromptsList, params)
		if err != nil {
			return nil, err
		}

		var result ListPromptsResult
		if err := json.Unmarshal(msg.Result, &result); err != nil {
			return nil, &ProtocolError{Message: fmt.Sprintf("invalid prompts/list result: %v", err), Raw: msg.Result}
		}

		prompts = append(prompts, result.Prompts...)
		if result.NextCursor == "" {
			return prompts, nil
		}
		cursor = result.NextCursor
	}

	return nil, &ProtocolError{Message: fmt.Sprintf("prompts/list exceeded %d pages", maxListPages)}
}

// Notifications surfaces server-initiated notification method names (e.g.
// tools/list_changed) so the supervisor can re-discover without polling.
func (c *Client) Notifications() <-chan string { return c.notifications }

// Done is closed when the connection becomes unusable, whether by Close or
// by transport/protocol failure.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports the terminal error after Done is closed. A clean Close yields
// an error wrapping ErrClosed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

// ServerCapabilities returns the capabilities declared in the handshake.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCaps
}

// ServerInfo returns the server identity declared in the handshake.
func (c *Client) ServerInfo() Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Close shuts the connection down, failing any pending waiters. Idempotent.
func (c *Client) Close() error {
	c.fail(&TransportError{Op: "close", Err: ErrClosed})
	return nil
}

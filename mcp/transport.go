package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is the terminal signal a Transport returns once the underlying
// process or connection is gone. It is never a silent drop: a broken pipe or
// connection reset surfaces here and the Client treats it as fatal for the
// connection.
var ErrClosed = errors.New("mcp: transport closed")

// Transport is point-to-point ordered message delivery for one plugin
// connection. Implementations must be safe for one concurrent sender and one
// concurrent receiver.
type Transport interface {
	// Start establishes the underlying process or connection. It must be
	// called once before Send or Receive.
	Start(ctx context.Context) error

	// Send enqueues one outbound message. Delivery is best effort; a
	// returned error wrapping ErrClosed means the connection is gone.
	Send(ctx context.Context, msg json.RawMessage) error

	// Receive blocks until the next inbound message arrives, the context is
	// cancelled, or the transport closes (ErrClosed).
	Receive(ctx context.Context) (json.RawMessage, error)

	// Close releases the underlying process or connection. Idempotent.
	Close() error
}

// TransportError wraps a delivery failure with the operation that hit it.
// Transport errors are always terminal for the connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("mcp: transport %s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a violation of the protocol itself: a malformed
// message, an unknown method, a handshake mismatch, or a JSON-RPC error
// response. Raw carries the offending message when one is available so it
// can be logged verbatim.
type ProtocolError struct {
	Code    int
	Message string
	Raw     json.RawMessage
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("mcp: protocol error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("mcp: protocol error: %s", e.Message)
}

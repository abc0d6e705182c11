// Package testutil contains helpers used across tests: an in-memory
// transport pair and a scripted protocol server, so client, supervisor and
// orchestrator behavior can be exercised without spawning processes or
// opening sockets. Not intended for production usage.
package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/toolmesh/toolmesh/mcp"
)

// PipeTransport is one end of an in-memory connection. Both ends share a
// closed signal, so closing either end fails the other's pending Receive,
// which is exactly how tests simulate a crashed peer.
type PipeTransport struct {
	in     chan json.RawMessage
	out    chan json.RawMessage
	closed chan struct{}
	once   *sync.Once
}

// NewTransportPair returns two connected transports. Messages sent on one
// end arrive at the other in order.
func NewTransportPair() (*PipeTransport, *PipeTransport) {
	aToB := make(chan json.RawMessage, 32)
	bToA := make(chan json.RawMessage, 32)
	closed := make(chan struct{})
	once := &sync.Once{}

	a := &PipeTransport{in: bToA, out: aToB, closed: closed, once: once}
	b := &PipeTransport{in: aToB, out: bToA, closed: closed, once: once}

	return a, b
}

// Start is a no-op; the pair is connected at construction.
func (t *PipeTransport) Start(ctx context.Context) error { return nil }

// Send delivers one message to the peer.
func (t *PipeTransport) Send(ctx context.Context, msg json.RawMessage) error {
	cp := make(json.RawMessage, len(msg))
	copy(cp, msg)
	select {
	case <-t.closed:
		return &mcp.TransportError{Op: "send", Err: mcp.ErrClosed}
	case <-ctx.Done():
		return ctx.Err()
	case t.out <- cp:
		return nil
	}
}

// Receive blocks for the next message from the peer.
func (t *PipeTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		// Drain anything already delivered before reporting closure.
		select {
		case msg := <-t.in:
			return msg, nil
		default:
			return nil, &mcp.TransportError{Op: "receive", Err: mcp.ErrClosed}
		}
	case msg := <-t.in:
		return msg, nil
	}
}

// Close tears the connection down for both ends. Idempotent.
func (t *PipeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

var _ mcp.Transport = (*PipeTransport)(nil)

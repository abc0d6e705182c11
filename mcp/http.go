package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/toolmesh/toolmesh/logging"
)

// Auth carries the credential material for an HTTP plugin endpoint. Type is
// "none", "bearer" or "basic"; unused fields stay empty.
type Auth struct {
	Type     string
	Token    string // bearer
	Username string // basic
	Password string // basic
}

// HTTPOptions configures a network transport.
type HTTPOptions struct {
	Auth Auth
	// Client lets tests and callers with special TLS/proxy needs supply
	// their own http.Client. Defaults to a client with a 60s timeout.
	Client *http.Client
	// EnablePush opens a long-lived SSE stream on Start so the server can
	// deliver notifications outside the request/response cycle. Endpoints
	// that reject the stream (e.g. 405) degrade to request/response only.
	EnablePush bool
	Logger     logging.Logger
}

// HTTPTransport speaks the protocol over a connection-oriented endpoint:
// each outbound message is an HTTP POST whose JSON response (if any) is
// queued inbound, and an optional long-lived server-sent-events stream
// carries server-initiated messages.
type HTTPTransport struct {
	endpoint string
	auth     Auth
	client   *http.Client
	push     bool
	logger   logging.Logger

	inbound chan json.RawMessage
	closed  chan struct{}
	once    sync.Once
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport prepares a network transport for the given endpoint URL.
func NewHTTPTransport(endpoint string, optFns ...func(o *HTTPOptions)) *HTTPTransport {
	opts := HTTPOptions{
		Client: &http.Client{Timeout: 60 * time.Second},
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &HTTPTransport{
		endpoint: endpoint,
		auth:     opts.Auth,
		client:   opts.Client,
		push:     opts.EnablePush,
		logger:   opts.Logger,
		inbound:  make(chan json.RawMessage, 32),
		closed:   make(chan struct{}),
	}
}

// Start opens the optional push stream. It never fails the transport: a
// server without push support still works in request/response mode.
func (t *HTTPTransport) Start(ctx context.Context) error {
	if !t.push {
		return nil
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.wg.Add(1)
	go t.pushLoop(streamCtx)

	return nil
}

// pushLoop maintains the SSE stream, reconnecting with a flat delay until
// the transport closes.
func (t *HTTPTransport) pushLoop(ctx context.Context) {
	defer t.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		default:
		}

		if err := t.consumeStream(ctx); err != nil {
			t.logger.Debug("mcp.http.push_stream_ended", "endpoint", t.endpoint, "error", err.Error())
		}

		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		case <-time.After(2 * time.Second):
		}
	}
}

// consumeStream opens one SSE connection and forwards each event's data
// payload to the inbound channel.
func (t *HTTPTransport) consumeStream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	t.applyAuth(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push stream rejected: %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "" && data.Len() > 0:
			msg := make(json.RawMessage, data.Len())
			copy(msg, data.Bytes())
			data.Reset()
			select {
			case t.inbound <- msg:
			case <-t.closed:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return scanner.Err()
}

// Send posts one message. A JSON response body is queued inbound; 202 means
// the message was a notification and no response is expected.
func (t *HTTPTransport) Send(ctx context.Context, msg json.RawMessage) error {
	select {
	case <-t.closed:
		return &TransportError{Op: "send", Err: ErrClosed}
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(msg))
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	t.applyAuth(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &TransportError{Op: "send", Err: fmt.Errorf("endpoint returned %s: %s", resp.Status, body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	select {
	case t.inbound <- json.RawMessage(body):
	case <-t.closed:
		return &TransportError{Op: "send", Err: ErrClosed}
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// Receive blocks for the next inbound message (a POST response or a pushed
// event, in arrival order).
func (t *HTTPTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, &TransportError{Op: "receive", Err: ErrClosed}
	case msg := <-t.inbound:
		return msg, nil
	}
}

// Close tears down the push stream and marks the transport closed. Idempotent.
func (t *HTTPTransport) Close() error {
	t.once.Do(func() {
		close(t.closed)
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()
	})
	return nil
}

func (t *HTTPTransport) applyAuth(req *http.Request) {
	switch t.auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+t.auth.Token)
	case "basic":
		creds := base64.StdEncoding.EncodeToString([]byte(t.auth.Username + ":" + t.auth.Password))
		req.Header.Set("Authorization", "Basic "+creds)
	}
}

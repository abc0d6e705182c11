package mcp_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/toolmesh/mcp"
)

func TestHTTPTransport_RequestResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var msg mcp.Message
		require.NoError(t, json.Unmarshal(body, &msg))

		w.Header().Set("Content-Type", "application/json")
		reply, _ := json.Marshal(mcp.Message{JSONRPC: "2.0", ID: msg.ID, Result: json.RawMessage(`{"ok":true}`)})
		_, _ = w.Write(reply)
	}))
	t.Cleanup(srv.Close)

	transport := mcp.NewHTTPTransport(srv.URL)
	require.NoError(t, transport.Start(context.Background()))
	t.Cleanup(func() { _ = transport.Close() })

	id := int64(1)
	out, _ := json.Marshal(mcp.Message{JSONRPC: "2.0", ID: &id, Method: "ping"})
	require.NoError(t, transport.Send(context.Background(), out))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := transport.Receive(ctx)
	require.NoError(t, err)

	var reply mcp.Message
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.NotNil(t, reply.ID)
	assert.Equal(t, id, *reply.ID)
}

func TestHTTPTransport_NotificationAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	transport := mcp.NewHTTPTransport(srv.URL)
	t.Cleanup(func() { _ = transport.Close() })

	out, _ := json.Marshal(mcp.Message{JSONRPC: "2.0", Method: "notifications/initialized"})
	assert.NoError(t, transport.Send(context.Background(), out))
}

func TestHTTPTransport_BearerAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	transport := mcp.NewHTTPTransport(srv.URL, func(o *mcp.HTTPOptions) {
		o.Auth = mcp.Auth{Type: "bearer", Token: "tok-123"}
	})
	t.Cleanup(func() { _ = transport.Close() })

	require.NoError(t, transport.Send(context.Background(), json.RawMessage(`{}`)))
	assert.Equal(t, "Bearer tok-123", gotAuth)
}

func TestHTTPTransport_BasicAuth(t *testing.T) {
	var user, pass string
	var ok bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok = r.BasicAuth()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	transport := mcp.NewHTTPTransport(srv.URL, func(o *mcp.HTTPOptions) {
		o.Auth = mcp.Auth{Type: "basic", Username: "svc", Password: "hunter2"}
	})
	t.Cleanup(func() { _ = transport.Close() })

	require.NoError(t, transport.Send(context.Background(), json.RawMessage(`{}`)))
	require.True(t, ok)
	assert.Equal(t, "svc", user)
	assert.Equal(t, "hunter2", pass)
}

func TestHTTPTransport_ErrorStatusSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such endpoint", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	transport := mcp.NewHTTPTransport(srv.URL)
	t.Cleanup(func() { _ = transport.Close() })

	err := transport.Send(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)

	var transportErr *mcp.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "send", transportErr.Op)
}

func TestHTTPTransport_SendAfterClose(t *testing.T) {
	transport := mcp.NewHTTPTransport("http://127.0.0.1:0")
	require.NoError(t, transport.Close())

	err := transport.Send(context.Background(), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, mcp.ErrClosed)
}

func TestHTTPTransport_PushStreamDeliversEvents(t *testing.T) {
	events := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for ev := range events {
			_, _ = io.WriteString(w, "data: "+ev+"\n\n")
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(events) })

	transport := mcp.NewHTTPTransport(srv.URL, func(o *mcp.HTTPOptions) {
		o.EnablePush = true
	})
	require.NoError(t, transport.Start(context.Background()))
	t.Cleanup(func() { _ = transport.Close() })

	events <- `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := transport.Receive(ctx)
	require.NoError(t, err)

	var msg mcp.Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, mcp.NotifToolsListChanged, msg.Method)
}

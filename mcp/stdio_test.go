package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/toolmesh/mcp"
)

// cat echoes stdin to stdout line by line, which is exactly the framing the
// transport speaks. Good enough to exercise the real subprocess plumbing.
func TestStdioTransport_RoundTrip(t *testing.T) {
	transport := mcp.NewStdioTransport("cat", nil)
	require.NoError(t, transport.Start(context.Background()))
	t.Cleanup(func() { _ = transport.Close() })

	msg := json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.NoError(t, transport.Send(context.Background(), msg))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := transport.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, string(msg), string(got))
}

func TestStdioTransport_OrderPreserved(t *testing.T) {
	transport := mcp.NewStdioTransport("cat", nil)
	require.NoError(t, transport.Start(context.Background()))
	t.Cleanup(func() { _ = transport.Close() })

	for i := 1; i <= 5; i++ {
		msg, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": i, "method": "ping"})
		require.NoError(t, transport.Send(context.Background(), msg))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 1; i <= 5; i++ {
		raw, err := transport.Receive(ctx)
		require.NoError(t, err)
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(raw, &decoded))
		assert.Equal(t, float64(i), decoded["id"])
	}
}

func TestStdioTransport_ChildExitSurfacesClosed(t *testing.T) {
	// true exits immediately without reading stdin.
	transport := mcp.NewStdioTransport("true", nil)
	require.NoError(t, transport.Start(context.Background()))
	t.Cleanup(func() { _ = transport.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := transport.Receive(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mcp.ErrClosed), "expected ErrClosed, got %v", err)
}

func TestStdioTransport_SendAfterClose(t *testing.T) {
	transport := mcp.NewStdioTransport("cat", nil)
	require.NoError(t, transport.Start(context.Background()))
	require.NoError(t, transport.Close())

	err := transport.Send(context.Background(), json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, mcp.ErrClosed))
}

func TestStdioTransport_CloseWithoutStart(t *testing.T) {
	transport := mcp.NewStdioTransport("cat", nil)

	done := make(chan struct{})
	go func() {
		_ = transport.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close hung without a started process")
	}
}

func TestStdioTransport_StartFailureOnMissingBinary(t *testing.T) {
	transport := mcp.NewStdioTransport("/nonexistent/binary-for-test", nil)
	err := transport.Start(context.Background())
	require.Error(t, err)

	var transportErr *mcp.TransportError
	assert.ErrorAs(t, err, &transportErr)
}

func TestStdioTransport_EnvPassedToChild(t *testing.T) {
	transport := mcp.NewStdioTransport("sh", []string{"-c", `printf '%s\n' "{\"var\":\"$TEST_PLUGIN_VAR\"}"`},
		func(o *mcp.StdioOptions) {
			o.Env = []string{"TEST_PLUGIN_VAR=expected-value"}
		},
	)
	require.NoError(t, transport.Start(context.Background()))
	t.Cleanup(func() { _ = transport.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := transport.Receive(ctx)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "expected-value", decoded["var"])
}

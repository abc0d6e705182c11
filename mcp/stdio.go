package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/toolmesh/toolmesh/logging"
)

// DefaultStopGrace is how long Close waits for a plugin process to exit
// after its stdin is closed before force-killing it.
const DefaultStopGrace = 3 * time.Second

// StdioOptions configures a subprocess transport.
type StdioOptions struct {
	// Env entries are appended to the child's inherited environment, each
	// as KEY=VALUE. Secret expansion happens upstream in config loading.
	Env []string
	// WorkingDir sets the child's working directory when non-empty.
	WorkingDir string
	// StopGrace bounds the graceful half of the two-step shutdown.
	StopGrace time.Duration
	// Logger receives the child's stderr lines and lifecycle diagnostics.
	Logger logging.Logger
}

// StdioTransport launches a plugin as a child process and exchanges
// newline-delimited JSON messages over its standard streams. The child's
// stderr is captured line by line into the logger for diagnostics.
//
// Ordering: messages are delivered in send order; the underlying pipes are
// ordered streams. A broken pipe or child exit surfaces as ErrClosed from
// Receive, never a silent drop.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger logging.Logger
	grace  time.Duration

	writeMu sync.Mutex
	started bool

	inbound  chan json.RawMessage
	closed   chan struct{}
	waitDone chan struct{}
	once     sync.Once
}

var _ Transport = (*StdioTransport)(nil)

// NewStdioTransport prepares a process transport for the given command. The
// process is not spawned until Start.
func NewStdioTransport(command string, args []string, optFns ...func(o *StdioOptions)) *StdioTransport {
	opts := StdioOptions{
		StopGrace: DefaultStopGrace,
		Logger:    logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	cmd := exec.Command(command, args...)
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	}
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}

	return &StdioTransport{
		cmd:      cmd,
		logger:   opts.Logger,
		grace:    opts.StopGrace,
		inbound:  make(chan json.RawMessage, 32),
		closed:   make(chan struct{}),
		waitDone: make(chan struct{}),
	}
}

// Start spawns the child process and begins pumping its output streams.
func (t *StdioTransport) Start(ctx context.Context) error {
	stdin, err := t.cmd.StdinPipe()
	if err != nil {
		return &TransportError{Op: "start", Err: err}
	}
	stdout, err := t.cmd.StdoutPipe()
	if err != nil {
		return &TransportError{Op: "start", Err: err}
	}
	stderr, err := t.cmd.StderrPipe()
	if err != nil {
		return &TransportError{Op: "start", Err: err}
	}

	if err := t.cmd.Start(); err != nil {
		return &TransportError{Op: "start", Err: fmt.Errorf("spawn %s: %w", t.cmd.Path, err)}
	}
	t.writeMu.Lock()
	t.stdin = stdin
	t.started = true
	t.writeMu.Unlock()

	go t.readLoop(stdout)
	go t.drainStderr(stderr)
	go func() {
		err := t.cmd.Wait()
		if err != nil {
			t.logger.Debug("mcp.stdio.process_exited", "command", t.cmd.Path, "error", err.Error())
		}
		close(t.waitDone)
	}()

	_ = ctx // spawn itself is not cancellable; callers bound Start with their own timeout

	return nil
}

// readLoop pumps stdout lines into the inbound channel until EOF or close.
func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer close(t.inbound)

	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			msg := make(json.RawMessage, len(line))
			copy(msg, line)
			select {
			case t.inbound <- msg:
			case <-t.closed:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// drainStderr logs each stderr line so plugin diagnostics are never lost.
func (t *StdioTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.logger.Debug("mcp.stdio.stderr", "command", t.cmd.Path, "line", scanner.Text())
	}
}

// Send writes one message followed by a newline to the child's stdin.
func (t *StdioTransport) Send(ctx context.Context, msg json.RawMessage) error {
	select {
	case <-t.closed:
		return &TransportError{Op: "send", Err: ErrClosed}
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.stdin == nil {
		return &TransportError{Op: "send", Err: ErrClosed}
	}
	if _, err := t.stdin.Write(append(msg, '\n')); err != nil {
		return &TransportError{Op: "send", Err: err}
	}

	return nil
}

// Receive blocks for the next inbound message. It returns an error wrapping
// ErrClosed once the child exits or the transport is closed.
func (t *StdioTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-t.inbound:
		if !ok {
			return nil, &TransportError{Op: "receive", Err: ErrClosed}
		}
		return msg, nil
	}
}

// Close shuts the child down with an escalating two-step strategy: closing
// stdin asks the server to exit on its own; if it has not exited within the
// grace period it is force-killed. Safe to call multiple times.
func (t *StdioTransport) Close() error {
	t.once.Do(func() {
		close(t.closed)

		t.writeMu.Lock()
		started := t.started
		if t.stdin != nil {
			_ = t.stdin.Close()
			t.stdin = nil
		}
		t.writeMu.Unlock()

		if !started {
			return
		}

		select {
		case <-t.waitDone:
		case <-time.After(t.grace):
			t.logger.Warn("mcp.stdio.force_kill", "command", t.cmd.Path, "grace", t.grace.String())
			if t.cmd.Process != nil {
				_ = t.cmd.Process.Kill()
			}
			<-t.waitDone
		}
	})

	return nil
}

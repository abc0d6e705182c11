// Package supervisor manages the lifecycle of external plugin connections:
// spawning or dialing each configured plugin, driving the capability
// handshake, discovering tools into the shared registry and tearing
// everything down again on stop or crash.
//
// The central invariant is fail-closed visibility: a plugin's tools are
// registered only after its handshake and discovery both succeed, and they
// are removed from the registry before any connection resources are
// released. The model can never be offered a tool whose backing connection
// is not live.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/toolmesh/toolmesh/config"
	"github.com/toolmesh/toolmesh/logging"
	"github.com/toolmesh/toolmesh/mcp"
	"github.com/toolmesh/toolmesh/registry"
)

// State is a plugin's position in its lifecycle.
type State string

const (
	// StateDisabled means no connection exists and none is wanted.
	StateDisabled State = "disabled"
	// StateStarting covers spawn, handshake and discovery. No tools are
	// visible yet.
	StateStarting State = "starting"
	// StateRunning means the connection is live and the plugin's tools are
	// registered.
	StateRunning State = "running"
	// StateStopping covers the deliberate two-step shutdown.
	StateStopping State = "stopping"
	// StateCrashed means the connection failed from Starting or Running.
	// The supervisor may still be retrying; once retries are exhausted the
	// plugin settles in Disabled with a persistent error.
	StateCrashed State = "crashed"
)

// EventKind classifies lifecycle events.
type EventKind string

const (
	EventStarted      EventKind = "started"
	EventStopped      EventKind = "stopped"
	EventCrashed      EventKind = "crashed"
	EventRestarting   EventKind = "restarting"
	EventGaveUp       EventKind = "gave_up"
	EventToolsUpdated EventKind = "tools_updated"
)

// Event reports one lifecycle transition. Err is set for crash-family events.
type Event struct {
	PluginID string
	Kind     EventKind
	State    State
	Err      error
	Time     time.Time
}

// Status is a point-in-time view of one supervised plugin.
type Status struct {
	PluginID string
	State    State
	Tools    int
	LastErr  error
}

// ErrUnknownPlugin is returned for operations naming a plugin the supervisor
// does not manage.
var ErrUnknownPlugin = errors.New("supervisor: unknown plugin")

// ErrNotRunning is returned when an invocation targets a plugin whose
// connection is not currently live.
var ErrNotRunning = errors.New("supervisor: plugin not running")

// Options tune supervision behavior. Zero values fall back to the defaults
// in config.Default.
type Options struct {
	Logger             logging.Logger
	HandshakeTimeout   time.Duration
	StopGrace          time.Duration
	RestartBackoff     time.Duration
	MaxRestartBackoff  time.Duration
	MaxRestartAttempts int
	// EventBuffer sizes the lifecycle event channel. When full, events are
	// dropped rather than blocking lifecycle transitions.
	EventBuffer int
	// TransportFactory overrides transport construction. Tests use it to
	// supply in-memory connections; when nil, transports are built from the
	// plugin's configured kind.
	TransportFactory func(cfg config.Plugin) (mcp.Transport, error)
}

// Supervisor owns the connection table for all configured plugins. All
// exported methods are safe for concurrent use.
type Supervisor struct {
	registry *registry.Registry
	logger   logging.Logger
	opts     Options

	mu      sync.Mutex
	plugins map[string]*plugin
	closed  bool

	events chan Event
}

// plugin is one supervised connection and its state machine. Its mutex
// guards state transitions; the Supervisor mutex only guards table
// membership.
type plugin struct {
	cfg config.Plugin

	mu       sync.Mutex
	state    State
	client   *mcp.Client
	lastErr  error
	tools    int
	attempts int
	// gen increments on every Enable and Disable. An in-flight connection
	// attempt carries the gen it was launched under and commits nothing if
	// the plugin has moved on since.
	gen int
	// cancel aborts the in-flight connection attempt, when one exists.
	cancel context.CancelFunc
	// retryTimer is pending between a crash and the next restart attempt.
	retryTimer *time.Timer
}

// New creates a supervisor publishing into the given registry.
func New(reg *registry.Registry, optFns ...func(o *Options)) *Supervisor {
	def := config.Default()
	opts := Options{
		Logger:             logging.NoOpLogger{},
		HandshakeTimeout:   def.HandshakeTimeout,
		StopGrace:          def.StopGrace,
		RestartBackoff:     def.RestartBackoff,
		MaxRestartBackoff:  30 * time.Second,
		MaxRestartAttempts: def.MaxRestartAttempts,
		EventBuffer:        16,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Supervisor{
		registry: reg,
		logger:   opts.Logger,
		opts:     opts,
		plugins:  make(map[string]*plugin),
		events:   make(chan Event, opts.EventBuffer),
	}
}

// Events surfaces lifecycle transitions for hosts that want to observe or
// alert on plugin health.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Identity returns the namespaced tool identity published to the model for
// a plugin tool, e.g. "fs__read_file". Namespacing keeps two plugins with
// identical remote tool names from colliding in the registry.
func Identity(pluginID, toolName string) string {
	return pluginID + "__" + toolName
}

// Enable brings a plugin up: spawn or dial, handshake, discover, register.
// It blocks until the first attempt concludes. On failure the plugin is left
// in Crashed and background restart attempts begin; the first error is
// returned so callers see why.
func (s *Supervisor) Enable(ctx context.Context, cfg config.Plugin) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("supervisor: closed")
	}
	p, ok := s.plugins[cfg.ID]
	if !ok {
		p = &plugin{cfg: cfg, state: StateDisabled}
		s.plugins[cfg.ID] = p
	}
	s.mu.Unlock()

	p.mu.Lock()
	switch p.state {
	case StateStarting, StateRunning:
		p.mu.Unlock()
		return nil
	case StateStopping:
		p.mu.Unlock()
		return fmt.Errorf("supervisor: plugin %s is stopping", cfg.ID)
	}
	p.cfg = cfg
	p.state = StateStarting
	p.attempts = 0
	p.lastErr = nil
	p.gen++
	gen := p.gen
	attemptCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	err := s.start(attemptCtx, p, gen)
	cancel()
	if err != nil {
		s.crash(p, err, nil, gen)
		return err
	}

	return nil
}

// start performs one connection attempt: transport up, handshake within the
// timeout, discovery, then registration. The caller has already placed the
// plugin in Starting under gen. If the plugin was disabled while the
// attempt was in flight, everything is rolled back and nil is returned; the
// disable won.
func (s *Supervisor) start(ctx context.Context, p *plugin, gen int) error {
	p.mu.Lock()
	cfg := p.cfg
	p.mu.Unlock()

	transport, err := s.buildTransport(cfg)
	if err != nil {
		return err
	}
	if err := transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	client := mcp.NewClient(transport, func(o *mcp.ClientOptions) {
		o.Logger = s.logger
	})

	hsCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	init, err := client.Initialize(hsCtx)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	tools, err := client.ListTools(hsCtx)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("tool discovery: %w", err)
	}

	// Registration happens only now, after the full listing succeeded. A
	// partial catalog is never published.
	registered := 0
	for _, tool := range tools {
		d := registry.Descriptor{
			Identity:    Identity(cfg.ID, tool.Name),
			Description: tool.Description,
			Parameters:  tool.InputSchema,
			Origin:      registry.PluginOrigin(cfg.ID, tool.Name),
		}
		if err := s.registry.Register(d); err != nil {
			s.logger.Warn("supervisor.tool_skipped", "plugin", cfg.ID, "tool", tool.Name, "error", err.Error())
			continue
		}
		registered++
	}

	p.mu.Lock()
	if p.gen != gen || p.state != StateStarting {
		// Disabled (or superseded by a newer Enable) mid-attempt. Withdraw
		// whatever this attempt just published and drop the connection.
		p.mu.Unlock()
		s.registry.DeregisterAll(registry.PluginOrigin(cfg.ID, "").Owner())
		_ = client.Close()
		return nil
	}
	p.client = client
	p.state = StateRunning
	p.tools = registered
	p.attempts = 0
	p.lastErr = nil
	p.cancel = nil
	p.mu.Unlock()

	s.logger.Info("supervisor.plugin_started",
		"plugin", cfg.ID, "server", init.ServerInfo.Name, "tools", registered)
	s.emit(Event{PluginID: cfg.ID, Kind: EventStarted, State: StateRunning})

	go s.watch(p, client, gen)
	go s.pumpNotifications(p, client)

	return nil
}

// buildTransport constructs the transport matching the plugin's configured
// kind.
func (s *Supervisor) buildTransport(cfg config.Plugin) (mcp.Transport, error) {
	if s.opts.TransportFactory != nil {
		return s.opts.TransportFactory(cfg)
	}

	switch cfg.Kind() {
	case config.TransportStdio:
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		return mcp.NewStdioTransport(cfg.Command, cfg.Args, func(o *mcp.StdioOptions) {
			o.Env = env
			o.WorkingDir = cfg.WorkingDir
			o.StopGrace = s.opts.StopGrace
			o.Logger = s.logger
		}), nil
	case config.TransportHTTP:
		return mcp.NewHTTPTransport(cfg.URL, func(o *mcp.HTTPOptions) {
			o.Auth = mcp.Auth{
				Type:     cfg.Auth.Type,
				Token:    cfg.Auth.Token,
				Username: cfg.Auth.Username,
				Password: cfg.Auth.Password,
			}
			o.EnablePush = true
			o.Logger = s.logger
		}), nil
	default:
		return nil, fmt.Errorf("supervisor: plugin %s: unknown transport %q", cfg.ID, cfg.Transport)
	}
}

// watch waits for the connection to end. A deliberate stop is handled by
// Disable; anything else is a crash.
func (s *Supervisor) watch(p *plugin, client *mcp.Client, gen int) {
	<-client.Done()

	p.mu.Lock()
	if p.client != client || p.state != StateRunning {
		// Stale watcher from a previous connection, or a deliberate stop
		// already in progress.
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	s.crash(p, client.Err(), client, gen)
}

// pumpNotifications reacts to server-initiated change notifications by
// re-discovering the plugin's tool catalog.
func (s *Supervisor) pumpNotifications(p *plugin, client *mcp.Client) {
	for {
		select {
		case <-client.Done():
			return
		case method := <-client.Notifications():
			if method != mcp.NotifToolsListChanged {
				continue
			}
			if err := s.rediscover(p, client); err != nil {
				s.logger.Warn("supervisor.rediscovery_failed", "plugin", p.cfg.ID, "error", err.Error())
			}
		}
	}
}

// rediscover refreshes a running plugin's registrations after a
// list_changed notification. The old set is withdrawn and the new one
// published; tools removed by the server disappear from the catalog.
func (s *Supervisor) rediscover(p *plugin, client *mcp.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.HandshakeTimeout)
	defer cancel()

	tools, err := client.ListTools(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.client != client || p.state != StateRunning {
		p.mu.Unlock()
		return nil
	}
	cfg := p.cfg
	p.mu.Unlock()

	s.registry.DeregisterAll(registry.PluginOrigin(cfg.ID, "").Owner())

	registered := 0
	for _, tool := range tools {
		d := registry.Descriptor{
			Identity:    Identity(cfg.ID, tool.Name),
			Description: tool.Description,
			Parameters:  tool.InputSchema,
			Origin:      registry.PluginOrigin(cfg.ID, tool.Name),
		}
		if err := s.registry.Register(d); err != nil {
			s.logger.Warn("supervisor.tool_skipped", "plugin", cfg.ID, "tool", tool.Name, "error", err.Error())
			continue
		}
		registered++
	}

	p.mu.Lock()
	p.tools = registered
	p.mu.Unlock()

	s.logger.Info("supervisor.tools_updated", "plugin", cfg.ID, "tools", registered)
	s.emit(Event{PluginID: cfg.ID, Kind: EventToolsUpdated, State: StateRunning})

	return nil
}

// crash handles an involuntary connection loss: deregister first, release
// second, then schedule a restart. The ordering is the fail-closed
// guarantee; between deregistration and the next successful start the
// plugin's tools simply do not exist.
func (s *Supervisor) crash(p *plugin, cause error, client *mcp.Client, gen int) {
	p.mu.Lock()
	if p.gen != gen || p.state == StateStopping || p.state == StateDisabled {
		// A deliberate stop (or a newer Enable) already owns this plugin;
		// the dead connection must not overwrite its state.
		p.mu.Unlock()
		if client != nil {
			_ = client.Close()
		}
		return
	}
	cfg := p.cfg
	removed := s.registry.DeregisterAll(registry.PluginOrigin(cfg.ID, "").Owner())
	if client != nil && p.client == client {
		p.client = nil
	}
	p.state = StateCrashed
	p.lastErr = cause
	p.tools = 0
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}

	s.logger.Error("supervisor.plugin_crashed",
		"plugin", cfg.ID, "tools_removed", removed, "error", errString(cause))
	s.emit(Event{PluginID: cfg.ID, Kind: EventCrashed, State: StateCrashed, Err: cause})

	s.scheduleRestart(p, gen)
}

// scheduleRestart arms the next backoff attempt, or gives up and settles
// the plugin in Disabled with its persistent error once attempts are
// exhausted.
func (s *Supervisor) scheduleRestart(p *plugin, gen int) {
	p.mu.Lock()
	if p.gen != gen || p.state != StateCrashed {
		p.mu.Unlock()
		return
	}
	p.attempts++
	attempt := p.attempts
	cfg := p.cfg
	if attempt > s.opts.MaxRestartAttempts {
		p.state = StateDisabled
		lastErr := p.lastErr
		p.mu.Unlock()
		s.logger.Error("supervisor.restart_abandoned", "plugin", cfg.ID, "attempts", attempt-1)
		s.emit(Event{PluginID: cfg.ID, Kind: EventGaveUp, State: StateDisabled, Err: lastErr})
		return
	}

	delay := backoffDelay(s.opts.RestartBackoff, s.opts.MaxRestartBackoff, attempt)

	p.retryTimer = time.AfterFunc(delay, func() {
		s.retry(p, gen)
	})
	p.mu.Unlock()

	s.logger.Info("supervisor.restart_scheduled", "plugin", cfg.ID, "attempt", attempt, "delay", delay.String())
	s.emit(Event{PluginID: cfg.ID, Kind: EventRestarting, State: StateCrashed})
}

// backoffDelay doubles base per attempt up to limit. Doubling stops at the
// last representable value, so an unbounded limit cannot overflow into a
// negative duration.
func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		doubled := delay * 2
		if doubled <= delay {
			break
		}
		delay = doubled
		if limit > 0 && delay >= limit {
			return limit
		}
	}
	return delay
}

// retry runs one scheduled restart attempt.
func (s *Supervisor) retry(p *plugin, gen int) {
	p.mu.Lock()
	if p.gen != gen || p.state != StateCrashed {
		// Disabled (or re-enabled) while the timer was pending.
		p.mu.Unlock()
		return
	}
	p.state = StateStarting
	p.retryTimer = nil
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.HandshakeTimeout*2)
	p.cancel = cancel
	p.mu.Unlock()

	defer cancel()

	if err := s.start(ctx, p, gen); err != nil {
		p.mu.Lock()
		if p.gen != gen || p.state != StateStarting {
			// Disabled while the attempt was in flight; stay down.
			p.mu.Unlock()
			return
		}
		p.state = StateCrashed
		p.lastErr = err
		p.cancel = nil
		cfg := p.cfg
		p.mu.Unlock()

		s.logger.Warn("supervisor.restart_failed", "plugin", cfg.ID, "error", err.Error())
		s.scheduleRestart(p, gen)
	}
}

// Disable deliberately stops a plugin: tools are withdrawn first, then the
// connection is shut down with the transport's two-step escalation.
func (s *Supervisor) Disable(ctx context.Context, pluginID string) error {
	s.mu.Lock()
	p, ok := s.plugins[pluginID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, pluginID)
	}

	p.mu.Lock()
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
	if p.cancel != nil {
		// Abort a connection attempt still in flight.
		p.cancel()
		p.cancel = nil
	}
	if p.state == StateDisabled || p.state == StateStopping {
		p.mu.Unlock()
		return nil
	}
	// Invalidate the in-flight attempt's generation so it cannot commit
	// Running or schedule a restart after this stop.
	p.gen++
	client := p.client
	p.client = nil
	p.state = StateStopping
	cfg := p.cfg
	p.mu.Unlock()

	removed := s.registry.DeregisterAll(registry.PluginOrigin(pluginID, "").Owner())

	if client != nil {
		_ = client.Close()
	}

	p.mu.Lock()
	p.state = StateDisabled
	p.tools = 0
	p.mu.Unlock()

	s.logger.Info("supervisor.plugin_stopped", "plugin", cfg.ID, "tools_removed", removed)
	s.emit(Event{PluginID: pluginID, Kind: EventStopped, State: StateDisabled})

	return nil
}

// InvokeTool calls a tool on a running plugin by its remote tool name. A
// tool-level failure travels back in the result's IsError flag; transport
// and protocol failures are Go errors.
func (s *Supervisor) InvokeTool(ctx context.Context, pluginID, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	p, ok := s.plugins[pluginID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, pluginID)
	}

	p.mu.Lock()
	client := p.client
	state := p.state
	p.mu.Unlock()

	if state != StateRunning || client == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, pluginID, state)
	}

	return client.CallTool(ctx, toolName, args)
}

// Apply reconciles the supervisor against a configuration: plugins absent
// or disabled in cfg are stopped, enabled ones not yet running are started.
// Used both at startup and for reload.
func (s *Supervisor) Apply(ctx context.Context, cfg *config.Config) error {
	wanted := make(map[string]config.Plugin, len(cfg.Plugins))
	for _, pc := range cfg.Plugins {
		if pc.Enabled {
			wanted[pc.ID] = pc
		}
	}

	s.mu.Lock()
	var toStop []string
	for id := range s.plugins {
		if _, keep := wanted[id]; !keep {
			toStop = append(toStop, id)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range toStop {
		if err := s.Disable(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	for _, pc := range wanted {
		if err := s.Enable(ctx, pc); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", pc.ID, err))
		}
	}

	return errors.Join(errs...)
}

// PluginState reports the lifecycle state and last error for one plugin.
func (s *Supervisor) PluginState(pluginID string) (State, error) {
	s.mu.Lock()
	p, ok := s.plugins[pluginID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPlugin, pluginID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.lastErr
}

// Statuses returns a snapshot of every supervised plugin.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	plugins := make([]*plugin, 0, len(s.plugins))
	for _, p := range s.plugins {
		plugins = append(plugins, p)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(plugins))
	for _, p := range plugins {
		p.mu.Lock()
		out = append(out, Status{PluginID: p.cfg.ID, State: p.state, Tools: p.tools, LastErr: p.lastErr})
		p.mu.Unlock()
	}

	return out
}

// Close stops every plugin and shuts the supervisor down. Further Enable
// calls fail.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]string, 0, len(s.plugins))
	for id := range s.plugins {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.Disable(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// emit delivers an event without ever blocking a lifecycle transition.
func (s *Supervisor) emit(ev Event) {
	ev.Time = time.Now()
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("supervisor.event_dropped", "plugin", ev.PluginID, "kind", string(ev.Kind))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

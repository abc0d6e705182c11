// Package config loads the engine's plugin and tuning configuration from a
// JSON or YAML file. The supervisor consumes the result as a read-only list
// at startup and on explicit reload; nothing here persists state.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Transport kinds accepted in plugin configuration.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Auth configures credentials for an HTTP plugin endpoint. Token, Username
// and Password support ${ENV_VAR} references resolved at load time so
// secrets stay out of config files.
type Auth struct {
	Type     string `mapstructure:"type" json:"type" yaml:"type"`
	Token    string `mapstructure:"token" json:"token,omitempty" yaml:"token,omitempty"`
	Username string `mapstructure:"username" json:"username,omitempty" yaml:"username,omitempty"`
	Password string `mapstructure:"password" json:"password,omitempty" yaml:"password,omitempty"`
}

// Plugin describes one external plugin connection: a stable identity, an
// enabled flag and the connection parameters for its transport kind.
type Plugin struct {
	ID      string `mapstructure:"id" json:"id" yaml:"id"`
	Name    string `mapstructure:"name" json:"name,omitempty" yaml:"name,omitempty"`
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`

	// Transport selects "stdio" (default when Command is set) or "http".
	Transport string `mapstructure:"transport" json:"transport,omitempty" yaml:"transport,omitempty"`

	// Process transport parameters.
	Command    string            `mapstructure:"command" json:"command,omitempty" yaml:"command,omitempty"`
	Args       []string          `mapstructure:"args" json:"args,omitempty" yaml:"args,omitempty"`
	Env        map[string]string `mapstructure:"env" json:"env,omitempty" yaml:"env,omitempty"`
	WorkingDir string            `mapstructure:"working_dir" json:"working_dir,omitempty" yaml:"working_dir,omitempty"`

	// Network transport parameters.
	URL  string `mapstructure:"url" json:"url,omitempty" yaml:"url,omitempty"`
	Auth Auth   `mapstructure:"auth" json:"auth,omitempty" yaml:"auth,omitempty"`
}

// Kind returns the effective transport kind, inferring it from the
// connection parameters when the field is unset.
func (p Plugin) Kind() string {
	if p.Transport != "" {
		return p.Transport
	}
	if p.URL != "" {
		return TransportHTTP
	}
	return TransportStdio
}

// Config is the full engine configuration.
type Config struct {
	Plugins []Plugin `mapstructure:"plugins" json:"plugins" yaml:"plugins"`

	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout" json:"handshake_timeout" yaml:"handshake_timeout"`
	InvocationTimeout time.Duration `mapstructure:"invocation_timeout" json:"invocation_timeout" yaml:"invocation_timeout"`
	StopGrace         time.Duration `mapstructure:"stop_grace" json:"stop_grace" yaml:"stop_grace"`

	MaxIterations      int           `mapstructure:"max_iterations" json:"max_iterations" yaml:"max_iterations"`
	MaxRestartAttempts int           `mapstructure:"max_restart_attempts" json:"max_restart_attempts" yaml:"max_restart_attempts"`
	RestartBackoff     time.Duration `mapstructure:"restart_backoff" json:"restart_backoff" yaml:"restart_backoff"`
}

// Default returns the configuration used when a field (or the whole file)
// is absent. Timeouts are seconds, not minutes: a wedged plugin should stall
// one invocation, not the conversation.
func Default() Config {
	return Config{
		HandshakeTimeout:   10 * time.Second,
		InvocationTimeout:  30 * time.Second,
		StopGrace:          3 * time.Second,
		MaxIterations:      8,
		MaxRestartAttempts: 5,
		RestartBackoff:     500 * time.Millisecond,
	}
}

// Load reads, expands and validates a configuration file. The format is
// inferred from the extension (.json, .yaml, .yml).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	def := Default()
	v.SetDefault("handshake_timeout", def.HandshakeTimeout)
	v.SetDefault("invocation_timeout", def.InvocationTimeout)
	v.SetDefault("stop_grace", def.StopGrace)
	v.SetDefault("max_iterations", def.MaxIterations)
	v.SetDefault("max_restart_attempts", def.MaxRestartAttempts)
	v.SetDefault("restart_backoff", def.RestartBackoff)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := restoreEnvKeys(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.expandSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Watch re-loads the file on change and hands each valid new configuration
// to onChange. Invalid intermediate states (e.g. mid-save) are skipped with
// the error passed to onError.
func Watch(path string, onChange func(*Config), onError func(error)) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := Load(path)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()

	return nil
}

// restoreEnvKeys re-reads the plugin env maps straight from the file. Viper
// lowercases every map key it loads, which would mangle the case-sensitive
// child environment (LOG_LEVEL arriving as log_level).
func restoreEnvKeys(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var shadow struct {
		Plugins []struct {
			ID  string            `json:"id" yaml:"id"`
			Env map[string]string `json:"env" yaml:"env"`
		} `json:"plugins" yaml:"plugins"`
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &shadow)
	default:
		err = json.Unmarshal(raw, &shadow)
	}
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	byID := make(map[string]map[string]string, len(shadow.Plugins))
	for _, p := range shadow.Plugins {
		byID[p.ID] = p.Env
	}
	for i := range cfg.Plugins {
		if env, ok := byID[cfg.Plugins[i].ID]; ok && len(env) > 0 {
			cfg.Plugins[i].Env = env
		}
	}

	return nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ResolveEnv replaces every ${NAME} reference in value with the named
// environment variable. A reference to an unset variable is an error rather
// than a silent empty string, so missing secrets fail loudly at load time.
func ResolveEnv(value string) (string, error) {
	var missing string
	out := envRef.ReplaceAllStringFunc(value, func(ref string) string {
		name := envRef.FindStringSubmatch(ref)[1]
		resolved, ok := os.LookupEnv(name)
		if !ok {
			missing = name
			return ref
		}
		return resolved
	})
	if missing != "" {
		return "", fmt.Errorf("config: environment variable %s referenced but not set", missing)
	}
	return out, nil
}

// expandSecrets resolves ${ENV} references in plugin env values and auth
// credentials.
func (c *Config) expandSecrets() error {
	for i := range c.Plugins {
		p := &c.Plugins[i]
		for key, value := range p.Env {
			resolved, err := ResolveEnv(value)
			if err != nil {
				return fmt.Errorf("plugin %s env %s: %w", p.ID, key, err)
			}
			p.Env[key] = resolved
		}
		for _, field := range []*string{&p.Auth.Token, &p.Auth.Username, &p.Auth.Password} {
			resolved, err := ResolveEnv(*field)
			if err != nil {
				return fmt.Errorf("plugin %s auth: %w", p.ID, err)
			}
			*field = resolved
		}
	}
	return nil
}

// Validate rejects configurations the supervisor could not act on.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Plugins))
	for _, p := range c.Plugins {
		if p.ID == "" {
			return fmt.Errorf("config: plugin with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate plugin id %q", p.ID)
		}
		seen[p.ID] = true

		switch p.Kind() {
		case TransportStdio:
			if p.Command == "" {
				return fmt.Errorf("config: plugin %s: stdio transport requires a command", p.ID)
			}
		case TransportHTTP:
			if p.URL == "" {
				return fmt.Errorf("config: plugin %s: http transport requires a url", p.ID)
			}
		default:
			return fmt.Errorf("config: plugin %s: unknown transport %q", p.ID, p.Transport)
		}
	}

	if c.MaxIterations <= 0 {
		return fmt.Errorf("config: max_iterations must be positive")
	}
	if c.HandshakeTimeout <= 0 || c.InvocationTimeout <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}

	return nil
}

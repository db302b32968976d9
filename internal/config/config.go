// Package config loads the gateway configuration from a YAML or TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tatuut/agentgateway/internal/files"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable that points at a config file.
const EnvVar = "AGENTGATEWAY_CONFIG"

// DefaultNames are looked for in the working directory and its parents when no config file is given.
var DefaultNames = []string{"agentgateway.yaml", "agentgateway.yml", "agentgateway.toml"}

type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Agent       AgentConfig       `yaml:"agent" toml:"agent"`
	Credentials CredentialsConfig `yaml:"credentials" toml:"credentials"`
	Limits      LimitsConfig      `yaml:"limits" toml:"limits"`
	Relay       RelayConfig       `yaml:"relay" toml:"relay"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Store       StoreConfig       `yaml:"store" toml:"store"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

type ServerConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
	// AllowedOrigins lists the cross-origin hosts allowed to call the gateway. "*" allows any.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	TLSCert        string   `yaml:"tls_cert" toml:"tls_cert"`
	TLSKey         string   `yaml:"tls_key" toml:"tls_key"`
}

type AgentConfig struct {
	// Backend is "cli" or "sdk".
	Backend string   `yaml:"backend" toml:"backend"`
	Command string   `yaml:"command" toml:"command"`
	Args    []string `yaml:"args" toml:"args"`
	// Dialect is "claude" or "raw".
	Dialect string `yaml:"dialect" toml:"dialect"`
	// Mode is "oneshot" or "interactive".
	Mode           string   `yaml:"mode" toml:"mode"`
	WorkDir        string   `yaml:"work_dir" toml:"work_dir"`
	AllowedTools   []string `yaml:"allowed_tools" toml:"allowed_tools"`
	GracePeriod    Duration `yaml:"grace_period" toml:"grace_period"`
	TurnIdle       Duration `yaml:"turn_idle" toml:"turn_idle"`
	MaxOutputBytes int      `yaml:"max_output_bytes" toml:"max_output_bytes"`
	MaxTurns       int      `yaml:"max_turns" toml:"max_turns"`

	Model        string `yaml:"model" toml:"model"`
	MaxTokens    int64  `yaml:"max_tokens" toml:"max_tokens"`
	SystemPrompt string `yaml:"system_prompt" toml:"system_prompt"`
	// BaseURL overrides the API endpoint used by the sdk backend.
	BaseURL string `yaml:"base_url" toml:"base_url"`
}

type CredentialsConfig struct {
	// Strategy is "none", "env" or "oauth-file".
	Strategy  string `yaml:"strategy" toml:"strategy"`
	APIKey    string `yaml:"api_key" toml:"api_key"`
	OAuthFile string `yaml:"oauth_file" toml:"oauth_file"`
}

type LimitsConfig struct {
	MaxSessions     int   `yaml:"max_sessions" toml:"max_sessions"`
	MaxMessageBytes int64 `yaml:"max_message_bytes" toml:"max_message_bytes"`
}

type RelayConfig struct {
	Keepalive Duration `yaml:"keepalive" toml:"keepalive"`
}

type AuthConfig struct {
	// JWTSecret enables bearer token checks on every route except /health when set.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string `yaml:"issuer" toml:"issuer"`
}

type StoreConfig struct {
	// Path is the SQLite transcript database. Empty disables transcripts.
	Path string `yaml:"path" toml:"path"`
	// Retention is how long transcripts are kept. Zero keeps them forever.
	Retention Duration `yaml:"retention" toml:"retention"`
}

type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
	// Format is "console" or "json".
	Format string `yaml:"format" toml:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:         "127.0.0.1:8080",
			AllowedOrigins: []string{"*"},
		},
		Agent: AgentConfig{
			Backend:     "cli",
			Command:     "claude",
			Dialect:     "claude",
			Mode:        "oneshot",
			GracePeriod: Duration(3 * time.Second),
			TurnIdle:    Duration(2 * time.Second),
			MaxTurns:    10,
			MaxTokens:   4096,
		},
		Credentials: CredentialsConfig{
			Strategy: "none",
		},
		Limits: LimitsConfig{
			MaxSessions:     64,
			MaxMessageBytes: 1 << 20,
		},
		Relay: RelayConfig{
			Keepalive: Duration(30 * time.Second),
		},
		Auth: AuthConfig{
			Issuer: "agentgateway",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Locate returns the config file to load: explicit if set, then $AGENTGATEWAY_CONFIG, then the first of DefaultNames
// found walking up from dir. It returns an empty path when there is no config file.
func Locate(explicit, dir string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if p := os.Getenv(EnvVar); p != "" {
		return p, nil
	}
	return files.FindUp(dir, DefaultNames...)
}

// Load reads the file at path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	b = expandEnv(b)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, c)
	case ".toml":
		_, err = toml.Decode(string(b), c)
	default:
		return nil, fmt.Errorf("unsupported config format %q, expected .yaml, .yml or .toml", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return c, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with the variable's value. Bare $VAR is left alone.
func expandEnv(b []byte) []byte {
	return envRef.ReplaceAllFunc(b, func(ref []byte) []byte {
		name := envRef.FindSubmatch(ref)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}

	switch c.Agent.Backend {
	case "cli":
		if c.Agent.Command == "" {
			errs = append(errs, errors.New("agent.command is required for the cli backend"))
		}
		switch c.Agent.Mode {
		case "oneshot", "interactive":
		default:
			errs = append(errs, fmt.Errorf("agent.mode must be oneshot or interactive, got %q", c.Agent.Mode))
		}
		switch c.Agent.Dialect {
		case "claude", "raw":
		default:
			errs = append(errs, fmt.Errorf("agent.dialect must be claude or raw, got %q", c.Agent.Dialect))
		}
	case "sdk":
		if c.Agent.MaxTokens <= 0 {
			errs = append(errs, errors.New("agent.max_tokens must be positive for the sdk backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("agent.backend must be cli or sdk, got %q", c.Agent.Backend))
	}
	if c.Agent.GracePeriod <= 0 {
		errs = append(errs, errors.New("agent.grace_period must be positive"))
	}
	if c.Agent.TurnIdle < 0 || c.Agent.MaxOutputBytes < 0 {
		errs = append(errs, errors.New("agent.turn_idle and agent.max_output_bytes can't be negative"))
	}

	switch c.Credentials.Strategy {
	case "none", "env":
	case "oauth-file":
		if c.Credentials.OAuthFile == "" {
			errs = append(errs, errors.New("credentials.oauth_file is required for the oauth-file strategy"))
		}
	default:
		errs = append(errs, fmt.Errorf("credentials.strategy must be none, env or oauth-file, got %q", c.Credentials.Strategy))
	}

	if c.Limits.MaxSessions < 0 {
		errs = append(errs, errors.New("limits.max_sessions can't be negative"))
	}
	if c.Limits.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("limits.max_message_bytes must be positive"))
	}
	if c.Store.Retention < 0 {
		errs = append(errs, errors.New("store.retention can't be negative"))
	}
	if c.Relay.Keepalive < 0 {
		errs = append(errs, errors.New("relay.keepalive can't be negative"))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// Duration is a time.Duration written as a string like "3s" in config files.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	err := n.Decode(&s)
	if err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

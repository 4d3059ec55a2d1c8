package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultScrapeInterval = 60 * time.Second
	DefaultBufferSize     = 1000
	DefaultCaregiverLabel = "caregiver"
	DefaultLogLevel       = "info"
)

// Config is the top-level agent configuration.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all agent-side settings.
type AgentConfig struct {
	// ServerEndpoint is the gRPC address of nestlog-server (host:port).
	ServerEndpoint string `yaml:"server_endpoint"`

	// ScrapeInterval controls how often each source is polled.
	ScrapeInterval time.Duration `yaml:"scrape_interval"`

	// BufferSize is the maximum number of submissions held in memory while
	// the server is unreachable.
	BufferSize int `yaml:"buffer_size"`

	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`

	// Sources is the list of metric endpoints to scrape.
	Sources []Source `yaml:"sources"`

	// ServerAuth configures how the agent authenticates to nestlog-server.
	// Supports: mtls | apikey | none.
	ServerAuth AuthConfig `yaml:"server_auth"`
}

// Source describes one Prometheus text endpoint exposing caregiver metrics,
// typically the log store's exporter.
type Source struct {
	// ID is a unique, human-readable identifier for this source.
	ID string `yaml:"id"`

	// Endpoint is the full URL of the metrics endpoint.
	Endpoint string `yaml:"endpoint"`

	// CaregiverLabel names the label that carries the caregiver key.
	// Series without it are ignored.
	CaregiverLabel string `yaml:"caregiver_label"`

	// Prefix is stripped from family names to form the metric name, so
	// nestlog_wet_diapers_last_24h ships as wet_diapers_last_24h.
	Prefix string `yaml:"prefix"`

	// Metrics restricts shipping to these metric names (after Prefix is
	// stripped). Empty ships everything.
	Metrics []string `yaml:"metrics"`

	// Auth configures how the agent authenticates to this source.
	Auth AuthConfig `yaml:"auth"`

	// TLS holds optional TLS dial options.
	TLS TLSConfig `yaml:"tls"`
}

// AuthConfig specifies an authentication mode.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mTLS fields, used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// Header is the HTTP header (or gRPC metadata key) the API key is sent in.
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv is the name of the environment variable that holds a bearer token.
	TokenEnv string `yaml:"token_env"`

	// Username is the literal basic-auth username.
	Username string `yaml:"username"`
	// PasswordEnv is the name of the environment variable that holds the password.
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// EffectiveHeader returns Header, or "x-api-key" when unset.
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// TLSConfig holds per-source TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	for i := range cfg.Agent.Sources {
		if cfg.Agent.Sources[i].CaregiverLabel == "" {
			cfg.Agent.Sources[i].CaregiverLabel = DefaultCaregiverLabel
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			ScrapeInterval: DefaultScrapeInterval,
			BufferSize:     DefaultBufferSize,
			LogLevel:       DefaultLogLevel,
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.Agent.ServerEndpoint == "" {
		return fmt.Errorf("agent.server_endpoint is required")
	}
	if cfg.Agent.ScrapeInterval <= 0 {
		return fmt.Errorf("agent.scrape_interval must be positive")
	}
	if cfg.Agent.BufferSize <= 0 {
		return fmt.Errorf("agent.buffer_size must be positive")
	}
	switch cfg.Agent.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("agent.log_level: unknown level %q", cfg.Agent.LogLevel)
	}
	switch cfg.Agent.ServerAuth.Mode {
	case "mtls", "apikey", "none", "":
	default:
		return fmt.Errorf("agent.server_auth: unknown mode %q", cfg.Agent.ServerAuth.Mode)
	}

	seen := make(map[string]bool, len(cfg.Agent.Sources))
	for i, src := range cfg.Agent.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if seen[src.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID)
		}
		seen[src.ID] = true
		if src.Endpoint == "" {
			return fmt.Errorf("sources[%d] %q: endpoint is required", i, src.ID)
		}
		switch src.Auth.Mode {
		case "mtls", "apikey", "bearer", "basic", "none", "":
		default:
			return fmt.Errorf("sources[%d] %q: unknown auth mode %q", i, src.ID, src.Auth.Mode)
		}
	}
	return nil
}

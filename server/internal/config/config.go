package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nestlog/nestlog/server/internal/nudge"
)

// Default values for the server configuration.
const (
	DefaultGRPCPort        = 50051
	DefaultHTTPPort        = 8080
	DefaultPageSize        = 25
	DefaultMaxPageSize     = 100
	DefaultRetention       = 30 * 24 * time.Hour
	DefaultSinkRetries     = 2
	DefaultSinkBackoff     = 100 * time.Millisecond
	DefaultChannelTimeout  = 10 * time.Second
	DefaultCacheTTL        = 5 * time.Minute
	DefaultCachePrefix     = "nestlog:pref:"
	DefaultStreamInterval  = 2 * time.Second
	DefaultChannelType     = "log"
	DefaultWebhookFormat   = "http"
	DefaultStorageDriver   = "memory"
	DefaultPostgresMaxConn = 10
)

// Config holds the server-side configuration parsed from the `server:` section
// of config.yaml. The `agent:` key in the same file is ignored.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// GRPCPort is the port the gRPC ingest service listens on (default 50051).
	GRPCPort int `yaml:"grpc_port"`

	// HTTPPort is the port the REST API, metrics and WebSocket stream listen on (default 8080).
	HTTPPort int `yaml:"http_port"`

	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Nudges    NudgesConfig    `yaml:"nudges"`
	Reporting ReportingConfig `yaml:"reporting"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Playbook  PlaybookConfig  `yaml:"playbook"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Stream    StreamConfig    `yaml:"stream"`

	// Preferences seeds the caregiver preference table. With the SQL storage
	// driver the entries are upserted at startup.
	Preferences []nudge.Preference `yaml:"preferences"`
}

// AuthConfig controls client authentication on the server side.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the gRPC metadata key (and HTTP header name) to read the key from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string { return env(a.KeyEnv) }

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

// Logger builds a slog.Logger writing to w.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(l.Level)}
	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NudgesConfig holds the threshold rules and dispatch queue settings.
type NudgesConfig struct {
	// Thresholds are evaluated in order. An empty list selects the built-in set.
	Thresholds []nudge.Threshold `yaml:"thresholds"`

	// SinkRetries is how many times a failed outcome write is retried.
	SinkRetries int `yaml:"sink_retries"`

	// SinkBackoff is the base wait between outcome write attempts.
	SinkBackoff time.Duration `yaml:"sink_backoff"`
}

// EffectiveThresholds returns the configured thresholds or the defaults.
func (n NudgesConfig) EffectiveThresholds() []nudge.Threshold {
	if len(n.Thresholds) == 0 {
		return nudge.DefaultThresholds()
	}
	return n.Thresholds
}

// ReportingConfig bounds the nudge listing endpoint.
type ReportingConfig struct {
	DefaultPageSize int `yaml:"default_page_size"`
	MaxPageSize     int `yaml:"max_page_size"`
}

// StorageConfig selects where outcomes and preferences live.
type StorageConfig struct {
	// Driver is one of: memory | postgres | mysql | sqlite.
	Driver string `yaml:"driver"`

	// DSNEnv names the environment variable holding the PostgreSQL or
	// MySQL DSN.
	DSNEnv string `yaml:"dsn_env"`

	// MaxConns caps the connection pool of the networked drivers.
	MaxConns int `yaml:"max_conns"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// Retention is how long outcomes are kept. Zero keeps them forever.
	Retention time.Duration `yaml:"retention"`
}

// DSN returns the PostgreSQL DSN resolved from the environment.
func (s StorageConfig) DSN() string { return env(s.DSNEnv) }

// CacheConfig enables the Redis preference cache when RedisAddr is set.
type CacheConfig struct {
	RedisAddr        string        `yaml:"redis_addr"`
	RedisPasswordEnv string        `yaml:"redis_password_env"`
	DB               int           `yaml:"db"`
	TTL              time.Duration `yaml:"ttl"`
	Prefix           string        `yaml:"prefix"`
}

// Enabled reports whether a Redis address is configured.
func (c CacheConfig) Enabled() bool { return c.RedisAddr != "" }

// Password returns the Redis password resolved from the environment.
func (c CacheConfig) Password() string { return env(c.RedisPasswordEnv) }

// PlaybookConfig points at the article library.
type PlaybookConfig struct {
	// Dir holds the markdown articles. Empty disables article resolution.
	Dir string `yaml:"dir"`
}

// ChannelsConfig configures one sender per nudge channel.
type ChannelsConfig struct {
	// Timeout bounds every send. Zero disables the bound.
	Timeout time.Duration `yaml:"timeout"`

	Email ChannelConfig `yaml:"email"`
	Push  ChannelConfig `yaml:"push"`
	Chat  ChannelConfig `yaml:"chat"`
	InApp ChannelConfig `yaml:"in_app"`
}

// For returns the settings for ch.
func (c ChannelsConfig) For(ch nudge.Channel) ChannelConfig {
	switch ch {
	case nudge.ChannelEmail:
		return c.Email
	case nudge.ChannelPush:
		return c.Push
	case nudge.ChannelChat:
		return c.Chat
	default:
		return c.InApp
	}
}

func (c *ChannelsConfig) each(fn func(name string, cc *ChannelConfig)) {
	fn("email", &c.Email)
	fn("push", &c.Push)
	fn("chat", &c.Chat)
	fn("in_app", &c.InApp)
}

// ChannelConfig selects the sender behind one channel.
type ChannelConfig struct {
	// Type is one of: log | webhook | nats | mqtt.
	Type string `yaml:"type"`

	// Format is the webhook payload shape: http | slack | teams.
	Format string `yaml:"format"`

	// URLEnv names the environment variable holding the webhook URL, NATS
	// server URL or MQTT broker address.
	URLEnv string `yaml:"url_env"`

	// Subject is the NATS subject.
	Subject string `yaml:"subject"`

	// Topic is the MQTT topic.
	Topic string `yaml:"topic"`

	// ClientID is the MQTT client id.
	ClientID string `yaml:"client_id"`

	// QoS is the MQTT quality of service (0-2).
	QoS byte `yaml:"qos"`
}

// URL returns the endpoint resolved from the environment.
func (c ChannelConfig) URL() string { return env(c.URLEnv) }

// StreamConfig controls the WebSocket nudge stream.
type StreamConfig struct {
	Interval time.Duration `yaml:"interval"`
}

func env(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// Load reads and parses the config file at path, returning the server configuration.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}
	applyChannelDefaults(&cfg.Server.Channels)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}
	return cfg, nil
}

// Registry validates the configured thresholds into a nudge registry.
func (c *Config) Registry() (*nudge.Registry, error) {
	return nudge.LoadRegistry(c.Server.Nudges.EffectiveThresholds())
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCPort: DefaultGRPCPort,
			HTTPPort: DefaultHTTPPort,
			Log:      LogConfig{Level: "info", Format: "json"},
			Nudges: NudgesConfig{
				SinkRetries: DefaultSinkRetries,
				SinkBackoff: DefaultSinkBackoff,
			},
			Reporting: ReportingConfig{
				DefaultPageSize: DefaultPageSize,
				MaxPageSize:     DefaultMaxPageSize,
			},
			Storage: StorageConfig{
				Driver:    DefaultStorageDriver,
				MaxConns:  DefaultPostgresMaxConn,
				Retention: DefaultRetention,
			},
			Cache: CacheConfig{
				TTL:    DefaultCacheTTL,
				Prefix: DefaultCachePrefix,
			},
			Channels: ChannelsConfig{Timeout: DefaultChannelTimeout},
			Stream:   StreamConfig{Interval: DefaultStreamInterval},
		},
	}
}

func applyChannelDefaults(c *ChannelsConfig) {
	c.each(func(_ string, cc *ChannelConfig) {
		if cc.Type == "" {
			cc.Type = DefaultChannelType
		}
		if cc.Type == "webhook" && cc.Format == "" {
			cc.Format = DefaultWebhookFormat
		}
	})
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	s := &cfg.Server
	if s.GRPCPort <= 0 || s.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d is out of range [1, 65535]", s.GRPCPort)
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	switch s.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", s.Auth.Mode)
	}
	if s.Auth.Mode == "apikey" && s.Auth.KeyEnv == "" {
		return fmt.Errorf("server.auth.key_env is required when mode is apikey")
	}
	switch strings.ToLower(s.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("server.log.level %q unknown: want debug|info|warn|error", s.Log.Level)
	}
	switch strings.ToLower(s.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("server.log.format %q unknown: want json|text", s.Log.Format)
	}

	if _, err := nudge.LoadRegistry(s.Nudges.EffectiveThresholds()); err != nil {
		return fmt.Errorf("server.nudges: %w", err)
	}
	if s.Nudges.SinkRetries < 0 {
		return fmt.Errorf("server.nudges.sink_retries must not be negative")
	}

	if s.Reporting.DefaultPageSize <= 0 || s.Reporting.MaxPageSize <= 0 {
		return fmt.Errorf("server.reporting page sizes must be positive")
	}
	if s.Reporting.DefaultPageSize > s.Reporting.MaxPageSize {
		return fmt.Errorf("server.reporting.default_page_size %d exceeds max_page_size %d",
			s.Reporting.DefaultPageSize, s.Reporting.MaxPageSize)
	}

	switch s.Storage.Driver {
	case "memory":
	case "postgres", "mysql":
		if s.Storage.DSNEnv == "" {
			return fmt.Errorf("server.storage.dsn_env is required for the %s driver", s.Storage.Driver)
		}
	case "sqlite":
		if s.Storage.Path == "" {
			return fmt.Errorf("server.storage.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("server.storage.driver %q unknown: want memory|postgres|mysql|sqlite", s.Storage.Driver)
	}
	if s.Storage.Retention < 0 {
		return fmt.Errorf("server.storage.retention must not be negative")
	}

	if s.Channels.Timeout < 0 {
		return fmt.Errorf("server.channels.timeout must not be negative")
	}
	var chErr error
	s.Channels.each(func(name string, cc *ChannelConfig) {
		if chErr == nil {
			if err := validateChannel(*cc); err != nil {
				chErr = fmt.Errorf("server.channels.%s: %w", name, err)
			}
		}
	})
	if chErr != nil {
		return chErr
	}

	seen := make(map[string]bool, len(s.Preferences))
	for i, p := range s.Preferences {
		if strings.TrimSpace(p.CaregiverKey) == "" {
			return fmt.Errorf("server.preferences[%d].caregiver_key must not be empty", i)
		}
		if seen[p.CaregiverKey] {
			return fmt.Errorf("server.preferences[%d]: duplicate caregiver_key %q", i, p.CaregiverKey)
		}
		seen[p.CaregiverKey] = true
	}

	if s.Stream.Interval <= 0 {
		return fmt.Errorf("server.stream.interval must be positive")
	}
	return nil
}

func validateChannel(c ChannelConfig) error {
	switch c.Type {
	case "log":
	case "webhook":
		switch c.Format {
		case "http", "slack", "teams":
		default:
			return fmt.Errorf("format %q unknown: want http|slack|teams", c.Format)
		}
		if c.URLEnv == "" {
			return fmt.Errorf("url_env is required for webhook")
		}
	case "nats":
		if c.URLEnv == "" || c.Subject == "" {
			return fmt.Errorf("url_env and subject are required for nats")
		}
	case "mqtt":
		if c.URLEnv == "" || c.Topic == "" {
			return fmt.Errorf("url_env and topic are required for mqtt")
		}
		if c.QoS > 2 {
			return fmt.Errorf("qos %d out of range [0, 2]", c.QoS)
		}
	default:
		return fmt.Errorf("type %q unknown: want log|webhook|nats|mqtt", c.Type)
	}
	return nil
}

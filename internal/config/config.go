package config

import (
	"time"
)

const (
	defaultListen = ":8080"

	// DefaultCookieName is the name of the signed session cookie.
	DefaultCookieName = "mcp-session"

	// DefaultSessionTTL is the lifetime of a session cookie.
	DefaultSessionTTL = 7 * 24 * time.Hour

	// CallbackPath is where the OAuth provider redirects back to.
	CallbackPath = "/api/mcp/auth/callback"

	// DefaultMaxParallelConnects bounds concurrent connects per reconcile.
	DefaultMaxParallelConnects = 8
)

// Config represents the main configuration structure
type Config struct {
	Listen    string `json:"listen" mapstructure:"listen"`
	PublicURL string `json:"public_url,omitempty" mapstructure:"public-url"`

	Session  SessionConfig  `json:"session" mapstructure:"session"`
	Timeouts TimeoutsConfig `json:"timeouts" mapstructure:"timeouts"`
	OAuth    OAuthConfig    `json:"oauth" mapstructure:"oauth"`

	// MaxParallelConnects bounds the fan-out of a single reconcile call.
	MaxParallelConnects int `json:"max_parallel_connects" mapstructure:"max-parallel-connects"`

	// Servers is the default server list used when a tools request carries none.
	Servers []ServerDescriptor `json:"servers,omitempty" mapstructure:"servers"`

	Logging *LogConfig     `json:"logging,omitempty" mapstructure:"logging"`
	Tracing *TracingConfig `json:"tracing,omitempty" mapstructure:"tracing"`
	Metrics *MetricsConfig `json:"metrics,omitempty" mapstructure:"metrics"`
}

// ServerDescriptor names one remote MCP server.
type ServerDescriptor struct {
	ID   string `json:"id,omitempty" mapstructure:"id"`
	Name string `json:"name" mapstructure:"name"`
	URL  string `json:"url" mapstructure:"url"`
}

// SessionConfig controls the session cookie and in-memory session lifetime.
type SessionConfig struct {
	Secret          string        `json:"-" mapstructure:"secret"`
	CookieName      string        `json:"cookie_name" mapstructure:"cookie-name"`
	TTL             time.Duration `json:"ttl" mapstructure:"ttl"`
	SecureCookie    bool          `json:"secure_cookie" mapstructure:"secure-cookie"`
	IdleTimeout     time.Duration `json:"idle_timeout" mapstructure:"idle-timeout"`
	CleanupInterval time.Duration `json:"cleanup_interval" mapstructure:"cleanup-interval"`
}

// TimeoutsConfig bounds every outbound network call.
type TimeoutsConfig struct {
	Connect       time.Duration `json:"connect" mapstructure:"connect"`
	ListTools     time.Duration `json:"list_tools" mapstructure:"list-tools"`
	CallTool      time.Duration `json:"call_tool" mapstructure:"call-tool"`
	TokenExchange time.Duration `json:"token_exchange" mapstructure:"token-exchange"`
}

// OAuthConfig holds client registration settings shared by every upstream.
type OAuthConfig struct {
	ClientName   string   `json:"client_name" mapstructure:"client-name"`
	ClientID     string   `json:"client_id,omitempty" mapstructure:"client-id"`
	ClientSecret string   `json:"-" mapstructure:"client-secret"`
	Scopes       []string `json:"scopes,omitempty" mapstructure:"scopes"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`       // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"` // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`         // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled      bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName  string  `json:"service_name" mapstructure:"service-name"`
	OTLPEndpoint string  `json:"otlp_endpoint" mapstructure:"otlp-endpoint"`
	SampleRate   float64 `json:"sample_rate" mapstructure:"sample-rate"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() *Config {
	return &Config{
		Listen: defaultListen,
		Session: SessionConfig{
			CookieName:      DefaultCookieName,
			TTL:             DefaultSessionTTL,
			IdleTimeout:     DefaultSessionTTL,
			CleanupInterval: 10 * time.Minute,
		},
		Timeouts: TimeoutsConfig{
			Connect:       15 * time.Second,
			ListTools:     15 * time.Second,
			CallTool:      30 * time.Second,
			TokenExchange: 15 * time.Second,
		},
		OAuth: OAuthConfig{
			ClientName: "mcpchat",
		},
		MaxParallelConnects: DefaultMaxParallelConnects,
		Logging: &LogConfig{
			Level:         "info",
			EnableConsole: true,
			Filename:      "mcpchat.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
		},
		Tracing: &TracingConfig{
			ServiceName: "mcpchat",
			SampleRate:  1.0,
		},
		Metrics: &MetricsConfig{Enabled: true},
	}
}

// CallbackURL returns the absolute OAuth redirect URI for this deployment.
func (c *Config) CallbackURL() string {
	return c.PublicURL + CallbackPath
}

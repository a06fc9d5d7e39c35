package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. MCPCHAT_LISTEN.
const EnvPrefix = "MCPCHAT"

// SecretEnvVar is the conventional environment variable holding the cookie signing secret.
const SecretEnvVar = "JWT_SECRET"

// Load reads configuration from defaults, an optional file and the environment.
// Precedence, lowest first: defaults, file, environment.
func Load(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("config file %s: %w", configPath, err)
		}
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// JWT_SECRET is honoured without the prefix.
	_ = v.BindEnv("session.secret", EnvPrefix+"_SESSION_SECRET", SecretEnvVar)

	def := DefaultConfig()
	v.SetDefault("listen", def.Listen)
	v.SetDefault("public-url", "")
	v.SetDefault("max-parallel-connects", def.MaxParallelConnects)

	v.SetDefault("session.cookie-name", def.Session.CookieName)
	v.SetDefault("session.ttl", def.Session.TTL)
	v.SetDefault("session.secure-cookie", false)
	v.SetDefault("session.idle-timeout", def.Session.IdleTimeout)
	v.SetDefault("session.cleanup-interval", def.Session.CleanupInterval)

	v.SetDefault("timeouts.connect", def.Timeouts.Connect)
	v.SetDefault("timeouts.list-tools", def.Timeouts.ListTools)
	v.SetDefault("timeouts.call-tool", def.Timeouts.CallTool)
	v.SetDefault("timeouts.token-exchange", def.Timeouts.TokenExchange)

	v.SetDefault("oauth.client-name", def.OAuth.ClientName)
	v.SetDefault("oauth.client-id", "")
	v.SetDefault("oauth.client-secret", "")
	v.SetDefault("oauth.scopes", []string{})

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.enable-file", def.Logging.EnableFile)
	v.SetDefault("logging.enable-console", def.Logging.EnableConsole)
	v.SetDefault("logging.filename", def.Logging.Filename)
	v.SetDefault("logging.log-dir", "")
	v.SetDefault("logging.max-size", def.Logging.MaxSize)
	v.SetDefault("logging.max-backups", def.Logging.MaxBackups)
	v.SetDefault("logging.max-age", def.Logging.MaxAge)
	v.SetDefault("logging.compress", def.Logging.Compress)
	v.SetDefault("logging.json-format", def.Logging.JSONFormat)

	v.SetDefault("tracing.enabled", def.Tracing.Enabled)
	v.SetDefault("tracing.service-name", def.Tracing.ServiceName)
	v.SetDefault("tracing.otlp-endpoint", "")
	v.SetDefault("tracing.sample-rate", def.Tracing.SampleRate)

	v.SetDefault("metrics.enabled", def.Metrics.Enabled)

	return v
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	minTimeout = time.Second
	maxTimeout = 5 * time.Minute
)

// ErrMissingSecret is returned by RequireSecret when no signing secret is configured.
var ErrMissingSecret = errors.New("session secret is not configured (set JWT_SECRET)")

// Validate fills unset values with defaults and rejects values that cannot work.
func (c *Config) Validate() error {
	def := DefaultConfig()

	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.PublicURL == "" {
		c.PublicURL = PublicURLFromListen(c.Listen)
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if err := validateURL(c.PublicURL); err != nil {
		return fmt.Errorf("public-url: %w", err)
	}

	if c.Session.CookieName == "" {
		c.Session.CookieName = def.Session.CookieName
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = def.Session.TTL
	}
	if c.Session.IdleTimeout <= 0 {
		c.Session.IdleTimeout = c.Session.TTL
	}
	if c.Session.CleanupInterval <= 0 {
		c.Session.CleanupInterval = def.Session.CleanupInterval
	}

	timeouts := []struct {
		name string
		val  *time.Duration
		def  time.Duration
	}{
		{"timeouts.connect", &c.Timeouts.Connect, def.Timeouts.Connect},
		{"timeouts.list-tools", &c.Timeouts.ListTools, def.Timeouts.ListTools},
		{"timeouts.call-tool", &c.Timeouts.CallTool, def.Timeouts.CallTool},
		{"timeouts.token-exchange", &c.Timeouts.TokenExchange, def.Timeouts.TokenExchange},
	}
	for _, t := range timeouts {
		if *t.val == 0 {
			*t.val = t.def
		}
		if *t.val < minTimeout || *t.val > maxTimeout {
			return fmt.Errorf("%s must be between %s and %s, got %s", t.name, minTimeout, maxTimeout, *t.val)
		}
	}

	if c.OAuth.ClientName == "" {
		c.OAuth.ClientName = def.OAuth.ClientName
	}
	if c.MaxParallelConnects <= 0 {
		c.MaxParallelConnects = def.MaxParallelConnects
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("servers[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("servers[%d]: duplicate server name %q", i, s.Name)
		}
		seen[s.Name] = true
		if err := validateURL(s.URL); err != nil {
			return fmt.Errorf("servers[%d] (%s): %w", i, s.Name, err)
		}
		if s.ID == "" {
			c.Servers[i].ID = s.Name
		}
	}

	if c.Logging == nil {
		c.Logging = def.Logging
	}
	if c.Tracing == nil {
		c.Tracing = def.Tracing
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = def.Tracing.ServiceName
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample-rate must be within [0,1], got %v", c.Tracing.SampleRate)
	}
	if c.Metrics == nil {
		c.Metrics = def.Metrics
	}

	return nil
}

// RequireSecret reports an error when the session signing secret is missing.
func (c *Config) RequireSecret() error {
	if strings.TrimSpace(c.Session.Secret) == "" {
		return ErrMissingSecret
	}
	return nil
}

// PublicURLFromListen derives the public base URL used when public-url is unset.
func PublicURLFromListen(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "http://localhost" + listen
	}
	return "http://" + listen
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %q: host is required", raw)
	}
	return nil
}

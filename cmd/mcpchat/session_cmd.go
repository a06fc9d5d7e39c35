package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/config"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/sessiontoken"
)

func newSessionCommand() *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect session cookies",
	}

	decodeCmd := &cobra.Command{
		Use:   "decode <cookie>",
		Short: "Verify a session cookie with the configured secret and print its contents",
		Long: `Verifies the signature and expiry of a session cookie value using the secret
from the configuration (or JWT_SECRET) and prints the session as JSON.
The argument may be the bare token or a "name=token" pair copied from a browser.`,
		Args: cobra.ExactArgs(1),
		RunE: runSessionDecode,
	}

	sessionCmd.AddCommand(decodeCmd)
	return sessionCmd
}

func runSessionDecode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return &exitError{code: ExitCodeConfigError, err: err}
	}
	if err := cfg.RequireSecret(); err != nil {
		return &exitError{code: ExitCodeConfigError, err: err}
	}

	tokens, err := sessiontoken.NewManager(sessiontoken.Options{
		Secret:     cfg.Session.Secret,
		CookieName: cfg.Session.CookieName,
		TTL:        cfg.Session.TTL,
	}, nil)
	if err != nil {
		return err
	}

	sess, err := tokens.Parse(cookieValue(args[0], tokens.CookieName()))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(sess); err != nil {
		return fmt.Errorf("failed to print session: %w", err)
	}
	return nil
}

// cookieValue strips an optional "name=" prefix and any trailing attributes.
func cookieValue(raw, name string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexByte(raw, ';'); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimPrefix(raw, name+"=")
}

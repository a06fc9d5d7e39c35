package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/logs"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/tools"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/transport"
)

var (
	toolsServerURL string
	toolsHeaders   map[string]string
	toolsTimeout   time.Duration
	toolsJSON      bool
)

var (
	toolNameStyle = lipgloss.NewStyle().Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "25", Dark: "75"})
	paramNameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "28", Dark: "42"})
	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "245", Dark: "244"})
	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "160", Dark: "196"})
)

func newToolsCommand() *cobra.Command {
	toolsCmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tools exposed by an MCP server",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Connect anonymously to a server and print its tool catalog",
		Long: `Connects to one MCP server over streamable HTTP, lists its tools and prints
them in the same shape the chat API returns.

Examples:
  mcpchat tools list --url https://mcp.example.com/mcp
  mcpchat tools list --url http://localhost:3001/mcp --header X-Api-Key=secret --json`,
		RunE: runToolsList,
	}
	listCmd.Flags().StringVarP(&toolsServerURL, "url", "u", "", "MCP server URL (required)")
	listCmd.Flags().StringToStringVarP(&toolsHeaders, "header", "H", nil, "Extra request header as key=value (repeatable)")
	listCmd.Flags().DurationVar(&toolsTimeout, "timeout", 30*time.Second, "Connection and listing timeout")
	listCmd.Flags().BoolVar(&toolsJSON, "json", false, "Print JSON instead of a styled listing")
	_ = listCmd.MarkFlagRequired("url")

	toolsCmd.AddCommand(listCmd)
	return toolsCmd
}

func runToolsList(cmd *cobra.Command, _ []string) error {
	u, err := url.Parse(toolsServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("--url must be an absolute http(s) URL, got %q", toolsServerURL)
	}

	logger, err := logs.SetupCommandLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), toolsTimeout)
	defer cancel()

	dialer := transport.NewHTTPDialer(logger, transport.Timeouts{
		Connect:   toolsTimeout,
		ListTools: toolsTimeout,
	}, version, strings.EqualFold(logLevel, logs.LogLevelTrace))

	conn, err := dialer.Dial(ctx, &transport.HTTPTransportConfig{
		URL:     toolsServerURL,
		Headers: toolsHeaders,
	})
	if err != nil {
		if transport.IsAuthRequired(err) {
			return &exitError{
				code: ExitCodeAuthRequired,
				err:  fmt.Errorf("%s requires OAuth authorization; connect it through the web UI", toolsServerURL),
			}
		}
		return err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			logger.Debug("Failed to close connection", zap.Error(cerr))
		}
	}()

	list, err := conn.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}

	serialized := tools.SerializeTools(tools.FromMCPTools(u.Host, list), logger)
	if toolsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(serialized)
	}

	styled := term.IsTerminal(int(os.Stdout.Fd()))
	renderTools(cmd.OutOrStdout(), serialized, styled)
	return nil
}

// renderTools prints one block per tool, sorted by name.
func renderTools(w io.Writer, catalog map[string]tools.SerializedTool, styled bool) {
	style := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}

	if len(catalog) == 0 {
		fmt.Fprintln(w, "No tools found")
		return
	}

	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		if i > 0 {
			fmt.Fprintln(w)
		}
		t := catalog[name]
		fmt.Fprintln(w, style(toolNameStyle, name))
		if t.Description != "" {
			fmt.Fprintln(w, "  "+style(mutedStyle, t.Description))
		}

		p := t.Parameters
		switch {
		case p.Error != "":
			msg := "schema error: " + p.Error
			if p.TypeReceived != "" {
				msg += " (got " + p.TypeReceived + ")"
			}
			fmt.Fprintln(w, "  "+style(errorStyle, msg))
		case p.Fields == nil || p.Fields.Len() == 0:
			fmt.Fprintln(w, "  "+style(mutedStyle, "no parameters"))
		default:
			for pair := p.Fields.Oldest(); pair != nil; pair = pair.Next() {
				line := fmt.Sprintf("  %s: %s", style(paramNameStyle, pair.Key), pair.Value.Type)
				if pair.Value.Optional {
					line += " (optional)"
				}
				if pair.Value.Description != "" {
					line += " - " + pair.Value.Description
				}
				fmt.Fprintln(w, line)
			}
		}
	}
}

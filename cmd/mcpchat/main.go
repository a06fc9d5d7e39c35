package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat-go/internal/config"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/logs"
	"github.com/smart-mcp-proxy/mcpchat-go/internal/server"
)

var (
	configFile string
	listen     string
	logLevel   string
	logToFile  bool
	logDir     string

	version = "v0.1.0" // This will be injected by -ldflags during build
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		code := exitCodeFor(err)
		fmt.Fprintf(os.Stderr, "Error (%s): %v\n", exitCodeDescription(code), err)
		os.Exit(code)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mcpchat",
		Short:         "MCP connection and session manager for chat front-ends",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServer,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (overrides config)")
	rootCmd.Flags().BoolVar(&logToFile, "log-to-file", false, "Enable logging to file in standard OS location")
	rootCmd.Flags().StringVar(&logDir, "log-dir", "", "Custom log directory path (overrides standard OS location)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default command)",
		RunE:  runServer,
	}
	serveCmd.Flags().AddFlagSet(rootCmd.Flags())

	rootCmd.AddCommand(serveCmd, newToolsCommand(), newSessionCommand())
	return rootCmd
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return &exitError{code: ExitCodeConfigError, err: err}
	}

	if cmd.Flags().Changed("listen") {
		if cfg.PublicURL == config.PublicURLFromListen(cfg.Listen) {
			cfg.PublicURL = config.PublicURLFromListen(listen)
		}
		cfg.Listen = listen
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("log-to-file") {
		cfg.Logging.EnableFile = logToFile
	}
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting mcpchat",
		zap.String("version", version),
		zap.String("log_level", cfg.Logging.Level),
		zap.Bool("log_to_file", cfg.Logging.EnableFile),
		zap.Int("servers_count", len(cfg.Servers)))

	srv, err := server.NewServer(cfg, logger, server.Options{Version: version})
	if err != nil {
		if errors.Is(err, config.ErrMissingSecret) {
			return &exitError{code: ExitCodeConfigError, err: err}
		}
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		var portErr *server.PortInUseError
		if errors.As(err, &portErr) {
			return &exitError{code: ExitCodePortConflict, err: err}
		}
		return err
	}
	logger.Info("mcpchat stopped")
	return nil
}

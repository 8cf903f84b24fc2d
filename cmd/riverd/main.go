package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	clientcmd "github.com/leonj1/river/internal/cmd/client"
	serverrun "github.com/leonj1/river/internal/cmd/server"
	logpkg "github.com/leonj1/river/pkg/log"
	"github.com/leonj1/river/provider"
	"github.com/spf13/cobra"
)

func main() {
	// initialize logger for CLI
	// Respect RIVER_LOG_LEVEL for both CLI and server start output
	level := os.Getenv("RIVER_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)

	// Redirect standard library logs (used by Pebble) to our logger
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "riverd",
		Short: "River runtime CLI",
		Long:  "River is a single-binary push-stream runtime. This CLI manages the server and client stream operations.",
	}

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start river server (HTTP + SSE)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			dataDir, _ := cmd.Flags().GetString("data-dir")
			httpAddr, _ := cmd.Flags().GetString("http")
			providerName, _ := cmd.Flags().GetString("provider")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if logLevel != "" {
				_ = os.Setenv("RIVER_LOG_LEVEL", logLevel)
			}
			if logFormat != "" {
				_ = os.Setenv("RIVER_LOG_FORMAT", logFormat)
			}
			if err := serverrun.Run(ctx, serverrun.Options{
				ConfigPath: configPath,
				HTTPAddr:   httpAddr,
				Provider:   providerName,
				DataDir:    dataDir,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	serverStartCmd.Flags().String("config", "", "Config file, JSON or YAML (optional)")
	serverStartCmd.Flags().String("http", "", "HTTP listen address (overrides config)")
	serverStartCmd.Flags().String("provider", "", "Durability provider: memory|pebble|sqlite|redis (overrides config)")
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("log-level", os.Getenv("RIVER_LOG_LEVEL"), "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", os.Getenv("RIVER_LOG_FORMAT"), "Log format: text|json (default text)")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	// providers
	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "List compiled-in durability providers",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range provider.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
	rootCmd.AddCommand(providersCmd)

	// client-side stream commands (live in internal/cmd/client)
	rootCmd.AddCommand(clientcmd.NewCallCommand(clientcmd.APIBaseURL))
	rootCmd.AddCommand(clientcmd.NewResumeCommand(clientcmd.APIBaseURL))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

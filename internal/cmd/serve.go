package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parley-ai/parley/internal/api"
	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/logging"
	"github.com/parley-ai/parley/internal/web"
)

var (
	serveHost string
	servePort int
)

// shutdownTimeout bounds the graceful drain of WebSocket clients and
// in-flight HTTP requests after a termination signal.
const shutdownTimeout = 5 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the WebSocket gateway",
	Long: `Start the session gateway.

The gateway exposes the session registry over a WebSocket protocol:
clients subscribe to conversations, start and stop generations, and
recover interrupted streams. Sessions keep streaming while no client
is attached.

Endpoints:
  /ws       WebSocket session protocol
  /healthz  liveness probe
  /metrics  Prometheus metrics

Example:
  parley serve                    # Listen on the configured address (default 127.0.0.1:8080)
  parley serve --port 3000        # Custom port
  parley serve --host 0.0.0.0     # Listen on all interfaces`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default: from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default: from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Flag > config precedence for the listen address
	host := cfg.Web.Host
	if cmd.Flags().Changed("host") {
		host = serveHost
	}
	port := cfg.Web.Port
	if cmd.Flags().Changed("port") {
		port = servePort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	client, err := api.New(api.Config{
		BaseURL: cfg.Backend.BaseURL,
		TeamID:  cfg.Backend.TeamID,
		Token:   cfg.Backend.Token,
		Timeout: cfg.BackendTimeout(),
		Logger:  logging.API(),
	})
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}

	svc := chat.NewService(chat.ServiceConfig{
		Backend:       chat.NewBackend(client),
		MaxSessions:   cfg.Chat.MaxSessions,
		CancelTimeout: cfg.CancelTimeout(),
		Logger:        logging.Chat(),
	})

	srv := web.NewServer(web.Config{
		Addr:        addr,
		Service:     svc,
		FenceWindow: cfg.Chat.FenceWindow,
		RateLimit: web.RateLimitConfig{
			RequestsPerSecond: cfg.Web.RateLimit,
			BurstSize:         cfg.Web.RateBurst,
		},
		Logger: logging.Web(),
	})

	// Hot-reload: log level, backend address/credentials, and rate limits
	// follow the config file while the gateway runs. Listen address and
	// session caps need a restart.
	if configResult != nil && configResult.SourcePath != "" {
		watcher, err := config.NewWatcher(configResult.SourcePath, func(newCfg *config.Config) {
			if err := logging.Initialize(buildLoggingConfig(newCfg)); err != nil {
				logging.Get().Warn("Failed to re-initialize logging after reload", "error", err)
			}
			if err := client.UpdateConfig(newCfg.Backend.BaseURL, newCfg.Backend.Token, newCfg.Backend.TeamID); err != nil {
				logging.Get().Warn("Failed to apply backend settings after reload", "error", err)
			}
			srv.SetRateLimit(newCfg.Web.RateLimit, newCfg.Web.RateBurst)
		}, logging.WithComponent("config"))
		if err != nil {
			logging.Get().Warn("Config hot-reload disabled", "error", err)
		} else {
			watcher.Start()
			defer watcher.Close()
		}
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	actualPort := listener.Addr().(*net.TCPAddr).Port

	fmt.Printf("🌐 Starting Parley gateway...\n")
	fmt.Printf("   Backend: %s (team %d)\n", cfg.Backend.BaseURL, cfg.Backend.TeamID)
	if configResult.SourcePath != "" {
		fmt.Printf("   Config: %s\n", configResult.SourcePath)
	} else {
		fmt.Printf("   Config: built-in defaults\n")
	}
	fmt.Printf("   WebSocket URL: ws://%s/ws\n", net.JoinHostPort(host, strconv.Itoa(actualPort)))

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\n👋 Shutting down...")
		logging.Shutdown().Info("Termination signal received")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logging.Shutdown().Warn("Gateway shutdown incomplete", "error", err)
		}
		svc.Close()
	}()

	fmt.Printf("\n   Press Ctrl+C to stop\n\n")

	// Serve (blocks until shutdown)
	if err := srv.Serve(listener); err != nil && !srv.IsShutdown() {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

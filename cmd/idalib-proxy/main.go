package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zrax-x/idalib-proxy-mcp/pkg/proxy"
)

var (
	flagHost         string
	flagPort         int
	flagMaxProcesses int
	flagConfig       string
	flagVerbose      bool
)

var rootCmd = &cobra.Command{
	Use:     "idalib-proxy",
	Short:   "Multiplexing JSON-RPC proxy in front of a pool of idalib-mcp workers",
	Version: "0.1.0",
	RunE:    run,
}

func init() {
	rootCmd.Flags().StringVar(&flagHost, "host", "", "listen and worker host (default 127.0.0.1)")
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "listen port (default 8744)")
	rootCmd.Flags().IntVar(&flagMaxProcesses, "max-processes", 0, "maximum concurrent worker processes (default 2)")
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "path to a JSON config file")
	rootCmd.Flags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := proxy.LoadConfig(flagConfig)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlagOverrides(cmd, cfg)

	logger := proxy.NewLogger(cfg.Logging)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := proxy.NewWorkerPool(cfg.Host, cfg.BasePort, cfg.MaxProcesses, cfg.Worker.Command, cfg.Worker.StartupTimeout, logger)
	if _, err := pool.EnsureDefault(ctx); err != nil {
		logger.ErrorContext(ctx, "failed to start default worker", "error", err)
		return err
	}

	registry := proxy.NewRegistry(pool, cfg.MaxProcesses, proxy.DefaultCodec(), logger)
	router := proxy.NewRouter(registry, pool, proxy.DefaultCodec(), logger)
	server := proxy.NewServer(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), router, pool, proxy.DefaultCodec(), logger, cfg.Metrics)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	logger.InfoContext(ctx, "idalib-proxy listening", "host", cfg.Host, "port", cfg.Port, "max_processes", cfg.MaxProcesses)

	select {
	case <-ctx.Done():
		logger.InfoContext(context.Background(), "shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.ErrorContext(context.Background(), "server failed", "error", err)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = server.Shutdown(shutdownCtx)
	registry.CloseAll(shutdownCtx)
	pool.StopAll()

	logger.InfoContext(context.Background(), "shutdown complete")
	return nil
}

func applyFlagOverrides(cmd *cobra.Command, cfg *proxy.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Host = flagHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = flagPort
	}
	if cmd.Flags().Changed("max-processes") {
		cfg.MaxProcesses = flagMaxProcesses
	}
	if flagVerbose {
		cfg.Logging.Level = "debug"
	}
}

// Command brokerd runs the IPC broker as a standalone process listening on
// a Unix domain socket, the out-of-process counterpart to embedding
// ipcbroker.Broker directly (spec §6's open/mmap/write_read surface,
// reached here over internal/transport's socket implementation instead of
// a device file).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ipcbroker/ipcbroker"
	"github.com/ipcbroker/ipcbroker/internal/config"
	"github.com/ipcbroker/ipcbroker/internal/logging"
	"github.com/ipcbroker/ipcbroker/internal/promexport"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "brokerd",
	Short:   "brokerd runs the IPC broker as a standalone process",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file (defaults built in if omitted)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	serveCmd.Flags().String("listen", "", "unix socket path to listen on (overrides config)")
	serveCmd.Flags().String("metrics-addr", "", "address to export Prometheus metrics on, e.g. 127.0.0.1:9090 (empty disables)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dumpCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker and listen for connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.ListenPath = listen
		}
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		if metricsAddr == "" {
			metricsAddr = cfg.MetricsAddr
		}

		logLevel, _ := cmd.Flags().GetString("log-level")
		logFormat, _ := cmd.Flags().GetString("log-format")
		logger := logging.NewLogger(&logging.Config{
			Level:  logging.ParseLevel(logLevel),
			Format: logFormat,
		})

		b, err := ipcbroker.New(&ipcbroker.Options{
			Config:   cfg,
			Logger:   logger,
			Observer: promexport.Observer{},
		})
		if err != nil {
			return fmt.Errorf("brokerd: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promexport.Handler())
			metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
			go func() {
				logger.Info("metrics listening", "addr", metricsAddr)
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics server failed", "err", err)
				}
			}()
			go func() {
				<-ctx.Done()
				_ = metricsSrv.Close()
			}()
		}

		defer b.Close()
		return b.Serve(ctx)
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print a best-effort diagnostic summary of broker defaults",
	Long: `dump prints the configuration the broker would run with — it does
not attach to a running instance (spec §1 keeps the kernel driver's live
state-dump format out of scope; this is ambient CLI plumbing only).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		fmt.Printf("listen_path:       %s\n", cfg.ListenPath)
		fmt.Printf("arena_size:        %d\n", cfg.ArenaSize)
		fmt.Printf("max_threads:       %d\n", cfg.MaxThreads)
		fmt.Printf("stop_on_user_error: %v\n", cfg.StopOnUserError)
		fmt.Printf("protocol_version:  %d\n", ipcbroker.ProtocolVersion)
		return nil
	},
}

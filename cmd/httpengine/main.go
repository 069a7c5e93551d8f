// Command httpengine runs a standalone connector: one listener, an
// acceptor pool, and the default plain-text handler. It exists to give
// the engine a runnable entry point and a place to wire flags, metrics
// and logging together; embedders are expected to call connector.New
// directly with their own channel.Handler.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vanterhall/httpengine/connector"
	"github.com/vanterhall/httpengine/internal/defaulthandler"
	"github.com/vanterhall/httpengine/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr        string
		acceptors   int
		metricsAddr string
		logFile     string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "httpengine",
		Short: "Run a standalone HTTP/1.1 connector.",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
			}
			log := logging.New(logging.Config{FilePath: logFile, Level: level})

			cfg, err := connector.LoadConfig(
				connector.WithAddr(addr),
				connector.WithAcceptorCount(acceptors),
			)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			reg := prometheus.NewRegistry()
			conn, err := connector.New(defaulthandler.New(), cfg, reg, log)
			if err != nil {
				return fmt.Errorf("build connector: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					log.Info("metrics: listening", "addr", metricsAddr)
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Error("metrics server failed", "err", err)
					}
				}()
				go func() {
					<-ctx.Done()
					metricsSrv.Close()
				}()
			}

			if err := conn.Start(ctx); err != nil {
				return fmt.Errorf("start connector: %w", err)
			}

			<-ctx.Done()
			log.Info("shutting down")
			conn.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	cmd.Flags().IntVar(&acceptors, "acceptors", 2, "number of acceptor goroutines")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on; empty disables it")
	cmd.Flags().StringVar(&logFile, "log-file", "", "path to a rotated log file; empty logs to stderr")
	cmd.Flags().StringVar(&logLevel, "log-level", "INFO", "minimum log level (DEBUG, INFO, WARN, ERROR)")

	return cmd
}

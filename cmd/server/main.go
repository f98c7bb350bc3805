package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/funcbox/config"
	"github.com/isdmx/funcbox/engine"
	"github.com/isdmx/funcbox/logger"
	"github.com/isdmx/funcbox/mcpserver"
	"github.com/isdmx/funcbox/metrics"
	"github.com/isdmx/funcbox/registry"
	"github.com/isdmx/funcbox/sandbox"
	"github.com/isdmx/funcbox/workspace"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Execution engine and the pieces it drives
			workspace.NewFromConfig,
			sandbox.NewBackends,
			metrics.NewStore,
			func() *metrics.Recorder { return metrics.NewRecorder(prometheus.DefaultRegisterer) },
			engine.NewFromConfig,

			// Function registry
			registry.NewFromConfig,

			// MCP Server
			func(d *engine.Dispatcher) mcpserver.Executor { return d },
			func(s metrics.Store) metrics.Reader { return s },
			mcpserver.New,
		),

		fx.Invoke(registerMetricsServer),
		fx.Invoke(registerShutdown),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					// Use fx to run this as a background task
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

// registerMetricsServer serves /metrics for Prometheus. A zero port disables it.
func registerMetricsServer(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) {
	if cfg.Server.MetricsPort == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on metrics port: %w", err)
			}
			log.Info("metrics server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

// registerShutdown waits for timed-out executions to be cleaned up and closes
// the metrics store.
func registerShutdown(lc fx.Lifecycle, d *engine.Dispatcher, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("draining pending executions")
			return d.Close(ctx)
		},
	})
}

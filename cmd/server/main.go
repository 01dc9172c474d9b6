// Package main is the entry point for the Runbox MCP server.
//
// The Runbox server implements a secure, configurable Model Context Protocol
// (MCP) server that executes untrusted interpreter code inside a single
// isolated container sandbox. On startup it builds the sandbox image if
// needed, creates and starts the container with its resource limits bound at
// creation time, probes it for readiness, and opens a resilient websocket
// control channel to the interpreter service inside. Code submitted through
// the run_code tool travels over that channel; a background monitor samples
// container metrics and serves them on a local status endpoint.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/channel"
	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/monitor"
	"github.com/isdmx/runbox/protocol"
	"github.com/isdmx/runbox/sandbox"
)

// channelRunner defers to the control-channel session dialed during
// startup, so the MCP server can be constructed before the sandbox exists.
type channelRunner struct {
	mu      sync.Mutex
	session *channel.Session
}

func (r *channelRunner) set(s *channel.Session) {
	r.mu.Lock()
	r.session = s
	r.mu.Unlock()
}

func (r *channelRunner) Run(ctx context.Context, code string) (string, protocol.Message, error) {
	r.mu.Lock()
	s := r.session
	r.mu.Unlock()
	if s == nil {
		return "", protocol.Message{}, channel.ErrNotConnected
	}
	return s.Run(ctx, code)
}

func newController(cfg *config.Config, log *zap.Logger) *sandbox.Controller {
	return sandbox.NewController(log, sandbox.SpecFromConfig(cfg.Sandbox))
}

func newReporter(cfg *config.Config, log *zap.Logger, ctrl *sandbox.Controller) *monitor.Reporter {
	return monitor.NewReporter(log, cfg.PollInterval(), ctrl)
}

func newRunner() *channelRunner {
	return &channelRunner{}
}

func newMCPServer(cfg *config.Config, log *zap.Logger, runner *channelRunner, reporter *monitor.Reporter) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, runner, reporter)
}

func run(
	lc fx.Lifecycle,
	cfg *config.Config,
	log *zap.Logger,
	ctrl *sandbox.Controller,
	runner *channelRunner,
	reporter *monitor.Reporter,
	srv *mcpserver.MCPServer,
) {
	var (
		session   *channel.Session
		statusSrv *http.Server
		monCancel context.CancelFunc
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Build, create and start the sandbox, then wait for it to
			// answer its readiness probe.
			if err := ctrl.Ensure(ctx); err != nil {
				return fmt.Errorf("sandbox startup failed: %w", err)
			}

			s, err := channel.Dial(ctx, ctrl.Spec().ControlURL(), channel.ConfigFrom(cfg.Channel), log)
			if err != nil {
				_ = ctrl.Stop(context.Background())
				return fmt.Errorf("control channel dial failed: %w", err)
			}
			session = s
			runner.set(s)

			var monCtx context.Context
			monCtx, monCancel = context.WithCancel(context.Background())
			go reporter.Run(monCtx)

			statusSrv = &http.Server{
				Addr:    fmt.Sprintf(":%d", cfg.Server.StatusPort),
				Handler: reporter.Handler(),
			}
			go func() {
				log.Info("status endpoint listening", zap.String("addr", statusSrv.Addr))
				if err := statusSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("status endpoint failed", zap.Error(err))
				}
			}()

			switch cfg.Server.Transport {
			case "stdio":
				go func() {
					if err := srv.ServeStdio(); err != nil {
						log.Fatal("stdio transport failed", zap.Error(err))
					}
				}()
			case "http":
				go func() {
					if err := srv.ServeHTTP(); err != nil {
						log.Fatal("http transport failed", zap.Error(err))
					}
				}()
			default:
				return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if statusSrv != nil {
				if err := statusSrv.Shutdown(ctx); err != nil {
					log.Warn("status endpoint shutdown failed", zap.Error(err))
				}
			}
			if monCancel != nil {
				monCancel()
			}
			if session != nil {
				_ = session.Close()
			}
			if err := ctrl.Stop(ctx); err != nil {
				log.Warn("sandbox stop failed", zap.Error(err))
			}
			if err := ctrl.Remove(ctx); err != nil {
				log.Warn("sandbox removal failed", zap.Error(err))
			}
			return nil
		},
	})
}

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Sandbox lifecycle controller
			newController,

			// Status reporter over the controller
			newReporter,

			// Control-channel runner, bound to a session at startup
			newRunner,

			// MCP Server
			newMCPServer,
		),

		// Bring the sandbox up, open the channel and start serving
		fx.Invoke(run),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

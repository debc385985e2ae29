// Package server runs the broker's HTTP listener and manages the
// lifecycle of its background components (daemons) across startup,
// signal-driven shutdown, and graceful drain.
//
// Grounded on the teacher's server/server.go Run/Daemon/errgroup-based
// shutdown idiom, simplified for a broker whose configuration is loaded
// once and never hot-reloaded (no SIGHUP handling, no config.Provider, no
// TLS termination — brokerconfig.Server carries no TLS fields, unlike the
// teacher's).
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/caasmo/idbroker/brokerconfig"
)

// Daemon is a background component whose lifecycle the Server manages
// alongside the HTTP listener (e.g. the abuse monitor's periodic log
// line).
type Daemon interface {
	Name() string
	Start() error
	Stop(ctx context.Context) error
}

type Server struct {
	cfg     brokerconfig.Server
	handler http.Handler
	logger  *slog.Logger
	daemons []Daemon
}

// NewServer builds a Server. Daemons are added via AddDaemon before Run.
func NewServer(cfg brokerconfig.Server, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, handler: handler, logger: logger}
}

// AddDaemon registers a daemon to be started by Run right after the HTTP
// listener goroutine is launched and stopped during graceful shutdown.
func (s *Server) AddDaemon(daemon Daemon) {
	if daemon == nil {
		s.logger.Warn("attempted to add a nil daemon")
		return
	}
	s.daemons = append(s.daemons, daemon)
}

// Run starts the HTTP listener and every registered daemon, then blocks
// until SIGINT/SIGQUIT or a listener error, after which it drains both
// within the configured shutdown timeout.
func (s *Server) Run() {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout.Duration,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout.Duration,
		WriteTimeout:      s.cfg.WriteTimeout.Duration,
		IdleTimeout:       s.cfg.IdleTimeout.Duration,
	}

	serverError := make(chan error, 1)
	go func() {
		s.logger.Info("starting broker HTTP server", "addr", s.cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverError <- err
		}
	}()

	var startupFailed bool
	for _, daemon := range s.daemons {
		s.logger.Info("starting daemon", "daemon_name", daemon.Name())
		if err := daemon.Start(); err != nil {
			s.logger.Error("daemon failed to start, initiating shutdown",
				"daemon_name", daemon.Name(), "error", err)
			serverError <- fmt.Errorf("daemon %q failed to start: %w", daemon.Name(), err)
			startupFailed = true
			break
		}
	}
	if !startupFailed {
		s.logger.Info("all daemons started")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGQUIT)

	select {
	case sig := <-sigChan:
		s.logger.Info("received termination signal, shutting down gracefully", "signal", sig)
	case err := <-serverError:
		s.logger.Error("server error, shutting down", "error", err)
	}
	signal.Stop(sigChan)
	close(sigChan)

	gracefulCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracefulTimeout.Duration)
	defer cancel()

	shutdownGroup, _ := errgroup.WithContext(gracefulCtx)

	shutdownGroup.Go(func() error {
		s.logger.Info("shutting down HTTP server")
		if err := srv.Shutdown(gracefulCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", "error", err)
			return err
		}
		return nil
	})

	for _, d := range s.daemons {
		daemon := d
		shutdownGroup.Go(func() error {
			s.logger.Info("stopping daemon", "daemon_name", daemon.Name())
			if err := daemon.Stop(gracefulCtx); err != nil {
				s.logger.Error("error stopping daemon", "daemon_name", daemon.Name(), "error", err)
				return fmt.Errorf("daemon %q failed to stop gracefully: %w", daemon.Name(), err)
			}
			return nil
		})
	}

	if err := shutdownGroup.Wait(); err != nil {
		s.logger.Error("error during shutdown", "error", err)
		os.Exit(1)
	}
	s.logger.Info("all systems stopped gracefully")
}

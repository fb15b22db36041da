// Package server owns the HTTP listener lifecycle: non-blocking start,
// graceful shutdown, and signal handling for the API surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Config carries the HTTP server tuning knobs.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Manager wraps an http.Server with a non-blocking Start and a graceful
// Shutdown bounded by Config.ShutdownTimeout.
type Manager struct {
	server   *http.Server
	listener net.Listener
	errCh    chan error
	config   Config
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewManager builds a Manager serving handler with the given config.
func NewManager(handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	srv := &http.Server{
		Addr:           config.Addr,
		Handler:        handler,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return &Manager{
		server: srv,
		errCh:  make(chan error, 1),
		config: config,
		logger: logger.With(zap.String("component", "server")),
	}
}

// Start binds the listener and begins serving in a background goroutine.
// Serve errors other than http.ErrServerClosed land on Errors().
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("server manager is closed")
	}

	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", m.config.Addr, err)
	}
	m.listener = ln

	go func() {
		m.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if serveErr := m.server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			select {
			case m.errCh <- serveErr:
			default:
			}
		}
	}()

	return nil
}

// StartTLS is Start with a TLS listener on top of the configured address.
func (m *Manager) StartTLS(certFile, keyFile string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("server manager is closed")
	}

	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", m.config.Addr, err)
	}
	m.listener = ln

	go func() {
		m.logger.Info("https server started", zap.String("addr", ln.Addr().String()))
		if serveErr := m.server.ServeTLS(ln, certFile, keyFile); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			select {
			case m.errCh <- serveErr:
			default:
			}
		}
	}()

	return nil
}

// Shutdown drains in-flight requests and stops the server. It is safe to
// call more than once.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.config.ShutdownTimeout)
	defer cancel()

	m.logger.Info("http server shutting down")
	if err := m.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	m.logger.Info("http server stopped")
	return nil
}

// WaitForShutdown blocks until SIGINT/SIGTERM arrives or the serve loop
// fails, then runs Shutdown.
func (m *Manager) WaitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-m.errCh:
		m.logger.Error("http server failed", zap.Error(err))
		if shutdownErr := m.Shutdown(); shutdownErr != nil {
			m.logger.Error("shutdown after failure", zap.Error(shutdownErr))
		}
		return err
	}

	return m.Shutdown()
}

// Errors exposes fatal serve errors.
func (m *Manager) Errors() <-chan error { return m.errCh }

// Addr reports the bound address, useful when the config asked for port 0.
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.config.Addr
}

// IsRunning reports whether the manager has not been shut down.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listener != nil && !m.closed
}

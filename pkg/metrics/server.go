// HTTP server for the Prometheus metrics endpoint
//
// Serves /metrics, /health and /ready. Basic auth is optional.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Gatherer renders metrics in Prometheus text format.
type Gatherer interface {
	Gather() string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	// Address to listen on (e.g. ":9100" or "127.0.0.1:9100")
	Address string

	Username string
	Password string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":9100",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server serves metrics over HTTP
type Server struct {
	source   Gatherer
	server   *http.Server
	username string
	password string

	mu       sync.RWMutex
	running  bool
	listener net.Listener
}

// NewServer creates a metrics server for source.
func NewServer(source Gatherer, config ServerConfig) *Server {
	s := &Server{
		source:   source,
		username: config.Username,
		password: config.Password,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens and serves in a goroutine. Serve errors other than a
// clean shutdown are delivered on the returned channel.
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, fmt.Errorf("metrics server listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.running = true
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()
	return errCh, nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return s.server.Shutdown(ctx)
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(w, r) {
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	output := s.source.Gather()
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(output)))
		return
	}
	_, _ = w.Write([]byte(output))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK\n"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if s.IsRunning() {
		_, _ = w.Write([]byte("Ready\n"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("Not Ready\n"))
}

func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.username == "" && s.password == "" {
		return true
	}
	username, password, ok := r.BasicAuth()
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) == 1
	if !ok || !userOK || !passOK {
		w.Header().Set("WWW-Authenticate", `Basic realm="tankdrive metrics"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

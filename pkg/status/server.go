// Drivetrain status server
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package status serves the drivetrain state over HTTP and pushes runner
// events to WebSocket clients as JSON-RPC notifications.
package status

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tankdrive-go/pkg/log"
	"tankdrive-go/pkg/runner"
	"tankdrive-go/pkg/safety"
)

// RunStatus is the JSON form of a runner.Result.
type RunStatus struct {
	RunID     string  `json:"run_id"`
	State     string  `json:"state"`
	Outcome   string  `json:"outcome"`
	Elapsed   float64 `json:"elapsed"`
	Ticks     int     `json:"ticks"`
	StartTick int     `json:"start_tick"`
	Error     string  `json:"error,omitempty"`
}

// FromResult converts a runner result.
func FromResult(r runner.Result) RunStatus {
	rs := RunStatus{
		RunID:     r.RunID.String(),
		State:     r.State.String(),
		Outcome:   r.Outcome.String(),
		Elapsed:   r.Elapsed.Seconds(),
		Ticks:     r.Ticks,
		StartTick: r.StartTick,
	}
	if r.Err != nil {
		rs.Error = r.Err.Error()
	}
	return rs
}

// EventMessage is the JSON form of a runner.Event.
type EventMessage struct {
	Kind    string  `json:"kind"`
	RunID   string  `json:"run_id"`
	Tick    int     `json:"tick"`
	Elapsed float64 `json:"elapsed"`
	Outcome string  `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// FromEvent converts a runner event.
func FromEvent(e runner.Event) EventMessage {
	m := EventMessage{
		Kind:    e.Kind.String(),
		RunID:   e.RunID.String(),
		Tick:    e.Tick,
		Elapsed: e.Elapsed.Seconds(),
		Outcome: e.Outcome.String(),
	}
	if e.Err != nil {
		m.Error = e.Err.Error()
	}
	return m
}

// Snapshot is the body of GET /api/status.
type Snapshot struct {
	Run      *RunStatus        `json:"run,omitempty"`
	Safety   *safety.Status    `json:"safety,omitempty"`
	Channels map[string]string `json:"channels,omitempty"`
	Uptime   float64           `json:"uptime"`
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on, e.g. ":7130".
	Addr string

	// Snapshot returns the current state. Uptime is filled by the server.
	Snapshot func() Snapshot

	// EmergencyStop handles POST /api/emergency_stop. Nil disables the
	// endpoint.
	EmergencyStop func(reason string) error

	// BroadcastPeriod pushes notify_status_update to every client. Zero
	// disables periodic updates.
	BroadcastPeriod time.Duration
}

// Server provides the status API.
type Server struct {
	cfg Config

	httpServer *http.Server
	wsUpgrader websocket.Upgrader

	clients  map[int64]*wsClient
	clientMu sync.RWMutex
	nextID   int64

	running       atomic.Bool
	startTime     time.Time
	done          chan struct{}
	stopOnce      sync.Once
	broadcastOnce sync.Once
	logger        *log.Logger
}

// New creates a status server.
func New(cfg Config) *Server {
	return &Server{
		cfg:     cfg,
		clients: make(map[int64]*wsClient),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
		done:      make(chan struct{}),
		logger:    log.GetLogger("status"),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/emergency_stop", s.handleEmergencyStop)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.running.Store(true)
	s.logger.Info("status server starting on %s", s.cfg.Addr)

	s.StartBroadcast()

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// StartBroadcast starts the periodic status push if BroadcastPeriod is
// set. Start calls it; servers mounted through Handler call it directly.
// It runs until Stop.
func (s *Server) StartBroadcast() {
	if s.cfg.BroadcastPeriod <= 0 {
		return
	}
	s.broadcastOnce.Do(func() {
		go s.broadcastLoop(s.cfg.BroadcastPeriod)
	})
}

// Stop closes every client and the listener.
func (s *Server) Stop() error {
	s.running.Store(false)
	s.stopOnce.Do(func() { close(s.done) })

	s.clientMu.Lock()
	for _, c := range s.clients {
		c.Close()
	}
	s.clients = make(map[int64]*wsClient)
	s.clientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// Publish sends a runner event to every connected client. It is safe to
// pass as a runner.WithEventHandler callback.
func (s *Server) Publish(e runner.Event) {
	s.broadcast(notification("notify_run_event", FromEvent(e)))
}

// Clients returns the number of connected WebSocket clients.
func (s *Server) Clients() int {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	return len(s.clients)
}

func (s *Server) snapshot() Snapshot {
	var snap Snapshot
	if s.cfg.Snapshot != nil {
		snap = s.cfg.Snapshot()
	}
	snap.Uptime = time.Since(s.startTime).Seconds()
	return snap
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.EmergencyStop == nil {
		http.Error(w, "emergency stop not available", http.StatusNotImplemented)
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "status API request"
	}
	if err := s.cfg.EmergencyStop(reason); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func notification(method string, params ...any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	}
}

func (s *Server) broadcast(msg any) {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	for _, c := range s.clients {
		c.Send(msg)
	}
}

func (s *Server) broadcastLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.Clients() > 0 {
				s.broadcast(notification("notify_status_update", s.snapshot()))
			}
		case <-s.done:
			return
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error: %v", err)
		return
	}

	c := &wsClient{
		id:     atomic.AddInt64(&s.nextID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}
	s.clientMu.Lock()
	s.clients[c.id] = c
	s.clientMu.Unlock()
	s.logger.Debug("websocket client %d connected", c.id)

	go c.writePump()
	c.Send(notification("notify_status_update", s.snapshot()))
	c.readPump()
}

func (s *Server) removeClient(c *wsClient) {
	s.clientMu.Lock()
	delete(s.clients, c.id)
	s.clientMu.Unlock()
	s.logger.Debug("websocket client %d disconnected", c.id)
}

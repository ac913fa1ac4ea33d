// Package opsapi exposes a minimal, loopback-facing HTTP surface for
// health, readiness, per-stream status, and on-demand ONVIF discovery
// — grounded on the teacher's cmd/nvr/main.go router setup, trimmed
// down to the operational endpoints this system keeps in scope (full
// plugin management, catalog browsing, and log streaming are out of
// scope).
package opsapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/nvrcore/nvr/internal/clockid"
	"github.com/nvrcore/nvr/internal/eventbus"
	"github.com/nvrcore/nvr/internal/onvif"
	"github.com/nvrcore/nvr/internal/store"
	"github.com/nvrcore/nvr/internal/supervisor"
)

// maxTransitionHistory bounds the in-memory stream-state transition
// log fed by the event bus subscription.
const maxTransitionHistory = 200

// StreamTransition is one stream.state_changed event as observed off
// the bus.
type StreamTransition struct {
	Stream string    `json:"stream"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
}

// discoveryWindow bounds how long a single WS-Discovery probe waits
// for ProbeMatch replies before returning whatever it has collected.
const discoveryWindow = 3 * time.Second

// StreamStatus is a snapshot of one stream's supervisor state.
type StreamStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Refs  int    `json:"ref_count"`
}

// StatusSource supplies the current set of per-stream supervisors.
type StatusSource func() map[string]*supervisor.Supervisor

// Config configures the ops HTTP server.
type Config struct {
	Addr string // default 127.0.0.1:8081
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8081"
	}
}

// Server is a loopback-only HTTP server exposing health/readiness and
// stream status endpoints.
type Server struct {
	cfg    Config
	store  *store.Store
	status StatusSource
	bus    *eventbus.Bus
	prober *onvif.Prober
	logger *slog.Logger

	transitionsMu sync.Mutex
	transitions   []StreamTransition

	httpServer *http.Server
}

// New constructs a Server. status is invoked fresh on every request so
// newly added or removed streams are reflected immediately. If bus is
// non-nil, the server subscribes to stream.state_changed so
// /api/v1/events/stream-transitions can serve a live transition log
// even for streams whose supervisor has since been torn down — the
// fan-out SPEC_FULL's ops-surface subscriber describes.
func New(cfg Config, st *store.Store, status StatusSource, bus *eventbus.Bus) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:    cfg,
		store:  st,
		status: status,
		bus:    bus,
		prober: onvif.NewProber(),
		logger: slog.Default().With("component", "opsapi"),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// subscribe wires the ops surface into the event bus's
// stream.state_changed subject. Safe to call with a nil bus (tests
// construct Server without one).
func (s *Server) subscribe() {
	if s.bus == nil {
		return
	}
	_, err := eventbus.SubscribeJSON(s.bus, eventbus.SubjectStreamStateChanged, func(evt StreamTransition) {
		evt.At = time.Now()
		s.transitionsMu.Lock()
		s.transitions = append(s.transitions, evt)
		if len(s.transitions) > maxTransitionHistory {
			s.transitions = s.transitions[len(s.transitions)-maxTransitionHistory:]
		}
		s.transitionsMu.Unlock()
	})
	if err != nil {
		s.logger.Error("failed to subscribe to stream state changes", "error", err)
	}
}

// Name satisfies shutdown.Component.
func (s *Server) Name() string { return "opsapi" }

func (s *Server) router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/streams", s.handleListStreams)
		r.Get("/streams/{name}", s.handleGetStream)
		r.Post("/discovery", s.handleDiscovery)
		r.Get("/events/stream-transitions", s.handleStreamTransitions)
	})

	return r
}

// Start subscribes to the event bus (if configured) and begins serving
// in the background; errors other than a clean shutdown are logged.
func (s *Server) Start() {
	s.subscribe()
	go func() {
		s.logger.Info("ops api listening", "addr", s.cfg.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ops api server error", "error", err)
		}
	}()
}

// Stop satisfies shutdown.Component.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.IntegrityCheck(r.Context()); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	supervisors := s.status()
	out := make([]StreamStatus, 0, len(supervisors))
	for name, sup := range supervisors {
		out = append(out, StreamStatus{Name: name, State: sup.State().String(), Refs: sup.RefCount()})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sup, ok := s.status()[name]
	if !ok {
		http.Error(w, `{"error":"stream not found"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(StreamStatus{Name: name, State: sup.State().String(), Refs: sup.RefCount()})
}

// handleDiscovery runs a single bounded WS-Discovery probe and returns
// candidate ONVIF device addresses, sparing an operator from typing
// stream source URLs in by hand.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), discoveryWindow+time.Second)
	defer cancel()

	devices, err := s.prober.Discover(ctx, clockid.NewID(), discoveryWindow)
	if err != nil {
		s.logger.Warn("onvif discovery failed", "error", err)
		http.Error(w, `{"error":"discovery failed"}`, http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(devices)
}

// handleStreamTransitions returns the recent stream.state_changed
// events observed off the event bus, newest last.
func (s *Server) handleStreamTransitions(w http.ResponseWriter, r *http.Request) {
	s.transitionsMu.Lock()
	out := append([]StreamTransition(nil), s.transitions...)
	s.transitionsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// IsLoopbackAddr reports whether addr resolves to a loopback-only bind,
// used by the composition root to refuse a non-loopback Addr.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" || host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

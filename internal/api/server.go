package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rafaelfvalim/api-rele/internal/relay"
	"github.com/rafaelfvalim/api-rele/internal/schedule"
)

// RelayService defines the contract required by the HTTP layer.
type RelayService interface {
	RegisterRelay(ctx context.Context, req relay.RegisterRequest) (*relay.Relay, error)
	GetRelay(ctx context.Context, relayID string) (*relay.Relay, error)
	ListRelays(ctx context.Context) ([]*relay.Relay, error)
	DesiredState(ctx context.Context, relayID string) (*relay.Relay, error)
	ReportApplied(ctx context.Context, relayID, applied, source string) (*relay.Relay, error)
	SetOverride(ctx context.Context, relayID, state string, ttl time.Duration) (*relay.Relay, error)
	ClearOverride(ctx context.Context, relayID string) (*relay.Relay, error)
}

// Server exposes the relay control REST endpoints.
type Server struct {
	service        RelayService
	apiKey         string
	defaultRelayID string
	router         *mux.Router
	server         *http.Server
}

// ServerConfig describes the runtime configuration for the API server.
type ServerConfig struct {
	Service        RelayService
	Port           int
	APIKey         string
	DefaultRelayID string
}

var (
	metricsOnce sync.Once

	stateRequestsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_state_requests_total",
		Help: "Number of desired-state queries served.",
	})
	reportFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_reports_failed_total",
		Help: "Number of applied-state reports that were rejected.",
	})
	unauthorizedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_unauthorized_requests_total",
		Help: "Number of requests rejected for a bad or missing API key.",
	})
	reportDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_report_duration_seconds",
		Help:    "Latency for recording applied-state reports.",
		Buckets: prometheus.DefBuckets,
	})
)

// NewServer constructs a relay API server with the required routes.
func NewServer(cfg ServerConfig) *Server {
	registerMetrics()

	router := mux.NewRouter()

	s := &Server{
		service:        cfg.Service,
		apiKey:         cfg.APIKey,
		defaultRelayID: cfg.DefaultRelayID,
		router:         router,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: router,
		},
	}

	// Legacy single-relay contract kept for deployed field devices.
	router.Handle("/rele", s.withAuth(s.handleLegacyState)).Methods(http.MethodGet)
	router.Handle("/rele", s.withAuth(s.handleLegacyReport)).Methods(http.MethodPost)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.requireAPIKey)
	api.HandleFunc("/relays", s.handleRegisterRelay).Methods(http.MethodPost)
	api.HandleFunc("/relays", s.handleListRelays).Methods(http.MethodGet)
	api.HandleFunc("/relays/{relay_id}", s.handleGetRelay).Methods(http.MethodGet)
	api.HandleFunc("/relays/{relay_id}/state", s.handleDesiredState).Methods(http.MethodGet)
	api.HandleFunc("/relays/{relay_id}/reports", s.handleReport).Methods(http.MethodPost)
	api.HandleFunc("/relays/{relay_id}/override", s.handleSetOverride).Methods(http.MethodPut)
	api.HandleFunc("/relays/{relay_id}/override", s.handleClearOverride).Methods(http.MethodDelete)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	router.Handle("/metrics", promhttp.Handler())

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP traffic.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleLegacyState(w http.ResponseWriter, r *http.Request) {
	stateRequestsCounter.Inc()

	rel, err := s.service.DesiredState(r.Context(), s.defaultRelayID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":           true,
		"desired":      rel.Desired,
		"last_applied": rel.LastApplied,
		"last_seen":    rel.LastSeen,
	})
}

func (s *Server) handleLegacyReport(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req struct {
		Applied string `json:"applied"`
	}
	// The legacy contract treats an unparsable body like a missing value.
	_ = json.NewDecoder(r.Body).Decode(&req)

	rel, err := s.service.ReportApplied(r.Context(), s.defaultRelayID, req.Applied, "legacy")
	if err != nil {
		if errors.Is(err, relay.ErrInvalidState) {
			reportFailedCounter.Inc()
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"ok":    false,
				"error": "invalid_applied",
				"hint":  "applied must be 'on' or 'off'",
			})
			return
		}
		writeServiceError(w, err)
		return
	}

	reportDuration.Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"desired":  rel.Desired,
		"recorded": true,
	})
}

func (s *Server) handleRegisterRelay(w http.ResponseWriter, r *http.Request) {
	var req registerRelayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request payload"})
		return
	}

	serviceReq, err := req.toServiceRequest()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	rel, err := s.service.RegisterRelay(r.Context(), serviceReq)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, rel)
}

func (s *Server) handleListRelays(w http.ResponseWriter, r *http.Request) {
	relays, err := s.service.ListRelays(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"relays": relays})
}

func (s *Server) handleGetRelay(w http.ResponseWriter, r *http.Request) {
	relayID := mux.Vars(r)["relay_id"]

	rel, err := s.service.GetRelay(r.Context(), relayID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleDesiredState(w http.ResponseWriter, r *http.Request) {
	stateRequestsCounter.Inc()
	relayID := mux.Vars(r)["relay_id"]

	rel, err := s.service.DesiredState(r.Context(), relayID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"relay_id":     rel.RelayID,
		"desired":      rel.Desired,
		"last_applied": rel.LastApplied,
		"last_seen":    rel.LastSeen,
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	relayID := mux.Vars(r)["relay_id"]

	var req struct {
		Applied string `json:"applied"`
		Source  string `json:"source"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Source == "" {
		req.Source = "http"
	}

	rel, err := s.service.ReportApplied(r.Context(), relayID, req.Applied, req.Source)
	if err != nil {
		if errors.Is(err, relay.ErrInvalidState) {
			reportFailedCounter.Inc()
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"ok":    false,
				"error": "invalid_applied",
				"hint":  "applied must be 'on' or 'off'",
			})
			return
		}
		writeServiceError(w, err)
		return
	}

	reportDuration.Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"relay_id": rel.RelayID,
		"desired":  rel.Desired,
		"recorded": true,
	})
}

func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	relayID := mux.Vars(r)["relay_id"]

	var req struct {
		State      string `json:"state"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request payload"})
		return
	}
	if req.TTLSeconds < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ttl_seconds must not be negative"})
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	rel, err := s.service.SetOverride(r.Context(), relayID, req.State, ttl)
	if err != nil {
		if errors.Is(err, relay.ErrInvalidState) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "state must be 'on' or 'off'"})
			return
		}
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleClearOverride(w http.ResponseWriter, r *http.Request) {
	relayID := mux.Vars(r)["relay_id"]

	rel, err := s.service.ClearOverride(r.Context(), relayID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func registerMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			stateRequestsCounter,
			reportFailedCounter,
			unauthorizedCounter,
			reportDuration,
		)
	})
}

func writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, relay.ErrRelayNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "relay not found"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type registerRelayRequest struct {
	RelayID  string `json:"relay_id"`
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
}

func (r registerRelayRequest) toServiceRequest() (relay.RegisterRequest, error) {
	req := relay.RegisterRequest{
		RelayID: r.RelayID,
		Name:    r.Name,
	}

	if r.Schedule != "" {
		sched, err := schedule.Parse(r.Schedule)
		if err != nil {
			return relay.RegisterRequest{}, fmt.Errorf("invalid schedule: %w", err)
		}
		req.Schedule = &sched
	}

	return req, nil
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"leasebond/internal/config"
	"leasebond/internal/hmacauth"
	"leasebond/internal/idempotency"
	"leasebond/internal/relay"
	"leasebond/internal/settlement"
)

type Server struct {
	cfg        *config.Config
	coord      *settlement.Coordinator
	relay      *relay.Relay
	store      idempotency.Store
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	metrics    *metricsRegistry
	log        *logrus.Entry

	dbHealthFn     func(context.Context) error
	ledgerHealthFn func(context.Context) error
}

// NewServer builds the HTTP API. rel may be nil, in which case the relay
// routes are not mounted.
func NewServer(cfg *config.Config, coord *settlement.Coordinator, rel *relay.Relay, store idempotency.Store, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Server{
		cfg:        cfg,
		coord:      coord,
		relay:      rel,
		store:      store,
		metrics:    newMetricsRegistry(),
		log:        log,
		dbHealthFn: coord.Ping,
	}
	s.hmac = &hmacauth.Verifier{
		Secret:        cfg.Auth.HMACSecret,
		MaxSkew:       cfg.Auth.MaxSkew,
		AllowUnsigned: cfg.Auth.Insecure,
		OnError:       writeError,
	}
	if rel != nil {
		s.ledgerHealthFn = rel.Ping
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware, middleware.Recoverer, s.logRequests)

	r.Route("/api/v1", func(api chi.Router) {
		api.Handle("/metrics", s.metrics.handler())
		api.Get("/health", s.handleHealth)

		api.Group(func(signed chi.Router) {
			signed.Use(s.hmac.Middleware)

			signed.Post("/leases", s.handleCreateLease)
			signed.Get("/leases", s.handleListLeases)
			signed.Route("/leases/{leaseID}", func(lr chi.Router) {
				lr.Get("/", s.handleGetLease)
				lr.Get("/lock-templates", s.handleLockTemplates)
				lr.Post("/deposit", s.handleDeposit)
				lr.Post("/evidence", s.handleEvidence)
				lr.Post("/release-template", s.handleReleaseTemplate)
				lr.Post("/verdict", s.handleVerdict)
				lr.Get("/reclaim-templates", s.handleReclaimTemplates)

				if s.relay != nil {
					lr.Post("/relay/lock", s.handleRelayLock)
					lr.Post("/relay/release", s.handleRelayRelease)
					lr.Post("/relay/reclaim", s.handleRelayReclaim)
				}
			})
		})
	})
	return r
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	ledgerInfo := struct {
		Configured bool    `json:"configured"`
		Connected  bool    `json:"connected"`
		LatencyMs  float64 `json:"latency_ms"`
		Error      string  `json:"error,omitempty"`
	}{}

	if s.ledgerHealthFn != nil {
		ledgerInfo.Configured = true
		start := time.Now()
		ledgerCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.ledgerHealthFn(ledgerCtx); err != nil {
			ledgerInfo.Error = err.Error()
			overallHealthy = false
		} else {
			ledgerInfo.Connected = true
			ledgerInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string      `json:"status"`
		Ledger   interface{} `json:"ledger"`
		Database interface{} `json:"database"`
		Branches int         `json:"branches"`
	}{
		Status:   status,
		Ledger:   ledgerInfo,
		Database: dbInfo,
		Branches: s.coord.Config().Branches,
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.incRequest(r.Method, route, status)

		entry := s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"route":       route,
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  requestID(r.Context()),
		})
		if status >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	})
}

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lazypower/tether/internal/engine"
	"github.com/lazypower/tether/internal/metrics"
	"github.com/lazypower/tether/internal/predict"
	"github.com/lazypower/tether/internal/store"
)

// Deps are the components the API exposes.
type Deps struct {
	DB        *store.DB
	Engine    *engine.Engine
	Predictor *predict.Service
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Server is the tether HTTP API server.
type Server struct {
	db        *store.DB
	engine    *engine.Engine
	predictor *predict.Service
	metrics   *metrics.Metrics
	log       *zap.Logger
	router    chi.Router
	version   string
	started   time.Time
}

// New creates a new Server with the given components and version string.
func New(deps Deps, version string) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		db:        deps.DB,
		engine:    deps.Engine,
		predictor: deps.Predictor,
		metrics:   deps.Metrics,
		log:       deps.Logger.Named("http"),
		version:   version,
		started:   time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/model", s.handleModel)
		r.Post("/context", s.handleContext)
		r.Post("/telemetry/{deviceID}", s.handleTelemetry)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Route("/{deviceID}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Get("/sessions", s.handleSessions)
				r.Get("/authorize", s.handleAuthorize)
				r.Post("/pairing", s.handleBeginPairing)
				r.Post("/pair", s.handlePair)
				r.Post("/connect", s.handleConnect)
				r.Post("/disconnect", s.handleDisconnect)
				r.Post("/revoke", s.handleRevoke)
				r.Post("/link-lost", s.handleLinkLost)
			})
		})
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	s.router = r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
		"devices": len(s.engine.Devices()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

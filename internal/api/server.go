package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"github.com/vigilsh/vigil/internal/analysis"
	"github.com/vigilsh/vigil/internal/arousal"
	"github.com/vigilsh/vigil/internal/forecast"
	"github.com/vigilsh/vigil/internal/metrics"
	"github.com/vigilsh/vigil/internal/schedule"
	"github.com/vigilsh/vigil/internal/store"
	"go.uber.org/zap"
)

// Config holds API server settings.
type Config struct {
	ListenAddr         string
	RateLimitPerSecond float64
	RateBurst          int
	AuthSecret         string
	AllowOrigins       []string
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:         ":8090",
		RateLimitPerSecond: 10,
		RateBurst:          20,
	}
}

// StateController is the arousal surface the server needs.
type StateController interface {
	Current() arousal.Level
	Snapshot() arousal.Snapshot
	ChangeState(ctx context.Context, target arousal.Level, reason string) bool
}

// MetricStore is the store surface the server needs.
type MetricStore interface {
	Ping(ctx context.Context) error
	History(ctx context.Context, name string, sinceDays int) ([]store.Sample, error)
	MetricNames(ctx context.Context) ([]string, error)
	RecentEvents(ctx context.Context, limit int) ([]store.Event, error)
	SizeMB(ctx context.Context) (float64, error)
}

// Forecaster produces ensemble forecasts.
type Forecaster interface {
	Forecast(ctx context.Context, metric string, hoursAhead int) (*forecast.Result, error)
}

// Planner produces the maintenance schedule.
type Planner interface {
	Plan(ctx context.Context) (*schedule.Schedule, error)
}

// Deps are the server's collaborators. Exporter is optional; the rest
// must be set.
type Deps struct {
	Controller StateController
	Store      MetricStore
	Analyzer   *analysis.Analyzer
	Forecaster Forecaster
	Planner    Planner
	Exporter   *metrics.Exporter
}

// Response is the JSON envelope for every API reply.
type Response struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// Server is the HTTP and websocket surface of the daemon.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	deps    Deps
	router  *mux.Router
	handler http.Handler
	server  *http.Server
	limiter *IPRateLimiter
	hub     *TransitionHub

	startedAt time.Time
	now       func() time.Time
}

// New creates a server with its routes configured. Call Start to bind.
func New(cfg Config, deps Deps, logger *zap.Logger) *Server {
	def := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = def.RateLimitPerSecond
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		deps:      deps,
		limiter:   NewIPRateLimiter(cfg.RateLimitPerSecond, cfg.RateBurst),
		hub:       newTransitionHub(logger, cfg.AllowOrigins),
		startedAt: time.Now(),
		now:       time.Now,
	}
	s.setupRoutes()
	return s
}

// Hub returns the transition stream for controller subscription.
func (s *Server) Hub() *TransitionHub { return s.hub }

// Handler returns the full middleware-wrapped handler, mainly for
// tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.recoverMiddleware)
	api.Use(s.rateLimitMiddleware)
	api.Use(s.loggingMiddleware)

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/metrics", s.handleMetricNames).Methods("GET")
	api.HandleFunc("/metrics/{name}/trend", s.handleTrend).Methods("GET")
	api.HandleFunc("/metrics/{name}/anomalies", s.handleAnomalies).Methods("GET")
	api.HandleFunc("/metrics/{name}/patterns", s.handlePatterns).Methods("GET")
	api.HandleFunc("/forecast/{name}", s.handleForecast).Methods("GET")
	api.HandleFunc("/schedule", s.handleSchedule).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/state", s.requireAuth(s.handleStateChange)).Methods("POST")
	api.HandleFunc("/ws/transitions", s.hub.handleUpgrade).Methods("GET")

	if s.deps.Exporter != nil {
		s.router.Handle("/metrics", s.deps.Exporter.Handler()).Methods("GET")
	}

	s.handler = gzhttp.GzipHandler(s.router)
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("api server starting",
		zap.String("listen_addr", s.cfg.ListenAddr),
		zap.Bool("auth", s.cfg.AuthSecret != ""))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown closes websocket clients and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("api server shutting down")
	s.hub.closeAll()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Middleware

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				s.sendError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(r.RemoteAddr) {
			s.sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("api request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

// Handlers

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap := s.deps.Controller.Snapshot()

	recent := snap.History
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}

	data := map[string]any{
		"level":              snap.Level,
		"since":              snap.Since,
		"uptime_seconds":     s.now().Sub(s.startedAt).Seconds(),
		"findings":           snap.Findings,
		"recent_transitions": recent,
	}
	if names, err := s.deps.Store.MetricNames(ctx); err == nil {
		data["metrics"] = names
	} else {
		s.logger.Warn("metric names unavailable", zap.Error(err))
	}
	if size, err := s.deps.Store.SizeMB(ctx); err == nil {
		data["store_size_mb"] = size
	}

	s.sendJSON(w, http.StatusOK, Response{Success: true, Data: data, Time: s.now()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]bool{
		"store": s.deps.Store.Ping(r.Context()) == nil,
	}
	status := "healthy"
	for _, ok := range checks {
		if !ok {
			status = "degraded"
		}
	}

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]any{"status": status, "checks": checks},
		Time:    s.now(),
	})
}

func (s *Server) handleMetricNames(w http.ResponseWriter, r *http.Request) {
	names, err := s.deps.Store.MetricNames(r.Context())
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "metric names unavailable")
		return
	}
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]any{"metrics": names},
		Time:    s.now(),
	})
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	days := queryInt(r, "days", 7)

	samples, err := s.deps.Store.History(r.Context(), name, days)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	start := time.Now()
	trend := s.deps.Analyzer.Trend(samples)
	significance := s.deps.Analyzer.TrendSignificance(samples)
	if s.deps.Exporter != nil {
		s.deps.Exporter.ObserveAnalysis(time.Since(start))
	}

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]any{
			"metric":       name,
			"days":         days,
			"trend":        trend,
			"significance": significance,
		},
		Time: s.now(),
	})
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	days := queryInt(r, "days", 7)
	threshold := queryFloat(r, "threshold", 0)

	samples, err := s.deps.Store.History(r.Context(), name, days)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	start := time.Now()
	report := s.deps.Analyzer.Anomalies(samples, threshold)
	if s.deps.Exporter != nil {
		s.deps.Exporter.ObserveAnalysis(time.Since(start))
		for range report.Findings {
			s.deps.Exporter.RecordAnomaly(name)
		}
	}

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]any{"metric": name, "days": days, "anomalies": report},
		Time:    s.now(),
	})
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	days := queryInt(r, "days", 14)

	samples, err := s.deps.Store.History(r.Context(), name, days)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	start := time.Now()
	daily := s.deps.Analyzer.DailyPattern(samples)
	weekly := s.deps.Analyzer.WeeklyPattern(samples)
	if s.deps.Exporter != nil {
		s.deps.Exporter.ObserveAnalysis(time.Since(start))
	}

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]any{
			"metric": name,
			"days":   days,
			"daily":  daily,
			"weekly": weekly,
		},
		Time: s.now(),
	})
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	hours := queryInt(r, "hours", 0)

	result, err := s.deps.Forecaster.Forecast(r.Context(), name, hours)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "forecast failed")
		return
	}
	if s.deps.Exporter != nil {
		s.deps.Exporter.RecordForecast()
	}

	s.sendJSON(w, http.StatusOK, Response{Success: true, Data: result, Time: s.now()})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	plan, err := s.deps.Planner.Plan(r.Context())
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "schedule unavailable")
		return
	}
	s.sendJSON(w, http.StatusOK, Response{Success: true, Data: plan, Time: s.now()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	events, err := s.deps.Store.RecentEvents(r.Context(), limit)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "events unavailable")
		return
	}
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]any{"events": events},
		Time:    s.now(),
	})
}

func (s *Server) handleStateChange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level  string `json:"level"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	level, err := arousal.ParseLevel(req.Level)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "operator request"
	}

	changed := s.deps.Controller.ChangeState(r.Context(), level, reason)
	s.logger.Info("operator state change",
		zap.String("level", level.String()),
		zap.Bool("changed", changed))

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]any{"changed": changed, "level": level},
		Time:    s.now(),
	})
}

// Helpers

func (s *Server) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("response not encoded", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, Response{Success: false, Error: message, Time: s.now()})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func queryFloat(r *http.Request, key string, def float64) float64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return def
	}
	return v
}

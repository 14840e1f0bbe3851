package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/adityaadpandey/plaza-relay/internals/config"
	"github.com/adityaadpandey/plaza-relay/internals/metrics"
	"github.com/adityaadpandey/plaza-relay/internals/presence"
	"github.com/adityaadpandey/plaza-relay/internals/registry"
	"github.com/adityaadpandey/plaza-relay/internals/relay"
	"github.com/adityaadpandey/plaza-relay/internals/room"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server wires the relay components behind one HTTP listener.
type Server struct {
	config *config.Config
	logger *zap.Logger

	promRegistry *prometheus.Registry
	metrics      *metrics.Metrics

	conns    *registry.Registry
	store    *room.Store
	presence *presence.Synchronizer
	relay    *relay.Relay
	redis    *room.RedisBackend

	router     chi.Router
	upgrader   websocket.Upgrader
	httpServer *http.Server
	startedAt  time.Time
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	s := &Server{
		config:       cfg,
		logger:       logger,
		promRegistry: promRegistry,
		metrics:      m,
		startedAt:    time.Now(),
	}

	var backend room.Backend = room.NewMemoryBackend()
	if cfg.Redis.Enabled {
		rb, err := room.NewRedisBackend(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyPrefix, logger)
		if err != nil {
			logger.Warn("Redis connection failed, keeping rooms in memory", zap.Error(err))
		} else {
			s.redis = rb
			backend = rb
		}
	}

	s.conns = registry.New(logger, m)
	s.store = room.NewStore(backend, room.SpawnConfig{
		CenterX: cfg.Presence.CenterX,
		CenterY: cfg.Presence.CenterY,
		Jitter:  cfg.Presence.SpawnJitter,
		Palette: cfg.Presence.Palette,
	}, logger, m)
	s.presence = presence.New(s.store, s.conns, logger, m)
	s.relay = relay.New(s.conns, logger, m)

	// Room cleanup first so counterparts see participant-left before call-end.
	s.conns.OnDisconnect(func(ctx context.Context, d registry.Departure) {
		s.presence.Depart(ctx, d.ID, d.RoomID)
		s.relay.Disconnect(d.ID)
	})

	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requestLogger)
		r.Use(s.corsMiddleware)
		r.Get("/rooms", s.handleListRooms)
		r.Get("/rooms/{roomID}", s.handleGetRoom)
	})

	if s.config.Metrics.Enabled {
		r.Handle(s.config.Metrics.Path, promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))
	}
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called. A clean stop returns nil.
func (s *Server) Start() error {
	s.logger.Info("Starting relay server",
		zap.String("host", s.config.Server.Host),
		zap.Int("port", s.config.Server.Port),
	)

	s.httpServer = &http.Server{
		Addr:         s.config.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down, drops every connection and closes the backend.
func (s *Server) Stop() {
	s.logger.Info("Stopping relay server")

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP shutdown did not complete", zap.Error(err))
		}
	}

	// Hijacked websocket connections are not tracked by http.Server.
	for _, id := range s.conns.IDs() {
		s.conns.Disconnect(id)
	}

	if s.redis != nil {
		s.redis.Close()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.Server.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

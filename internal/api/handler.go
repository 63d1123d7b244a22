// Package api is the HTTP control surface of the core: direction filters,
// account and connection status, external signal ingestion and a websocket
// event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"futures-core/internal/engine"
	"futures-core/internal/events"
	"futures-core/internal/monitor"
	"futures-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the engine and the event bus.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	Bus       *events.Bus
	Metrics   *monitor.SystemMetrics
	Store     *db.Database // optional; history routes answer 503 without it
	JWTSecret string

	dashHash []byte
	limiters *limiterPool
}

// Options configures NewServer.
type Options struct {
	Store          *db.Database
	JWTSecret      string
	DashPassword   string
	RequestTimeout time.Duration
	RatePerSecond  float64
	RateBurst      int
}

func NewServer(svc engine.Service, bus *events.Bus, metrics *monitor.SystemMetrics, opts Options) (*Server, error) {
	if svc == nil {
		return nil, errors.New("api: engine service is required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 50
	}

	s := &Server{
		Engine:    svc,
		Bus:       bus,
		Metrics:   metrics,
		Store:     opts.Store,
		JWTSecret: opts.JWTSecret,
		limiters:  newLimiterPool(opts.RatePerSecond, opts.RateBurst),
	}
	if opts.DashPassword != "" {
		hash, err := hashPassword(opts.DashPassword)
		if err != nil {
			return nil, fmt.Errorf("hash dashboard password: %w", err)
		}
		s.dashHash = hash
	} else {
		log.Printf("⚠️ DASH_PASSWORD not set; control routes are unauthenticated")
	}

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware(s.limiters))
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(CORSMiddleware())

	s.Router = r
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(s.AuthMiddleware())
		{
			protected.GET("/system/status", s.getSystemStatus)
			protected.GET("/metrics", s.getMetrics)

			protected.GET("/filters", s.getFilters)
			protected.PUT("/filters", s.updateFilters)

			protected.POST("/signals", s.submitSignal)
			protected.GET("/signals/stats", s.getSignalStats)
			protected.GET("/signals/history", s.getSignalHistory)

			protected.GET("/accounts", s.getAccounts)
			protected.GET("/accounts/:id/check", s.checkAccount)
			protected.GET("/accounts/:id/orders", s.getAccountOrders)
			protected.GET("/accounts/:id/reports", s.getAccountReports)
			protected.GET("/sync/stats", s.getSyncStats)
			protected.POST("/sync/stats/reset", s.resetSyncStats)
			protected.GET("/sync/readiness", s.getReadiness)
			protected.GET("/positions", s.getPositions)

			protected.GET("/connections", s.getConnections)
		}
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Printf("✓ API listening on %s", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

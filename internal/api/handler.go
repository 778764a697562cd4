package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/robinzi2001-cell/trading-ai/internal/autoexec"
	"github.com/robinzi2001-cell/trading-ai/internal/events"
	"github.com/robinzi2001-cell/trading-ai/internal/ledger"
	"github.com/robinzi2001-cell/trading-ai/internal/monitor"
	"github.com/robinzi2001-cell/trading-ai/internal/order"
	"github.com/robinzi2001-cell/trading-ai/internal/reconciliation"
	"github.com/robinzi2001-cell/trading-ai/internal/risk"
	"github.com/robinzi2001-cell/trading-ai/pkg/cache"
	"github.com/robinzi2001-cell/trading-ai/pkg/db"
)

// PriceApplier marks a symbol at a new price and returns the trade closed by
// a stop or target, if any.
type PriceApplier interface {
	Apply(tick events.PriceTick) *ledger.Trade
}

// OrderLister exposes recent simulated orders.
type OrderLister interface {
	Orders(limit int) []order.Order
}

// Options configures cross-cutting HTTP behaviour.
type Options struct {
	JWTSecret      string
	AdminKey       string
	WebhookSecret  string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
	RequestTimeout time.Duration
	Version        string
	Logger         *zap.Logger
}

// Server wires HTTP endpoints around the ledger, the auto-execute pipeline
// and the event bus.
type Server struct {
	Router   *gin.Engine
	Bus      *events.Bus
	DB       *db.Database
	Book     *ledger.Ledger
	RiskMgr  *risk.Manager
	AutoExec *autoexec.Orchestrator
	Metrics  *monitor.SystemMetrics
	Prices   *cache.Prices
	Marker   PriceApplier
	Orders   OrderLister
	Drift    *reconciliation.Service

	opts    Options
	logger  *zap.Logger
	limiter *ipRateLimiter
	started time.Time

	srvMu   sync.Mutex
	httpSrv *http.Server
}

// NewServer builds the router. Marker, Orders and Drift may be nil.
func NewServer(s *Server, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s.opts = opts
	s.logger = opts.Logger
	s.started = time.Now()
	s.limiter = newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                         // Panic recovery (first)
	r.Use(RequestIDMiddleware())                  // Request ID tracking
	r.Use(RequestLogger(s.logger))                // Request logging (after ID is set)
	r.Use(s.limiter.Middleware(s.logger))         // Rate limiting
	r.Use(TimeoutMiddleware(opts.RequestTimeout)) // Request timeout
	r.Use(CORSMiddleware(opts.CORSOrigins))       // CORS (last before routes)

	s.Router = r
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/token", s.issueToken)
		api.POST("/webhook", WebhookSignature(s.opts.WebhookSecret), s.webhook)
		api.POST("/signals/parse", s.parseSignal)

		api.GET("/signals", s.listSignals)
		api.GET("/trades", s.listTrades)
		api.GET("/trades/:id", s.getTrade)
		api.GET("/positions", s.getPositions)
		api.GET("/portfolio", s.getPortfolio)
		api.GET("/orders", s.listOrders)
		api.GET("/autoexec/status", s.autoExecStatus)
		api.GET("/autoexec/history", s.autoExecHistory)
		api.GET("/risk/settings", s.getRiskSettings)
		api.GET("/metrics", s.getMetrics)
		api.GET("/reconciliation", s.reconciliationReport)

		// Mutating routes
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.opts.JWTSecret))
		{
			protected.POST("/signals/:id/dismiss", s.dismissSignal)
			protected.POST("/trades/:id/close", s.closeTrade)
			protected.POST("/prices", s.updatePrice)
			protected.PUT("/autoexec/config", s.updateAutoExecConfig)
			protected.POST("/autoexec/breaker/reset", s.resetBreaker)
			protected.PUT("/risk/settings", s.updateRiskSettings)
			protected.POST("/reconciliation/run", s.runReconciliation)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	resp := gin.H{
		"status":  "ok",
		"version": s.opts.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	}
	if s.AutoExec != nil {
		h := s.AutoExec.HealthCheck(c.Request.Context())
		resp["autoexec"] = h
		if !h.Healthy {
			resp["status"] = "degraded"
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Start serves on addr until Shutdown is called. ctx bounds background
// housekeeping such as rate limiter sweeps.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.limiter.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srvMu.Lock()
	s.httpSrv = srv
	s.srvMu.Unlock()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.srvMu.Lock()
	srv := s.httpSrv
	s.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

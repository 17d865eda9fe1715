// Package api is the operator-facing HTTP surface: signal ingress, the HITL
// decision endpoints, guardian and policy controls, and the websocket event
// stream. Handlers translate refusal codes to HTTP statuses; they never make
// safety decisions themselves.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/sovereign/internal/config"
	"github.com/ajitpratap0/sovereign/internal/events"
	"github.com/ajitpratap0/sovereign/internal/guardian"
	"github.com/ajitpratap0/sovereign/internal/hitl"
	"github.com/ajitpratap0/sovereign/internal/ingress"
	"github.com/ajitpratap0/sovereign/internal/policy"
	"github.com/ajitpratap0/sovereign/internal/rgi"
)

// Server is the REST API server.
type Server struct {
	cfg    config.APIConfig
	router *gin.Engine
	server *http.Server
	log    zerolog.Logger

	ingress  *ingress.Service
	gateway  *hitl.Gateway
	guardian *guardian.Guardian
	policy   *policy.Evaluator
	rgi      *rgi.Synthesizer
	hub      *Hub
}

// Deps are the components the server exposes.
type Deps struct {
	Ingress  *ingress.Service
	Gateway  *hitl.Gateway
	Guardian *guardian.Guardian
	Policy   *policy.Evaluator
	RGI      *rgi.Synthesizer
	Bus      *events.Bus
}

// NewServer creates the API server and wires its routes.
func NewServer(cfg config.APIConfig, deps Deps, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(log))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Signature", "X-Operator-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		cfg:      cfg,
		router:   router,
		log:      log.With().Str("component", "api").Logger(),
		ingress:  deps.Ingress,
		gateway:  deps.Gateway,
		guardian: deps.Guardian,
		policy:   deps.Policy,
		rgi:      deps.RGI,
		hub:      NewHub(log),
	}
	if deps.Bus != nil {
		s.hub.SubscribeBus(deps.Bus)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	limiter := newIPLimiter(s.cfg.RatePerSec, s.cfg.RateBurst)

	s.router.GET("/healthz", s.handleHealth)

	// Documented external paths. The /api/v1 group below aliases them for
	// existing tooling.
	s.router.POST("/webhook/signal", limiter.Middleware(), s.handleWebhookSignal)

	hitlDoc := s.router.Group("/api/hitl", limiter.Middleware(), bearerAuth(s.cfg.BearerToken))
	{
		hitlDoc.GET("/pending", s.handleListPending)
		hitlDoc.POST("/:trade_id/approve", s.handleApprove)
		hitlDoc.POST("/:trade_id/reject", s.handleReject)
	}

	v1 := s.router.Group("/api/v1")
	v1.Use(limiter.Middleware())
	{
		v1.POST("/webhook/signal", s.handleWebhookSignal)
		v1.GET("/status", s.handleStatus)

		authed := v1.Group("", bearerAuth(s.cfg.BearerToken))
		{
			hitlGroup := authed.Group("/hitl")
			{
				hitlGroup.GET("/pending", s.handleListPending)
				hitlGroup.POST("/:trade_id/decide", s.handleDecide)
				hitlGroup.POST("/:trade_id/approve", s.handleApprove)
				hitlGroup.POST("/:trade_id/reject", s.handleReject)
			}

			guardianGroup := authed.Group("/guardian")
			{
				guardianGroup.GET("/status", s.handleGuardianStatus)
				guardianGroup.POST("/lock", s.handleGuardianLock)
				guardianGroup.POST("/unlock", s.handleGuardianUnlock)
			}

			authed.POST("/policy/reset", s.handlePolicyReset)
			authed.POST("/rgi/reset", s.handleRGIReset)
		}

		v1.GET("/events/ws", s.handleWebsocket)
	}
}

// Start runs the HTTP server until Stop or a listen failure.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Str("addr", s.cfg.Addr).Msg("Starting API server")
	go s.hub.Run()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop drains the HTTP server and closes the websocket hub.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info().Msg("Stopping API server")
	s.hub.Close()
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func loggerMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		event := log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())
		if len(c.Errors) > 0 {
			event.Str("errors", c.Errors.String())
		}
		event.Msg("API request")
	}
}

// bearerAuth guards the operator endpoints with a shared token. An empty
// configured token rejects everything; the control surface never runs open.
func bearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if token == "" || header != "Bearer "+token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
			return
		}
		c.Next()
	}
}

// ipLimiter applies a token-bucket rate limit per client IP.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

func newIPLimiter(perSec float64, burst int) *ipLimiter {
	if perSec <= 0 {
		perSec = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		perSec:   rate.Limit(perSec),
		burst:    burst,
	}
}

func (l *ipLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.perSec, l.burst)
		l.limiters[ip] = lim
	}
	return lim
}

func (l *ipLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.get(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

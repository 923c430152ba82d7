// Package api exposes the pipeline over HTTP: job submission, polling,
// approval and progress streaming over SSE and WebSocket.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Richard1990h/KING-V3-sub001/internal/auth"
	"github.com/Richard1990h/KING-V3-sub001/internal/config"
	"github.com/Richard1990h/KING-V3-sub001/internal/jobs"
	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
	"github.com/Richard1990h/KING-V3-sub001/internal/metrics"
	"github.com/Richard1990h/KING-V3-sub001/internal/middleware"
	"github.com/Richard1990h/KING-V3-sub001/internal/pipeline"
	"github.com/Richard1990h/KING-V3-sub001/internal/queue"
	"github.com/Richard1990h/KING-V3-sub001/internal/ratelimit"
	"github.com/Richard1990h/KING-V3-sub001/internal/sandbox"
	"github.com/Richard1990h/KING-V3-sub001/internal/store"
	"github.com/Richard1990h/KING-V3-sub001/internal/websocket"
)

// EventReader replays persisted progress events
type EventReader interface {
	After(ctx context.Context, jobID string, after int64) ([]jobs.ProgressEvent, error)
}

// BalanceReader reports a user's credit balance
type BalanceReader interface {
	CheckBalance(ctx context.Context, userID string) (float64, error)
}

// Deps are the collaborators of a Server. DB and Ledger may be nil.
type Deps struct {
	Orchestrator *pipeline.Orchestrator
	Queue        *queue.Queue
	Events       EventReader
	Ledger       BalanceReader
	Limiter      *ratelimit.Limiter
	Sandbox      *sandbox.Executor
	Tokens       *auth.JWTService
	Identities   middleware.IdentityResolver
	DB           *gorm.DB
	Settings     config.Settings
	Logger       *zap.Logger
}

// Server represents the API server
type Server struct {
	orch      *pipeline.Orchestrator
	queue     *queue.Queue
	events    EventReader
	ledger    BalanceReader
	limiter   *ratelimit.Limiter
	sandbox   *sandbox.Executor
	tokens    *auth.JWTService
	idents    middleware.IdentityResolver
	db        *gorm.DB
	settings  config.Settings
	logger    *zap.Logger
	upgrader  *gorillaws.Upgrader
	started   time.Time
	feedPoll  time.Duration
	keepalive time.Duration
}

// NewServer creates a new API server
func NewServer(d Deps) *Server {
	return &Server{
		orch:      d.Orchestrator,
		queue:     d.Queue,
		events:    d.Events,
		ledger:    d.Ledger,
		limiter:   d.Limiter,
		sandbox:   d.Sandbox,
		tokens:    d.Tokens,
		idents:    d.Identities,
		db:        d.DB,
		settings:  d.Settings,
		logger:    logging.OrNop(d.Logger).Named("api"),
		upgrader:  websocket.NewUpgrader(d.Settings.Server.CORSOrigins),
		started:   time.Now(),
		feedPoll:  2 * time.Second,
		keepalive: 15 * time.Second,
	}
}

// Router builds the gin engine with every route mounted
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Recovery(s.logger),
		middleware.Logger(s.logger),
		middleware.CORS(s.settings.Server.CORSOrigins),
		middleware.SecurityHeaders(),
		metrics.PrometheusMiddleware(),
	)
	if s.settings.RateLimit.HTTPPerMinute > 0 {
		r.Use(ratelimit.NewIPLimiter(s.settings.RateLimit.HTTPPerMinute, s.settings.RateLimit.HTTPBurst).Middleware())
	}

	r.GET("/health", s.Health)
	r.GET("/metrics", metrics.PrometheusHandler())

	requireAuth := middleware.RequireAuth(s.tokens, s.idents, s.logger)

	v1 := r.Group("/api/v1")
	v1.GET("/agents", s.ListAgents)

	authed := v1.Group("", requireAuth)
	authed.GET("/usage", s.Usage)

	jobsGroup := authed.Group("/jobs")
	jobsGroup.POST("", s.CreateJob)
	jobsGroup.GET("", s.ListJobs)
	jobsGroup.GET("/:id", s.GetJob)
	jobsGroup.GET("/:id/result", s.GetJobResult)
	jobsGroup.GET("/:id/events", s.StreamEvents)
	jobsGroup.POST("/:id/approve", s.ApproveJob)
	jobsGroup.POST("/:id/execute", s.ExecuteJob)
	jobsGroup.POST("/:id/continue", s.ContinueJob)
	jobsGroup.POST("/:id/cancel", s.CancelJob)

	pipelineGroup := authed.Group("/pipeline")
	pipelineGroup.POST("/jobs", s.SubmitPipeline)
	pipelineGroup.POST("/run", s.RunPipeline)

	authed.POST("/sandbox/execute", s.ExecuteSandbox)

	r.GET("/ws/jobs/:id", requireAuth, s.StreamWebSocket)

	r.NoRoute(func(c *gin.Context) {
		middleware.Abort(c, http.StatusNotFound, "ROUTE_NOT_FOUND", "route not found")
	})
	return r
}

// Health reports liveness plus a database ping when a database is wired
func (s *Server) Health(c *gin.Context) {
	body := gin.H{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"queue_backend":  s.settings.Pipeline.QueueBackend,
	}
	if s.sandbox != nil {
		body["sandbox_backend"] = s.sandbox.Backend()
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx, s.db); err != nil {
			s.logger.Warn("health check database ping failed", zap.Error(err))
			body["status"] = "unhealthy"
			body["database"] = "unreachable"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "connected"
	}
	c.JSON(http.StatusOK, body)
}

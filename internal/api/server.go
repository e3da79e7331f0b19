// Package api exposes the queue and account operations over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"valoqueue/internal/accounts"
	"valoqueue/internal/authqueue"
	"valoqueue/internal/backup"
	"valoqueue/internal/config"
	"valoqueue/internal/redis"
	"valoqueue/internal/security"
	"valoqueue/internal/stats"
)

type Server struct {
	log      *slog.Logger
	cfg      config.Config
	queue    *authqueue.Queue
	accounts *accounts.Service
	redis    *redis.Client // nil in single-process fallback mode
	tracker  *stats.Tracker
	backups  *backup.Runner
	limiters *security.LimiterStore
	router   *gin.Engine
}

// Options carries the optional collaborators; any of them may be nil and
// the matching endpoints degrade or disappear.
type Options struct {
	Redis   *redis.Client
	Tracker *stats.Tracker
	Backups *backup.Runner
}

func NewServer(log *slog.Logger, cfg config.Config, queue *authqueue.Queue, accountsSvc *accounts.Service, opts Options) *Server {
	s := &Server{
		log:      log,
		cfg:      cfg,
		queue:    queue,
		accounts: accountsSvc,
		redis:    opts.Redis,
		tracker:  opts.Tracker,
		backups:  opts.Backups,
		// fallback limiter when redis is unavailable: 1 req/s per client
		// with a burst of 60, entries dropped after an idle hour
		limiters: security.NewLimiterStore(rate.Limit(1), 60, time.Hour),
		router:   gin.New(),
	}

	gin.SetMode(gin.ReleaseMode)
	r := s.router
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())
	r.Use(s.loggingMiddleware())
	r.Use(s.inputValidationMiddleware())
	r.Use(s.rateLimitMiddleware())

	v1 := r.Group("/api/v1")
	{
		v1.POST("/queue/cookies", s.enqueueCookies)
		v1.POST("/queue/noop", s.enqueueNoop)
		v1.GET("/queue/:counter", s.queueStatus)
		v1.GET("/queue", s.queueInfo)
		v1.GET("/health", s.health)

		v1.POST("/users/:user_id/accounts", s.linkAccount)
		v1.PUT("/users/:user_id/accounts", s.saveAccount)
		v1.GET("/users/:user_id/accounts/current", s.currentAccount)

		v1.POST("/stats", s.ingestStats)
		v1.GET("/stats", s.overallStats)
		v1.GET("/stats/:uuid", s.itemStats)

		admin := v1.Group("/admin")
		admin.Use(s.adminAuthMiddleware())
		{
			admin.GET("/users", s.listUsers)
			admin.GET("/users/:user_id", s.getUser)
			admin.DELETE("/users/:user_id", s.deleteUser)
			admin.DELETE("/users/:user_id/accounts/:number", s.deleteAccount)
			admin.POST("/users/:user_id/switch/:number", s.switchAccount)
			admin.POST("/users/:user_id/dedupe", s.dedupeAccounts)
			admin.POST("/backup", s.triggerBackup)
		}
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/merchhub/kiwisync/internal/config"
	"github.com/merchhub/kiwisync/internal/ratelimit"
	"github.com/merchhub/kiwisync/internal/syncengine"
	"github.com/merchhub/kiwisync/internal/syncstate"
	"github.com/merchhub/kiwisync/internal/webhook"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// Server owns the route handlers and their collaborators.
type Server struct {
	engine    *gin.Engine
	cfg       config.Config
	syncer    *syncengine.Engine
	state     *syncstate.Store
	processor *webhook.Processor
	limiter   ratelimit.Limiter
	log       *zap.Logger
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Cfg       config.Config
	Syncer    *syncengine.Engine
	State     *syncstate.Store
	Processor *webhook.Processor
	Limiter   ratelimit.Limiter
	Log       *zap.Logger
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:    p.Gin,
		cfg:       p.Cfg,
		syncer:    p.Syncer,
		state:     p.State,
		processor: p.Processor,
		limiter:   p.Limiter,
		log:       p.Log.Named("server"),
	}

	svc.registerWebhookRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhook", s.HandleWebhook)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("", s.AdminAuth())
	admin.POST("/sync", s.HandleSyncRun)
	admin.GET("/sync/status", s.HandleSyncStatus)
	admin.POST("/webhook/retry", s.HandleWebhookRetry)
}

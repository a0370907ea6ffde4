// Package router assembles the gin engine of the keystore API.
package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/turtacn/keystore/internal/application/dto"
	"github.com/turtacn/keystore/internal/config"
	"github.com/turtacn/keystore/internal/interfaces/http/handlers"
	"github.com/turtacn/keystore/internal/interfaces/http/middleware"
	"github.com/turtacn/keystore/pkg/constants"
	"github.com/turtacn/keystore/pkg/errors"
	"github.com/turtacn/keystore/pkg/logger"
)

// Router HTTP 路由器
type Router struct {
	engine         *gin.Engine
	config         *config.ServerConfig
	logger         logger.Logger
	keyHandler     *handlers.KeyHandler
	healthHandler  *handlers.HealthHandler
	tracer         trace.Tracer
	observer       middleware.RequestObserver
	metricsHandler http.Handler
	limiter        middleware.RateLimiter
	server         *http.Server
}

// Option configures optional router features.
type Option func(*Router)

// WithRateLimiter throttles the /keys API with l.
func WithRateLimiter(l middleware.RateLimiter) Option {
	return func(r *Router) { r.limiter = l }
}

// NewRouter 创建路由器
// A nil metricsHandler serves the default Prometheus registry.
func NewRouter(
	cfg *config.ServerConfig,
	log logger.Logger,
	keyHandler *handlers.KeyHandler,
	healthHandler *handlers.HealthHandler,
	tracer trace.Tracer,
	observer middleware.RequestObserver,
	metricsHandler http.Handler,
	opts ...Option,
) *Router {
	// 设置 Gin 模式
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	r := &Router{
		engine:         gin.New(),
		config:         cfg,
		logger:         log,
		keyHandler:     keyHandler,
		healthHandler:  healthHandler,
		tracer:         tracer,
		observer:       observer,
		metricsHandler: metricsHandler,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.setupRoutes()
	r.server = &http.Server{
		Addr:           cfg.Addr(),
		Handler:        r.engine,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}
	return r
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	// 全局中间件
	r.engine.Use(middleware.Recovery(r.logger))
	r.engine.Use(middleware.RequestID())
	if r.tracer != nil {
		r.engine.Use(middleware.Tracing(r.tracer))
	}
	if r.observer != nil {
		r.engine.Use(middleware.Metrics(r.observer))
	}
	r.engine.Use(middleware.Logging(r.logger))

	// CORS 配置
	origins := r.config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.engine.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", constants.HeaderRequestID},
		ExposeHeaders: []string{constants.HeaderRequestID, constants.HeaderTraceID},
		MaxAge:        12 * time.Hour,
	}))

	// 健康检查路由（不需要认证）
	r.engine.GET("/health", r.healthHandler.HealthCheck)
	r.engine.GET("/ready", r.healthHandler.ReadinessCheck)
	r.engine.GET("/live", r.healthHandler.LivenessCheck)

	// Prometheus metrics
	r.engine.GET("/metrics", gin.WrapH(r.metricsHandler))

	// Pprof 性能分析（仅在非生产环境）
	if r.config.EnablePprof {
		pprof.Register(r.engine)
	}

	keys := r.engine.Group("/keys")
	keys.Use(middleware.BasicAuth(r.config.BasicAuth))
	if r.limiter != nil {
		keys.Use(middleware.RateLimit(r.limiter, r.logger))
	}
	{
		keys.GET("", r.keyHandler.Query)
		keys.GET("/status", r.keyHandler.Status)
		keys.GET("/user/:userId", r.keyHandler.QueryByUser)
		keys.GET("/client/:clientId", r.keyHandler.QueryByClient)
		keys.GET("/agency/:agencyCode", r.keyHandler.QueryByAgency)
		keys.GET("/token/:authValue", r.keyHandler.GetByToken)
		keys.GET("/auth/:authValue", r.keyHandler.Authenticate)
		keys.GET("/jwt/token/:authValue", r.keyHandler.GetJWTByToken)
		keys.GET("/jwt/:userId/:clientId", r.keyHandler.GetJWT)
		keys.GET("/:userId/:clientId", r.keyHandler.Get)

		keys.POST("", r.keyHandler.Create)
		keys.POST("/obj", r.keyHandler.CreateFromRecord)
		keys.POST("/jwt", r.keyHandler.CreateFromJWT)
		keys.POST("/refresh", r.keyHandler.RefreshByToken)
		keys.POST("/:userId/:clientId/refresh", r.keyHandler.Refresh)

		keys.DELETE("/token/:authValue", r.keyHandler.RevokeByToken)
		keys.DELETE("/user/:userId", r.keyHandler.RevokeByUser)
		keys.DELETE("/client/:clientId", r.keyHandler.RevokeByClient)
		keys.DELETE("/agency/:agencyCode", r.keyHandler.RevokeByAgency)
		keys.DELETE("/:userId/:clientId", r.keyHandler.Revoke)
	}

	// 404 处理
	r.engine.NoRoute(func(c *gin.Context) {
		traceID := c.GetString(string(constants.ContextKeyTraceID))
		c.JSON(http.StatusNotFound, dto.ErrorResponse(errors.NotFound("no route for "+c.Request.URL.Path), traceID))
	})
}

// Start 启动 HTTP 服务器. It blocks until the server stops.
func (r *Router) Start() error {
	r.logger.Info(context.Background(), "Starting HTTP server", logger.String("address", r.server.Addr))
	if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止 HTTP 服务器
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info(ctx, "Stopping HTTP server...")
	return r.server.Shutdown(ctx)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/messaging/internal/application/usecase"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/monitoring"
	"github.com/ngoclaw/ngoclaw/messaging/internal/interfaces/http/handlers"
	"github.com/ngoclaw/ngoclaw/messaging/internal/interfaces/websocket"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/safego"
)

// Server HTTP服务器
type Server struct {
	server  *http.Server
	router  *gin.Engine
	limiter *limiterPool
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// Config HTTP服务器配置
type Config struct {
	Addr         string
	Mode         string // debug, release, test
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int
}

// Dependencies 路由依赖；Hub、Metrics、Monitor 可为 nil
type Dependencies struct {
	Conversations *usecase.ConversationUseCase
	Messages      *usecase.MessageUseCase
	Moderation    *usecase.ModerationUseCase
	Hub           *websocket.Hub
	Metrics       *monitoring.Metrics
	Monitor       *monitoring.Monitor
}

// NewServer 创建HTTP服务器
func NewServer(cfg Config, deps Dependencies, logger *zap.Logger) *Server {
	switch cfg.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(cfg.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	var observer RequestObserver
	if deps.Metrics != nil {
		observer = deps.Metrics
	}
	router.Use(ginLogger(logger, observer))

	s := &Server{
		router: router,
		logger: logger,
		server: &http.Server{
			Addr:         cfg.Addr,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}

	var limit gin.HandlerFunc
	if cfg.RateLimitEnabled {
		s.limiter = newLimiterPool(cfg.RateLimitRPS, cfg.RateLimitBurst)
		var onLimited func()
		if deps.Metrics != nil {
			onLimited = deps.Metrics.RateLimited.Inc
		}
		limit = rateLimitMiddleware(s.limiter, onLimited)
	}

	setupRoutes(router, deps, limit, logger)
	return s
}

// Handler 返回路由（测试使用）
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	ctx, s.cancel = context.WithCancel(ctx)
	if s.limiter != nil {
		safego.Go(s.logger, "ratelimit-cleanup", func() {
			s.limiter.cleanupLoop(ctx, time.Minute)
		})
	}

	safego.Go(s.logger, "http-server", func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	})
	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	if s.cancel != nil {
		s.cancel()
	}
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func setupRoutes(router *gin.Engine, deps Dependencies, limit gin.HandlerFunc, logger *zap.Logger) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		if deps.Monitor == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
			return
		}
		c.JSON(http.StatusOK, deps.Monitor.Health(queryBoolParam(c, "history")))
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	authed := []gin.HandlerFunc{identityMiddleware()}
	if limit != nil {
		authed = append(authed, limit)
	}

	if deps.Hub != nil {
		router.GET("/ws", identityMiddleware(), func(c *gin.Context) {
			deps.Hub.ServeWS(c.Writer, c.Request, handlers.IdentityFrom(c).UserID())
		})
	}

	conversations := handlers.NewConversationHandler(deps.Conversations, logger)
	messages := handlers.NewMessageHandler(deps.Messages, logger)
	moderation := handlers.NewModerationHandler(deps.Moderation, logger)

	// API版本1
	v1 := router.Group("/api/v1", authed...)
	{
		v1.POST("/conversations", conversations.Create)
		v1.GET("/conversations", conversations.List)
		v1.GET("/conversations/search", conversations.Search)
		v1.POST("/conversations/archive", conversations.BulkArchive)
		v1.GET("/conversations/:id", conversations.Get)
		v1.PATCH("/conversations/:id", conversations.Update)
		v1.PUT("/conversations/:id/settings", conversations.UpdateSettings)
		v1.POST("/conversations/:id/leave", conversations.Leave)
		v1.GET("/conversations/:id/participants", conversations.ListParticipants)
		v1.POST("/conversations/:id/participants", conversations.AddParticipants)
		v1.DELETE("/conversations/:id/participants/:user_id", conversations.RemoveParticipant)
		v1.PUT("/conversations/:id/participants/:user_id/role", conversations.UpdateRole)

		v1.GET("/conversations/:id/messages", messages.List)
		v1.POST("/conversations/:id/messages", messages.Send)
		v1.GET("/conversations/:id/export", messages.Export)
		v1.GET("/conversations/:id/analytics", moderation.Analytics)

		v1.GET("/messages/search", moderation.SearchMessages)
		v1.POST("/messages/delete", messages.BulkDelete)
		v1.PATCH("/messages/:id", messages.Edit)
		v1.DELETE("/messages/:id", messages.Delete)
		v1.POST("/messages/:id/forward", messages.Forward)
		v1.POST("/messages/:id/read", messages.MarkRead)
		v1.GET("/messages/:id/thread", messages.Thread)
		v1.GET("/messages/:id/reactions", messages.ListReactions)
		v1.PUT("/messages/:id/reactions/:emoji", messages.AddReaction)
		v1.DELETE("/messages/:id/reactions/:emoji", messages.RemoveReaction)

		v1.POST("/attachments", messages.Upload)

		v1.GET("/moderation/conversations", moderation.ListMonitored)
	}
}

func queryBoolParam(c *gin.Context, key string) bool {
	v := c.Query(key)
	return v == "1" || v == "true"
}

package application

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ngoclaw/ngoclaw/messaging/internal/application/usecase"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/authz"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/cache"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/config"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/directory"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/eventbus"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/filewatch"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/monitoring"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/persistence"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/retention"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/storage"
	grpcServer "github.com/ngoclaw/ngoclaw/messaging/internal/interfaces/grpc"
	httpServer "github.com/ngoclaw/ngoclaw/messaging/internal/interfaces/http"
	"github.com/ngoclaw/ngoclaw/messaging/internal/interfaces/websocket"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/safego"
)

// App 应用程序
type App struct {
	// 配置
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB

	// 仓储层
	repos repository.Repositories
	tx    repository.Transactor

	// 领域服务
	coordinator *service.Coordinator
	authorizer  *authz.TableAuthorizer
	directory   *directory.YAMLDirectory

	// 基础设施
	bus      eventbus.Bus
	walBus   *eventbus.PersistentBus
	cache    service.AnalyticsCache
	redis    *cache.RedisAnalyticsCache
	storage  service.AttachmentStorage
	metrics  *monitoring.Metrics
	monitor  *monitoring.Monitor
	watchers []*filewatch.Watcher
	sweeper  *retention.Scheduler

	// 应用服务
	conversations *usecase.ConversationUseCase
	messages      *usecase.MessageUseCase
	moderation    *usecase.ModerationUseCase

	// 接口层
	hub        *websocket.Hub
	httpServer *httpServer.Server
	grpcServer *grpcServer.HealthServer

	unsubscribe []func()
	cancel      context.CancelFunc
}

// NewApp 创建应用程序（依赖注入容器）
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app, err := newCore(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := app.initWatchers(); err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("failed to init watchers: %w", err)
	}
	if err := app.initInterfaces(); err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}
	return app, nil
}

// NewAppCLI creates a lightweight app for offline CLI commands.
// Skips: HTTP, websocket, gRPC, file watchers and the retention schedule.
func NewAppCLI(cfg *config.Config, logger *zap.Logger) (*App, error) {
	return newCore(cfg, logger)
}

func newCore(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Bootstrap: ensure ~/.ngoclaw/ exists with default files on first run
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"repositories", app.initRepositories},
		{"domain services", app.initDomainServices},
		{"infrastructure", app.initInfrastructure},
		{"application services", app.initApplicationServices},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			app.closeInfrastructure()
			return nil, fmt.Errorf("failed to init %s: %w", step.name, err)
		}
	}
	return app, nil
}

// initRepositories 初始化仓储层
func (app *App) initRepositories() error {
	app.logger.Info("Initializing repositories", zap.String("type", app.config.Database.Type))

	if app.config.Database.Type == "memory" {
		app.repos, app.tx = persistence.NewMemoryRepositories()
		return nil
	}

	db, err := persistence.NewDBConnection(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db
	app.repos = persistence.NewGormRepositories(db)
	app.tx = persistence.NewGormTransactor(db)
	return nil
}

// initDomainServices 初始化领域服务
func (app *App) initDomainServices() error {
	app.logger.Info("Initializing domain services")

	app.metrics = monitoring.NewMetrics()
	app.coordinator = service.NewCoordinator(app.config.Delivery.QueueSize, app.metrics, app.logger)

	// 权限表
	table, err := app.loadPermissionTable()
	if err != nil {
		return err
	}
	app.authorizer = authz.NewTableAuthorizer(table, app.config.Authz.File, app.logger)

	// 用户目录
	if app.config.Directory.File == "" {
		app.directory = directory.NewYAMLDirectory(nil, "", app.logger)
	} else {
		d, err := directory.Open(app.config.Directory.File, app.logger)
		if err != nil {
			return err
		}
		app.directory = d
	}
	app.logger.Info("User directory loaded", zap.Int("users", len(app.directory.Users())))
	return nil
}

func (app *App) loadPermissionTable() (*authz.Table, error) {
	if app.config.Authz.File == "" {
		return authz.ParseTable([]byte(config.DefaultPermissionTable))
	}
	return authz.LoadFile(app.config.Authz.File)
}

// initInfrastructure 初始化基础设施
func (app *App) initInfrastructure() error {
	app.logger.Info("Initializing infrastructure")

	// 事件总线：配置了 WAL 目录时落盘
	if dir := app.config.Events.WALDir; dir != "" {
		bus, err := eventbus.NewPersistentBus(eventbus.PersistentBusConfig{
			WALDir:     dir,
			BufferSize: app.config.Events.BufferSize,
		}, app.logger)
		if err != nil {
			return fmt.Errorf("failed to open event WAL: %w", err)
		}
		app.walBus = bus
		app.bus = bus
	} else {
		app.bus = eventbus.NewInMemoryBus(app.logger, app.config.Events.BufferSize)
	}
	app.unsubscribe = append(app.unsubscribe, app.bus.Subscribe("*", func(ctx context.Context, event eventbus.Event) {
		app.metrics.EventsPublished.WithLabelValues(event.Type()).Inc()
	}))

	// 统计缓存
	switch app.config.Cache.Backend {
	case "redis":
		rc, err := cache.NewRedisAnalyticsCache(cache.RedisConfig{
			Addr:      app.config.Cache.RedisAddr,
			Password:  app.config.Cache.RedisPassword,
			DB:        app.config.Cache.RedisDB,
			KeyPrefix: app.config.Cache.KeyPrefix,
		}, app.logger)
		if err != nil {
			return err
		}
		app.redis = rc
		app.cache = rc
	default:
		app.cache = cache.NewMemoryAnalyticsCache()
	}

	// 附件存储
	if dir := app.config.Attachments.StorageDir; dir != "" {
		ls, err := storage.NewLocalStorage(dir, app.logger)
		if err != nil {
			return err
		}
		app.storage = ls
	} else {
		app.storage = storage.NewMemoryStorage()
	}
	return nil
}

// initApplicationServices 初始化应用服务
func (app *App) initApplicationServices() error {
	app.logger.Info("Initializing application services")

	limits := usecase.DefaultLimits()
	m := app.config.Messages
	limits.MaxContentLength = m.MaxContentLength
	limits.MaxAttachments = m.MaxAttachments
	limits.DefaultPageSize = m.DefaultPageSize
	limits.MaxPageSize = m.MaxPageSize
	if m.ThreadPageSize > 0 {
		limits.ThreadPageSize = m.ThreadPageSize
	}
	if m.MaxBatchSize > 0 {
		limits.MaxBatchSize = m.MaxBatchSize
	}
	limits.UploadTimeout = app.config.Attachments.UploadTimeout
	if app.config.Attachments.MaxSize > 0 {
		limits.MaxUploadSize = app.config.Attachments.MaxSize
	}
	limits.AnalyticsTTL = app.config.Moderation.AnalyticsTTL
	if app.config.Moderation.SearchLimit > 0 {
		limits.SearchLimit = app.config.Moderation.SearchLimit
	}

	deps := usecase.Dependencies{
		Repositories: app.repos,
		Transactor:   app.tx,
		Coordinator:  app.coordinator,
		Bus:          app.bus,
		Authorizer:   app.authorizer,
		Directory:    app.directory,
		Storage:      app.storage,
		Cache:        app.cache,
		Limits:       limits,
		Logger:       app.logger,
	}
	app.conversations = usecase.NewConversationUseCase(deps)
	app.messages = usecase.NewMessageUseCase(deps)
	app.moderation = usecase.NewModerationUseCase(deps)
	return nil
}

// initWatchers 权限表与用户目录热加载
func (app *App) initWatchers() error {
	type target struct {
		path   string
		watch  bool
		reload func() error
	}
	targets := []target{
		{app.config.Authz.File, app.config.Authz.Watch, app.authorizer.Reload},
		{app.config.Directory.File, app.config.Directory.Watch, app.directory.Reload},
	}
	for _, t := range targets {
		if t.path == "" || !t.watch {
			continue
		}
		w, err := filewatch.New(t.path, t.reload, app.logger)
		if err != nil {
			return err
		}
		app.watchers = append(app.watchers, w)
	}
	return nil
}

// initInterfaces 初始化接口层
func (app *App) initInterfaces() error {
	app.logger.Info("Initializing interfaces")

	app.hub = websocket.NewHub(websocket.Metrics{
		Clients:   app.metrics.WebSocketClients,
		Delivered: app.metrics.EventsDelivered,
	}, app.logger)
	app.monitor = monitoring.NewMonitor(monitoring.Sources{
		ActiveLanes: app.coordinator.ActiveLanes,
		Clients:     app.hub.ClientCount,
	}, app.logger)

	srv := app.config.Server
	app.httpServer = httpServer.NewServer(httpServer.Config{
		Addr:             srv.Addr(),
		Mode:             srv.Mode,
		ReadTimeout:      srv.ReadTimeout,
		WriteTimeout:     srv.WriteTimeout,
		RateLimitEnabled: app.config.RateLimit.Enabled,
		RateLimitRPS:     app.config.RateLimit.RPS,
		RateLimitBurst:   app.config.RateLimit.Burst,
	}, httpServer.Dependencies{
		Conversations: app.conversations,
		Messages:      app.messages,
		Moderation:    app.moderation,
		Hub:           app.hub,
		Metrics:       app.metrics,
		Monitor:       app.monitor,
	}, app.logger)

	if app.config.GRPC.Enabled {
		app.grpcServer = grpcServer.NewHealthServer(app.config.GRPC.Port, app.logger)
	}

	if app.config.Retention.Enabled {
		sweeper, err := retention.NewScheduler(app.config.Retention.Schedule, app.conversations, func(marked int, err error) {
			app.metrics.RetentionSweeps.WithLabelValues(monitoring.StatusOf(err)).Inc()
		}, app.logger)
		if err != nil {
			return err
		}
		app.sweeper = sweeper
	}
	return nil
}

// Start 启动应用
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")
	ctx, app.cancel = context.WithCancel(ctx)

	// 重放上次未截断的 WAL，清除重启前变更过的会话的统计缓存
	if app.walBus != nil {
		n, err := app.walBus.Replay(ctx)
		if err != nil {
			app.logger.Warn("WAL replay failed", zap.Error(err))
		} else if n > 0 {
			app.logger.Info("Replayed events from WAL", zap.Int("events", n))
			if err := app.walBus.Truncate(); err != nil {
				app.logger.Warn("WAL truncate failed", zap.Error(err))
			}
		}
	}

	for _, w := range app.watchers {
		w.Start()
	}

	if app.hub != nil {
		app.unsubscribe = append(app.unsubscribe, app.hub.Attach(app.bus))
		safego.Go(app.logger, "ws-hub", func() { app.hub.Run(ctx) })
	}
	if app.monitor != nil {
		safego.Go(app.logger, "monitor", func() { app.monitor.StartCollector(ctx, time.Minute) })
	}

	if app.httpServer != nil {
		if err := app.httpServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}
	if app.grpcServer != nil {
		if err := app.grpcServer.Start(); err != nil {
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
	}
	if app.sweeper != nil {
		app.sweeper.Start(ctx)
	}

	app.logger.Info("Application started successfully")
	return nil
}

// Stop 停止应用
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	var firstErr error
	if app.grpcServer != nil {
		app.grpcServer.SetServing(false)
	}
	if app.httpServer != nil {
		if err := app.httpServer.Stop(ctx); err != nil {
			app.logger.Error("Failed to stop HTTP server", zap.Error(err))
			firstErr = err
		}
	}
	if app.grpcServer != nil {
		app.grpcServer.Stop()
	}
	if app.sweeper != nil {
		app.sweeper.Stop()
	}
	for _, w := range app.watchers {
		w.Stop()
	}

	// 等待排队中的会话操作完成
	if err := app.coordinator.Close(ctx); err != nil {
		app.logger.Warn("Coordinator did not drain in time", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	if app.cancel != nil {
		app.cancel()
	}

	app.closeInfrastructure()
	app.logger.Info("Application stopped")
	return firstErr
}

// closeInfrastructure 释放总线、缓存与数据库连接
func (app *App) closeInfrastructure() {
	if app.moderation != nil {
		app.moderation.Close()
	}
	for _, unsubscribe := range app.unsubscribe {
		unsubscribe()
	}
	app.unsubscribe = nil
	if app.bus != nil {
		app.bus.Close()
	}
	if app.redis != nil {
		_ = app.redis.Close()
	}
	if app.db != nil {
		if sqlDB, err := app.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// Close 释放 CLI 模式下打开的资源
func (app *App) Close(ctx context.Context) error {
	err := app.coordinator.Close(ctx)
	app.closeInfrastructure()
	return err
}

// Conversations 会话用例
func (app *App) Conversations() *usecase.ConversationUseCase { return app.conversations }

// Messages 消息用例
func (app *App) Messages() *usecase.MessageUseCase { return app.messages }

// Moderation 监管用例
func (app *App) Moderation() *usecase.ModerationUseCase { return app.moderation }

// Directory 用户目录
func (app *App) Directory() *directory.YAMLDirectory { return app.directory }

// Repositories 仓储集合（CLI 只读统计使用）
func (app *App) Repositories() repository.Repositories { return app.repos }

// Logger 日志
func (app *App) Logger() *zap.Logger { return app.logger }

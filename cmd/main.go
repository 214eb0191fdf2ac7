package main

import (
	"chat-gateway/config"
	"chat-gateway/core"
	"chat-gateway/models"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// App 所有 handler 共享的依赖
type App struct {
	cfg         config.Config
	log         *logrus.Logger
	creds       *core.CredentialPool
	routes      *core.EgressPool
	dispatcher  *core.Dispatcher
	sessions    *core.UserSessionStore
	attachments *core.AttachmentProcessor
	attempts    *core.AsyncAttemptLogger
	startedAt   time.Time
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, closeLog, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	gin.SetMode(cfg.GinMode)

	db, err := initDatabase(cfg.DBPath, log)
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app, err := newApp(cfg, db, reg, log)
	if err != nil {
		log.Fatal("Failed to initialize gateway:", err)
	}
	defer app.attempts.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter := NewIPRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	go limiter.Run(ctx)
	go app.runCooldownCleanup(ctx, cfg.CooldownCleanupInterval)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: setupRouter(app, reg, limiter),
	}

	go func() {
		log.Infof("🚀 Starting chat gateway on port %d (model: %s, fallback: %s)", cfg.Port, cfg.PrimaryModel, cfg.FallbackModel)
		if !cfg.AdminEnabled() {
			log.Warn("ADMIN_TOKEN is not set, /admin is disabled")
		}
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server:", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown:", err)
	}
	log.Info("Server exited")
}

// newLogger JSON 格式输出到 stdout，配置 LOG_FILE 时同时写入轮转文件
func newLogger(cfg config.Config) (*logrus.Logger, func(), error) {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)

	if cfg.LogFile == "" {
		return log, func() {}, nil
	}
	rotator, err := core.NewLogRotator(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogBackups)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return log, func() { rotator.Close() }, nil
}

// initDatabase 打开 sqlite 并迁移表结构
func initDatabase(path string, log *logrus.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Info("Database initialized successfully")
	return db, nil
}

// newApp 组装凭证池、线路池、调度器和存储
func newApp(cfg config.Config, db *gorm.DB, reg prometheus.Registerer, log *logrus.Logger) (*App, error) {
	sp, err := core.NewSecretProvider(cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("secret provider: %w", err)
	}

	creds := core.NewCredentialPool(cfg.APIKeys, sp, core.CredentialPoolOptions{
		StateFile:          cfg.KeyStateFile,
		RateLimitCooldown:  cfg.KeyRateLimitCooldown,
		BadRequestCooldown: cfg.KeyBadRequestCooldown,
	}, log)
	if creds.Len() == 0 {
		log.Warn("⚠️ No usable GEMINI_API_KEYS configured, chat requests will fail")
	}

	routes, err := core.NewEgressPool(cfg.ProxyConfigFile, sp, log, nil)
	if err != nil {
		return nil, fmt.Errorf("egress pool: %w", err)
	}

	attempts := core.NewAsyncAttemptLogger(db, cfg.AttemptLogRetention, log)
	metrics := core.NewDispatchMetrics(reg)
	core.RegisterPoolGauges(reg, creds, routes)

	dispatcher := core.NewDispatcher(core.DispatcherConfig{
		BaseURL:           cfg.BaseURL,
		PrimaryModel:      cfg.PrimaryModel,
		FallbackModel:     cfg.FallbackModel,
		UseFallback:       cfg.UseFallback,
		MaxAttempts:       cfg.MaxAttempts,
		AttemptTimeout:    cfg.AttemptTimeout,
		RetryDelay:        cfg.RetryDelay,
		SystemInstruction: cfg.SystemInstruction,
	}, creds, routes, log, core.WithMetrics(metrics), core.WithAttemptRecorder(attempts))

	return &App{
		cfg:         cfg,
		log:         log,
		creds:       creds,
		routes:      routes,
		dispatcher:  dispatcher,
		sessions:    core.NewUserSessionStore(db, cfg.HistoryLimit, log, nil),
		attachments: core.NewAttachmentProcessor(int64(cfg.MaxImageMB)<<20, log),
		attempts:    attempts,
		startedAt:   time.Now(),
	}, nil
}

// runCooldownCleanup 定期清理已过期的凭证冷却
func (a *App) runCooldownCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.creds.CleanupCooldowns()
		}
	}
}

// setupRouter 注册全部路由
func setupRouter(app *App, reg *prometheus.Registry, limiter *IPRateLimiter) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.RecoveryWithWriter(app.log.Writer()))
	engine.Use(corsMiddleware())
	engine.Use(metricsMiddleware(core.NewHTTPMetrics(reg)))
	engine.Use(requestLoggerMiddleware(app.log))

	// 公开路由
	engine.GET("/", handleRoot(app))
	engine.GET("/health", handleHealth(app))
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	chat := engine.Group("/api/chat")
	chat.Use(RateLimitMiddleware(limiter, app.log))
	{
		chat.POST("", handleChat(app))
		chat.GET("/settings", handleGetSettings(app))
		chat.POST("/settings", handleUpdateSettings(app))
		chat.GET("/history", handleHistory(app))
		chat.POST("/clear", handleClearHistory(app))
		chat.POST("/history/clear", handleClearHistory(app))
		chat.GET("/status", handleChatStatus(app))
	}

	if !app.cfg.AdminEnabled() {
		return engine
	}

	engine.GET("/dashboard", handleDashboard())

	admin := engine.Group("/admin")
	admin.Use(AdminAuthMiddleware(app.cfg.AdminToken))
	{
		admin.GET("/stats", handleAdminStats(app))

		admin.GET("/keys", handleAdminKeys(app))
		admin.POST("/keys/rotate", handleRotateKeys(app))
		admin.POST("/keys/cleanup", handleCleanupKeys(app))
		admin.POST("/keys/:id/unblock", handleUnblockKey(app))

		admin.GET("/proxy", handleAdminProxy(app))
		admin.POST("/proxy/reload", handleReloadProxy(app))
		admin.POST("/proxy/test", handleTestConnection(app))

		admin.GET("/users", handleAdminUsers(app))
		admin.GET("/users/:user_id", handleAdminUserDetails(app))
		admin.DELETE("/users/:user_id", handleAdminDeleteUser(app))
		admin.POST("/system/cleanup", handleSystemCleanup(app))

		admin.GET("/attempts", handleAdminAttempts(app))
		admin.GET("/ws", handleStatusStream(app, 2*time.Second))
	}
	return engine
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/CUknot/collab_backend/cache"
	"github.com/CUknot/collab_backend/chat"
	"github.com/CUknot/collab_backend/config"
	"github.com/CUknot/collab_backend/controllers"
	"github.com/CUknot/collab_backend/database"
	"github.com/CUknot/collab_backend/docs"
	"github.com/CUknot/collab_backend/logger"
	"github.com/CUknot/collab_backend/middleware"
	"github.com/CUknot/collab_backend/models"
	"github.com/CUknot/collab_backend/websocket"
)

const shutdownTimeout = 15 * time.Second

// @title           Collaboration API
// @version         1.0
// @description     Realtime collaboration server: presence, edit relay and chat history
// @host            localhost:8080
// @BasePath        /
// @schemes         http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.
func main() {
	if err := logger.Init("info", "json"); err != nil {
		panic(err)
	}
	cfg := config.Load()
	if err := logger.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		logger.Log.Fatal("logger_init_failed", zap.Error(err))
	}
	defer logger.Sync()

	// Initialize database
	db, err := database.Connect(cfg)
	if err != nil {
		logger.Log.Fatal("database_connect_failed", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		logger.Log.Fatal("database_migrate_failed", zap.Error(err))
	}

	historyCache, limiter, redisClient := setupCache(cfg)

	chatService := chat.NewService(chat.NewGormStore(db), chat.Options{
		Policies: map[models.ChatKind]chat.Policy{
			models.ChatGlobal:   {Cap: cfg.GlobalRetention.Cap, TTL: cfg.GlobalRetention.TTL},
			models.ChatDocument: {Cap: cfg.DocumentRetention.Cap, TTL: cfg.DocumentRetention.TTL},
			models.ChatPrivate:  {Cap: cfg.PrivateRetention.Cap, TTL: cfg.PrivateRetention.TTL},
		},
		Cache:    historyCache,
		CacheTTL: cfg.CacheTTL,
	})

	sweeper, err := chat.NewSweeper(chatService, cfg.RetentionCron)
	if err != nil {
		logger.Log.Fatal("retention_config_invalid", zap.Error(err))
	}
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go sweeper.Run(sweepCtx)

	hub := websocket.NewHub(websocket.NewRegistry())
	gateway := websocket.NewGateway(hub, chatService, limiter)

	var pinger controllers.Pinger
	if rc, ok := historyCache.(*cache.RedisCache); ok {
		pinger = rc
	}
	router := newRouter(cfg, db, pinger, chatService, gateway, limiter)

	// Set up Swagger info
	docs.SwaggerInfo.Host = "localhost:" + cfg.Port

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Log.Info("server_started", zap.String("port", cfg.Port), zap.String("swagger", "http://localhost:"+cfg.Port+"/swagger/index.html"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("server_failed", zap.Error(err))
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"http": func(ctx context.Context) error {
				hub.Shutdown()
				return srv.Shutdown(ctx)
			},
			"retention": func(ctx context.Context) error {
				stopSweeper()
				chatService.Flush()
				return nil
			},
			"redis": func(ctx context.Context) error {
				if redisClient == nil {
					return nil
				}
				return redisClient.Close()
			},
		},
	)

	exitCode := <-wait
	logger.Log.Info("server_exited", zap.Int("code", exitCode))
	logger.Sync()
	os.Exit(exitCode)
}

// setupCache connects to Redis when configured. Without it the history cache
// is disabled and rate limiting is kept per process.
func setupCache(cfg config.Config) (cache.Cache, cache.Limiter, *redis.Client) {
	if cfg.RedisAddr == "" {
		logger.Log.Info("redis_disabled", zap.String("limiter", "memory"))
		return cache.Noop{}, cache.NewMemoryLimiter(cfg.RateLimit, cfg.RateWindow), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		// Cache and limiter fail open.
		logger.Log.Warn("redis_unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	} else {
		logger.Log.Info("redis_connected", zap.String("addr", cfg.RedisAddr))
	}

	return cache.NewRedisCache(client, "collab:"),
		cache.NewRedisLimiter(client, "collab:rate:", cfg.RateLimit, cfg.RateWindow),
		client
}

func newRouter(cfg config.Config, db *gorm.DB, pinger controllers.Pinger, chatService *chat.Service, gateway *websocket.Gateway, limiter cache.Limiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(), middleware.CORS())

	chatController := controllers.NewChatController(chatService, gateway, limiter)
	healthController := controllers.NewHealthController(db, pinger)

	router.GET("/health", healthController.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Swagger documentation
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Protected routes
	api := router.Group("/api")
	api.Use(middleware.JWTAuth(cfg.JWTSecret))
	{
		// Chat routes
		api.GET("/chat/global", chatController.GetGlobalHistory)
		api.POST("/chat/global", chatController.SendGlobalMessage)
		api.GET("/chat/documents/:documentId", chatController.GetDocumentHistory)
		api.POST("/chat/documents/:documentId", chatController.SendDocumentMessage)
		api.GET("/chat/private/:peer", chatController.GetPrivateHistory)
		api.POST("/chat/private/:peer", chatController.SendPrivateMessage)
		api.DELETE("/chat", middleware.RequireAdmin(), chatController.ClearAll)

		// Presence
		api.GET("/documents/:documentId/users", chatController.GetDocumentUsers)
	}

	// WebSocket route
	router.GET("/ws", middleware.JWTAuth(cfg.JWTSecret), gateway.HandleConnection)

	return router
}

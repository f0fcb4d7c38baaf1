package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	appsvc "github.com/Sapphire-Bridge/rag-foundation/internal/app"
	"github.com/Sapphire-Bridge/rag-foundation/internal/bootstrap"
	"github.com/Sapphire-Bridge/rag-foundation/internal/cache"
	"github.com/Sapphire-Bridge/rag-foundation/internal/chat"
	"github.com/Sapphire-Bridge/rag-foundation/internal/ratelimit"
	"github.com/Sapphire-Bridge/rag-foundation/internal/repository"
	"github.com/Sapphire-Bridge/rag-foundation/internal/transport/http/handler"
	"github.com/Sapphire-Bridge/rag-foundation/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)

	userRepo := repository.NewUserRepository(app.MySQL)
	storeRepo := repository.NewStoreRepository(app.MySQL)
	docRepo := repository.NewDocumentRepository(app.MySQL)
	logRepo := repository.NewQueryLogRepository(app.MySQL)
	budgetRepo := repository.NewBudgetRepository(app.MySQL)
	chatRepo := repository.NewChatRepository(app.MySQL)

	authService := appsvc.NewAuthService(
		userRepo,
		app.Config.Auth.JWTSecret,
		time.Duration(app.Config.Auth.JWTExpireMinute)*time.Minute,
	)
	storeService := appsvc.NewStoreService(storeRepo, docRepo, app.RAG, app.Log)
	documentService := appsvc.NewDocumentService(
		storeRepo, docRepo, app.Publisher, app.RAG, app.Engine, app.Config.Upload, app.Log,
	)
	costService := appsvc.NewCostService(logRepo, budgetRepo, app.Engine)

	historyCache := cache.NewHistoryCache(
		app.Redis,
		time.Duration(app.Config.Redis.HistoryTTLSeconds)*time.Second,
	)
	historyStore := appsvc.NewCachedHistoryStore(chatRepo, historyCache, 2*app.Config.Chat.MaxHistoryRows, app.Log)
	limiter := ratelimit.NewLimiter(app.Redis, app.Config.Chat.RateLimitPerMinute, time.Minute)

	orchestrator := chat.NewOrchestrator(chat.OrchestratorOptions{
		Stores:        storeRepo,
		History:       historyStore,
		Logs:          logRepo,
		Engine:        app.Engine,
		Client:        app.RAG,
		Limiter:       limiter,
		Semaphore:     semaphore.NewWeighted(app.Config.Chat.MaxConcurrentStreams),
		Config:        app.Config.Chat,
		BudgetHoldUSD: app.Config.Pricing.BudgetHoldUSD,
		StreamRetries: app.Config.Gemini.StreamRetryAttempts,
		Logger:        app.Log,
	})

	authHandler := handler.NewAuthHandler(authService)
	storeHandler := handler.NewStoreHandler(storeService)
	documentHandler := handler.NewDocumentHandler(documentService)
	chatHandler := handler.NewChatHandler(orchestrator, chatRepo)
	costHandler := handler.NewCostHandler(costService)

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.GET("/me", middleware.AuthJWT(app.Config.Auth.JWTSecret), authHandler.Me)

	authed := v1.Group("")
	authed.Use(middleware.AuthJWT(app.Config.Auth.JWTSecret))

	storeGroup := authed.Group("/stores")
	storeGroup.POST("", storeHandler.Create)
	storeGroup.GET("", storeHandler.List)
	storeGroup.GET("/:id", storeHandler.Get)
	storeGroup.DELETE("/:id", storeHandler.Delete)
	storeGroup.POST("/:id/restore", storeHandler.Restore)
	storeGroup.POST("/:id/documents", documentHandler.Upload)
	storeGroup.GET("/:id/documents", documentHandler.List)
	storeGroup.GET("/:id/documents/:docID", documentHandler.Get)
	storeGroup.DELETE("/:id/documents/:docID", documentHandler.Delete)
	storeGroup.POST("/:id/documents/:docID/retry", documentHandler.Retry)

	chatGroup := authed.Group("/chat")
	chatGroup.POST("", chatHandler.Stream)
	chatGroup.GET("/sessions", chatHandler.ListSessions)
	chatGroup.GET("/sessions/:sessionID", chatHandler.SessionMessages)
	chatGroup.DELETE("/sessions/:sessionID", chatHandler.DeleteSession)

	costGroup := authed.Group("/costs")
	costGroup.GET("", costHandler.Usage)
	costGroup.GET("/queries", costHandler.RecentQueries)
	costGroup.PUT("/budget", costHandler.SetBudget)
	costGroup.DELETE("/budget", costHandler.ClearBudget)

	return router
}

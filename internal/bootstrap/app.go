package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/Sapphire-Bridge/rag-foundation/internal/config"
	"github.com/Sapphire-Bridge/rag-foundation/internal/cost"
	"github.com/Sapphire-Bridge/rag-foundation/internal/model"
	mysqlClient "github.com/Sapphire-Bridge/rag-foundation/internal/platform/mysql"
	rabbitmqClient "github.com/Sapphire-Bridge/rag-foundation/internal/platform/rabbitmq"
	redisClient "github.com/Sapphire-Bridge/rag-foundation/internal/platform/redis"
	"github.com/Sapphire-Bridge/rag-foundation/internal/rag"
	"github.com/Sapphire-Bridge/rag-foundation/internal/repository"
)

// App holds the process-wide infrastructure shared by the API server and the
// ingestion worker.
type App struct {
	Config    *config.Config
	Log       zerolog.Logger
	MySQL     *gorm.DB
	Redis     *redis.Client
	MQConn    *amqp.Connection
	RAG       rag.Client
	Engine    *cost.Engine
	Publisher *rabbitmqClient.IngestPublisher

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	logger := newLogger(cfg)

	mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN())
	if err != nil {
		return nil, err
	}
	if err := mysqlDB.AutoMigrate(
		&model.User{},
		&model.Store{},
		&model.Document{},
		&model.QueryLog{},
		&model.Budget{},
		&model.ChatSession{},
		&model.ChatHistory{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate tables failed: %w", err)
	}

	redisCli, err := redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
	if err != nil {
		return nil, err
	}

	ragClient, err := newRAGClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	logRepo := repository.NewQueryLogRepository(mysqlDB)
	budgetRepo := repository.NewBudgetRepository(mysqlDB)
	engine := cost.NewEngine(cfg, logRepo, budgetRepo, logger)

	return &App{
		Config:    cfg,
		Log:       logger,
		MySQL:     mysqlDB,
		Redis:     redisCli,
		MQConn:    mqConn,
		RAG:       ragClient,
		Engine:    engine,
		Publisher: rabbitmqClient.NewIngestPublisher(mqConn, cfg.RabbitMQ.IngestQueue),
		StartedAt: time.Now(),
	}, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("app", cfg.App.Name).Logger()
	if cfg.App.Env == "dev" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}

func newRAGClient(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (rag.Client, error) {
	if cfg.Gemini.MockMode || cfg.Gemini.APIKey == "" {
		logger.Warn().Msg("no gemini api key configured, using the in-memory mock client")
		return rag.NewMockClient(), nil
	}
	return rag.NewGeminiClient(ctx, rag.GeminiOptions{
		APIKey:        cfg.Gemini.APIKey,
		HTTPTimeout:   time.Duration(cfg.Gemini.HTTPTimeoutSeconds) * time.Second,
		RetryAttempts: cfg.Gemini.RetryAttempts,
		Logger:        logger,
	})
}

func (a *App) Close() error {
	var closeErr error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	return closeErr
}

package bootstrap

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"promptly/internal/ai"
	"promptly/internal/app"
	"promptly/internal/cache"
	"promptly/internal/config"
	mysqlClient "promptly/internal/platform/mysql"
	rabbitmqClient "promptly/internal/platform/rabbitmq"
	redisClient "promptly/internal/platform/redis"
	sqliteClient "promptly/internal/platform/sqlite"
	"promptly/internal/repository"
	"promptly/internal/repository/memory"
	"promptly/internal/worker"
)

type App struct {
	Config      *config.Config
	DB          *gorm.DB
	Redis       *redis.Client
	MQConn      *amqp.Connection
	AuditWorker *worker.AuditWorker

	Store        repository.Store
	Orchestrator *app.Orchestrator
	AuthService  *app.AuthService

	// RateLimiter is nil when Redis is not configured.
	RateLimiter *cache.RateLimiter

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return Build(ctx, cfg)
}

// Build connects every configured dependency and wires the services. Redis
// and RabbitMQ are skipped when their address is empty.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, StartedAt: time.Now()}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DB = db
	if err := repository.AutoMigrate(db); err != nil {
		return nil, err
	}

	if cfg.App.Store == config.StoreMemory {
		a.Store = memory.NewStore()
	} else {
		a.Store = repository.NewDBStore(db)
	}

	var transcripts app.TranscriptCache
	if cfg.Redis.Addr != "" {
		a.Redis, err = redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		transcripts = cache.NewTranscriptCache(a.Redis,
			time.Duration(cfg.Redis.TranscriptTTLSeconds)*time.Second,
			time.Duration(cfg.Redis.DirtyTTLSeconds)*time.Second,
		)
		a.RateLimiter = cache.NewRateLimiter(a.Redis, cfg.Redis.RateLimitPerMinute)
	} else {
		log.Warn().Msg("redis disabled: no transcript cache or rate limiting")
	}

	var publisher app.EventPublisher
	if cfg.RabbitMQ.URL != "" {
		a.MQConn, err = rabbitmqClient.New(ctx, cfg.RabbitMQ.URL, cfg.App.Name)
		if err != nil {
			return nil, err
		}
		publisher = rabbitmqClient.NewEventPublisher(a.MQConn, cfg.RabbitMQ.EventQueue)

		a.AuditWorker = worker.NewAuditWorker(a.MQConn, repository.NewAuditRepository(db), cfg.RabbitMQ.EventQueue)
		if err := a.AuditWorker.Start(ctx); err != nil {
			return nil, fmt.Errorf("start audit worker failed: %w", err)
		}
	} else {
		log.Warn().Msg("rabbitmq disabled: session events are not audited")
	}

	if cfg.LLM.APIKey == "" {
		log.Warn().Msg("llm.api_key is empty: AI calls will fail until it is set")
	}
	client := ai.NewOpenAICompatibleClient(ai.ChatConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout(),
		MaxRetries:  cfg.LLM.MaxRetries,
		BaseDelay:   cfg.LLM.RetryBaseDelay(),
	})

	contextFiles := repository.NewContextFileRepository(db, ContextFileURL)
	a.Orchestrator = app.NewOrchestrator(a.Store, ai.NewQuestionService(client), transcripts, publisher).
		WithContextUploader(contextFiles)
	a.AuthService = app.NewAuthService(
		repository.NewUserRepository(db),
		cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.JWTExpireMinute)*time.Minute,
	)

	log.Info().
		Str("store", cfg.App.Store).
		Bool("redis", a.Redis != nil).
		Bool("rabbitmq", a.MQConn != nil).
		Str("llm_model", cfg.LLM.Model).
		Msg("application wired")
	ok = true
	return a, nil
}

// ContextFileURL is where the HTTP API serves an attached context file.
func ContextFileURL(sessionID, fileID string) string {
	return "/api/v1/sessions/" + sessionID + "/context/" + fileID
}

func openDB(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	if cfg.App.Store == config.StoreMySQL {
		return mysqlClient.New(ctx, cfg.MySQLDSN())
	}
	return sqliteClient.New(ctx, cfg.SQLite.DSN)
}

func (a *App) Close() error {
	var closeErr error
	if a.AuditWorker != nil {
		a.AuditWorker.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MQConn != nil && !a.MQConn.IsClosed() {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.DB != nil {
		sqlDB, err := a.DB.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	return closeErr
}

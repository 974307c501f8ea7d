package bootstrap

import (
	"context"
	"log"

	"ai-legalchat-be/internal/config"
	"ai-legalchat-be/internal/controller"
	"ai-legalchat-be/internal/handler"
	"ai-legalchat-be/internal/pkg/logger"
	"ai-legalchat-be/internal/relay"
	"ai-legalchat-be/internal/repository/cache"
	"ai-legalchat-be/internal/repository/memory"
	"ai-legalchat-be/internal/repository/unitofwork"
	"ai-legalchat-be/internal/service"
	"ai-legalchat-be/pkg/llm"
	"ai-legalchat-be/pkg/llm/factory"

	pktNats "ai-legalchat-be/pkg/nats"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Container struct {
	// Controllers
	AuthController    controller.IAuthController
	ChatController    controller.IChatController
	MonitorController controller.IMonitorController

	// WebSocket relay
	RelayHandler *handler.RelayHandler

	// Background components (main.go runs these)
	Reaper     *relay.Reaper
	Aggregator *relay.Aggregator
}

func NewContainer(db *gorm.DB, cfg *config.Config) *Container {
	// 1. Core facades
	uowFactory := unitofwork.NewRepositoryFactory(db)
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")
	relayLogger := logger.NewIsolatedLogger(cfg.App.RelayLogFilePath)

	// 2. Event bus for relay metrics
	watermillLogger := watermill.NewStdLogger(false, false)
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{},
		watermillLogger,
	)

	// 3. Infrastructure
	// NATS audit bus, best effort: the relay runs fine without it.
	natsPub, err := pktNats.NewPublisher(cfg.App.NatsURL)
	if err != nil {
		log.Printf("[WARN] Failed to connect to NATS Publisher: %v", err)
	}

	// Redis, backing the chat-history cache.
	opt, err := redis.ParseURL(cfg.App.RedisURL)
	if err != nil {
		log.Printf("[WARN] Failed to parse Redis URL: %v. Using direct Addr", err)
		opt = &redis.Options{
			Addr: cfg.App.RedisURL,
		}
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		log.Printf("[WARN] Failed to connect to Redis: %v", err)
		rdb = nil
	}
	historyCache := cache.NewHistoryCache(rdb, cfg.Relay.IdleTimeout)

	// Generation backend behind a circuit breaker: an open circuit reads to
	// the client as a normal backend failure (apology path).
	baseProvider, err := factory.NewLLMProvider(
		cfg.Ai.LLMProvider,
		cfg.Ai.LLMModel,
		cfg.Ai.OllamaBaseURL,
		cfg.Ai.OpenAIBaseURL,
		cfg.Ai.OpenAIAPIKey,
	)
	if err != nil {
		log.Fatalf("[FATAL] Failed to initialize LLM Provider: %v", err)
	}
	log.Printf("[INFO] Using LLM Provider: %s (%s)", cfg.Ai.LLMProvider, cfg.Ai.LLMModel)
	var llmProvider llm.LLMProvider = llm.NewBreakerProvider(baseProvider, "generation")

	userCache := memory.NewUserCache()

	// 4. Services
	authService := service.NewAuthService(uowFactory, userCache, cfg.Auth)
	chatService := service.NewChatService(uowFactory, historyCache)

	// 5. Relay core
	registry := relay.NewRegistry(cfg.Relay)
	recorder := relay.NewRecorder(pubSub, relayLogger)
	generator := relay.NewGenerator(chatService, llmProvider, recorder, relayLogger, cfg.Relay.GenerationMaxTokens)
	reaper := relay.NewReaper(registry, natsPub, relayLogger, cfg.Relay)
	aggregator := relay.NewAggregator(registry, pubSub, cfg.Relay, relayLogger)

	relayHandler := handler.NewRelayHandler(
		registry,
		authService,
		chatService,
		generator,
		recorder,
		natsPub,
		relayLogger,
		cfg.Relay,
	)

	sysLogger.Info("Bootstrap", "container initialized", map[string]interface{}{
		"environment":  cfg.App.Environment,
		"llm_provider": cfg.Ai.LLMProvider,
	})

	return &Container{
		AuthController:    controller.NewAuthController(authService),
		ChatController:    controller.NewChatController(chatService),
		MonitorController: controller.NewMonitorController(aggregator),

		RelayHandler: relayHandler,

		Reaper:     reaper,
		Aggregator: aggregator,
	}
}

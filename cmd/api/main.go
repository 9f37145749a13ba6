package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"

	"github.com/tinkubot/client-ai/internal/aivalidate"
	"github.com/tinkubot/client-ai/internal/api/router"
	"github.com/tinkubot/client-ai/internal/availability"
	appconfig "github.com/tinkubot/client-ai/internal/config"
	"github.com/tinkubot/client-ai/internal/consent"
	"github.com/tinkubot/client-ai/internal/conversation"
	"github.com/tinkubot/client-ai/internal/customers"
	"github.com/tinkubot/client-ai/internal/flowstore"
	"github.com/tinkubot/client-ai/internal/http/handlers"
	"github.com/tinkubot/client-ai/internal/llm"
	"github.com/tinkubot/client-ai/internal/moderation"
	"github.com/tinkubot/client-ai/internal/needextract"
	observemetrics "github.com/tinkubot/client-ai/internal/observability/metrics"
	"github.com/tinkubot/client-ai/internal/pipeline"
	"github.com/tinkubot/client-ai/internal/profilecache"
	"github.com/tinkubot/client-ai/internal/search"
	"github.com/tinkubot/client-ai/internal/session"
	"github.com/tinkubot/client-ai/internal/whatsapp"
	appmigrations "github.com/tinkubot/client-ai/migrations"
	"github.com/tinkubot/client-ai/pkg/logging"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting ai-clientes service", "env", cfg.Env, "port", cfg.Port)

	for _, issue := range cfg.MQTTIssues() {
		logger.Warn("MQTT misconfiguration", "issue", issue)
	}

	redisClient := buildRedisClient(cfg, logger)
	sqlDB := connectSQLDB(cfg.DatabaseURL, logger)
	if sqlDB != nil {
		defer func() { _ = sqlDB.Close() }()
		runAutoMigrate(sqlDB, logger)
	}

	// Stores
	flows := flowstore.New(redisClient, logger, flowstore.WithFlowTTL(cfg.FlowTTL))
	sessions := session.New(redisClient, logger)
	profiles := profilecache.New(redisClient, logger, cfg.ProfileCacheTTL)
	repo := customers.New(sqlDB, logger)

	// LLM gate shared by extraction, moderation and validation.
	var chatClient llm.ChatClient
	if cfg.OpenAIAPIKey != "" {
		chatClient = openai.NewClient(cfg.OpenAIAPIKey)
	} else {
		logger.Warn("OPENAI_API_KEY not set; LLM features degrade to static behavior")
	}
	caller := llm.NewCaller(chatClient, cfg.MaxOpenAIConcurrency, cfg.OpenAITimeout, logger)

	extractor := needextract.New(caller, cfg.UseAIExpansion, logger)
	moderator := moderation.New(redisClient, caller, logger)
	validator := aivalidate.New(caller, logger)

	searcher := search.NewClient(cfg.SearchServiceURL, logger)
	sender := whatsapp.NewClient(cfg.WhatsAppClientesURL, logger)

	coordinator := availability.New(availability.Config{
		Host:            cfg.MQTTHost,
		Port:            cfg.MQTTPort,
		User:            cfg.MQTTUser,
		Password:        cfg.MQTTPassword,
		QoS:             byte(cfg.MQTTQoS),
		PublishTimeout:  cfg.MQTTPublishTimeout,
		TopicRequest:    cfg.MQTTTopicRequest,
		TopicResponse:   cfg.MQTTTopicResponse,
		Timeout:         cfg.AvailabilityTimeout,
		AcceptGrace:     cfg.AvailabilityAcceptGrace,
		StateTTL:        cfg.AvailabilityStateTTL,
		PollInterval:    cfg.AvailabilityPollInterval,
		LogSamplingRate: cfg.LogSamplingRate,
	}, flows, logger)
	coordinator.StartListener()

	searchPipeline := pipeline.New(flows, sessions, searcher, validator, coordinator, sender, logger).
		WithProfileCache(profiles)

	consentSvc := consent.New(repo, logger)
	orchestrator := conversation.New(conversation.Deps{
		Flows:     flows,
		Sessions:  sessions,
		Customers: repo,
		Profiles:  profiles,
		Consent:   consentSvc,
		Moderator: moderator,
		Extractor: extractor,
		Launcher:  searchPipeline,
		Logger:    logger,
	})
	legacy := conversation.NewLegacyProcessor(sessions, extractor, searcher, validator, repo, caller, logger)

	registry := prometheus.NewRegistry()
	convMetrics := observemetrics.NewConversationMetrics(registry)
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	conversationHandler := handlers.NewConversationHandler(
		orchestrator, legacy, sessions, flows, convMetrics, logger,
	)

	mux := router.New(&router.Config{
		Logger:              logger,
		ConversationHandler: conversationHandler,
		MetricsHandler:      metricsHandler,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	logger.Info("bye")
}

// buildRedisClient parses REDIS_URL and verifies connectivity; the service
// still starts when Redis is down, running on the in-memory fallback.
func buildRedisClient(cfg *appconfig.Config, logger *logging.Logger) *redis.Client {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid REDIS_URL, running on in-memory fallback", "error", err)
		return nil
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable at startup; fallback mode until it recovers", "error", err)
	}
	return client
}

func connectSQLDB(databaseURL string, logger *logging.Logger) *sql.DB {
	if databaseURL == "" {
		logger.Warn("DATABASE_URL not set; customer persistence disabled")
		return nil
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		logger.Error("postgres open failed; customer persistence disabled", "error", err)
		return nil
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logger.Warn("postgres not reachable at startup", "error", err)
	}
	return db
}

func runAutoMigrate(db *sql.DB, logger *logging.Logger) {
	dbDriver, err := pgmigrate.WithInstance(db, &pgmigrate.Config{})
	if err != nil {
		logger.Error("auto-migrate driver failed", "error", err)
		return
	}
	srcDriver, err := iofs.New(appmigrations.FS, ".")
	if err != nil {
		logger.Error("auto-migrate source failed", "error", err)
		return
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
	if err != nil {
		logger.Error("auto-migrate init failed", "error", err)
		return
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Error("auto-migrate failed", "error", err)
		return
	}
	logger.Info("database schema up to date")
}

package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/example/feepay/internal/config"
	"github.com/example/feepay/internal/database"
	"github.com/example/feepay/internal/routes"
	"github.com/example/feepay/internal/services"
)

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	db, err := database.Connect(cfg.DatabaseURL, cfg.LogLevel == "debug")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	log.Info().Msg("connected to PostgreSQL")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient := services.NewGatewayHTTPClient(cfg.Mpesa)

	var tokenCache services.TokenCache
	switch cfg.Mpesa.TokenCache {
	case "memory":
		tokenCache = services.NewMemoryTokenCache()
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("Redis is not reachable, token cache reads will miss")
		}
		tokenCache = services.NewRedisTokenCache(redisClient, cfg.Mpesa.Shortcode)
	}

	var notifiers services.MultiNotifier
	if cfg.AMQPURL != "" {
		conn, err := amqp.DialConfig(cfg.AMQPURL, amqp.Config{
			Properties: amqp.Table{"connection_name": "feepay_publisher"},
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to RabbitMQ, settlement events disabled")
		} else {
			defer conn.Close()
			ch, err := conn.Channel()
			if err != nil {
				log.Fatal().Err(err).Msg("failed to open RabbitMQ channel")
			}
			defer ch.Close()
			publisher, err := services.NewRabbitMQPublisher(ch)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to set up settlement exchange")
			}
			notifiers = append(notifiers, publisher)
			log.Info().Msg("connected to RabbitMQ")
		}
	}

	telegram := services.NewTelegramService(cfg.TelegramBotToken, cfg.TelegramAdminChat)
	if telegram.Enabled() {
		notifiers = append(notifiers, telegram)
	}

	var auditor services.CallbackAuditor
	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create MongoDB client")
		}
		defer func() {
			if err := mongoClient.Disconnect(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to disconnect MongoDB")
			}
		}()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := mongoClient.Ping(pingCtx, nil); err != nil {
			log.Warn().Err(err).Msg("MongoDB is not reachable, callback audit writes will fail")
		}
		cancel()
		auditor = services.NewMongoCallbackAuditor(mongoClient, cfg.MongoDatabase)
	}

	var notifier services.SettlementNotifier
	if len(notifiers) > 0 {
		notifier = notifiers
	}

	credentials := services.NewCredentialClient(cfg.Mpesa, httpClient, tokenCache)
	ledger := services.NewTransactionLedger(db)
	gateway := services.NewGatewayClient(cfg.Mpesa, httpClient, credentials, ledger)
	payments := services.NewPaymentService(db, cfg.Mpesa, gateway)
	ingestor := services.NewCallbackIngestor(db, cfg.Mpesa, notifier, auditor)

	if cfg.StaleAfter > 0 {
		sweeper := services.NewStaleSweeper(ledger, cfg.StaleAfter, cfg.SweepInterval)
		go sweeper.Run(ctx)
		log.Info().Dur("stale_after", cfg.StaleAfter).Msg("stale transaction sweeper started")
	}

	app := fiber.New(fiber.Config{
		AppName:      "Feepay",
		ErrorHandler: routes.ErrorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	routes.Register(app, cfg, payments, ingestor)

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("server shutdown failed")
		}
	}()

	log.Info().Str("port", cfg.AppPort).Msg("starting server")
	if err := app.Listen(":" + cfg.AppPort); err != nil {
		log.Fatal().Err(err).Msg("fiber.Listen error")
	}
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.AppEnv == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

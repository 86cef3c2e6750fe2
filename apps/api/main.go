package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/marketchat/pkg/auth"
	"github.com/mahaj/marketchat/pkg/chat"
	"github.com/mahaj/marketchat/pkg/config"
	"github.com/mahaj/marketchat/pkg/db"
	"github.com/mahaj/marketchat/pkg/events"
	"github.com/mahaj/marketchat/pkg/identity"
	"github.com/mahaj/marketchat/pkg/logging"
	"github.com/mahaj/marketchat/pkg/messages"
	"github.com/mahaj/marketchat/pkg/profile"
	"github.com/mahaj/marketchat/pkg/readcursor"
	"github.com/mahaj/marketchat/pkg/registry"
	"github.com/mahaj/marketchat/pkg/snowflake"
	"github.com/mahaj/marketchat/pkg/store/scylla"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logger, err := logging.New("api", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("API service stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	session, err := db.NewSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	ids, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return err
	}
	st := scylla.New(session, ids, logger)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	kafkaLog := events.NewKafkaLog(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer kafkaLog.Close()

	// Open views listen on Redis; the notification dispatcher reads Kafka.
	publisher := events.Fanout{events.NewRedisFeed(rdb, logger), kafkaLog}

	svc := chat.NewService(
		registry.New(st, logger),
		messages.New(st, publisher, logger, messages.Options{MaxTextLength: cfg.MaxTextLength}),
		readcursor.New(st, publisher, logger),
		profile.NewService(st, profile.NewRedisCache(rdb, cfg.ProfileCacheTTL), logger),
		st,
		logger,
	)

	server := NewServer(svc, auth.NewSigner(cfg.JWTSecret, cfg.JWTTTL), identity.NewResolver(st), logger)
	return server.Run(ctx, cfg.HTTPAddr)
}

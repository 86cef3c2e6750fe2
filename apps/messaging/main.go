package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/marketchat/pkg/config"
	"github.com/mahaj/marketchat/pkg/db"
	"github.com/mahaj/marketchat/pkg/events"
	"github.com/mahaj/marketchat/pkg/logging"
	"github.com/mahaj/marketchat/pkg/readcursor"
	"github.com/mahaj/marketchat/pkg/snowflake"
	"github.com/mahaj/marketchat/pkg/store/scylla"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logger, err := logging.New("messaging", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Messaging service stopped")
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

	dispatcher := NewDispatcher(st, readcursor.New(st, nil, logger), NewLogNotifier(logger), logger)
	consumer := NewConsumer(events.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID), dispatcher, logger)
	defer consumer.Close()

	logger.Info().Str("topic", cfg.KafkaTopic).Str("group", cfg.KafkaGroupID).Msg("Starting Kafka consumer")
	return consumer.Consume(ctx)
}

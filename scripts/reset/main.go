package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mahaj/marketchat/pkg/config"
	"github.com/mahaj/marketchat/pkg/db"
	"github.com/mahaj/marketchat/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logger, err := logging.New("reset", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build logger")
	}

	session, err := db.NewSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to ScyllaDB")
	}
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	logger.Warn().Str("keyspace", cfg.ScyllaKeyspace).Msg("Dropping every table")
	if err := db.Drop(ctx, session); err != nil {
		logger.Fatal().Err(err).Msg("Failed to drop tables")
	}
	if err := db.Migrate(ctx, session); err != nil {
		logger.Fatal().Err(err).Msg("Failed to recreate tables")
	}
	logger.Info().Msg("Tables recreated")
}

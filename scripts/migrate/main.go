package main

import (
	"context"
	"flag"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mahaj/marketchat/pkg/config"
	"github.com/mahaj/marketchat/pkg/db"
	"github.com/mahaj/marketchat/pkg/logging"
)

func main() {
	replication := flag.Int("replication", 1, "keyspace replication factor")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logger, err := logging.New("migrate", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build logger")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	bare, err := db.NewSession(cfg.ScyllaHosts, "", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to ScyllaDB")
	}
	err = db.CreateKeyspace(ctx, bare, cfg.ScyllaKeyspace, *replication)
	bare.Close()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create keyspace")
	}

	session, err := db.NewSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to keyspace")
	}
	defer session.Close()

	if err := db.Migrate(ctx, session); err != nil {
		logger.Fatal().Err(err).Msg("Migration failed")
	}
	logger.Info().Int("tables", len(db.Tables)).Msg("Schema up to date")
}

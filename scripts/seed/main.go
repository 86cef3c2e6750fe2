package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mahaj/marketchat/pkg/config"
	"github.com/mahaj/marketchat/pkg/db"
	"github.com/mahaj/marketchat/pkg/logging"
	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/snowflake"
	"github.com/mahaj/marketchat/pkg/store/scylla"
)

var (
	profiles = []model.Profile{
		{Ref: model.PersonalIdentity("amina"), DisplayName: "Amina Diallo"},
		{Ref: model.PersonalIdentity("bruno"), DisplayName: "Bruno Martin"},
		{Ref: model.PersonalIdentity("chloe"), DisplayName: "Chloé Petit"},
		{Ref: model.BusinessIdentity("boulangerie"), DisplayName: "Boulangerie du Coin", AvatarRef: "logos/boulangerie.png"},
	}
	businesses = []model.Business{
		{
			ID:       "boulangerie",
			Name:     "Boulangerie du Coin",
			LogoRef:  "logos/boulangerie.png",
			Contacts: model.Contacts{Phone: "+33 1 23 45 67 89", Email: "contact@boulangerie.example"},
			OwnerID:  "bruno",
		},
	}
	members = []model.BusinessMember{
		{BusinessID: "boulangerie", UserID: "chloe", Role: model.MemberCollaborator},
	}
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logger, err := logging.New("seed", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build logger")
	}

	session, err := db.NewSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to ScyllaDB")
	}
	defer session.Close()
	ids, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid node id")
	}
	st := scylla.New(session, ids, logger)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, p := range profiles {
		if err := st.PutProfile(ctx, p); err != nil {
			logger.Fatal().Err(err).Str("identity", p.Ref.String()).Msg("Failed to seed profile")
		}
	}
	for _, b := range businesses {
		if err := st.PutBusiness(ctx, b); err != nil {
			logger.Fatal().Err(err).Str("business", b.ID).Msg("Failed to seed business")
		}
	}
	for _, m := range members {
		if err := st.PutMember(ctx, m); err != nil {
			logger.Fatal().Err(err).Str("business", m.BusinessID).Msg("Failed to seed member")
		}
	}
	logger.Info().Int("profiles", len(profiles)).Int("businesses", len(businesses)).Msg("Seed data written")
}

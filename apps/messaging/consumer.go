package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/marketchat/pkg/events"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader     MessageReader
	dispatcher *Dispatcher
	logger     zerolog.Logger
	retryDelay time.Duration
}

func NewConsumer(reader MessageReader, dispatcher *Dispatcher, logger zerolog.Logger) *Consumer {
	return &Consumer{
		reader:     reader,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "consumer").Logger(),
		retryDelay: time.Second,
	}
}

// Consume dispatches events until ctx ends. An offset is committed once
// its event has been handled; undecodable records are committed and
// skipped.
func (c *Consumer) Consume(ctx context.Context) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Dur("retry_in", c.retryDelay).Msg("Error reading event")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryDelay):
			}
			continue
		}

		e, err := events.Decode(m.Value)
		if err != nil {
			c.logger.Error().Err(err).Int64("offset", m.Offset).Msg("Skipping undecodable event")
		} else if err := c.dispatcher.Handle(ctx, e); err != nil {
			c.logger.Warn().Err(err).Str("conversation_id", e.ConversationID).Msg("Dispatch failed")
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Warn().Err(err).Int64("offset", m.Offset).Msg("Commit failed")
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

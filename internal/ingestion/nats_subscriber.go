package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes command and price subjects from JetStream and hands each
// message to the dispatcher.
type NATSSubscriber struct {
	js         jetstream.JetStream
	parser     Parser
	dispatcher *Dispatcher
	logger     zerolog.Logger
	consumers  []jetstream.ConsumeContext
}

// SubjectConfig binds a filter subject to a durable consumer on a stream
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the inbound subjects. Orders and admin commands share a
// stream; prices have their own so a price burst cannot delay orders.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "perp.orders.place.>", ConsumerName: "core-orders-place", StreamName: "PERP_COMMANDS"},
		{Subject: "perp.orders.close.>", ConsumerName: "core-orders-close", StreamName: "PERP_COMMANDS"},
		{Subject: "perp.admin.>", ConsumerName: "core-admin", StreamName: "PERP_COMMANDS"},
		{Subject: "perp.prices.>", ConsumerName: "core-prices", StreamName: "PERP_PRICES"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, parser Parser, dispatcher *Dispatcher, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:         js,
		parser:     parser,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			ns.handle(ctx, msg)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, cc)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// handle settles one message: malformed payloads are terminated, domain rejections
// are acknowledged, infrastructure failures are redelivered.
func (ns *NATSSubscriber) handle(ctx context.Context, msg jetstream.Msg) {
	cmd, err := ns.parser.Parse(msg.Subject(), msg.Data())
	if err != nil {
		ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("malformed command")
		if ns.dispatcher.metrics != nil {
			ns.dispatcher.metrics.CommandErrors.WithLabelValues("unknown", "parse").Inc()
		}
		_ = msg.Term()
		return
	}

	_, err = ns.dispatcher.Dispatch(ctx, cmd)
	switch {
	case err == nil:
		_ = msg.Ack()
	case errors.Is(err, ErrDuplicate):
		ns.logger.Debug().Str("command", string(cmd.Kind)).Str("command_id", cmd.CommandID).Msg("duplicate command")
		_ = msg.Ack()
	case IsRejection(err):
		ns.logger.Info().Err(err).
			Str("command", string(cmd.Kind)).
			Str("market", cmd.Market).
			Str("command_id", cmd.CommandID).
			Msg("command rejected")
		_ = msg.Ack()
	default:
		ns.logger.Error().Err(err).Str("command", string(cmd.Kind)).Msg("command failed, redelivering")
		_ = msg.Nak()
	}
}

// EnsureStreams creates the inbound JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "PERP_COMMANDS",
			Subjects:  []string{"perp.orders.>", "perp.admin.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "PERP_PRICES",
			Subjects:  []string{"perp.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop gracefully stops all consumers. Safe to call more than once.
func (ns *NATSSubscriber) Stop() {
	if len(ns.consumers) == 0 {
		return
	}
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.consumers = nil
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("memeperp"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"MemePerp/internal/core"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes durable core events to NATS for downstream consumers.
// Its input is fed by the persistence worker after commit.
// Subjects follow the pattern: perp.core.events.{event_type}.{market}
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

// PublishableEvent is the outbound wire form of one committed event
type PublishableEvent struct {
	Sequence  int64           `json:"sequence"`
	EventType string          `json:"event_type"`
	CommandID string          `json:"command_id"`
	MarketID  string          `json:"market_id"`
	Payload   json.RawMessage `json:"payload"`
	StateHash string          `json:"state_hash"`
	PrevHash  string          `json:"prev_hash"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewPublishableEvent converts a core output to its wire form
func NewPublishableEvent(output core.CoreOutput) PublishableEvent {
	env := output.Envelope
	return PublishableEvent{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		CommandID: env.CommandID,
		MarketID:  env.MarketID,
		Payload:   json.RawMessage(env.Payload),
		StateHash: hex.EncodeToString(env.StateHash[:]),
		PrevHash:  hex.EncodeToString(env.PrevHash[:]),
		Timestamp: env.Timestamp,
	}
}

// Subject returns the outbound subject of an event
func (e PublishableEvent) Subject() string {
	return fmt.Sprintf("perp.core.events.%s.%s", e.EventType, e.MarketID)
}

// MsgID is the JetStream dedup id, stable across republishing
func (e PublishableEvent) MsgID() string {
	return fmt.Sprintf("%s:%d", e.MarketID, e.Sequence)
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			evt := NewPublishableEvent(output)
			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can query the event log directly
				op.logger.Warn().Err(err).Str("market", evt.MarketID).Int64("seq", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := sonic.ConfigStd.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(evt.MsgID()))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       "PERP_CORE_EVENTS",
		Subjects:   []string{"perp.core.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", "PERP_CORE_EVENTS").Msg("ensured outbound stream")
	return nil
}

package ingestion

import (
	"PerpVault/internal/core"
	"PerpVault/internal/observability"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const OutboundStream = "PERP_VENUE_EVENTS"

// streamPublisher is the slice of jetstream.JetStream the publisher needs.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes sealed venue events to NATS for downstream
// consumers. Subjects follow <root>.<event_type>.
type OutboundPublisher struct {
	js          streamPublisher
	inputChan   <-chan PublishableEvent
	subjectRoot string
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

// PublishableEvent is a sealed event ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewPublishable converts a venue output to its wire form.
func NewPublishable(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp,
	}
}

func NewOutboundPublisher(
	js streamPublisher,
	inputChan <-chan PublishableEvent,
	subjectRoot string,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *OutboundPublisher {
	return &OutboundPublisher{
		js:          js,
		inputChan:   inputChan,
		subjectRoot: subjectRoot,
		metrics:     metrics,
		logger:      logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the event log directly
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
				continue
			}
			if op.metrics != nil {
				op.metrics.PublishedEvents.WithLabelValues(evt.EventType).Inc()
			}
		}
	}
}

// Subject returns the subject an event type is published on.
func (op *OutboundPublisher) Subject(eventType string) string {
	return fmt.Sprintf("%s.%s", op.subjectRoot, eventType)
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := sonic.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Msg-ID lets JetStream drop redeliveries of the same sequence.
	_, err = op.js.Publish(ctx, op.Subject(evt.EventType), data,
		jetstream.WithMsgID(fmt.Sprintf("venue-%d", evt.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, subjectRoot string, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{subjectRoot + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}

// Package events is the best-effort transaction-event mirror
// (SPEC_FULL.md §2.1): after a journal record is durably appended, the
// daemon publishes the same fields to JetStream for downstream
// reconciliation/notification consumers. It satisfies
// internal/protocol.EventPublisher. Grounded on the teacher's
// pkg/broker/nats/jetstream Publisher — same envelope shape
// (id/type/source/timestamp/data), reused verbatim as the JetStream
// client, adapted to carry a kv.List's pairs as the event data, to mint
// each envelope's id with google/uuid rather than a counter, and to
// never return an error to the caller (a publish failure must not affect
// the synchronous command response).
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gpg/payproc/internal/kv"
	"github.com/gpg/payproc/pkg/broker/nats/jetstream"
)

const source = "payprocd"

// Publisher mirrors transaction events onto a JetStream stream. A nil
// *Publisher is valid and every call on it is a no-op, so wiring an
// unconfigured NATS URL simply disables the mirror.
type Publisher struct {
	js     *jetstream.JetStream
	logger *zap.Logger
}

// New wraps an already-connected JetStream client. Pass nil js to build a
// Publisher that silently drops every event.
func New(js *jetstream.JetStream, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{js: js, logger: logger}
}

type envelope struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data"`
}

// Publish mirrors dict's pairs under events.payproc.<eventType>. Internal
// (underscore-prefixed) fields are omitted from the wire response but
// kept here — the event bus is a back-office consumer, not a protocol
// client, so it gets the full record. Errors are logged, never returned
// (spec SPEC_FULL.md §2.1: "never gates the synchronous response").
func (p *Publisher) Publish(ctx context.Context, eventType string, dict *kv.List) {
	if p == nil || p.js == nil {
		return
	}

	data := make(map[string]string)
	if dict != nil {
		for _, pair := range dict.Pairs() {
			data[pair.Name] = pair.Value
		}
	}

	ev := envelope{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to marshal transaction event", zap.Error(err), zap.String("event_type", eventType))
		return
	}

	subject := "events.payproc." + eventType
	if err := p.js.Publish(ctx, subject, payload); err != nil {
		p.logger.Warn("failed to publish transaction event",
			zap.Error(err), zap.String("subject", subject), zap.String("event_type", eventType))
	}
}

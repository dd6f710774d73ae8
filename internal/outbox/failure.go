package outbox

import (
	"context"

	"example.com/laptracker/internal/persistence/postgres"
)

// DLQWriter persists failed events for investigation and replay.
type DLQWriter struct {
	db postgres.DB
}

// NewDLQWriter initialises a writer backed by the provided database.
func NewDLQWriter(db postgres.DB) *DLQWriter {
	return &DLQWriter{db: db}
}

// Write records a failed outbox message in the DLQ alongside the supplied reason.
func (w *DLQWriter) Write(ctx context.Context, msg Message, reason string) error {
	_, err := w.db.Exec(ctx,
		`INSERT INTO outbox_dlq (event_id, aggregate_type, aggregate_id, event_type, topic, partition_key, payload, reason, next_retry_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8, NOW())`,
		msg.EventID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Topic, msg.PartitionKey, []byte(msg.Payload), reason,
	)
	return err
}

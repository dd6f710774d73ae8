package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"example.com/laptracker/internal/events"
	"example.com/laptracker/internal/persistence/postgres"
)

// Invalidator drops cached read models for a patient.
type Invalidator interface {
	Invalidate(ctx context.Context, patientID string) error
}

// StatsInvalidationHandler evicts a patient's cached stats whenever a lap or
// session event for that patient is consumed.
type StatsInvalidationHandler struct {
	cache Invalidator
}

// NewStatsInvalidationHandler constructs a StatsInvalidationHandler.
func NewStatsInvalidationHandler(cache Invalidator) *StatsInvalidationHandler {
	return &StatsInvalidationHandler{cache: cache}
}

// Handle implements Handler. Unknown event types are ignored.
func (h *StatsInvalidationHandler) Handle(ctx context.Context, msg Message) error {
	if _, ok := events.Lookup(msg.EventType); !ok {
		return nil
	}
	patientID, err := patientOf(msg)
	if err != nil {
		return err
	}
	return h.cache.Invalidate(ctx, patientID)
}

// EventLogHandler appends consumed events to patient_event_log.
type EventLogHandler struct {
	db  postgres.DB
	now func() time.Time
}

// NewEventLogHandler constructs a handler backed by the provided database.
func NewEventLogHandler(db postgres.DB) *EventLogHandler {
	return &EventLogHandler{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Handle stores the event. Redelivered offsets are ignored.
func (h *EventLogHandler) Handle(ctx context.Context, msg Message) error {
	patientID, err := patientOf(msg)
	if err != nil {
		return err
	}
	receivedAt := msg.Timestamp
	if receivedAt.IsZero() {
		receivedAt = h.now()
	}

	_, err = h.db.Exec(ctx,
		`INSERT INTO patient_event_log (event_type, patient_id, aggregate_id, topic, partition, record_offset, payload, received_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
         ON CONFLICT (topic, partition, record_offset) DO NOTHING`,
		msg.EventType,
		patientID,
		msg.AggregateID,
		msg.Topic,
		msg.Partition,
		msg.Offset,
		[]byte(msg.Payload),
		receivedAt,
	)
	return err
}

// Fanout runs every handler and joins their errors.
func Fanout(handlers ...Handler) Handler {
	return HandlerFunc(func(ctx context.Context, msg Message) error {
		var err error
		for _, h := range handlers {
			if h == nil {
				continue
			}
			err = errors.Join(err, h.Handle(ctx, msg))
		}
		return err
	})
}

func patientOf(msg Message) (string, error) {
	if msg.PatientID != "" {
		return msg.PatientID, nil
	}
	var body struct {
		PatientID string `json:"patient_id"`
	}
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		return "", fmt.Errorf("decode patient_id: %w", err)
	}
	if body.PatientID == "" {
		return "", fmt.Errorf("event %s at %s/%d/%d carries no patient_id", msg.EventType, msg.Topic, msg.Partition, msg.Offset)
	}
	return body.PatientID, nil
}

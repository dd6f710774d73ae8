// Package events defines the payloads emitted through the outbox and how they are routed.
package events

import "time"

// Event types written to the outbox.
const (
	TypeSessionOpened = "session.opened"
	TypeSessionClosed = "session.closed"
	TypeLapRecorded   = "lap.recorded"
)

// Reasons attached to SessionClosed.
const (
	CloseReasonExplicit   = "explicit"
	CloseReasonSuperseded = "superseded"
)

// SessionOpened is emitted when a patient starts a new exercise session.
type SessionOpened struct {
	SessionID string    `json:"session_id"`
	PatientID string    `json:"patient_id"`
	StartedAt time.Time `json:"started_at"`
}

// SessionClosed is emitted when a session stops being active, either on request
// or because a newer session replaced it.
type SessionClosed struct {
	SessionID string    `json:"session_id"`
	PatientID string    `json:"patient_id"`
	EndedAt   time.Time `json:"ended_at"`
	Reason    string    `json:"reason"`
}

// LapRecorded carries a freshly stored lap batch and the patient's new running total.
type LapRecorded struct {
	LapID           string    `json:"lap_id"`
	PatientID       string    `json:"patient_id"`
	SessionID       *string   `json:"session_id,omitempty"`
	PatientSequence int       `json:"patient_sequence"`
	LapCount        int       `json:"lap_count"`
	TotalDistance   float64   `json:"total_distance"`
	ElapsedTime     string    `json:"elapsed_time"`
	RecordedAt      time.Time `json:"recorded_at"`
	TotalLaps       int64     `json:"total_laps"`
}

// Route describes where an event type is published.
type Route struct {
	Topic         string
	AggregateType string
}

// Catalog maps event types to their Kafka topic. Every event is keyed by
// patient id so consumers observe a patient's events in order.
var Catalog = map[string]Route{
	TypeSessionOpened: {Topic: "session_events", AggregateType: "session"},
	TypeSessionClosed: {Topic: "session_events", AggregateType: "session"},
	TypeLapRecorded:   {Topic: "lap_events", AggregateType: "lap"},
}

// Lookup returns the route for eventType.
func Lookup(eventType string) (Route, bool) {
	route, ok := Catalog[eventType]
	return route, ok
}

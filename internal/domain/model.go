package domain

import (
	"time"

	"example.com/laptracker/internal/stats"
)

// Patient is a clinic patient together with the running total of laps recorded for them.
// LapSequence is the last patient sequence handed out to a lap batch.
type Patient struct {
	ID          string
	Name        string
	Email       *string
	Phone       *string
	TotalLaps   int64
	LapSequence int
	CreatedAt   time.Time
}

// Session is a timed exercise session. A patient has at most one active session.
type Session struct {
	ID          string
	PatientID   string
	PatientName string
	StartedAt   time.Time
	EndedAt     *time.Time
	Active      bool
}

// LapRecord is one immutable lap batch. PatientSequence numbers a patient's
// batches 1, 2, 3... independently of any Session id; it is nil only for rows
// imported without one.
type LapRecord struct {
	ID               string
	PatientID        string
	PatientName      string
	SessionID        *string
	SessionStartedAt *time.Time
	LapCount         int
	Distance         float64
	ElapsedTime      string
	RecordedAt       time.Time
	PatientSequence  *int
}

// Cursor models the pagination token for lap listings ordered newest first.
type Cursor struct {
	RecordedAt time.Time
	ID         string
}

// PatientStats is the read model behind the progress chart and the improvement badge.
type PatientStats struct {
	PatientID   string                   `json:"patient_id"`
	PatientName string                   `json:"patient_name"`
	TotalLaps   int64                    `json:"total_laps"`
	RecordCount int                      `json:"record_count"`
	LapSequence int                      `json:"lap_sequence"`
	Sessions    []stats.SessionAggregate `json:"sessions"`
	Improvement *stats.Improvement       `json:"improvement,omitempty"`
	GeneratedAt time.Time                `json:"generated_at"`
}

// Samples converts stored records into the storage-independent shape used by package stats.
func Samples(records []LapRecord) []stats.Sample {
	out := make([]stats.Sample, 0, len(records))
	for _, rec := range records {
		out = append(out, stats.Sample{
			Sequence:    rec.PatientSequence,
			LapCount:    float64(rec.LapCount),
			Distance:    rec.Distance,
			ElapsedTime: rec.ElapsedTime,
			RecordedAt:  rec.RecordedAt,
		})
	}
	return out
}

// current reports whether stats were computed from the patient state given.
func (s PatientStats) current(patient Patient) bool {
	return s.TotalLaps == patient.TotalLaps && s.LapSequence == patient.LapSequence
}

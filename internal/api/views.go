package api

import (
	"time"

	"example.com/laptracker/internal/domain"
)

// PatientView is the JSON representation of a patient.
type PatientView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     *string   `json:"email"`
	Phone     *string   `json:"phone"`
	TotalLaps int64     `json:"total_laps"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionView is the JSON representation of a session.
type SessionView struct {
	ID          string     `json:"id"`
	PatientID   string     `json:"patient_id"`
	PatientName string     `json:"patient_name,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at"`
	Active      bool       `json:"active"`
}

// LapView is the JSON representation of a lap record.
type LapView struct {
	ID               string     `json:"id"`
	PatientID        string     `json:"patient_id"`
	PatientName      string     `json:"patient_name,omitempty"`
	SessionID        *string    `json:"session_id"`
	SessionStartedAt *time.Time `json:"session_started_at"`
	LapCount         int        `json:"lap_count"`
	TotalDistance    float64    `json:"total_distance"`
	ElapsedTime      string     `json:"elapsed_time"`
	RecordedAt       time.Time  `json:"recorded_at"`
	PatientSequence  *int       `json:"patient_sequence"`
}

// ListLapsResponse packages a page of lap records.
type ListLapsResponse struct {
	Items      []LapView `json:"items"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// LapTotalResponse reports a patient's counter after an increment.
type LapTotalResponse struct {
	PatientID string `json:"patient_id"`
	TotalLaps int64  `json:"total_laps"`
}

// CloseSessionResponse acknowledges a close request.
type CloseSessionResponse struct {
	SessionID string `json:"session_id"`
	Active    bool   `json:"active"`
}

// HealthResponse is served by /healthz.
type HealthResponse struct {
	Status    string    `json:"status"`
	Database  string    `json:"database"`
	Timestamp time.Time `json:"timestamp"`
}

func toPatientView(p domain.Patient) PatientView {
	return PatientView{
		ID:        p.ID,
		Name:      p.Name,
		Email:     p.Email,
		Phone:     p.Phone,
		TotalLaps: p.TotalLaps,
		CreatedAt: p.CreatedAt,
	}
}

func toSessionView(s domain.Session) SessionView {
	return SessionView{
		ID:          s.ID,
		PatientID:   s.PatientID,
		PatientName: s.PatientName,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
		Active:      s.Active,
	}
}

func toLapView(rec domain.LapRecord) LapView {
	return LapView{
		ID:               rec.ID,
		PatientID:        rec.PatientID,
		PatientName:      rec.PatientName,
		SessionID:        rec.SessionID,
		SessionStartedAt: rec.SessionStartedAt,
		LapCount:         rec.LapCount,
		TotalDistance:    rec.Distance,
		ElapsedTime:      rec.ElapsedTime,
		RecordedAt:       rec.RecordedAt,
		PatientSequence:  rec.PatientSequence,
	}
}

func toLapViews(records []domain.LapRecord) []LapView {
	out := make([]LapView, 0, len(records))
	for _, rec := range records {
		out = append(out, toLapView(rec))
	}
	return out
}

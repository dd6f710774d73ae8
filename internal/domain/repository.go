package domain

import (
	"context"
	"time"
)

// PatientRepository stores patients and their cumulative lap counter.
type PatientRepository interface {
	CreatePatient(ctx context.Context, patient Patient) error
	// GetPatient returns nil without error when the patient does not exist.
	GetPatient(ctx context.Context, patientID string) (*Patient, error)
	ListPatients(ctx context.Context) ([]Patient, error)
	// IncrementLapTotal adds delta to the counter, treating an unset counter as
	// zero, and returns the new total. Unknown patients yield ErrNotFound.
	IncrementLapTotal(ctx context.Context, patientID string, delta int64) (int64, error)
}

// SessionRepository answers session queries that do not need the patient lock.
type SessionRepository interface {
	// SessionPatient resolves the owner of a session or returns ErrNotFound.
	SessionPatient(ctx context.Context, sessionID string) (string, error)
	// ListActiveSessions returns active sessions joined with the patient name,
	// restricted to patientID unless it is empty.
	ListActiveSessions(ctx context.Context, patientID string) ([]Session, error)
}

// LapRepository reads stored lap records.
type LapRepository interface {
	ListLapsByPatient(ctx context.Context, patientID string) ([]LapRecord, error)
	ListLaps(ctx context.Context, cursor *Cursor, limit int) ([]LapRecord, *Cursor, error)
	// PatientSnapshot reads a patient and their laps, newest first, from one
	// consistent view. It returns a nil patient without error when the patient
	// does not exist.
	PatientSnapshot(ctx context.Context, patientID string) (*Patient, []LapRecord, error)
}

// PatientTx is a unit of work holding an exclusive lock on one patient. Calls
// for other patients proceed in parallel; calls for the same patient queue
// behind it. Nothing written through it is visible until the unit commits.
type PatientTx interface {
	Patient() Patient
	// ActiveSession returns the patient's active session, or nil.
	ActiveSession(ctx context.Context) (*Session, error)
	// CloseActiveSessions deactivates every active session of the patient and returns their ids.
	CloseActiveSessions(ctx context.Context, endedAt time.Time) ([]string, error)
	// CloseSession deactivates one session; false means it was already closed.
	CloseSession(ctx context.Context, sessionID string, endedAt time.Time) (bool, error)
	InsertSession(ctx context.Context, session Session) error
	// NextLapSequence atomically reserves the next patient-session sequence number.
	NextLapSequence(ctx context.Context) (int, error)
	InsertLap(ctx context.Context, record LapRecord) error
	AddLapTotal(ctx context.Context, delta int64) (int64, error)
	// AppendEvent stages an outbox event that commits with the unit.
	AppendEvent(ctx context.Context, eventType, aggregateID string, payload any) error
}

// Repository is the full storage capability consumed by Service.
type Repository interface {
	PatientRepository
	SessionRepository
	LapRepository
	// WithPatientLock runs fn inside a patient-scoped unit of work. It returns
	// ErrNotFound when the patient does not exist, commits when fn returns nil
	// and rolls back otherwise.
	WithPatientLock(ctx context.Context, patientID string, fn func(PatientTx) error) error
	Ping(ctx context.Context) error
}

// StatsCache memoises PatientStats between lap recordings. Entries are only
// served while their TotalLaps and LapSequence match the stored patient.
type StatsCache interface {
	// Get returns nil without error on a miss.
	Get(ctx context.Context, patientID string) (*PatientStats, error)
	Set(ctx context.Context, stats PatientStats) error
	Invalidate(ctx context.Context, patientID string) error
}

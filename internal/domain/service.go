// Package domain defines the business logic for the lap tracker.
package domain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"example.com/laptracker/internal/events"
	"example.com/laptracker/internal/observability"
	"example.com/laptracker/internal/stats"
)

const (
	defaultLapPageSize = 50
	maxLapPageSize     = 200
)

// Service orchestrates patient, session and lap workflows.
type Service struct {
	repo   Repository
	cache  StatsCache
	logger logrus.FieldLogger
	now    func() time.Time
}

// Option configures optional behaviour for the Service.
type Option func(*Service)

// WithClock overrides the time source used for session and lap timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger overrides the logger used to report conflicts and cache failures.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithStatsCache enables read-through caching of PatientStats.
func WithStatsCache(cache StatsCache) Option {
	return func(s *Service) {
		s.cache = cache
	}
}

// NewService constructs a Service.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		logger: logrus.StandardLogger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePatientInput captures the payload from the API layer.
type CreatePatientInput struct {
	Name  string
	Email *string
	Phone *string
}

// CreatePatient registers a patient with an unset lap counter.
func (s *Service) CreatePatient(ctx context.Context, input CreatePatientInput) (*Patient, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, validationError("name is required")
	}

	patient := Patient{
		ID:        uuid.NewString(),
		Name:      name,
		Email:     optional(input.Email),
		Phone:     optional(input.Phone),
		CreatedAt: s.now(),
	}
	if err := s.repo.CreatePatient(ctx, patient); err != nil {
		return nil, s.observe("create_patient", patient.ID, err)
	}
	return &patient, nil
}

// ListPatients returns every patient ordered by name.
func (s *Service) ListPatients(ctx context.Context) ([]Patient, error) {
	return s.repo.ListPatients(ctx)
}

// GetPatient fetches a patient by ID.
func (s *Service) GetPatient(ctx context.Context, patientID string) (*Patient, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, validationError("patient_id is required")
	}
	patient, err := s.repo.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if patient == nil {
		return nil, patientNotFound(patientID)
	}
	return patient, nil
}

// IncrementLapTotal adds delta to the patient's cumulative lap counter and returns the new total.
func (s *Service) IncrementLapTotal(ctx context.Context, patientID string, delta int64) (int64, error) {
	if strings.TrimSpace(patientID) == "" {
		return 0, validationError("patient_id is required")
	}
	if delta < 0 {
		return 0, validationError("delta must be >= 0")
	}
	total, err := s.repo.IncrementLapTotal(ctx, patientID, delta)
	if err != nil {
		return 0, s.observe("increment_lap_total", patientID, err)
	}
	s.invalidateStats(ctx, patientID)
	return total, nil
}

// OpenSession closes whatever session the patient has open and starts a new
// one, as a single unit: no reader ever sees the patient with zero or two
// active sessions.
func (s *Service) OpenSession(ctx context.Context, patientID string) (*Session, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, validationError("patient_id is required")
	}

	now := s.now()
	session := Session{
		ID:        uuid.NewString(),
		PatientID: patientID,
		StartedAt: now,
		Active:    true,
	}

	var superseded []string
	err := s.repo.WithPatientLock(ctx, patientID, func(tx PatientTx) error {
		closed, err := tx.CloseActiveSessions(ctx, now)
		if err != nil {
			return err
		}
		superseded = closed

		for _, id := range closed {
			if err := tx.AppendEvent(ctx, events.TypeSessionClosed, id, events.SessionClosed{
				SessionID: id,
				PatientID: patientID,
				EndedAt:   now,
				Reason:    events.CloseReasonSuperseded,
			}); err != nil {
				return err
			}
		}

		if err := tx.InsertSession(ctx, session); err != nil {
			return err
		}
		session.PatientName = tx.Patient().Name

		return tx.AppendEvent(ctx, events.TypeSessionOpened, session.ID, events.SessionOpened{
			SessionID: session.ID,
			PatientID: patientID,
			StartedAt: now,
		})
	})
	if err != nil {
		return nil, s.observe("open_session", patientID, err)
	}

	observability.RecordSessionOpened(len(superseded))
	return &session, nil
}

// ListActiveSessions returns active sessions, optionally restricted to one patient.
func (s *Service) ListActiveSessions(ctx context.Context, patientID string) ([]Session, error) {
	return s.repo.ListActiveSessions(ctx, strings.TrimSpace(patientID))
}

// CloseSession deactivates a session. Closing an already closed session is a no-op.
func (s *Service) CloseSession(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return validationError("session_id is required")
	}

	patientID, err := s.repo.SessionPatient(ctx, sessionID)
	if err != nil {
		return err
	}

	now := s.now()
	closed := false
	err = s.repo.WithPatientLock(ctx, patientID, func(tx PatientTx) error {
		changed, err := tx.CloseSession(ctx, sessionID, now)
		if err != nil || !changed {
			return err
		}
		closed = true
		return tx.AppendEvent(ctx, events.TypeSessionClosed, sessionID, events.SessionClosed{
			SessionID: sessionID,
			PatientID: patientID,
			EndedAt:   now,
			Reason:    events.CloseReasonExplicit,
		})
	})
	if err != nil {
		return s.observe("close_session", patientID, err)
	}

	if closed {
		observability.RecordSessionClosed()
	}
	return nil
}

// RecordLapsInput captures a lap batch. Nil fields are treated as missing.
type RecordLapsInput struct {
	PatientID   string
	LapCount    *int
	Distance    *float64
	ElapsedTime *string
}

// Validate ensures every field is present. Values themselves are not range checked.
func (in RecordLapsInput) Validate() error {
	var missing []string
	if strings.TrimSpace(in.PatientID) == "" {
		missing = append(missing, "patient_id")
	}
	if in.LapCount == nil {
		missing = append(missing, "lap_count")
	}
	if in.Distance == nil {
		missing = append(missing, "total_distance")
	}
	if in.ElapsedTime == nil {
		missing = append(missing, "elapsed_time")
	}
	if len(missing) > 0 {
		return validationError(strings.Join(missing, ", ") + " required")
	}
	if *in.LapCount < math.MinInt32 || *in.LapCount > math.MaxInt32 {
		return validationError("lap_count must fit in a 32-bit integer")
	}
	return nil
}

// RecordLaps stores a lap batch against the patient's active session (if
// any), assigns the next patient-session sequence number and adds the lap
// count to the patient's running total, all in one patient-scoped unit.
func (s *Service) RecordLaps(ctx context.Context, input RecordLapsInput) (*LapRecord, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	record := LapRecord{
		ID:          uuid.NewString(),
		PatientID:   input.PatientID,
		LapCount:    *input.LapCount,
		Distance:    *input.Distance,
		ElapsedTime: *input.ElapsedTime,
		RecordedAt:  s.now(),
	}

	err := s.repo.WithPatientLock(ctx, input.PatientID, func(tx PatientTx) error {
		record.PatientName = tx.Patient().Name

		active, err := tx.ActiveSession(ctx)
		if err != nil {
			return err
		}
		if active != nil {
			sessionID, startedAt := active.ID, active.StartedAt
			record.SessionID = &sessionID
			record.SessionStartedAt = &startedAt
		}

		seq, err := tx.NextLapSequence(ctx)
		if err != nil {
			return err
		}
		record.PatientSequence = &seq

		if err := tx.InsertLap(ctx, record); err != nil {
			return err
		}

		total, err := tx.AddLapTotal(ctx, int64(record.LapCount))
		if err != nil {
			return err
		}

		return tx.AppendEvent(ctx, events.TypeLapRecorded, record.ID, events.LapRecorded{
			LapID:           record.ID,
			PatientID:       record.PatientID,
			SessionID:       record.SessionID,
			PatientSequence: seq,
			LapCount:        record.LapCount,
			TotalDistance:   record.Distance,
			ElapsedTime:     record.ElapsedTime,
			RecordedAt:      record.RecordedAt,
			TotalLaps:       total,
		})
	})
	if err != nil {
		return nil, s.observe("record_laps", input.PatientID, err)
	}

	observability.RecordLapsRecorded(record.LapCount, record.RecordedAt)
	s.invalidateStats(ctx, record.PatientID)
	return &record, nil
}

// ListPatientLaps returns a patient's lap records, newest first.
func (s *Service) ListPatientLaps(ctx context.Context, patientID string) ([]LapRecord, error) {
	if _, err := s.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	return s.repo.ListLapsByPatient(ctx, patientID)
}

// ListLaps pages through lap records of every patient, newest first.
func (s *Service) ListLaps(ctx context.Context, cursor *Cursor, limit int) ([]LapRecord, *Cursor, error) {
	if limit <= 0 {
		limit = defaultLapPageSize
	}
	if limit > maxLapPageSize {
		limit = maxLapPageSize
	}
	return s.repo.ListLaps(ctx, cursor, limit)
}

// PatientStats computes per-session aggregates and the improvement indicator
// for a patient, serving from the stats cache when one is configured.
func (s *Service) PatientStats(ctx context.Context, patientID string) (*PatientStats, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, validationError("patient_id is required")
	}
	if s.cache != nil {
		if cached := s.cachedStats(ctx, patientID); cached != nil {
			return cached, nil
		}
	}

	patient, records, err := s.repo.PatientSnapshot(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if patient == nil {
		return nil, patientNotFound(patientID)
	}

	samples := Samples(records)
	result := PatientStats{
		PatientID:   patient.ID,
		PatientName: patient.Name,
		TotalLaps:   patient.TotalLaps,
		RecordCount: len(records),
		LapSequence: patient.LapSequence,
		Sessions:    stats.AggregateBySession(samples),
		Improvement: stats.ImprovementIndicator(samples),
		GeneratedAt: s.now(),
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, result); err != nil {
			s.logger.WithError(err).WithField("patient_id", patientID).Warn("stats cache write failed")
		}
	}
	return &result, nil
}

// cachedStats returns the cached entry only while it still matches the stored
// patient. A reader racing a lap write may store an entry computed before the
// write; the version check keeps it from being served.
func (s *Service) cachedStats(ctx context.Context, patientID string) *PatientStats {
	cached, err := s.cache.Get(ctx, patientID)
	if err != nil {
		s.logger.WithError(err).WithField("patient_id", patientID).Warn("stats cache read failed")
		return nil
	}
	if cached == nil {
		return nil
	}
	patient, err := s.repo.GetPatient(ctx, patientID)
	if err != nil || patient == nil || !cached.current(*patient) {
		return nil
	}
	return cached
}

// Ready reports whether the datastore answers.
func (s *Service) Ready(ctx context.Context) error {
	err := s.repo.Ping(ctx)
	if err == nil || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

func (s *Service) invalidateStats(ctx context.Context, patientID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, patientID); err != nil {
		s.logger.WithError(err).WithField("patient_id", patientID).Warn("stats cache invalidation failed")
	}
}

// observe reports conflicts loudly; they mean the per-patient serialization failed.
func (s *Service) observe(operation, patientID string, err error) error {
	if errors.Is(err, ErrConflict) {
		observability.RecordConflict(operation)
		s.logger.WithError(err).WithFields(logrus.Fields{
			"operation":   operation,
			"patient_id":  patientID,
			"investigate": true,
		}).Error("per-patient invariant violated")
	}
	return err
}

func optional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

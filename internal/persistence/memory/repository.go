// Package memory provides an in-process implementation of domain.Repository
// for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"example.com/laptracker/internal/domain"
	"example.com/laptracker/internal/events"
)

// Event is an outbox entry captured by the in-memory repository.
type Event struct {
	Type        string
	AggregateID string
	PatientID   string
	Payload     any
}

// Repository keeps patients, sessions and laps in memory. Patient-scoped units
// of work are serialized per patient; writes are staged and applied only when
// the unit succeeds.
type Repository struct {
	mu        sync.RWMutex
	patients  map[string]domain.Patient
	sessions  map[string]domain.Session
	laps      []domain.LapRecord
	sequences map[string]int
	events    []Event

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		patients:  make(map[string]domain.Patient),
		sessions:  make(map[string]domain.Session),
		sequences: make(map[string]int),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (r *Repository) patientLock(patientID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	lock, ok := r.locks[patientID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[patientID] = lock
	}
	return lock
}

// CreatePatient implements domain.PatientRepository.
func (r *Repository) CreatePatient(ctx context.Context, patient domain.Patient) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.patients[patient.ID]; exists {
		return fmt.Errorf("%w: patient %s already exists", domain.ErrConflict, patient.ID)
	}
	r.patients[patient.ID] = patient
	return nil
}

// GetPatient implements domain.PatientRepository.
func (r *Repository) GetPatient(ctx context.Context, patientID string) (*domain.Patient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	patient, ok := r.patients[patientID]
	if !ok {
		return nil, nil
	}
	return &patient, nil
}

// ListPatients implements domain.PatientRepository.
func (r *Repository) ListPatients(ctx context.Context) ([]domain.Patient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]domain.Patient, 0, len(r.patients))
	for _, patient := range r.patients {
		out = append(out, patient)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// IncrementLapTotal implements domain.PatientRepository.
func (r *Repository) IncrementLapTotal(ctx context.Context, patientID string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	lock := r.patientLock(patientID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	patient, ok := r.patients[patientID]
	if !ok {
		return 0, fmt.Errorf("%w: patient %s", domain.ErrNotFound, patientID)
	}
	patient.TotalLaps += delta
	r.patients[patientID] = patient
	return patient.TotalLaps, nil
}

// SessionPatient implements domain.SessionRepository.
func (r *Repository) SessionPatient(ctx context.Context, sessionID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	return session.PatientID, nil
}

// ListActiveSessions implements domain.SessionRepository.
func (r *Repository) ListActiveSessions(ctx context.Context, patientID string) ([]domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]domain.Session, 0)
	for _, session := range r.sessions {
		if !session.Active {
			continue
		}
		if patientID != "" && session.PatientID != patientID {
			continue
		}
		session.PatientName = r.patients[session.PatientID].Name
		out = append(out, session)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// ListLapsByPatient implements domain.LapRepository.
func (r *Repository) ListLapsByPatient(ctx context.Context, patientID string) ([]domain.LapRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := r.lapsOf(patientID)
	r.mu.RUnlock()

	sortNewestFirst(out)
	return out, nil
}

// PatientSnapshot implements domain.LapRepository.
func (r *Repository) PatientSnapshot(ctx context.Context, patientID string) (*domain.Patient, []domain.LapRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	r.mu.RLock()
	patient, ok := r.patients[patientID]
	if !ok {
		r.mu.RUnlock()
		return nil, nil, nil
	}
	records := r.lapsOf(patientID)
	r.mu.RUnlock()

	sortNewestFirst(records)
	return &patient, records, nil
}

// lapsOf copies a patient's laps with the patient name filled in; the caller holds r.mu.
func (r *Repository) lapsOf(patientID string) []domain.LapRecord {
	name := r.patients[patientID].Name
	out := make([]domain.LapRecord, 0)
	for _, rec := range r.laps {
		if rec.PatientID == patientID {
			rec.PatientName = name
			out = append(out, rec)
		}
	}
	return out
}

// ListLaps implements domain.LapRepository.
func (r *Repository) ListLaps(ctx context.Context, cursor *domain.Cursor, limit int) ([]domain.LapRecord, *domain.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	r.mu.RLock()
	all := make([]domain.LapRecord, len(r.laps))
	copy(all, r.laps)
	for i := range all {
		all[i].PatientName = r.patients[all[i].PatientID].Name
	}
	r.mu.RUnlock()

	sortNewestFirst(all)

	results := make([]domain.LapRecord, 0, limit)
	for _, rec := range all {
		if cursor != nil && !olderThan(rec, *cursor) {
			continue
		}
		results = append(results, rec)
		if len(results) == limit {
			break
		}
	}

	var next *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{RecordedAt: last.RecordedAt, ID: last.ID}
	}
	return results, next, nil
}

// Ping implements domain.Repository.
func (r *Repository) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Events returns a copy of every committed outbox event.
func (r *Repository) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// WithPatientLock implements domain.Repository.
func (r *Repository) WithPatientLock(ctx context.Context, patientID string, fn func(domain.PatientTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := r.patientLock(patientID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	patient, ok := r.patients[patientID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: patient %s", domain.ErrNotFound, patientID)
	}

	tx := &patientTx{
		repo:    r,
		patient: patient,
		closes:  make(map[string]time.Time),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return tx.apply()
}

type patientTx struct {
	repo       *Repository
	patient    domain.Patient
	closes     map[string]time.Time
	sessions   []domain.Session
	laps       []domain.LapRecord
	sequence   int
	totalDelta int64
	events     []Event
}

func (tx *patientTx) Patient() domain.Patient {
	return tx.patient
}

func (tx *patientTx) ActiveSession(ctx context.Context) (*domain.Session, error) {
	for i := len(tx.sessions) - 1; i >= 0; i-- {
		if tx.sessions[i].Active {
			session := tx.sessions[i]
			return &session, nil
		}
	}

	tx.repo.mu.RLock()
	defer tx.repo.mu.RUnlock()
	var active *domain.Session
	for _, session := range tx.repo.sessions {
		if session.PatientID != tx.patient.ID || !session.Active {
			continue
		}
		if _, closing := tx.closes[session.ID]; closing {
			continue
		}
		if active == nil || session.StartedAt.After(active.StartedAt) {
			s := session
			active = &s
		}
	}
	return active, nil
}

func (tx *patientTx) CloseActiveSessions(ctx context.Context, endedAt time.Time) ([]string, error) {
	closed := make([]string, 0)

	tx.repo.mu.RLock()
	for _, session := range tx.repo.sessions {
		if session.PatientID != tx.patient.ID || !session.Active {
			continue
		}
		if _, closing := tx.closes[session.ID]; closing {
			continue
		}
		tx.closes[session.ID] = endedAt
		closed = append(closed, session.ID)
	}
	tx.repo.mu.RUnlock()

	for i := range tx.sessions {
		if tx.sessions[i].Active {
			ended := endedAt
			tx.sessions[i].Active = false
			tx.sessions[i].EndedAt = &ended
			closed = append(closed, tx.sessions[i].ID)
		}
	}
	sort.Strings(closed)
	return closed, nil
}

func (tx *patientTx) CloseSession(ctx context.Context, sessionID string, endedAt time.Time) (bool, error) {
	for i := range tx.sessions {
		if tx.sessions[i].ID == sessionID {
			if !tx.sessions[i].Active {
				return false, nil
			}
			ended := endedAt
			tx.sessions[i].Active = false
			tx.sessions[i].EndedAt = &ended
			return true, nil
		}
	}

	tx.repo.mu.RLock()
	session, ok := tx.repo.sessions[sessionID]
	tx.repo.mu.RUnlock()
	if !ok || session.PatientID != tx.patient.ID {
		return false, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	if _, closing := tx.closes[sessionID]; closing || !session.Active {
		return false, nil
	}
	tx.closes[sessionID] = endedAt
	return true, nil
}

func (tx *patientTx) InsertSession(ctx context.Context, session domain.Session) error {
	if session.Active {
		if active, _ := tx.ActiveSession(ctx); active != nil {
			return fmt.Errorf("%w: patient %s already has active session %s", domain.ErrConflict, tx.patient.ID, active.ID)
		}
	}
	tx.sessions = append(tx.sessions, session)
	return nil
}

func (tx *patientTx) NextLapSequence(ctx context.Context) (int, error) {
	if tx.sequence == 0 {
		tx.repo.mu.RLock()
		tx.sequence = tx.repo.sequences[tx.patient.ID]
		tx.repo.mu.RUnlock()
	}
	tx.sequence++
	return tx.sequence, nil
}

func (tx *patientTx) InsertLap(ctx context.Context, record domain.LapRecord) error {
	if record.PatientSequence != nil {
		tx.repo.mu.RLock()
		defer tx.repo.mu.RUnlock()
		for _, existing := range tx.repo.laps {
			if existing.PatientID == record.PatientID && existing.PatientSequence != nil && *existing.PatientSequence == *record.PatientSequence {
				return fmt.Errorf("%w: sequence %d already used for patient %s", domain.ErrConflict, *record.PatientSequence, record.PatientID)
			}
		}
	}
	tx.laps = append(tx.laps, record)
	return nil
}

func (tx *patientTx) AddLapTotal(ctx context.Context, delta int64) (int64, error) {
	tx.totalDelta += delta
	return tx.patient.TotalLaps + tx.totalDelta, nil
}

func (tx *patientTx) AppendEvent(ctx context.Context, eventType, aggregateID string, payload any) error {
	if _, ok := events.Lookup(eventType); !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}
	tx.events = append(tx.events, Event{
		Type:        eventType,
		AggregateID: aggregateID,
		PatientID:   tx.patient.ID,
		Payload:     payload,
	})
	return nil
}

// apply publishes the staged writes; the caller holds repo.mu.
func (tx *patientTx) apply() error {
	r := tx.repo
	for id, endedAt := range tx.closes {
		session := r.sessions[id]
		ended := endedAt
		session.Active = false
		session.EndedAt = &ended
		r.sessions[id] = session
	}
	for _, session := range tx.sessions {
		r.sessions[session.ID] = session
	}
	r.laps = append(r.laps, tx.laps...)
	patient := r.patients[tx.patient.ID]
	if tx.sequence > r.sequences[tx.patient.ID] {
		r.sequences[tx.patient.ID] = tx.sequence
		patient.LapSequence = tx.sequence
	}
	patient.TotalLaps += tx.totalDelta
	r.patients[tx.patient.ID] = patient
	r.events = append(r.events, tx.events...)
	return nil
}

func sortNewestFirst(records []domain.LapRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].RecordedAt.Equal(records[j].RecordedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].RecordedAt.After(records[j].RecordedAt)
	})
}

func olderThan(rec domain.LapRecord, cursor domain.Cursor) bool {
	if rec.RecordedAt.Equal(cursor.RecordedAt) {
		return rec.ID < cursor.ID
	}
	return rec.RecordedAt.Before(cursor.RecordedAt)
}

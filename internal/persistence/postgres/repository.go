package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"example.com/laptracker/internal/domain"
	"example.com/laptracker/internal/events"
)

var errNotConnected = fmt.Errorf("%w: postgres pool not configured", domain.ErrStorageUnavailable)

const patientColumns = `patient_id, name, email, phone, COALESCE(total_laps, 0), created_at, lap_sequence`

const lapColumns = `l.lap_id, l.patient_id, p.name, l.session_id, s.started_at, l.lap_count, l.total_distance, l.elapsed_time, l.recorded_at, l.patient_sequence
        FROM lap_records l
        JOIN patients p ON p.patient_id = l.patient_id
        LEFT JOIN sessions s ON s.session_id = l.session_id`

const lapsByPatientQuery = `SELECT ` + lapColumns + `
        WHERE l.patient_id = $1
        ORDER BY l.recorded_at DESC, l.lap_id DESC`

var snapshotTxOptions = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

// Repository provides Postgres-backed persistence for patients, sessions,
// lap records and outbox events.
type Repository struct {
	db DB
}

// NewRepository constructs a Repository. A nil db yields a repository whose
// every call fails with domain.ErrStorageUnavailable.
func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) conn() (DB, error) {
	if r.db == nil {
		return nil, errNotConnected
	}
	return r.db, nil
}

// Ping verifies the database answers.
func (r *Repository) Ping(ctx context.Context) error {
	db, err := r.conn()
	if err != nil {
		return err
	}
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// CreatePatient inserts a patient with an unset lap counter.
func (r *Repository) CreatePatient(ctx context.Context, patient domain.Patient) error {
	db, err := r.conn()
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx,
		`INSERT INTO patients (patient_id, name, email, phone, created_at) VALUES ($1,$2,$3,$4,$5)`,
		patient.ID, patient.Name, patient.Email, patient.Phone, patient.CreatedAt,
	)
	return translate(err)
}

// GetPatient retrieves a patient by ID.
func (r *Repository) GetPatient(ctx context.Context, patientID string) (*domain.Patient, error) {
	db, err := r.conn()
	if err != nil {
		return nil, err
	}
	row := db.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE patient_id = $1`, patientID)
	patient, err := scanPatient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, translate(err)
	}
	return &patient, nil
}

// ListPatients returns every patient ordered by name.
func (r *Repository) ListPatients(ctx context.Context) ([]domain.Patient, error) {
	db, err := r.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, `SELECT `+patientColumns+` FROM patients ORDER BY name, patient_id`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	patients := make([]domain.Patient, 0)
	for rows.Next() {
		patient, err := scanPatient(rows)
		if err != nil {
			return nil, translate(err)
		}
		patients = append(patients, patient)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return patients, nil
}

// IncrementLapTotal adds delta to the patient's counter in a single statement.
func (r *Repository) IncrementLapTotal(ctx context.Context, patientID string, delta int64) (int64, error) {
	db, err := r.conn()
	if err != nil {
		return 0, err
	}
	var total int64
	err = db.QueryRow(ctx,
		`UPDATE patients SET total_laps = COALESCE(total_laps, 0) + $2 WHERE patient_id = $1 RETURNING total_laps`,
		patientID, delta,
	).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: patient %s", domain.ErrNotFound, patientID)
		}
		return 0, translate(err)
	}
	return total, nil
}

// SessionPatient resolves the owner of a session.
func (r *Repository) SessionPatient(ctx context.Context, sessionID string) (string, error) {
	db, err := r.conn()
	if err != nil {
		return "", err
	}
	var patientID string
	if err := db.QueryRow(ctx, `SELECT patient_id FROM sessions WHERE session_id = $1`, sessionID).Scan(&patientID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
		}
		return "", translate(err)
	}
	return patientID, nil
}

// ListActiveSessions returns active sessions joined with the patient name.
func (r *Repository) ListActiveSessions(ctx context.Context, patientID string) ([]domain.Session, error) {
	db, err := r.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx,
		`SELECT s.session_id, s.patient_id, p.name, s.started_at, s.ended_at, s.active
        FROM sessions s
        JOIN patients p ON p.patient_id = s.patient_id
        WHERE s.active AND ($1::text = '' OR s.patient_id = $1)
        ORDER BY s.started_at`,
		patientID,
	)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	sessions := make([]domain.Session, 0)
	for rows.Next() {
		var session domain.Session
		if err := rows.Scan(&session.ID, &session.PatientID, &session.PatientName, &session.StartedAt, &session.EndedAt, &session.Active); err != nil {
			return nil, translate(err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return sessions, nil
}

// ListLapsByPatient returns a patient's lap records, newest first.
func (r *Repository) ListLapsByPatient(ctx context.Context, patientID string) ([]domain.LapRecord, error) {
	db, err := r.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, lapsByPatientQuery, patientID)
	if err != nil {
		return nil, translate(err)
	}
	return collectLaps(rows, 0)
}

// PatientSnapshot reads the patient row and their laps inside one read-only
// repeatable-read transaction so the counters agree with the rows returned.
func (r *Repository) PatientSnapshot(ctx context.Context, patientID string) (*domain.Patient, []domain.LapRecord, error) {
	db, err := r.conn()
	if err != nil {
		return nil, nil, err
	}

	tx, err := db.BeginTx(ctx, snapshotTxOptions)
	if err != nil {
		return nil, nil, translate(err)
	}
	defer tx.Rollback(ctx)

	patient, err := scanPatient(tx.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE patient_id = $1`, patientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, translate(err)
	}
	rows, err := tx.Query(ctx, lapsByPatientQuery, patientID)
	if err != nil {
		return nil, nil, translate(err)
	}
	records, err := collectLaps(rows, 0)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, translate(err)
	}
	return &patient, records, nil
}

// ListLaps pages through every lap record, newest first.
func (r *Repository) ListLaps(ctx context.Context, cursor *domain.Cursor, limit int) ([]domain.LapRecord, *domain.Cursor, error) {
	db, err := r.conn()
	if err != nil {
		return nil, nil, err
	}

	args := []any{limit}
	query := `SELECT ` + lapColumns
	if cursor != nil {
		query += ` WHERE (l.recorded_at, l.lap_id) < ($2, $3)`
		args = append(args, cursor.RecordedAt, cursor.ID)
	}
	query += ` ORDER BY l.recorded_at DESC, l.lap_id DESC LIMIT $1`

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, translate(err)
	}
	results, err := collectLaps(rows, limit)
	if err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{RecordedAt: last.RecordedAt, ID: last.ID}
	}
	return results, next, nil
}

// WithPatientLock runs fn in a transaction holding the patient's row lock.
func (r *Repository) WithPatientLock(ctx context.Context, patientID string, fn func(domain.PatientTx) error) error {
	db, err := r.conn()
	if err != nil {
		return err
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return translate(err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE patient_id = $1 FOR UPDATE`, patientID)
	patient, err := scanPatient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: patient %s", domain.ErrNotFound, patientID)
		}
		return translate(err)
	}

	if err := fn(&patientTx{tx: tx, patient: patient}); err != nil {
		return translate(err)
	}
	return translate(tx.Commit(ctx))
}

type patientTx struct {
	tx      pgx.Tx
	patient domain.Patient
}

func (p *patientTx) Patient() domain.Patient {
	return p.patient
}

func (p *patientTx) ActiveSession(ctx context.Context) (*domain.Session, error) {
	var session domain.Session
	err := p.tx.QueryRow(ctx,
		`SELECT session_id, patient_id, started_at, ended_at, active
        FROM sessions WHERE patient_id = $1 AND active
        ORDER BY started_at DESC LIMIT 1`,
		p.patient.ID,
	).Scan(&session.ID, &session.PatientID, &session.StartedAt, &session.EndedAt, &session.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	session.PatientName = p.patient.Name
	return &session, nil
}

func (p *patientTx) CloseActiveSessions(ctx context.Context, endedAt time.Time) ([]string, error) {
	rows, err := p.tx.Query(ctx,
		`UPDATE sessions SET active = FALSE, ended_at = $2
        WHERE patient_id = $1 AND active
        RETURNING session_id`,
		p.patient.ID, endedAt,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	closed := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		closed = append(closed, id)
	}
	return closed, rows.Err()
}

func (p *patientTx) CloseSession(ctx context.Context, sessionID string, endedAt time.Time) (bool, error) {
	tag, err := p.tx.Exec(ctx,
		`UPDATE sessions SET active = FALSE, ended_at = $3
        WHERE session_id = $1 AND patient_id = $2 AND active`,
		sessionID, p.patient.ID, endedAt,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := p.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE session_id = $1 AND patient_id = $2)`,
		sessionID, p.patient.ID,
	).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	return false, nil
}

func (p *patientTx) InsertSession(ctx context.Context, session domain.Session) error {
	_, err := p.tx.Exec(ctx,
		`INSERT INTO sessions (session_id, patient_id, started_at, active) VALUES ($1,$2,$3,$4)`,
		session.ID, session.PatientID, session.StartedAt, session.Active,
	)
	return err
}

// NextLapSequence advances the patient's counter, catching up with rows that
// were written with explicit sequence numbers.
func (p *patientTx) NextLapSequence(ctx context.Context) (int, error) {
	var seq int
	err := p.tx.QueryRow(ctx,
		`UPDATE patients
            SET lap_sequence = GREATEST(lap_sequence,
                COALESCE((SELECT MAX(patient_sequence) FROM lap_records WHERE patient_id = $1), 0)) + 1
          WHERE patient_id = $1
      RETURNING lap_sequence`,
		p.patient.ID,
	).Scan(&seq)
	return seq, err
}

func (p *patientTx) InsertLap(ctx context.Context, record domain.LapRecord) error {
	_, err := p.tx.Exec(ctx,
		`INSERT INTO lap_records (lap_id, patient_id, session_id, lap_count, total_distance, elapsed_time, recorded_at, patient_sequence)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		record.ID,
		record.PatientID,
		record.SessionID,
		record.LapCount,
		record.Distance,
		record.ElapsedTime,
		record.RecordedAt,
		record.PatientSequence,
	)
	return err
}

func (p *patientTx) AddLapTotal(ctx context.Context, delta int64) (int64, error) {
	var total int64
	err := p.tx.QueryRow(ctx,
		`UPDATE patients SET total_laps = COALESCE(total_laps, 0) + $2 WHERE patient_id = $1 RETURNING total_laps`,
		p.patient.ID, delta,
	).Scan(&total)
	return total, err
}

func (p *patientTx) AppendEvent(ctx context.Context, eventType, aggregateID string, payload any) error {
	route, ok := events.Lookup(eventType)
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`

	_, err = p.tx.Exec(ctx, stmt,
		route.AggregateType,
		aggregateID,
		eventType,
		route.Topic,
		p.patient.ID,
		body,
		fmt.Sprintf("%s:%s", aggregateID, eventType),
	)
	return err
}

func scanPatient(row pgx.Row) (domain.Patient, error) {
	var patient domain.Patient
	err := row.Scan(&patient.ID, &patient.Name, &patient.Email, &patient.Phone, &patient.TotalLaps, &patient.CreatedAt, &patient.LapSequence)
	return patient, err
}

func collectLaps(rows pgx.Rows, capacity int) ([]domain.LapRecord, error) {
	defer rows.Close()

	results := make([]domain.LapRecord, 0, capacity)
	for rows.Next() {
		var rec domain.LapRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.PatientID,
			&rec.PatientName,
			&rec.SessionID,
			&rec.SessionStartedAt,
			&rec.LapCount,
			&rec.Distance,
			&rec.ElapsedTime,
			&rec.RecordedAt,
			&rec.PatientSequence,
		); err != nil {
			return nil, translate(err)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return results, nil
}

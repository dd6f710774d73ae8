package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/laptracker/internal/domain"
	"example.com/laptracker/internal/persistence/memory"
)

func seedPatient(t *testing.T, repo *memory.Repository, id, name string) {
	t.Helper()
	require.NoError(t, repo.CreatePatient(context.Background(), domain.Patient{ID: id, Name: name, CreatedAt: time.Now()}))
}

func recordLap(t *testing.T, repo *memory.Repository, patientID, lapID string, laps int) {
	t.Helper()
	err := repo.WithPatientLock(context.Background(), patientID, func(tx domain.PatientTx) error {
		seq, err := tx.NextLapSequence(context.Background())
		if err != nil {
			return err
		}
		if err := tx.InsertLap(context.Background(), domain.LapRecord{
			ID:              lapID,
			PatientID:       patientID,
			LapCount:        laps,
			Distance:        100,
			ElapsedTime:     "5:00",
			RecordedAt:      time.Now(),
			PatientSequence: &seq,
		}); err != nil {
			return err
		}
		_, err = tx.AddLapTotal(context.Background(), int64(laps))
		return err
	})
	require.NoError(t, err)
}

func TestListLapsByPatientFillsPatientName(t *testing.T) {
	repo := memory.NewRepository()
	seedPatient(t, repo, "p-1", "Ana")
	seedPatient(t, repo, "p-2", "Bruno")
	recordLap(t, repo, "p-1", "lap-1", 2)
	recordLap(t, repo, "p-2", "lap-2", 3)

	laps, err := repo.ListLapsByPatient(context.Background(), "p-1")
	require.NoError(t, err)
	require.Len(t, laps, 1)
	require.Equal(t, "lap-1", laps[0].ID)
	require.Equal(t, "Ana", laps[0].PatientName)

	all, _, err := repo.ListLaps(context.Background(), nil, 10)
	require.NoError(t, err)
	for _, rec := range all {
		byPatient, err := repo.ListLapsByPatient(context.Background(), rec.PatientID)
		require.NoError(t, err)
		require.Equal(t, rec.PatientName, byPatient[0].PatientName)
	}
}

func TestPatientSnapshot(t *testing.T) {
	repo := memory.NewRepository()
	seedPatient(t, repo, "p-1", "Ana")

	patient, laps, err := repo.PatientSnapshot(context.Background(), "p-1")
	require.NoError(t, err)
	require.Zero(t, patient.LapSequence)
	require.Empty(t, laps)

	recordLap(t, repo, "p-1", "lap-1", 2)
	recordLap(t, repo, "p-1", "lap-2", 4)

	patient, laps, err = repo.PatientSnapshot(context.Background(), "p-1")
	require.NoError(t, err)
	require.Equal(t, 2, patient.LapSequence)
	require.EqualValues(t, 6, patient.TotalLaps)
	require.Len(t, laps, 2)
	require.Equal(t, "Ana", laps[0].PatientName)

	stored, err := repo.GetPatient(context.Background(), "p-1")
	require.NoError(t, err)
	require.Equal(t, patient.LapSequence, stored.LapSequence)

	missing, laps, err := repo.PatientSnapshot(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, missing)
	require.Nil(t, laps)
}

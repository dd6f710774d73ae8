//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"golang.org/x/sync/errgroup"

	"example.com/laptracker/internal/domain"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pg, err := postgrescontainer.Run(ctx, "postgres:16-alpine",
		postgrescontainer.WithDatabase("laptracker"),
		postgrescontainer.WithUsername("laptracker"),
		postgrescontainer.WithPassword("laptracker"),
		postgrescontainer.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := Connect(ctx, connStr, 30*time.Second)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	require.NoError(t, Migrate(ctx, pool), "migrations must be re-runnable")
	return pool
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
func strPtr(v string) *string     { return &v }

func TestServiceAgainstPostgres(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	svc := domain.NewService(NewRepository(pool))

	patient, err := svc.CreatePatient(ctx, domain.CreatePatientInput{Name: "Ana", Email: strPtr("ana@example.com")})
	require.NoError(t, err)

	first, err := svc.OpenSession(ctx, patient.ID)
	require.NoError(t, err)
	second, err := svc.OpenSession(ctx, patient.ID)
	require.NoError(t, err)

	active, err := svc.ListActiveSessions(ctx, patient.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, second.ID, active[0].ID)
	require.Equal(t, "Ana", active[0].PatientName)

	var endedAt time.Time
	require.NoError(t, pool.QueryRow(ctx, `SELECT ended_at FROM sessions WHERE session_id = $1`, first.ID).Scan(&endedAt))
	require.False(t, endedAt.After(second.StartedAt))

	for i := 1; i <= 3; i++ {
		rec, err := svc.RecordLaps(ctx, domain.RecordLapsInput{
			PatientID:   patient.ID,
			LapCount:    intPtr(2),
			Distance:    floatPtr(150.25),
			ElapsedTime: strPtr("5:10"),
		})
		require.NoError(t, err)
		require.Equal(t, i, *rec.PatientSequence)
		require.Equal(t, second.ID, *rec.SessionID)
	}

	stored, err := svc.GetPatient(ctx, patient.ID)
	require.NoError(t, err)
	require.EqualValues(t, 6, stored.TotalLaps)

	laps, err := svc.ListPatientLaps(ctx, patient.ID)
	require.NoError(t, err)
	require.Len(t, laps, 3)
	require.Equal(t, 3, *laps[0].PatientSequence)
	require.InDelta(t, 150.25, laps[0].Distance, 1e-9)
	require.NotNil(t, laps[0].SessionStartedAt)

	require.NoError(t, svc.CloseSession(ctx, second.ID))
	require.NoError(t, svc.CloseSession(ctx, second.ID))
	require.ErrorIs(t, svc.CloseSession(ctx, "missing"), domain.ErrNotFound)

	var outboxCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&outboxCount))
	// two opens, one superseded close, three laps, one explicit close
	require.Equal(t, 7, outboxCount)

	_, err = svc.RecordLaps(ctx, domain.RecordLapsInput{
		PatientID:   patient.ID,
		LapCount:    intPtr(1),
		Distance:    floatPtr(1),
		ElapsedTime: strPtr("this value is far too long to fit"),
	})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestConcurrentRecordLapsPostgres(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	svc := domain.NewService(NewRepository(pool))

	patient, err := svc.CreatePatient(ctx, domain.CreatePatientInput{Name: "Bruno"})
	require.NoError(t, err)

	const calls = 50
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < calls; i++ {
		g.Go(func() error {
			_, err := svc.RecordLaps(gctx, domain.RecordLapsInput{
				PatientID:   patient.ID,
				LapCount:    intPtr(1),
				Distance:    floatPtr(25),
				ElapsedTime: strPtr("60"),
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	var distinct, maxSeq int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT patient_sequence), MAX(patient_sequence) FROM lap_records WHERE patient_id = $1`,
		patient.ID,
	).Scan(&distinct, &maxSeq))
	require.Equal(t, calls, distinct)
	require.Equal(t, calls, maxSeq)

	stored, err := svc.GetPatient(ctx, patient.ID)
	require.NoError(t, err)
	require.EqualValues(t, calls, stored.TotalLaps)
}

func TestConcurrentIncrementLapTotalPostgres(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	svc := domain.NewService(NewRepository(pool))

	patient, err := svc.CreatePatient(ctx, domain.CreatePatientInput{Name: "Carla"})
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := svc.IncrementLapTotal(ctx, patient.ID, 2)
			return err
		})
	}
	require.NoError(t, g.Wait())

	stored, err := svc.GetPatient(ctx, patient.ID)
	require.NoError(t, err)
	require.EqualValues(t, 40, stored.TotalLaps)
}

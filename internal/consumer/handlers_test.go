package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

type fakeInvalidator struct {
	ids []string
	err error
}

func (f *fakeInvalidator) Invalidate(_ context.Context, patientID string) error {
	f.ids = append(f.ids, patientID)
	return f.err
}

func TestStatsInvalidationHandler(t *testing.T) {
	cache := &fakeInvalidator{}
	handler := NewStatsInvalidationHandler(cache)
	ctx := context.Background()

	require.NoError(t, handler.Handle(ctx, Message{EventType: "lap.recorded", PatientID: "p-1", Payload: json.RawMessage(`{}`)}))
	require.NoError(t, handler.Handle(ctx, Message{EventType: "session.closed", Payload: json.RawMessage(`{"patient_id":"p-2"}`)}))
	require.NoError(t, handler.Handle(ctx, Message{EventType: "patient.renamed", PatientID: "p-3"}))
	require.Equal(t, []string{"p-1", "p-2"}, cache.ids)

	err := handler.Handle(ctx, Message{EventType: "lap.recorded", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)

	cache.err = errors.New("redis down")
	require.ErrorContains(t, handler.Handle(ctx, Message{EventType: "lap.recorded", PatientID: "p-4"}), "redis down")
}

func TestEventLogHandlerInsertsIdempotently(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := json.RawMessage(`{"lap_id":"l-1","patient_id":"p-1"}`)

	mock.ExpectExec(`INSERT INTO patient_event_log .* ON CONFLICT \(topic, partition, record_offset\) DO NOTHING`).
		WithArgs("lap.recorded", "p-1", "l-1", "lap_events", 2, int64(17), []byte(payload), ts).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	handler := NewEventLogHandler(mock)
	require.NoError(t, handler.Handle(context.Background(), Message{
		Topic:       "lap_events",
		Partition:   2,
		Offset:      17,
		Timestamp:   ts,
		EventType:   "lap.recorded",
		PatientID:   "p-1",
		AggregateID: "l-1",
		Payload:     payload,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventLogHandlerStampsMissingTimestamp(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO patient_event_log`).
		WithArgs("session.opened", "p-5", "", "session_events", 0, int64(1), pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	handler := NewEventLogHandler(mock)
	handler.now = func() time.Time { return now }
	require.NoError(t, handler.Handle(context.Background(), Message{
		Topic:     "session_events",
		Offset:    1,
		EventType: "session.opened",
		Payload:   json.RawMessage(`{"patient_id":"p-5"}`),
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFanoutRunsEveryHandler(t *testing.T) {
	first := &stubHandler{err: errors.New("first failed")}
	second := &stubHandler{}

	err := Fanout(first, nil, second).Handle(context.Background(), Message{EventType: "lap.recorded"})
	require.ErrorContains(t, err, "first failed")
	require.Equal(t, 1, first.calls)
	require.Equal(t, 1, second.calls)

	require.NoError(t, Fanout(second).Handle(context.Background(), Message{}))
}

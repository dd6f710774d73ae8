package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestProcessorCommitsOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload := []byte(`{"lap_id":"abc","patient_id":"p-1","lap_count":3}`)
	msg := kafka.Message{
		Topic:     "lap_events",
		Partition: 0,
		Offset:    10,
		Key:       []byte("p-1"),
		Time:      time.Now().UTC(),
		Value:     payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("lap.recorded")},
			{Key: "patient_id", Value: []byte("p-1")},
			{Key: "aggregate_id", Value: []byte("abc")},
		},
	}

	reader := &stubReader{
		messages: []kafka.Message{msg},
		after:    contextCanceled,
	}
	handler := &stubHandler{}

	processor := NewProcessor(reader, handler, WithLogger(quietLogger()))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, "lap.recorded", handler.last.EventType)
	require.Equal(t, "p-1", handler.last.PatientID)
	require.Equal(t, "abc", handler.last.AggregateID)
	require.EqualValues(t, 10, handler.last.Offset)
	require.JSONEq(t, string(payload), string(handler.last.Payload))
}

func TestProcessorFallsBackToKeyForPatient(t *testing.T) {
	msg := kafka.Message{
		Topic: "session_events",
		Key:   []byte("p-9"),
		Value: []byte(`{"session_id":"s-1"}`),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("session.opened")},
		},
	}

	decoded, err := decodeMessage(msg)
	require.NoError(t, err)
	require.Equal(t, "p-9", decoded.PatientID)
	require.Empty(t, decoded.AggregateID)
}

func TestProcessorSkipsCommitOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := kafka.Message{
		Topic:     "session_events",
		Partition: 0,
		Offset:    20,
		Time:      time.Now().UTC(),
		Value:     []byte(`{"session_id":"s-1","patient_id":"p-2"}`),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("session.closed")},
			{Key: "patient_id", Value: []byte("p-2")},
		},
	}

	reader := &stubReader{
		messages: []kafka.Message{msg},
		after:    contextCanceled,
	}
	handler := &stubHandler{err: errors.New("boom")}

	processor := NewProcessor(reader, handler, WithLogger(quietLogger()))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 0, reader.commitCalls)
}

func TestProcessorCommitsUndecodableMessages(t *testing.T) {
	cases := map[string]kafka.Message{
		"missing event type": {Topic: "lap_events", Value: []byte(`{}`)},
		"invalid json": {
			Topic:   "lap_events",
			Value:   []byte(`{"lap_id":`),
			Headers: []kafka.Header{{Key: "event_type", Value: []byte("lap.recorded")}},
		},
	}

	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			reader := &stubReader{messages: []kafka.Message{msg}, after: contextCanceled}
			handler := &stubHandler{}

			err := NewProcessor(reader, handler, WithLogger(quietLogger())).Run(context.Background())
			require.ErrorIs(t, err, context.Canceled)
			require.Zero(t, handler.calls)
			require.Equal(t, 1, reader.commitCalls)
		})
	}
}

func TestProcessorRetriesFetchErrors(t *testing.T) {
	reader := &stubReader{
		fetchErrs: []error{errors.New("broker unavailable")},
		messages: []kafka.Message{{
			Topic:   "lap_events",
			Value:   []byte(`{"patient_id":"p-3"}`),
			Headers: []kafka.Header{{Key: "event_type", Value: []byte("lap.recorded")}},
		}},
		after: contextCanceled,
	}
	handler := &stubHandler{}

	logger, hook := logtest.NewNullLogger()
	processor := NewProcessor(reader, handler, WithLogger(logger), WithFetchBackoff(0))

	err := processor.Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.NotEmpty(t, hook.AllEntries())
	require.Equal(t, logrus.WarnLevel, hook.AllEntries()[0].Level)
}

func TestProcessorStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reader := &stubReader{}
	err := NewProcessor(reader, &stubHandler{}, WithLogger(quietLogger())).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, reader.index)
}

type stubReader struct {
	fetchErrs   []error
	messages    []kafka.Message
	index       int
	commitCalls int
	after       func() error
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if len(r.fetchErrs) > 0 {
		err := r.fetchErrs[0]
		r.fetchErrs = r.fetchErrs[1:]
		return kafka.Message{}, err
	}
	if r.index >= len(r.messages) {
		if r.after != nil {
			return kafka.Message{}, r.after()
		}
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error { return nil }

func contextCanceled() error { return context.Canceled }

type stubHandler struct {
	calls int
	err   error
	last  Message
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	return h.err
}

func quietLogger() logrus.FieldLogger {
	logger, _ := logtest.NewNullLogger()
	return logger
}

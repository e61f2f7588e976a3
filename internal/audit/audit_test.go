package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	entries []Entry
	err     error
}

func (s *recordingSink) Record(_ context.Context, entry Entry) error {
	s.entries = append(s.entries, entry)
	return s.err
}

func TestLogSinkWritesEntry(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := sink.Record(context.Background(), Entry{
		RequestID:   "req-1",
		Route:       "hash",
		Status:      400,
		ErrorKind:   "missing_file",
		Files:       0,
		StagedBytes: 0,
		Duration:    15 * time.Millisecond,
		RemoteIP:    "203.0.113.9",
	})
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &payload))
	require.Equal(t, "relay call", payload["msg"])
	require.Equal(t, "req-1", payload["request_id"])
	require.Equal(t, "hash", payload["route"])
	require.Equal(t, "missing_file", payload["error_kind"])
	require.EqualValues(t, 15, payload["duration_ms"])
}

func TestLogSinkOmitsEmptyErrorKind(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, sink.Record(context.Background(), Entry{Route: "filter", Status: 200, Files: 1, StagedBytes: 42}))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &payload))
	require.NotContains(t, payload, "error_kind")
	require.EqualValues(t, 42, payload["staged_bytes"])
}

func TestMultiRecordsEverySinkAndJoinsErrors(t *testing.T) {
	first := &recordingSink{err: errors.New("first down")}
	second := &recordingSink{}
	third := &recordingSink{err: errors.New("third down")}

	err := Multi{first, nil, second, third}.Record(context.Background(), Entry{Route: "compare"})
	require.Error(t, err)
	require.ErrorContains(t, err, "first down")
	require.ErrorContains(t, err, "third down")
	require.Len(t, first.entries, 1)
	require.Len(t, second.entries, 1)
	require.Len(t, third.entries, 1)
}

func TestNewPostgresStoreRequiresDSN(t *testing.T) {
	_, err := NewPostgresStore(context.Background(), "  ")
	require.Error(t, err)
}

func TestNilPostgresStoreIsSafe(t *testing.T) {
	var store *PostgresStore
	require.Error(t, store.Record(context.Background(), Entry{}))
	require.Error(t, store.Ping(context.Background()))
	require.NoError(t, store.Close(context.Background()))
}

package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Entry describes the outcome of one relay call.
type Entry struct {
	RequestID   string
	Route       string
	Status      int
	ErrorKind   string
	Files       int
	StagedBytes int64
	Duration    time.Duration
	RemoteIP    string
	At          time.Time
}

// Sink persists audit entries.
type Sink interface {
	Record(ctx context.Context, entry Entry) error
}

// LogSink writes entries to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

// NewLogSink returns a sink that logs through logger, or the default logger
// when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Record(ctx context.Context, entry Entry) error {
	attrs := []any{
		"request_id", entry.RequestID,
		"route", entry.Route,
		"status", entry.Status,
		"files", entry.Files,
		"staged_bytes", entry.StagedBytes,
		"duration_ms", entry.Duration.Milliseconds(),
		"remote_ip", entry.RemoteIP,
	}
	if entry.ErrorKind != "" {
		attrs = append(attrs, "error_kind", entry.ErrorKind)
	}
	s.Logger.InfoContext(ctx, "relay call", attrs...)
	return nil
}

// Multi fans an entry out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, entry Entry) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/econcrawl/internal/crawler"
)

// LogSink mirrors crawl log entries into the process logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("crawl_log")}
}

// Consume logs each entry at its own level.
func (s *LogSink) Consume(_ context.Context, batch []crawler.LogEntry) error {
	for _, entry := range batch {
		fields := []zap.Field{
			zap.String("log_id", entry.ID),
			zap.Time("at", entry.Timestamp),
			zap.String("source", entry.Source),
			zap.String("status", string(entry.Status)),
		}
		if entry.DurationMs != nil {
			fields = append(fields, zap.Int64("duration_ms", *entry.DurationMs))
		}
		if len(entry.Details) > 0 {
			fields = append(fields, zap.Any("details", entry.Details))
		}
		if ce := s.logger.Check(zapLevel(entry.Level), entry.Message); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func zapLevel(level crawler.LogLevel) zapcore.Level {
	switch level {
	case crawler.LevelDebug:
		return zapcore.DebugLevel
	case crawler.LevelWarn:
		return zapcore.WarnLevel
	case crawler.LevelError:
		return zapcore.ErrorLevel
	case crawler.LevelFatal:
		// Never exit the process on a crawl event.
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

package storage

import "go.uber.org/zap"

// LogWriter emits each event as one structured log line. Used when no
// ClickHouse DSN is configured.
type LogWriter struct {
	logger *zap.Logger
}

func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *InvocationEvent) {
	fields := []zap.Field{
		zap.String("request_id", event.RequestID),
		zap.String("tool_name", event.ToolName),
		zap.String("kind", event.Kind),
		zap.String("caller", event.Caller),
		zap.String("outcome", event.Outcome),
		zap.Strings("argument_names", event.ArgumentNames),
		zap.Float32("latency_ms", event.LatencyMs),
	}
	if event.FailedStage != "" {
		fields = append(fields, zap.String("failed_stage", event.FailedStage))
	}
	if event.Streamed {
		fields = append(fields,
			zap.String("session_id", event.SessionID),
			zap.Uint32("event_count", event.EventCount),
		)
	}
	w.logger.Info("tool_invocation", fields...)
}

func (w *LogWriter) Close() {}

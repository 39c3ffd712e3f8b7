package telemetry

import (
	"context"

	"go.uber.org/zap"
)

// LogSink emits structured logs for lifecycle events. It is useful during
// development or audits where no webhook/topic is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the event using structured fields.
func (s *LogSink) Consume(_ context.Context, evt Event) error {
	s.logger.Info("lifecycle event",
		zap.String("event", evt.Type),
		zap.Time("ts", evt.TS),
		zap.Any("payload", evt.Payload),
	)
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

package notification

import (
	"context"

	"go.uber.org/zap"
)

// LogTransport "delivers" by writing the message to the log. It backs the
// deliver command until a real mail transport is configured.
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(_ context.Context, recipient, subject, body string) error {
	t.logger.Info("email delivered",
		zap.String("recipient", recipient),
		zap.String("subject", subject),
		zap.Int("body_bytes", len(body)))
	return nil
}

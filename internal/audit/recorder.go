package audit

import (
	"context"

	"go-lifecycle/internal/core/ports"
	"go-lifecycle/internal/domain"

	"go.uber.org/zap"
)

// Recorder pushes audit events and never fails the caller. A publish error is
// logged and dropped.
type Recorder struct {
	sink   ports.AuditSink
	logger *zap.Logger
}

func NewRecorder(sink ports.AuditSink, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{sink: sink, logger: logger}
}

func (r *Recorder) Emit(ctx context.Context, event domain.AuditEvent) {
	if r == nil || r.sink == nil {
		return
	}
	if err := r.sink.Publish(ctx, event); err != nil {
		r.logger.Warn("audit publish failed",
			zap.String("subject", string(event.Subject)),
			zap.String("subject_id", event.SubjectID.String()),
			zap.String("event", event.Event),
			zap.Error(err))
	}
}

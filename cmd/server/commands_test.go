package main

import (
	"testing"

	"go-lifecycle/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestTailAudit(t *testing.T) {
	mine := domain.NewAuditEvent(domain.AuditBulkOperation, uuid.New(), "EXECUTED")
	mine.TenantID = "t1"
	mine.ActorID = "operator"
	other := domain.NewAuditEvent(domain.AuditWorkflow, uuid.New(), "COMPLETED")
	other.TenantID = "t2"

	feed := func() <-chan domain.AuditEvent {
		ch := make(chan domain.AuditEvent, 2)
		ch <- mine
		ch <- other
		close(ch)
		return ch
	}

	t.Run("logs every event until the stream closes", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		assert.Equal(t, 2, tailAudit(feed(), "", zap.New(core)))
		assert.Equal(t, 2, logs.FilterMessage("audit event").Len())
	})

	t.Run("tenant filter", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		assert.Equal(t, 1, tailAudit(feed(), "t1", zap.New(core)))
		entries := logs.FilterMessage("audit event").All()
		require.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		assert.Equal(t, mine.SubjectID.String(), fields["subject_id"])
		assert.Equal(t, "EXECUTED", fields["event"])
		assert.Equal(t, "operator", fields["actor_id"])
	})
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

type ProvisioningKind string

const (
	ProvisionAccessKind     ProvisioningKind = "ACCESS"
	ProvisionPermissionSync ProvisioningKind = "PERMISSION_SYNC"
	ProvisionArchive        ProvisioningKind = "ARCHIVE"
)

// ProvisioningRecord marks an external-system effect as achieved. The unique
// index on (user, system, kind) is what makes re-running a step harmless.
type ProvisioningRecord struct {
	ID         uuid.UUID        `gorm:"type:uuid;primary_key;"`
	TenantID   string           `gorm:"type:varchar(64);index"`
	UserID     string           `gorm:"type:varchar(64);uniqueIndex:idx_provisioning_target;not null"`
	System     string           `gorm:"type:varchar(100);uniqueIndex:idx_provisioning_target;not null"`
	Kind       ProvisioningKind `gorm:"type:varchar(30);uniqueIndex:idx_provisioning_target;not null"`
	WorkflowID uuid.UUID        `gorm:"type:uuid;index"`
	StepID     uuid.UUID        `gorm:"type:uuid"`
	Detail     string           `gorm:"type:text"`
	CreatedAt  time.Time
}

func NewProvisioningRecord(tenantID, userID, system string, kind ProvisioningKind, workflowID, stepID uuid.UUID) *ProvisioningRecord {
	return &ProvisioningRecord{
		ID:         uuid.New(),
		TenantID:   tenantID,
		UserID:     userID,
		System:     system,
		Kind:       kind,
		WorkflowID: workflowID,
		StepID:     stepID,
		CreatedAt:  time.Now(),
	}
}

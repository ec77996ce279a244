package domain

import "time"

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (r RiskLevel) weight() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return 0
}

// Max returns the more severe of r and other.
func (r RiskLevel) Max(other RiskLevel) RiskLevel {
	if other.weight() > r.weight() {
		return other
	}
	if r == "" {
		return RiskLow
	}
	return r
}

type ConflictType string

const (
	ConflictRoleDowngrade       ConflictType = "role-downgrade"
	ConflictPermission          ConflictType = "permission-conflict"
	ConflictApprovalRequired    ConflictType = "approval-required"
	ConflictDependencyViolation ConflictType = "dependency-violation"
)

type DryRunConflict struct {
	Type                 ConflictType `json:"type"`
	Severity             RiskLevel    `json:"severity"`
	UserID               string       `json:"userId,omitempty"`
	Message              string       `json:"message"`
	AffectedDependencies []string     `json:"affectedDependencies,omitempty"`
	RequiresApproval     bool         `json:"requiresApproval"`
}

type UserChangePreview struct {
	UserID      string           `json:"userId"`
	UserName    string           `json:"userName"`
	Email       string           `json:"email"`
	CurrentRole Role             `json:"currentRole"`
	Changes     ChangePreview    `json:"changes"`
	Conflicts   []DryRunConflict `json:"conflicts,omitempty"`
	RiskLevel   RiskLevel        `json:"riskLevel"`
}

type RollbackImpact struct {
	CanRollback bool `json:"canRollback"`
	// RestoresState is false when rollback only closes the operation without
	// reverting the applied change.
	RestoresState  bool     `json:"restoresState"`
	RollbackTimeMs int64    `json:"rollbackTime"`
	DataLoss       []string `json:"dataLoss,omitempty"`
}

type ImpactAnalysis struct {
	DirectlyAffectedCount    int            `json:"directlyAffectedCount"`
	PotentiallyAffectedCount int            `json:"potentiallyAffectedCount"`
	EstimatedExecutionTimeMs int64          `json:"estimatedExecutionTime"`
	EstimatedNetworkCalls    int            `json:"estimatedNetworkCalls"`
	RollbackImpact           RollbackImpact `json:"rollbackImpact"`
}

// DryRunResult is plain data so it can be stored as the operation snapshot and
// returned over the API unchanged.
type DryRunResult struct {
	AffectedUserCount   int                 `json:"affectedUserCount"`
	Preview             []UserChangePreview `json:"preview"`
	Conflicts           []DryRunConflict    `json:"conflicts"`
	ConflictCount       int                 `json:"conflictCount"`
	ImpactAnalysis      ImpactAnalysis      `json:"impactAnalysis"`
	RiskLevel           RiskLevel           `json:"riskLevel"`
	OverallRiskMessage  string              `json:"overallRiskMessage"`
	CanProceed          bool                `json:"canProceed"`
	EstimatedDurationMs int64               `json:"estimatedDuration"`
	Timestamp           time.Time           `json:"timestamp"`
}

// RequiresApproval reports whether any detected conflict needs sign-off.
func (r *DryRunResult) RequiresApproval() bool {
	for _, c := range r.Conflicts {
		if c.RequiresApproval {
			return true
		}
	}
	return false
}

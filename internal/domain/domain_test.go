package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleHierarchy(t *testing.T) {
	t.Run("rank orders most privileged first", func(t *testing.T) {
		assert.Equal(t, 0, RoleSuperAdmin.Rank())
		assert.Equal(t, 5, RoleClient.Rank())
		assert.Equal(t, -1, Role("OWNER").Rank())
	})

	t.Run("downgrade detection", func(t *testing.T) {
		assert.True(t, RoleAdmin.IsDowngradeTo(RoleTeamMember))
		assert.False(t, RoleTeamMember.IsDowngradeTo(RoleAdmin))
		assert.False(t, RoleAdmin.IsDowngradeTo(RoleAdmin))
		assert.False(t, Role("OWNER").IsDowngradeTo(RoleClient))
	})

	t.Run("privileged tiers", func(t *testing.T) {
		assert.True(t, RoleSuperAdmin.Privileged())
		assert.True(t, RoleAdmin.Privileged())
		assert.False(t, RoleTeamLead.Privileged())
	})
}

func TestWorkflowStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to WorkflowStatus
		want     bool
	}{
		{WorkflowPending, WorkflowInProgress, true},
		{WorkflowPending, WorkflowCancelled, true},
		{WorkflowInProgress, WorkflowCompleted, true},
		{WorkflowInProgress, WorkflowFailed, true},
		{WorkflowInProgress, WorkflowPending, false},
		{WorkflowInProgress, WorkflowInProgress, false},
		{WorkflowCompleted, WorkflowCancelled, false},
		{WorkflowFailed, WorkflowInProgress, false},
		{WorkflowCancelled, WorkflowCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestUserFilterMatches(t *testing.T) {
	created := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	u := &User{ID: "u1", Name: "Ada Lovelace", Email: "ada@example.com", Role: RoleTeamLead, Status: UserActive, CreatedAt: created}

	tests := []struct {
		name   string
		filter UserFilter
		want   bool
	}{
		{"empty filter matches", UserFilter{}, true},
		{"role match", UserFilter{Roles: []Role{RoleTeamLead, RoleAdmin}}, true},
		{"role miss", UserFilter{Roles: []Role{RoleAdmin}}, false},
		{"status match", UserFilter{Statuses: []UserStatus{UserSuspended, UserActive}}, true},
		{"status miss", UserFilter{Statuses: []UserStatus{UserSuspended}}, false},
		{"percent is literal", UserFilter{SearchTerm: "ada%"}, false},
		{"underscore is literal", UserFilter{SearchTerm: "a_a"}, false},
		{"search by name is case insensitive", UserFilter{SearchTerm: "LOVELACE"}, true},
		{"search by email", UserFilter{SearchTerm: "ada@"}, true},
		{"search miss", UserFilter{SearchTerm: "grace"}, false},
		{"inclusive date range", UserFilter{DateRange: &DateRange{From: created, To: created}}, true},
		{"date range before", UserFilter{DateRange: &DateRange{From: created.Add(time.Hour), To: created.Add(2 * time.Hour)}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(u))
		})
	}
}

func TestOperationConfigValidate(t *testing.T) {
	t.Run("valid configs", func(t *testing.T) {
		for _, c := range []OperationConfig{
			NewRoleChange("", RoleStaff),
			NewStatusUpdate(UserActive, UserSuspended),
			NewPermissionGrant("USERS_READ"),
			NewPermissionRevoke("USERS_WRITE"),
			NewSendEmail("workflow-started", ""),
			NewCustom(nil),
		} {
			assert.NoError(t, c.Validate(), c.Type)
		}
	})

	t.Run("invalid configs", func(t *testing.T) {
		for _, c := range []OperationConfig{
			{Type: OpRoleChange},
			NewRoleChange("OWNER", RoleStaff),
			NewRoleChange("", "OWNER"),
			{Type: OpStatusUpdate, Status: &StatusUpdateConfig{ToStatus: "GONE"}},
			NewPermissionGrant(),
			{Type: OpSendEmail, Email: &EmailConfig{}},
			{Type: OpImportCSV},
			{Type: "TELEPORT"},
		} {
			assert.ErrorIs(t, c.Validate(), ErrValidation, c.Type)
		}
	})
}

func TestBulkOperationExecutionAllowed(t *testing.T) {
	op := NewBulkOperation("t1", "admin", "demote", NewRoleChange("", RoleStaff))
	assert.ErrorIs(t, op.ExecutionAllowed(), ErrInvalidTransition)

	op.Status = OperationReady
	assert.NoError(t, op.ExecutionAllowed())

	op.ApprovalRequired = true
	op.ApprovalStatus = ApprovalPending
	assert.ErrorIs(t, op.ExecutionAllowed(), ErrApprovalRequired)

	op.ApprovalStatus = ApprovalApproved
	assert.NoError(t, op.ExecutionAllowed())
}

func TestBulkOperationCanRollback(t *testing.T) {
	until := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	op := &BulkOperation{Status: OperationCompleted, RollbackAvailable: true, RollbackUntilDate: &until}

	assert.True(t, op.CanRollback(until.Add(-time.Second)))
	assert.True(t, op.CanRollback(until))
	assert.False(t, op.CanRollback(until.Add(time.Nanosecond)))

	op.Status = OperationCancelled
	assert.False(t, op.CanRollback(until.Add(-time.Hour)))

	op.Status = OperationFailed
	op.RollbackAvailable = false
	assert.False(t, op.CanRollback(until.Add(-time.Hour)))
}

func TestResultRestoresRole(t *testing.T) {
	admin, staff := RoleAdmin, RoleStaff
	tests := []struct {
		name   string
		result BulkOperationResult
		want   bool
	}{
		{"changed role", BulkOperationResult{Status: ResultSuccess, ChangesBefore: &ChangeSet{Role: &admin}, ChangesAfter: &ChangeSet{Role: &staff}}, true},
		{"unchanged role", BulkOperationResult{Status: ResultSuccess, ChangesBefore: &ChangeSet{Role: &staff}, ChangesAfter: &ChangeSet{Role: &staff}}, false},
		{"no role snapshot", BulkOperationResult{Status: ResultSuccess, ChangesBefore: &ChangeSet{Permissions: []string{"A"}}}, false},
		{"failed result", BulkOperationResult{Status: ResultFailed, ChangesBefore: &ChangeSet{Role: &admin}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.RestoresRole())
		})
	}
}

func TestOperationPatchApply(t *testing.T) {
	op := NewBulkOperation("t1", "admin", "grant", NewPermissionGrant("REPORTS_VIEW"))
	result := &DryRunResult{AffectedUserCount: 3, RiskLevel: RiskLow, CanProceed: true}

	OperationPatch{
		Status:             OperationReady,
		TotalUsersAffected: Ptr(3),
		DryRun:             result,
	}.Apply(op)

	assert.Equal(t, OperationReady, op.Status)
	assert.Equal(t, 3, op.TotalUsersAffected)
	require.NotNil(t, op.DryRun())
	assert.Equal(t, 3, op.DryRun().AffectedUserCount)
	assert.Equal(t, ApprovalNone, op.ApprovalStatus)
}

func TestStepPatchApplyClearsError(t *testing.T) {
	s := NewStep(NewWorkflow("t1", "u1", WorkflowOnboarding, "admin").ID, 1, "Create account", ActionCreateAccount, StepConfig{})
	s.ErrorMessage = Ptr("boom")

	StepPatch{Status: StepPending, ClearError: true}.Apply(s)

	assert.Equal(t, StepPending, s.Status)
	assert.Nil(t, s.ErrorMessage)
}

func TestRiskLevelMax(t *testing.T) {
	assert.Equal(t, RiskLow, RiskLevel("").Max(RiskLow))
	assert.Equal(t, RiskHigh, RiskMedium.Max(RiskHigh))
	assert.Equal(t, RiskCritical, RiskCritical.Max(RiskHigh))
}

func TestDryRunRequiresApproval(t *testing.T) {
	r := &DryRunResult{Conflicts: []DryRunConflict{{Type: ConflictPermission, Severity: RiskCritical}}}
	assert.False(t, r.RequiresApproval())

	r.Conflicts = append(r.Conflicts, DryRunConflict{Type: ConflictRoleDowngrade, RequiresApproval: true})
	assert.True(t, r.RequiresApproval())
}

func TestJSONColumnsRoundTripThroughScanner(t *testing.T) {
	in := NewRoleChange(RoleAdmin, RoleStaff)
	v, err := in.Value()
	require.NoError(t, err)

	var out OperationConfig
	require.NoError(t, out.Scan(v))
	assert.Equal(t, in, out)
}

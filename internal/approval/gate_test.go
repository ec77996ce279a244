package approval

import (
	"context"
	"testing"
	"time"

	"go-lifecycle/internal/audit"
	"go-lifecycle/internal/core/memory"
	"go-lifecycle/internal/domain"
	"go-lifecycle/internal/notification"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
)

type GateTestSuite struct {
	suite.Suite
	ctx   context.Context
	store *memory.Store
	audit *memory.AuditLog
	now   time.Time
	gate  *Gate

	workflow *domain.UserWorkflow
	approval *domain.WorkflowStep
}

func TestGateTestSuite(t *testing.T) {
	suite.Run(t, new(GateTestSuite))
}

func (s *GateTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.NewStore()
	s.audit = &memory.AuditLog{}
	s.now = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return s.now }
	logger := zaptest.NewLogger(s.T())

	s.store.AddUser(domain.User{ID: "target", TenantID: "t1", Name: "Ada", Email: "ada@x.io", Role: domain.RoleTeamMember})
	s.store.AddUser(domain.User{ID: "boss", TenantID: "t1", Email: "boss@x.io", Role: domain.RoleAdmin})

	notifier := notification.NewNotifier(s.store, memory.NewQueue(64), notification.NewCatalog(), notification.WithClock(clock))
	s.gate = NewGate(s.store, s.store, notifier,
		WithClock(clock), WithLogger(logger), WithAudit(audit.NewRecorder(s.audit, logger)))

	s.workflow = domain.NewWorkflow("t1", "target", domain.WorkflowRoleChange, "hr")
	s.workflow.CreatedAt = s.now
	s.workflow.Status = domain.WorkflowInProgress
	s.approval = domain.NewStep(s.workflow.ID, 1, "Approve role change", domain.ActionRequestApproval, domain.StepConfig{})
	assign := domain.NewStep(s.workflow.ID, 2, "Assign role", domain.ActionAssignRole, domain.StepConfig{})
	s.Require().NoError(s.store.CreateWorkflow(s.ctx, s.workflow, []domain.WorkflowStep{*s.approval, *assign}))
}

func (s *GateTestSuite) park(approvers ...string) {
	res, err := s.gate.RequestApproval(s.ctx, s.approval.ID, approvers)
	s.Require().NoError(err)
	s.Require().True(res.Success)
}

func (s *GateTestSuite) step() *domain.WorkflowStep {
	st, err := s.store.GetStep(s.ctx, s.approval.ID)
	s.Require().NoError(err)
	return st
}

func (s *GateTestSuite) TestRequestApprovalNotifiesEachApprover() {
	res, err := s.gate.RequestApproval(s.ctx, s.approval.ID, []string{"boss@x.io", " boss@x.io ", "cfo@x.io", ""})
	s.Require().NoError(err)
	s.True(res.Success)
	s.Equal(2, res.NotificationCount)

	st := s.step()
	s.Equal(domain.StepInProgress, st.Status)
	s.Equal(domain.StringList{"boss@x.io", "cfo@x.io"}, st.Approvers)
	s.Require().NotNil(st.StartedAt)
	s.True(st.AwaitingApproval())

	sent, err := s.store.ListStepNotifications(s.ctx, s.approval.ID)
	s.Require().NoError(err)
	s.Len(sent, 2)
	for _, n := range sent {
		s.Equal(string(notification.ApprovalRequested), n.Template)
	}
}

func (s *GateTestSuite) TestRequestApprovalValidation() {
	_, err := s.gate.RequestApproval(s.ctx, s.approval.ID, nil)
	s.ErrorIs(err, domain.ErrValidation)

	steps, err := s.store.ListSteps(s.ctx, s.workflow.ID)
	s.Require().NoError(err)
	_, err = s.gate.RequestApproval(s.ctx, steps[1].ID, []string{"boss@x.io"})
	s.ErrorIs(err, domain.ErrValidation)
}

func (s *GateTestSuite) TestRequestApprovalKeepsStepOrder() {
	wf := domain.NewWorkflow("t1", "target", domain.WorkflowOnboarding, "hr")
	first := domain.NewStep(wf.ID, 1, "Create account", domain.ActionCreateAccount, domain.StepConfig{})
	gate := domain.NewStep(wf.ID, 2, "Manager sign-off", domain.ActionRequestApproval, domain.StepConfig{})
	s.Require().NoError(s.store.CreateWorkflow(s.ctx, wf, []domain.WorkflowStep{*first, *gate}))

	s.Run("workflow not started", func() {
		_, err := s.gate.RequestApproval(s.ctx, gate.ID, []string{"boss@x.io"})
		s.ErrorIs(err, domain.ErrInvalidTransition)
	})

	s.Require().NoError(s.store.TransitionWorkflow(s.ctx, wf.ID,
		[]domain.WorkflowStatus{domain.WorkflowPending}, domain.WorkflowInProgress, nil))

	s.Run("earlier step not completed", func() {
		_, err := s.gate.RequestApproval(s.ctx, gate.ID, []string{"boss@x.io"})
		s.ErrorIs(err, domain.ErrInvalidTransition)
		_, err = s.gate.ApproveStep(s.ctx, gate.ID, "boss@x.io", "")
		s.ErrorIs(err, domain.ErrInvalidTransition)

		st, err := s.store.GetStep(s.ctx, gate.ID)
		s.Require().NoError(err)
		s.Equal(domain.StepPending, st.Status)
		sent, err := s.store.ListStepNotifications(s.ctx, gate.ID)
		s.Require().NoError(err)
		s.Empty(sent)
	})

	s.Run("earlier step completed", func() {
		s.Require().NoError(s.store.TransitionStep(s.ctx, first.ID, domain.StepPending,
			domain.StepPatch{Status: domain.StepCompleted}))
		res, err := s.gate.RequestApproval(s.ctx, gate.ID, []string{"boss@x.io"})
		s.Require().NoError(err)
		s.Equal(1, res.NotificationCount)
	})
}

func (s *GateTestSuite) TestApproveIsIdempotentForSameApprover() {
	s.park("boss@x.io")
	s.now = s.now.Add(90 * time.Minute)

	first, err := s.gate.ApproveStep(s.ctx, s.approval.ID, "boss@x.io", "fine")
	s.Require().NoError(err)
	s.Equal(domain.StepCompleted, first.Status)
	s.EqualValues(90*60*1000, first.DurationMs)

	second, err := s.gate.ApproveStep(s.ctx, s.approval.ID, "boss@x.io", "again")
	s.Require().NoError(err)
	s.Equal(domain.StepCompleted, second.Status)
	s.Require().NotNil(second.ApprovalNotes)
	s.Equal("fine", *second.ApprovalNotes)

	history, err := s.store.ListHistory(s.ctx, s.workflow.ID)
	s.Require().NoError(err)
	approvals := 0
	for _, h := range history {
		if h.EventType == domain.HistoryStepApproved {
			approvals++
		}
	}
	s.Equal(1, approvals)
}

func (s *GateTestSuite) TestApproveByDifferentApproverAfterApproval() {
	s.park("boss@x.io", "cfo@x.io")
	_, err := s.gate.ApproveStep(s.ctx, s.approval.ID, "boss@x.io", "")
	s.Require().NoError(err)

	_, err = s.gate.ApproveStep(s.ctx, s.approval.ID, "cfo@x.io", "")
	s.ErrorIs(err, domain.ErrAlreadyApproved)
}

func (s *GateTestSuite) TestApproverMatchedByUserEmail() {
	s.park("boss@x.io")
	st, err := s.gate.ApproveStep(s.ctx, s.approval.ID, "boss", "")
	s.Require().NoError(err)
	s.Equal("boss", *st.ApprovedBy)
}

func (s *GateTestSuite) TestApproveByStrangerIsRejected() {
	s.park("boss@x.io")
	_, err := s.gate.ApproveStep(s.ctx, s.approval.ID, "intern@x.io", "")
	s.ErrorIs(err, domain.ErrValidation)
	s.Equal(domain.StepInProgress, s.step().Status)
}

func (s *GateTestSuite) TestApproveRequiresParkedStep() {
	_, err := s.gate.ApproveStep(s.ctx, s.approval.ID, "boss@x.io", "")
	s.ErrorIs(err, domain.ErrInvalidTransition)
}

func (s *GateTestSuite) TestDecisionsRefusedOnFinishedWorkflow() {
	s.park("boss@x.io")
	s.Require().NoError(s.store.TransitionWorkflow(s.ctx, s.workflow.ID,
		[]domain.WorkflowStatus{domain.WorkflowInProgress}, domain.WorkflowCancelled, nil))

	_, err := s.gate.ApproveStep(s.ctx, s.approval.ID, "boss@x.io", "")
	s.ErrorIs(err, domain.ErrInvalidTransition)
	_, err = s.gate.RejectStep(s.ctx, s.approval.ID, "boss@x.io", "no")
	s.ErrorIs(err, domain.ErrInvalidTransition)
}

func (s *GateTestSuite) TestRejectReturnsStepToPending() {
	s.park("boss@x.io")

	st, err := s.gate.RejectStep(s.ctx, s.approval.ID, "boss@x.io", "")
	s.Require().NoError(err)
	s.Equal(domain.StepPending, st.Status)
	s.Require().NotNil(st.ErrorMessage)
	s.Equal("rejected", *st.ErrorMessage)

	sent, err := s.store.ListStepNotifications(s.ctx, s.approval.ID)
	s.Require().NoError(err)
	var rejected int
	for _, n := range sent {
		if n.Template == string(notification.ApprovalRejected) {
			rejected++
			s.Equal("ada@x.io", n.Recipient)
		}
	}
	s.Equal(1, rejected)

	// the step can be parked again
	s.park("boss@x.io")
	s.Equal(domain.StepInProgress, s.step().Status)
}

func (s *GateTestSuite) TestEnforceSLA() {
	s.Run("within the window", func() {
		violated, err := s.gate.EnforceSLA(s.ctx, s.workflow.ID, 48)
		s.Require().NoError(err)
		s.False(violated)
	})

	s.Run("exactly at the deadline is not a violation", func() {
		s.now = s.workflow.CreatedAt.Add(48 * time.Hour)
		violated, err := s.gate.EnforceSLA(s.ctx, s.workflow.ID, 48)
		s.Require().NoError(err)
		s.False(violated)
	})

	s.Run("past the deadline", func() {
		s.now = s.workflow.CreatedAt.Add(49 * time.Hour)
		violated, err := s.gate.EnforceSLA(s.ctx, s.workflow.ID, 48)
		s.Require().NoError(err)
		s.True(violated)

		wf, err := s.store.GetWorkflow(s.ctx, s.workflow.ID)
		s.Require().NoError(err)
		s.Equal(domain.WorkflowFailed, wf.Status)
		s.Contains(*wf.ErrorMessage, "SLA violated")
	})

	s.Run("second enforcement is a no-op", func() {
		violated, err := s.gate.EnforceSLA(s.ctx, s.workflow.ID, 48)
		s.Require().NoError(err)
		s.False(violated)
	})

	events := s.audit.Events()
	s.Require().NotEmpty(events)
	s.Equal(string(domain.HistorySLAViolated), events[len(events)-1].Event)
}

func (s *GateTestSuite) TestSweepSLA() {
	fresh := domain.NewWorkflow("t1", "target", domain.WorkflowOnboarding, "hr")
	fresh.CreatedAt = s.now.Add(40 * time.Hour)
	s.Require().NoError(s.store.CreateWorkflow(s.ctx, fresh, nil))
	other := domain.NewWorkflow("t2", "target", domain.WorkflowOnboarding, "hr")
	other.CreatedAt = s.now
	s.Require().NoError(s.store.CreateWorkflow(s.ctx, other, nil))

	s.now = s.now.Add(50 * time.Hour)
	report, err := s.gate.SweepSLA(s.ctx, "t1", 0)
	s.Require().NoError(err)
	s.Equal(1, report.Checked)
	s.Equal([]string{s.workflow.ID.String()}, []string{report.Violated[0].String()})

	wf, err := s.store.GetWorkflow(s.ctx, other.ID)
	s.Require().NoError(err)
	s.Equal(domain.WorkflowPending, wf.Status)
}

func (s *GateTestSuite) TestRemindApprovers() {
	s.park("boss@x.io", "cfo@x.io")

	sent, err := s.gate.RemindApprovers(s.ctx, "t1", 24*time.Hour)
	s.Require().NoError(err)
	s.Zero(sent)

	s.now = s.now.Add(25 * time.Hour)
	sent, err = s.gate.RemindApprovers(s.ctx, "t1", 24*time.Hour)
	s.Require().NoError(err)
	s.Equal(2, sent)
}

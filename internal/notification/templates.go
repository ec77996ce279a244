package notification

import (
	"bytes"
	"fmt"
	"text/template"

	"go-lifecycle/internal/domain"

	"github.com/Masterminds/sprig/v3"
)

type Template string

const (
	WorkflowStarted   Template = "workflow-started"
	StepCompleted     Template = "step-completed"
	ApprovalRequested Template = "approval-requested"
	WorkflowCompleted Template = "workflow-completed"
	WorkflowFailed    Template = "workflow-failed"
	WorkflowReminder  Template = "workflow-reminder"
	ApprovalRejected  Template = "approval-rejected"
)

// TemplateData is the context every template renders against. Templates use
// only the fields relevant to them.
type TemplateData struct {
	UserName     string
	UserEmail    string
	WorkflowID   string
	WorkflowType string
	StepName     string
	StepNumber   int
	TotalSteps   int
	ApproverName string
	ActorName    string
	Reason       string
	ErrorMessage string
	PendingHours int
	Variables    map[string]string
}

// Message is a rendered template.
type Message struct {
	Subject string
	Body    string
}

type source struct {
	subject string
	body    string
}

var sources = map[Template]source{
	WorkflowStarted: {
		subject: `{{ .WorkflowType | lower | replace "_" " " | title }} started for {{ .UserName }}`,
		body: `Hello {{ .UserName | default "there" }},

A {{ .WorkflowType | lower | replace "_" " " }} workflow has started for your account.
It has {{ .TotalSteps }} step(s). You will be notified when it finishes.

Reference: {{ .WorkflowID }}`,
	},
	StepCompleted: {
		subject: `Step {{ .StepNumber }} completed: {{ .StepName }}`,
		body: `Step {{ .StepNumber }} of {{ .TotalSteps }} ({{ .StepName }}) completed for {{ .UserName }}.

Reference: {{ .WorkflowID }}`,
	},
	ApprovalRequested: {
		subject: `Approval needed: {{ .StepName }} for {{ .UserName }}`,
		body: `Hello {{ .ApproverName | default "approver" }},

{{ .ActorName | default "An administrator" }} requested your approval for "{{ .StepName }}"
in the {{ .WorkflowType | lower | replace "_" " " }} workflow of {{ .UserName }}.
{{- with .Reason }}

Reason: {{ . }}
{{- end }}

Reference: {{ .WorkflowID }}`,
	},
	WorkflowCompleted: {
		subject: `{{ .WorkflowType | lower | replace "_" " " | title }} completed for {{ .UserName }}`,
		body: `Hello {{ .UserName | default "there" }},

Your {{ .WorkflowType | lower | replace "_" " " }} workflow has completed.

Reference: {{ .WorkflowID }}`,
	},
	WorkflowFailed: {
		subject: `{{ .WorkflowType | lower | replace "_" " " | title }} failed for {{ .UserName }}`,
		body: `The {{ .WorkflowType | lower | replace "_" " " }} workflow for {{ .UserName }} failed
{{- with .StepName }} at step "{{ . }}"{{ end }}.

Error: {{ .ErrorMessage | default "unknown error" }}

An administrator needs to review it. Reference: {{ .WorkflowID }}`,
	},
	WorkflowReminder: {
		subject: `Reminder: approval pending for {{ .UserName }}`,
		body: `Hello {{ .ApproverName | default "approver" }},

"{{ .StepName }}" for {{ .UserName }} has been waiting for approval for {{ .PendingHours }} hour(s).

Reference: {{ .WorkflowID }}`,
	},
	ApprovalRejected: {
		subject: `Request not approved: {{ .StepName }}`,
		body: `Hello {{ .UserName | default "there" }},

"{{ .StepName }}" in your {{ .WorkflowType | lower | replace "_" " " }} workflow was not approved
{{- with .ActorName }} by {{ . }}{{ end }}.

Reason: {{ .Reason | default "none given" }}

Reference: {{ .WorkflowID }}`,
	},
}

type compiled struct {
	subject *template.Template
	body    *template.Template
}

// Catalog holds the parsed templates. It is immutable after NewCatalog.
type Catalog struct {
	templates map[Template]compiled
}

func NewCatalog() *Catalog {
	funcs := sprig.TxtFuncMap()
	c := &Catalog{templates: make(map[Template]compiled, len(sources))}
	for name, src := range sources {
		c.templates[name] = compiled{
			subject: template.Must(template.New(string(name) + ".subject").Funcs(funcs).Parse(src.subject)),
			body:    template.Must(template.New(string(name) + ".body").Funcs(funcs).Parse(src.body)),
		}
	}
	return c
}

// Names lists the catalog in a stable order.
func (c *Catalog) Names() []Template {
	return []Template{WorkflowStarted, StepCompleted, ApprovalRequested, WorkflowCompleted, WorkflowFailed, WorkflowReminder, ApprovalRejected}
}

func (c *Catalog) Has(name Template) bool {
	_, ok := c.templates[name]
	return ok
}

func (c *Catalog) Render(name Template, data TemplateData) (Message, error) {
	t, ok := c.templates[name]
	if !ok {
		return Message{}, fmt.Errorf("%w: unknown email template %q", domain.ErrValidation, name)
	}
	var subject, body bytes.Buffer
	if err := t.subject.Execute(&subject, data); err != nil {
		return Message{}, fmt.Errorf("render %s subject: %w", name, err)
	}
	if err := t.body.Execute(&body, data); err != nil {
		return Message{}, fmt.Errorf("render %s body: %w", name, err)
	}
	return Message{Subject: subject.String(), Body: body.String()}, nil
}

// DataFor builds the common template context for a workflow. user and step
// may be nil.
func DataFor(wf *domain.UserWorkflow, user *domain.User, step *domain.WorkflowStep, totalSteps int) TemplateData {
	data := TemplateData{
		WorkflowID:   wf.ID.String(),
		WorkflowType: string(wf.WorkflowType),
		UserName:     wf.UserID,
		TotalSteps:   totalSteps,
	}
	if wf.ErrorMessage != nil {
		data.ErrorMessage = *wf.ErrorMessage
	}
	if user != nil {
		data.UserName = user.DisplayName()
		data.UserEmail = user.Email
	}
	if step != nil {
		data.StepName = step.Name
		data.StepNumber = step.StepNumber
	}
	return data
}

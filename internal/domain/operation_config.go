package domain

import (
	"database/sql/driver"
	"fmt"
)

type OperationType string

const (
	OpRoleChange       OperationType = "ROLE_CHANGE"
	OpStatusUpdate     OperationType = "STATUS_UPDATE"
	OpPermissionGrant  OperationType = "PERMISSION_GRANT"
	OpPermissionRevoke OperationType = "PERMISSION_REVOKE"
	OpSendEmail        OperationType = "SEND_EMAIL"
	OpImportCSV        OperationType = "IMPORT_CSV"
	OpCustom           OperationType = "CUSTOM"
)

func (t OperationType) Valid() bool {
	switch t {
	case OpRoleChange, OpStatusUpdate, OpPermissionGrant, OpPermissionRevoke, OpSendEmail, OpImportCSV, OpCustom:
		return true
	}
	return false
}

type RoleChangeConfig struct {
	FromRole Role `json:"fromRole,omitempty"`
	ToRole   Role `json:"toRole"`
}

type StatusUpdateConfig struct {
	FromStatus UserStatus `json:"fromStatus,omitempty"`
	ToStatus   UserStatus `json:"toStatus"`
}

type PermissionConfig struct {
	Permissions []string `json:"permissions"`
}

type EmailConfig struct {
	Template string `json:"template"`
	Subject  string `json:"subject,omitempty"`
}

type ImportConfig struct {
	Source string `json:"source"`
}

type CustomConfig struct {
	Data map[string]any `json:"data,omitempty"`
}

// OperationConfig is a tagged union keyed by Type. Exactly the member that
// matches Type must be set; Validate enforces it.
type OperationConfig struct {
	Type        OperationType       `json:"type"`
	RoleChange  *RoleChangeConfig   `json:"roleChange,omitempty"`
	Status      *StatusUpdateConfig `json:"status,omitempty"`
	Permissions *PermissionConfig   `json:"permissions,omitempty"`
	Email       *EmailConfig        `json:"email,omitempty"`
	Import      *ImportConfig       `json:"import,omitempty"`
	Custom      *CustomConfig       `json:"custom,omitempty"`
}

func NewRoleChange(from, to Role) OperationConfig {
	return OperationConfig{Type: OpRoleChange, RoleChange: &RoleChangeConfig{FromRole: from, ToRole: to}}
}

func NewStatusUpdate(from, to UserStatus) OperationConfig {
	return OperationConfig{Type: OpStatusUpdate, Status: &StatusUpdateConfig{FromStatus: from, ToStatus: to}}
}

func NewPermissionGrant(permissions ...string) OperationConfig {
	return OperationConfig{Type: OpPermissionGrant, Permissions: &PermissionConfig{Permissions: permissions}}
}

func NewPermissionRevoke(permissions ...string) OperationConfig {
	return OperationConfig{Type: OpPermissionRevoke, Permissions: &PermissionConfig{Permissions: permissions}}
}

func NewSendEmail(template, subject string) OperationConfig {
	return OperationConfig{Type: OpSendEmail, Email: &EmailConfig{Template: template, Subject: subject}}
}

func NewCustom(data map[string]any) OperationConfig {
	return OperationConfig{Type: OpCustom, Custom: &CustomConfig{Data: data}}
}

func (c OperationConfig) Validate() error {
	switch c.Type {
	case OpRoleChange:
		if c.RoleChange == nil || !c.RoleChange.ToRole.Valid() {
			return fmt.Errorf("%w: role change needs a valid target role", ErrValidation)
		}
		if c.RoleChange.FromRole != "" && !c.RoleChange.FromRole.Valid() {
			return fmt.Errorf("%w: unknown source role %q", ErrValidation, c.RoleChange.FromRole)
		}
	case OpStatusUpdate:
		if c.Status == nil || !c.Status.ToStatus.Valid() {
			return fmt.Errorf("%w: status update needs a valid target status", ErrValidation)
		}
	case OpPermissionGrant, OpPermissionRevoke:
		if c.Permissions == nil || len(c.Permissions.Permissions) == 0 {
			return fmt.Errorf("%w: %s needs at least one permission", ErrValidation, c.Type)
		}
	case OpSendEmail:
		if c.Email == nil || c.Email.Template == "" {
			return fmt.Errorf("%w: email operation needs a template", ErrValidation)
		}
	case OpImportCSV:
		if c.Import == nil {
			return fmt.Errorf("%w: import operation needs a source", ErrValidation)
		}
	case OpCustom:
	default:
		return fmt.Errorf("%w: unknown operation type %q", ErrValidation, c.Type)
	}
	return nil
}

// PermissionList returns the configured permissions, or nil for operation
// types that carry none.
func (c OperationConfig) PermissionList() []string {
	if c.Permissions == nil {
		return nil
	}
	return c.Permissions.Permissions
}

func (c OperationConfig) Value() (driver.Value, error) { return jsonValue(c) }
func (c *OperationConfig) Scan(src any) error          { return jsonScan(src, c) }

// RoleTransition is the {from, to} pair used in change diffs.
type RoleTransition struct {
	From Role `json:"from"`
	To   Role `json:"to"`
}

type StatusTransition struct {
	From UserStatus `json:"from"`
	To   UserStatus `json:"to"`
}

type PermissionDelta struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

type EmailChange struct {
	Template  string `json:"template"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject,omitempty"`
	Queued    bool   `json:"queued,omitempty"`
}

// ChangePreview is the per-user diff shown by the dry run.
type ChangePreview struct {
	Role        *RoleTransition   `json:"role,omitempty"`
	Status      *StatusTransition `json:"status,omitempty"`
	Permissions *PermissionDelta  `json:"permissions,omitempty"`
	Email       *EmailChange      `json:"email,omitempty"`
	Custom      map[string]any    `json:"custom,omitempty"`
	Note        string            `json:"note,omitempty"`
}

// ChangeSet is the before/after snapshot captured per user during execution.
// Only Role is restored by rollback.
type ChangeSet struct {
	Role        *Role          `json:"role,omitempty"`
	Status      *UserStatus    `json:"status,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
	Email       *EmailChange   `json:"email,omitempty"`
	Custom      map[string]any `json:"custom,omitempty"`
}

func (c *ChangeSet) Empty() bool {
	return c == nil || (c.Role == nil && c.Status == nil && c.Permissions == nil && c.Email == nil && c.Custom == nil)
}

func (c ChangeSet) Value() (driver.Value, error) { return jsonValue(c) }
func (c *ChangeSet) Scan(src any) error          { return jsonScan(src, c) }

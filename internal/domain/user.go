package domain

import (
	"database/sql/driver"
	"slices"
	"strings"
	"time"
)

type Role string

const (
	RoleClient     Role = "CLIENT"
	RoleStaff      Role = "STAFF"
	RoleTeamMember Role = "TEAM_MEMBER"
	RoleTeamLead   Role = "TEAM_LEAD"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

// roleHierarchy is ordered from most to least privileged.
var roleHierarchy = []Role{RoleSuperAdmin, RoleAdmin, RoleTeamLead, RoleTeamMember, RoleStaff, RoleClient}

// Valid reports whether r is one of the assignable roles.
func (r Role) Valid() bool {
	return r.Rank() >= 0
}

// Rank returns the position of r in the hierarchy where 0 is the most
// privileged role, or -1 for an unknown role.
func (r Role) Rank() int {
	for i, candidate := range roleHierarchy {
		if candidate == r {
			return i
		}
	}
	return -1
}

// IsDowngradeTo reports whether moving from r to target loses privilege.
func (r Role) IsDowngradeTo(target Role) bool {
	from, to := r.Rank(), target.Rank()
	return from >= 0 && to >= 0 && to > from
}

// Privileged reports whether r is one of the two highest tiers.
func (r Role) Privileged() bool {
	return r == RoleSuperAdmin || r == RoleAdmin
}

type UserStatus string

const (
	UserActive    UserStatus = "ACTIVE"
	UserInactive  UserStatus = "INACTIVE"
	UserSuspended UserStatus = "SUSPENDED"
)

func (s UserStatus) Valid() bool {
	switch s {
	case UserActive, UserInactive, UserSuspended:
		return true
	}
	return false
}

// User is the account record owned by the surrounding application. The engine
// only reads it and applies narrow single-field mutations.
type User struct {
	ID            string     `gorm:"type:varchar(64);primary_key;"`
	TenantID      string     `gorm:"type:varchar(64);index;not null"`
	Name          string     `gorm:"type:varchar(200)"`
	Email         string     `gorm:"type:varchar(320);index;not null"`
	Role          Role       `gorm:"type:varchar(20);index;not null"`
	Status        UserStatus `gorm:"type:varchar(20);default:'INACTIVE'"`
	EmailVerified bool       `gorm:"default:false"`

	// LockedAt is set when the account is locked; a nil LockedUntil with a
	// non-nil LockedAt means the lockout has no end.
	LockedAt    *time.Time
	LockedUntil *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DisplayName falls back to the email when no name is recorded.
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}

// LockedIndefinitely reports whether the account carries an open-ended lockout.
func (u *User) LockedIndefinitely() bool {
	return u.LockedAt != nil && u.LockedUntil == nil
}

type UserPermission struct {
	ID         uint   `gorm:"primaryKey"`
	UserID     string `gorm:"type:varchar(64);uniqueIndex:idx_user_permission;not null"`
	Permission string `gorm:"type:varchar(100);uniqueIndex:idx_user_permission;not null"`
	CreatedAt  time.Time
}

// DateRange bounds a creation-date filter; both ends are inclusive.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// UserFilter is the structured predicate used to select bulk targets.
type UserFilter struct {
	Roles      []Role       `json:"roles,omitempty"`
	Statuses   []UserStatus `json:"statuses,omitempty"`
	SearchTerm string       `json:"searchTerm,omitempty"`
	DateRange  *DateRange   `json:"dateRange,omitempty"`
}

// Matches evaluates the filter in memory. Empty fields match everything.
func (f UserFilter) Matches(u *User) bool {
	if len(f.Roles) > 0 && !slices.Contains(f.Roles, u.Role) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, u.Status) {
		return false
	}
	if f.SearchTerm != "" {
		term := strings.ToLower(f.SearchTerm)
		if !strings.Contains(strings.ToLower(u.Name), term) && !strings.Contains(strings.ToLower(u.Email), term) {
			return false
		}
	}
	if f.DateRange != nil {
		if u.CreatedAt.Before(f.DateRange.From) || u.CreatedAt.After(f.DateRange.To) {
			return false
		}
	}
	return true
}

func (f UserFilter) Value() (driver.Value, error) { return jsonValue(f) }
func (f *UserFilter) Scan(src any) error          { return jsonScan(src, f) }

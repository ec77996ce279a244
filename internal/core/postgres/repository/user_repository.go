package repository

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go-lifecycle/internal/core/ports"
	"go-lifecycle/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type userRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) ports.UserRepository {
	return &userRepository{db: db}
}

// likeEscaper makes LIKE wildcards in a search term match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (r *userRepository) FindUsers(ctx context.Context, tenantID string, filter domain.UserFilter) ([]domain.User, error) {
	q := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if len(filter.Roles) > 0 {
		q = q.Where("role IN ?", filter.Roles)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if term := strings.TrimSpace(filter.SearchTerm); term != "" {
		like := "%" + likeEscaper.Replace(strings.ToLower(term)) + "%"
		q = q.Where(`(LOWER(name) LIKE ? ESCAPE '\' OR LOWER(email) LIKE ? ESCAPE '\')`, like, like)
	}
	if filter.DateRange != nil {
		q = q.Where("created_at BETWEEN ? AND ?", filter.DateRange.From, filter.DateRange.To)
	}

	var users []domain.User
	err := q.Order("created_at, id").Find(&users).Error
	return users, translate(err)
}

func (r *userRepository) FindUsersByIDs(ctx context.Context, tenantID string, ids []string) ([]domain.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []domain.User
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id IN ?", tenantID, ids).
		Order("created_at, id").
		Find(&users).Error
	return users, translate(err)
}

func (r *userRepository) FindUser(ctx context.Context, userID string) (*domain.User, error) {
	var user domain.User
	if err := r.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (r *userRepository) update(ctx context.Context, userID string, cols map[string]any) error {
	cols["updated_at"] = time.Now()
	result := r.db.WithContext(ctx).Model(&domain.User{}).Where("id = ?", userID).Updates(cols)
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *userRepository) UpdateUserRole(ctx context.Context, userID string, role domain.Role) error {
	return r.update(ctx, userID, map[string]any{"role": role})
}

func (r *userRepository) UpdateUserStatus(ctx context.Context, userID string, status domain.UserStatus) error {
	return r.update(ctx, userID, map[string]any{"status": status})
}

func (r *userRepository) ActivateUser(ctx context.Context, userID string) error {
	return r.update(ctx, userID, map[string]any{
		"email_verified": true,
		"status":         domain.UserActive,
	})
}

func (r *userRepository) LockUser(ctx context.Context, userID string, until *time.Time) error {
	return r.update(ctx, userID, map[string]any{
		"locked_at":    time.Now(),
		"locked_until": until,
	})
}

func (r *userRepository) ListPermissions(ctx context.Context, userID string) ([]string, error) {
	var perms []string
	err := r.db.WithContext(ctx).
		Model(&domain.UserPermission{}).
		Where("user_id = ?", userID).
		Order("permission").
		Pluck("permission", &perms).Error
	return perms, translate(err)
}

func (r *userRepository) GrantPermissions(ctx context.Context, userID string, permissions ...string) ([]string, error) {
	var added []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		added = added[:0]
		for _, p := range permissions {
			row := domain.UserPermission{UserID: userID, Permission: p, CreatedAt: time.Now()}
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected > 0 {
				added = append(added, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return added, nil
}

func (r *userRepository) RevokePermissions(ctx context.Context, userID string, permissions ...string) ([]string, error) {
	var removed []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		removed = removed[:0]
		for _, p := range permissions {
			result := tx.Where("user_id = ? AND permission = ?", userID, p).Delete(&domain.UserPermission{})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected > 0 {
				removed = append(removed, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return removed, nil
}

func (r *userRepository) CountRecords(ctx context.Context, table, userID string) (int64, error) {
	if !tableName.MatchString(table) {
		return 0, fmt.Errorf("%w: invalid table name %q", domain.ErrValidation, table)
	}
	var n int64
	err := r.db.WithContext(ctx).Table(table).Where("user_id = ?", userID).Count(&n).Error
	return n, translate(err)
}

type provisioningRepository struct {
	db *gorm.DB
}

func NewProvisioningRepository(db *gorm.DB) ports.ProvisioningRepository {
	return &provisioningRepository{db: db}
}

func (r *provisioningRepository) RecordProvisioning(ctx context.Context, record *domain.ProvisioningRecord) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "system"}, {Name: "kind"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		return false, translate(result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *provisioningRepository) ListProvisioning(ctx context.Context, userID string, kind domain.ProvisioningKind) ([]domain.ProvisioningRecord, error) {
	var records []domain.ProvisioningRecord
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	err := q.Order("created_at, system").Find(&records).Error
	return records, translate(err)
}

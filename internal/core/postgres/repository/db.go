package repository

import (
	"context"
	"errors"
	"fmt"

	"go-lifecycle/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// undefinedTable is the postgres SQLSTATE for a missing relation.
const undefinedTable = "42P01"

// Open connects to postgres through the pgx-backed gorm driver.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

// AutoMigrate creates or updates every table owned by the engine.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.User{},
		&domain.UserPermission{},
		&domain.ProvisioningRecord{},
		&domain.UserWorkflow{},
		&domain.WorkflowStep{},
		&domain.WorkflowHistory{},
		&domain.WorkflowNotification{},
		&domain.BulkOperation{},
		&domain.BulkOperationResult{},
		&domain.BulkOperationHistory{},
	)
}

// translate maps driver and gorm errors onto the domain sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", domain.ErrDuplicate, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
		return fmt.Errorf("%w: %s", domain.ErrTableNotFound, pgErr.Message)
	}
	return err
}

// conditionalResult turns a zero-row conditional update into ErrNotFound or
// ErrStaleState depending on whether the row exists at all.
func conditionalResult(ctx context.Context, db *gorm.DB, model any, id any, result *gorm.DB) error {
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var n int64
	if err := db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return translate(err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return domain.ErrStaleState
}

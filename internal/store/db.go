// Package store is the talonscope persistence layer. It opens GORM over a
// pure-Go SQLite dialector and owns the server registry, the snapshot
// time series and operator notifications.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/vesaa/talonscope/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema. SQLite admits one writer at a time, so the pool is pinned to a
// single connection and every transaction runs on it.
func Open(path string) (*gorm.DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         newGormLogger(),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	slog.Debug("database opened", "path", path)
	return db, nil
}

// Migrate creates or updates every table the store owns.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.MonitoredServer{},
		&models.MetricSnapshot{},
		&models.GpuMetric{},
		&models.DiskMetric{},
		&models.FanMetric{},
		&models.Notification{},
	)
	if err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// gormLog routes GORM's own messages (failed statements, slow queries) into
// the default slog logger.
type gormLog struct{}

func (gormLog) Printf(format string, args ...any) {
	slog.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "gorm")
}

// newGormLogger reports errors and slow statements. A missing row is an
// expected answer here (first snapshot, unknown slug), not an error.
func newGormLogger() logger.Interface {
	return logger.New(gormLog{}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database answers.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// isUniqueViolation reports whether err came from a UNIQUE constraint.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

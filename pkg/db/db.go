package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/obot-platform/authz-server/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store represents the database connection and operations
type Store struct {
	db     *gorm.DB
	dbType string // "postgres" or "sqlite"
}

type txKey struct{}

// New creates a new database connection and sets up the schema
func New(dsn string, verbose bool) (*Store, error) {
	var gormDB *gorm.DB
	var dbType string
	var err error

	logLevel := logger.Silent
	if verbose {
		logLevel = logger.Info
	}
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	}

	// If DSN is empty, use SQLite with local file
	if dsn == "" {
		dataDir := "data"
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		gormDB, err = gorm.Open(sqlite.Open(filepath.Join(dataDir, "authz_server.db")), gormConfig)
		dbType = "sqlite"
	} else if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		gormDB, err = gorm.Open(postgres.Open(dsn), gormConfig)
		dbType = "postgres"
	} else {
		gormDB, err = gorm.Open(sqlite.Open(dsn), gormConfig)
		dbType = "sqlite"
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbType == "sqlite" {
		// SQLite allows a single writer; funnel everything through one connection
		// so concurrent requests queue instead of failing with SQLITE_BUSY.
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sqlite connection pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	database := &Store{db: gormDB, dbType: dbType}
	if err := database.setupSchema(); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return database, nil
}

// setupSchema creates the necessary tables and handles migrations
func (d *Store) setupSchema() error {
	err := d.db.AutoMigrate(
		&types.User{},
		&types.Password{},
		&types.AuthorizeAttempt{},
		&types.AuthorizationCode{},
		&types.AuthenticationToken{},
		&types.CryptoKeys{},
		&types.IndexedCryptoKeys{},
		&types.CollectedClaim{},
		&types.ProviderUserInfo{},
		&types.ValidationCode{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database schema: %w", err)
	}
	return nil
}

// Type returns "postgres" or "sqlite".
func (d *Store) Type() string {
	return d.dbType
}

// InTransaction runs fn in a database transaction. Every Store method called
// with the context handed to fn joins the transaction.
func (d *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func (d *Store) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return d.db.WithContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.ErrNotFound
	}
	return err
}

// Ping checks that the database is reachable
func (d *Store) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (d *Store) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateUser stores a new user
func (d *Store) CreateUser(ctx context.Context, user *types.User) error {
	return d.conn(ctx).Create(user).Error
}

// SavePassword stores or replaces the password of a user
func (d *Store) SavePassword(ctx context.Context, password *types.Password) error {
	return d.conn(ctx).Save(password).Error
}

// GetPassword retrieves the password of a user
func (d *Store) GetPassword(ctx context.Context, userID string) (*types.Password, error) {
	var password types.Password
	if err := d.conn(ctx).First(&password, "user_id = ?", userID).Error; err != nil {
		return nil, notFound(err)
	}
	return &password, nil
}

// CleanupExpired removes expired attempts together with their authorization and
// validation codes in one transaction, then drops expired tokens. Repeating it
// concurrently on several instances is harmless.
func (d *Store) CleanupExpired(ctx context.Context, now time.Time) (*types.CleanupResult, error) {
	result := &types.CleanupResult{}

	err := d.InTransaction(ctx, func(ctx context.Context) error {
		var attemptIDs []string
		if err := d.conn(ctx).Model(&types.AuthorizeAttempt{}).
			Where("expiration_date < ?", now).
			Pluck("id", &attemptIDs).Error; err != nil {
			return fmt.Errorf("failed to find expired attempts: %w", err)
		}
		if len(attemptIDs) == 0 {
			return nil
		}

		res := d.conn(ctx).Where("attempt_id IN ?", attemptIDs).Delete(&types.AuthorizationCode{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete authorization codes: %w", res.Error)
		}
		result.AuthorizationCodes = res.RowsAffected

		res = d.conn(ctx).Where("attempt_id IN ?", attemptIDs).Delete(&types.ValidationCode{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete validation codes: %w", res.Error)
		}
		result.ValidationCodes = res.RowsAffected

		res = d.conn(ctx).Where("id IN ?", attemptIDs).Delete(&types.AuthorizeAttempt{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete attempts: %w", res.Error)
		}
		result.Attempts = res.RowsAffected
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := d.conn(ctx).Where("expiration_date IS NOT NULL AND expiration_date < ?", now).Delete(&types.AuthenticationToken{})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to cleanup expired tokens: %w", res.Error)
	}
	result.AuthenticationTokens = res.RowsAffected

	return result, nil
}

package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/glebarez/sqlite"
	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"gitlab.com/timkado/api/vapi-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/vapi-call-sync/internal/config"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
)

// --- Retry Logic Configuration ---
const (
	defaultRetryInitialInterval = 50 * time.Millisecond
	defaultRetryMaxInterval     = 2 * time.Second
	readRetryMaxElapsedTime     = 5 * time.Second  // More aggressive for reads
	commitRetryMaxElapsedTime   = 15 * time.Second // More tolerant for commits
)

func newRetryPolicy(ctx context.Context, maxElapsedTime time.Duration) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultRetryInitialInterval
	b.MaxInterval = defaultRetryMaxInterval
	b.MaxElapsedTime = maxElapsedTime
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// retryableOperation wraps a database operation with retry logic.
func retryableOperation(ctx context.Context, policy backoff.BackOffContext, opName string, operation func() error) error {
	notify := func(err error, d time.Duration) {
		logger.FromContext(ctx).Warn("Retrying DB operation",
			zap.String("operation", opName),
			zap.Error(err),
			zap.Duration("after", d),
		)
	}

	return backoff.RetryNotify(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) ||
			errors.Is(err, gorm.ErrInvalidTransaction) ||
			errors.Is(err, gorm.ErrDuplicatedKey) ||
			errors.Is(err, gorm.ErrForeignKeyViolated) ||
			errors.Is(err, apperrors.ErrDuplicate) ||
			errors.Is(err, apperrors.ErrNotFound) ||
			apperrors.IsFatal(err) {
			return backoff.Permanent(err)
		}
		if apperrors.IsRetryable(err) || isTransientError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, notify)
}

// isTransientError checks if the error suggests a temporary issue like a network problem.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysqldrv.ErrInvalidConn) {
		return true
	}

	// See https://www.postgresql.org/docs/current/errcodes-appendix.html
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") || // connection exception
			strings.HasPrefix(pgErr.Code, "53") || // insufficient resources
			pgErr.Code == "40P01" ||
			pgErr.Code == "40001" {
			return true
		}
	}

	var myErr *mysqldrv.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1040, // too many connections
			1205, // lock wait timeout
			1213: // deadlock
			return true
		}
	}

	errStr := strings.ToLower(err.Error())
	transientIndicators := []string{
		"connection refused",
		"network is unreachable",
		"i/o timeout",
		"broken pipe",
		"connection reset by peer",
		"could not translate host name",
		"no route to host",
		"database system is starting up",
		"connection timed out",
		"connection reset",
		"database is locked",
		"sqlite_busy",
	}
	for _, indicator := range transientIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}

// checkConstraintViolation inspects database errors and maps them to standard apperrors.
func checkConstraintViolation(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", apperrors.ErrNotFound, err)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %w", apperrors.ErrDuplicate, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrDuplicate, pgErr.ConstraintName, err)
		case "23503", "23514": // foreign_key_violation, check_violation
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrBadRequest, pgErr.ConstraintName, err)
		case "23502": // not_null_violation
			return fmt.Errorf("%w: null value in column %s: %w", apperrors.ErrBadRequest, pgErr.ColumnName, err)
		case "22001": // string_data_right_truncation
			return fmt.Errorf("%w: value too long for column %s: %w", apperrors.ErrBadRequest, pgErr.ColumnName, err)
		case "22P02": // invalid_text_representation
			return fmt.Errorf("%w: invalid input syntax for type %s: %w", apperrors.ErrBadRequest, pgErr.DataTypeName, err)
		case "40001", "40P01":
			return fmt.Errorf("%w: transaction rollback (%s): %w", apperrors.ErrDatabase, pgErr.Code, err)
		default:
			return fmt.Errorf("%w: unhandled pgcode %s: %w", apperrors.ErrDatabase, pgErr.Code, err)
		}
	}

	var myErr *mysqldrv.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062: // ER_DUP_ENTRY
			return fmt.Errorf("%w: %w", apperrors.ErrDuplicate, err)
		case 1048, 1406, 1451, 1452: // null column, data too long, foreign keys
			return fmt.Errorf("%w: %w", apperrors.ErrBadRequest, err)
		default:
			return fmt.Errorf("%w: mysql error %d: %w", apperrors.ErrDatabase, myErr.Number, err)
		}
	}

	// sqlite reports constraint failures only through the message text
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "unique constraint failed"):
		return fmt.Errorf("%w: %w", apperrors.ErrDuplicate, err)
	case strings.Contains(errStr, "not null constraint failed"),
		strings.Contains(errStr, "check constraint failed"):
		return fmt.Errorf("%w: %w", apperrors.ErrBadRequest, err)
	}

	return fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
}

// tenantNamer implements gorm schema.Namer interface for a dedicated postgres schema.
// It embeds the default NamingStrategy and overrides TableName.
type tenantNamer struct {
	schema.NamingStrategy
	schemaName string
}

// TableName implements the schema.Namer interface, overriding the default.
func (tn tenantNamer) TableName(table string) string {
	return fmt.Sprintf("%q.%s", tn.schemaName, table)
}

// ensureTableExists checks if a table exists and creates it using the provided SQL DDL if it doesn't.
func ensureTableExists(ctx context.Context, db *gorm.DB, tableName string, createTableSQL string) error {
	tx := db.WithContext(ctx)
	if tx.Migrator().HasTable(tableName) {
		logger.FromContext(ctx).Debug("Table already exists", zap.String("tableName", tableName))
		return nil
	}

	logger.FromContext(ctx).Info("Table does not exist, creating table", zap.String("tableName", tableName))
	if err := tx.Exec(createTableSQL).Error; err != nil {
		// concurrent provisioning of the same table
		if strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return nil
		}
		return fmt.Errorf("failed to create table %s: %w", tableName, err)
	}
	logger.FromContext(ctx).Info("Successfully created table", zap.String("tableName", tableName))
	return nil
}

// openDialector returns the gorm dialector for a driver name.
func openDialector(driverName, dsn string) (gorm.Dialector, error) {
	switch driverName {
	case model.DriverPostgres:
		return postgres.Open(dsn), nil
	case model.DriverMySQL:
		return mysql.Open(dsn), nil
	case model.DriverSQLite:
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("%w: unsupported database driver %q", apperrors.ErrBadRequest, driverName)
	}
}

// Open connects to the shared database, retrying transient failures, and
// migrates the registry, sync state, lease and shared call tables when enabled.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dialector, err := openDialector(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}
	if cfg.Driver == model.DriverPostgres && cfg.Schema != "" {
		gormCfg.NamingStrategy = tenantNamer{schemaName: cfg.Schema}
	}

	operationConnect := func() (*gorm.DB, error) {
		db, err := gorm.Open(dialector, gormCfg)
		if err != nil {
			if isTransientError(err) {
				logger.Log.Warn("Failed to connect to database (transient), retrying...", zap.Error(err))
				return nil, err
			}
			return nil, backoff.Permanent(fmt.Errorf("failed to connect to %s database: %w", cfg.Driver, err))
		}
		return db, nil
	}

	notify := func(err error, d time.Duration) {
		logger.Log.Warn("Retrying DB connection", zap.Error(err), zap.Duration("after", d))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = 1 * time.Minute

	db, err := backoff.RetryNotifyWithData(operationConnect, b, notify)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database after retries: %w", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	if cfg.Driver == model.DriverPostgres && cfg.Schema != "" {
		logger.Log.Info("Ensuring PostgreSQL schema exists", zap.String("schema", cfg.Schema))
		if err := db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", cfg.Schema)).Error; err != nil {
			closeDB(context.Background(), db)
			return nil, fmt.Errorf("failed to create schema %s: %w", cfg.Schema, err)
		}
	}

	if cfg.AutoMigrate {
		if err := Migrate(db); err != nil {
			closeDB(context.Background(), db)
			return nil, err
		}
	}

	logger.Log.Info("Database connection established", zap.String("driver", cfg.Driver))
	return db, nil
}

// Migrate creates or updates the tables owned by the shared database.
func Migrate(db *gorm.DB) error {
	logger.Log.Info("Running auto-migration")
	if err := db.AutoMigrate(
		&model.Organization{},
		&model.CallRecord{},
		&model.SyncState{},
		&model.SyncLock{},
	); err != nil {
		return fmt.Errorf("failed to run auto-migration: %w", err)
	}
	return nil
}

// Close closes the database connection
func Close(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to get underlying SQL DB for closing", zap.Error(err))
		return nil
	}

	if closeErr := sqlDB.Close(); closeErr != nil {
		logger.FromContext(ctx).Error("Failed to close database connection", zap.Error(closeErr))
		return fmt.Errorf("failed to close SQL DB: %w", closeErr)
	}

	logger.FromContext(ctx).Info("Database connection closed successfully")
	return nil
}

func closeDB(ctx context.Context, db *gorm.DB) {
	_ = Close(ctx, db)
}

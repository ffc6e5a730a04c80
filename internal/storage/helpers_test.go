package storage

import (
	"database/sql/driver"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
)

// AnyTime matches any time.Time argument
type AnyTime struct{}

// Match satisfies sqlmock.Argument interface
func (a AnyTime) Match(v driver.Value) bool {
	_, ok := v.(time.Time)
	return ok
}

// newMockDB opens a postgres-dialect gorm handle over sqlmock with regexp matching.
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	logger.Log = zaptest.NewLogger(t).Named("test")

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 db,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger:                 gormLogger.Default.LogMode(gormLogger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })
	return gormDB, mock
}

// newSQLiteDB opens a migrated file-backed sqlite database private to the test.
func newSQLiteDB(t *testing.T) *gorm.DB {
	logger.Log = zaptest.NewLogger(t).Named("test")
	return openSQLite(t, filepath.Join(t.TempDir(), "vapi.db"), true)
}

func openSQLite(t *testing.T, path string, migrate bool) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if migrate {
		require.NoError(t, Migrate(db))
	}
	return db
}

// createOrganization stores a shared-storage organization with the given name.
func createOrganization(t *testing.T, db *gorm.DB, name string) *model.Organization {
	org := model.NewOrganization(&model.Organization{Name: name, APIKey: "key-" + name, IsActive: true})
	require.NoError(t, db.Create(org).Error)
	return org
}

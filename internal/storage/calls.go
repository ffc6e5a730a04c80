package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/vapi-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/observer"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/utils"
)

// MaxQueryResults caps the number of rows a call query returns.
const MaxQueryResults = 1000

// GormCallStore stores one organization's call records, either in the shared
// call table or in a dedicated table of an external database.
type GormCallStore struct {
	db             *gorm.DB
	organizationID uint
	table          string // dedicated table; empty means the shared model table
}

var _ CallRecordStore = (*GormCallStore)(nil)

// NewSharedCallStore binds the shared call table to one organization.
func NewSharedCallStore(db *gorm.DB, organizationID uint) *GormCallStore {
	return &GormCallStore{db: db, organizationID: organizationID}
}

// NewExternalCallStore binds a dedicated call table in an external database.
func NewExternalCallStore(db *gorm.DB, organizationID uint, table string) *GormCallStore {
	return &GormCallStore{db: db, organizationID: organizationID, table: table}
}

// IsExternal reports whether the store writes to a dedicated table.
func (s *GormCallStore) IsExternal() bool {
	return s.table != ""
}

func (s *GormCallStore) label() string {
	return strconv.FormatUint(uint64(s.organizationID), 10)
}

func (s *GormCallStore) base(ctx context.Context) *gorm.DB {
	tx := s.db.WithContext(ctx)
	if s.table != "" {
		return tx.Table(s.table)
	}
	return tx.Model(&model.CallRecord{})
}

func (s *GormCallStore) scoped(ctx context.Context) *gorm.DB {
	return s.base(ctx).Where("organization_id = ?", s.organizationID)
}

// ExistingCallIDs returns the set of call ids already stored for the organization.
func (s *GormCallStore) ExistingCallIDs(ctx context.Context) (map[string]struct{}, error) {
	var ids []string
	operation := func() error {
		ids = ids[:0]
		return checkConstraintViolation(s.scoped(ctx).Pluck("call_id", &ids).Error)
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "ExistingCallIDs", operation)
	observer.ObserveDbOperationDuration("select", "call_record", s.label(), time.Since(startTime), err)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// GetByCallID loads one stored call. Missing calls yield apperrors.ErrNotFound.
func (s *GormCallStore) GetByCallID(ctx context.Context, callID string) (*model.CallRecord, error) {
	var record model.CallRecord
	operation := func() error {
		return checkConstraintViolation(s.scoped(ctx).Where("call_id = ?", callID).Take(&record).Error)
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "GetByCallID", operation)
	observer.ObserveDbOperationDuration("select", "call_record", s.label(), time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// InsertIfAbsent stores the record unless the call is already present.
func (s *GormCallStore) InsertIfAbsent(ctx context.Context, record *model.CallRecord) (bool, error) {
	if record.CallID == "" {
		return false, fmt.Errorf("%w: call id is required", apperrors.ErrBadRequest)
	}
	record.OrganizationID = s.organizationID
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = utils.Now()
	}

	var inserted bool
	operation := func() error {
		result := s.base(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(record)
		if result.Error != nil {
			err := checkConstraintViolation(result.Error)
			if errors.Is(err, apperrors.ErrDuplicate) {
				inserted = false
				return nil
			}
			return err
		}
		inserted = result.RowsAffected > 0
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "InsertCallRecord", operation)
	observer.ObserveDbOperationDuration("insert", "call_record", s.label(), time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to insert call record after retries", zap.String("call_id", record.CallID), zap.Error(err))
		return false, err
	}
	return inserted, nil
}

// Update rewrites the remote-derived columns of a stored call. The archived
// audio path is only written when the record carries one.
func (s *GormCallStore) Update(ctx context.Context, record *model.CallRecord) error {
	updates := map[string]interface{}{
		"phone_number":  record.PhoneNumber,
		"duration":      record.Duration,
		"status":        record.Status,
		"cost":          record.Cost,
		"recording_url": record.RecordingURL,
		"transcript":    record.Transcript,
		"messages":      record.Messages,
		"call_data":     record.CallData,
		"updated_at":    utils.Now(),
	}
	if record.HasLocalAudio() {
		updates["local_audio_path"] = *record.LocalAudioPath
	}

	operation := func() error {
		return checkConstraintViolation(s.scoped(ctx).Where("call_id = ?", record.CallID).Updates(updates).Error)
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "UpdateCallRecord", operation)
	observer.ObserveDbOperationDuration("update", "call_record", s.label(), time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to update call record after retries", zap.String("call_id", record.CallID), zap.Error(err))
		return err
	}
	return nil
}

// UpdateAudioPath records where a call's recording was archived.
func (s *GormCallStore) UpdateAudioPath(ctx context.Context, callID, path string) error {
	operation := func() error {
		return checkConstraintViolation(s.scoped(ctx).Where("call_id = ?", callID).Updates(map[string]interface{}{
			"local_audio_path": path,
			"updated_at":       utils.Now(),
		}).Error)
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "UpdateAudioPath", operation)
	observer.ObserveDbOperationDuration("update", "call_record", s.label(), time.Since(startTime), err)
	return err
}

// Query lists stored calls matching the filters, newest first, capped at MaxQueryResults.
func (s *GormCallStore) Query(ctx context.Context, filters model.CallFilters) ([]model.CallRecord, error) {
	var from, to time.Time
	if filters.DateFrom != "" {
		day, err := utils.ParseDay(filters.DateFrom)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrValidation, err)
		}
		from = day
	}
	if filters.DateTo != "" {
		day, err := utils.ParseDay(filters.DateTo)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrValidation, err)
		}
		to = utils.EndOfDay(day)
	}

	var records []model.CallRecord
	operation := func() error {
		tx := s.scoped(ctx)
		if filters.Status != "" {
			tx = tx.Where("status = ?", filters.Status)
		}
		if !from.IsZero() {
			tx = tx.Where("created_at >= ?", from)
		}
		if !to.IsZero() {
			tx = tx.Where("created_at <= ?", to)
		}
		if filters.PhoneContains != "" {
			tx = tx.Where("phone_number LIKE ?", "%"+filters.PhoneContains+"%")
		}
		records = nil
		return checkConstraintViolation(tx.Order("created_at DESC").Limit(MaxQueryResults).Find(&records).Error)
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "QueryCallRecords", operation)
	observer.ObserveDbOperationDuration("select", "call_record", s.label(), time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ProvisionStorage creates the call table when missing. Safe to call repeatedly.
func (s *GormCallStore) ProvisionStorage(ctx context.Context) error {
	startTime := utils.Now()
	var err error
	if s.table == "" {
		err = s.db.WithContext(ctx).AutoMigrate(&model.CallRecord{})
	} else {
		err = s.provisionExternal(ctx)
	}
	observer.ObserveDbOperationDuration("provision", "call_record", s.label(), time.Since(startTime), err)
	if err != nil {
		return fmt.Errorf("%w: failed to provision call storage: %w", apperrors.ErrDatabase, err)
	}
	return nil
}

func (s *GormCallStore) provisionExternal(ctx context.Context) error {
	dialect := s.db.Dialector.Name()
	ddl, indexes := externalTableDDL(dialect, s.table)
	if ddl == "" {
		return fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err := ensureTableExists(ctx, s.db, s.table, ddl); err != nil {
		return err
	}
	for indexName, indexSQL := range indexes {
		if err := s.db.WithContext(ctx).Exec(indexSQL).Error; err != nil {
			logger.FromContext(ctx).Warn("Failed to create index", zap.String("indexName", indexName), zap.Error(err))
		}
	}
	return nil
}

// externalTableDDL returns the create statement and secondary indexes of a
// dedicated call table for the dialect.
func externalTableDDL(dialect, table string) (string, map[string]string) {
	switch dialect {
	case "mysql":
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` ("+
				"id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY, "+
				"call_id VARCHAR(100) NOT NULL, "+
				"organization_id BIGINT UNSIGNED NOT NULL, "+
				"phone_number VARCHAR(50) NULL, "+
				"duration INT DEFAULT 0, "+
				"status VARCHAR(50) NULL, "+
				"cost DECIMAL(10,4) DEFAULT 0, "+
				"recording_url TEXT NULL, "+
				"local_audio_path TEXT NULL, "+
				"transcript LONGTEXT NULL, "+
				"messages LONGTEXT NULL, "+
				"call_data LONGTEXT NULL, "+
				"created_at DATETIME(3) NULL, "+
				"updated_at DATETIME(3) NULL, "+
				"UNIQUE KEY uniq_call_id (call_id), "+
				"KEY idx_status (status), "+
				"KEY idx_created_at (created_at)"+
				") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4", table),
			nil
	case "postgres":
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
				id BIGSERIAL PRIMARY KEY,
				call_id VARCHAR(100) NOT NULL UNIQUE,
				organization_id BIGINT NOT NULL,
				phone_number VARCHAR(50),
				duration INTEGER DEFAULT 0,
				status VARCHAR(50),
				cost NUMERIC(10,4) DEFAULT 0,
				recording_url TEXT,
				local_audio_path TEXT,
				transcript JSONB,
				messages JSONB,
				call_data JSONB,
				created_at TIMESTAMPTZ,
				updated_at TIMESTAMPTZ
			)`, table),
			map[string]string{
				"idx_" + table + "_status":     fmt.Sprintf("CREATE INDEX IF NOT EXISTS %q ON %q (status)", "idx_"+table+"_status", table),
				"idx_" + table + "_created_at": fmt.Sprintf("CREATE INDEX IF NOT EXISTS %q ON %q (created_at)", "idx_"+table+"_created_at", table),
			}
	case "sqlite":
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				call_id TEXT NOT NULL UNIQUE,
				organization_id INTEGER NOT NULL,
				phone_number TEXT,
				duration INTEGER DEFAULT 0,
				status TEXT,
				cost REAL DEFAULT 0,
				recording_url TEXT,
				local_audio_path TEXT,
				transcript TEXT,
				messages TEXT,
				call_data TEXT,
				created_at DATETIME,
				updated_at DATETIME
			)`, table),
			map[string]string{
				"idx_" + table + "_created_at": fmt.Sprintf("CREATE INDEX IF NOT EXISTS %q ON %q (created_at)", "idx_"+table+"_created_at", table),
			}
	default:
		return "", nil
	}
}

// PurgeOlderThan deletes calls created before cutoff and returns the archived
// audio paths of the deleted rows together with the number of rows removed.
func (s *GormCallStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) ([]string, int64, error) {
	var (
		paths   []string
		removed int64
	)
	operation := func() error {
		paths = nil
		err := s.scoped(ctx).
			Where("created_at < ?", cutoff).
			Where("local_audio_path IS NOT NULL AND local_audio_path <> ''").
			Pluck("local_audio_path", &paths).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		result := s.scoped(ctx).Where("created_at < ?", cutoff).Delete(&model.CallRecord{})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		removed = result.RowsAffected
		return nil
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "PurgeCallRecords", operation)
	observer.ObserveDbOperationDuration("delete", "call_record", s.label(), time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to purge call records", zap.Time("cutoff", cutoff), zap.Error(err))
		return nil, 0, err
	}
	return paths, removed, nil
}

// DeleteAll removes every stored call of the organization and returns their archived audio paths.
func (s *GormCallStore) DeleteAll(ctx context.Context) ([]string, error) {
	var paths []string
	operation := func() error {
		paths = nil
		err := s.scoped(ctx).
			Where("local_audio_path IS NOT NULL AND local_audio_path <> ''").
			Pluck("local_audio_path", &paths).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return checkConstraintViolation(s.scoped(ctx).Delete(&model.CallRecord{}).Error)
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "DeleteAllCallRecords", operation)
	observer.ObserveDbOperationDuration("delete", "call_record", s.label(), time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// Count returns the number of stored calls for the organization.
func (s *GormCallStore) Count(ctx context.Context) (int64, error) {
	var n int64
	operation := func() error {
		return checkConstraintViolation(s.scoped(ctx).Count(&n).Error)
	}
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "CountCallRecords", operation)
	if err != nil {
		return 0, err
	}
	return n, nil
}

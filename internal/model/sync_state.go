package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// SyncState holds the per-organization schedule and last-run metadata.
type SyncState struct {
	OrganizationID  uint           `gorm:"primaryKey;autoIncrement:false" json:"organization_id"`
	AutoSyncEnabled bool           `gorm:"not null" json:"auto_sync_enabled"`
	Interval        string         `gorm:"type:varchar(32)" json:"interval"`
	LastAttemptAt   *time.Time     `json:"last_attempt_at,omitempty"`
	LastError       *string        `gorm:"type:text" json:"last_error,omitempty"`
	LastStats       datatypes.JSON `json:"last_stats,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TableName specifies the table name for the SyncState model, respecting the Namer.
func (SyncState) TableName(namer schema.Namer) string {
	return namer.TableName("vapi_sync_states")
}

// Stats decodes LastStats. A missing or unreadable value yields nil.
func (s *SyncState) Stats() *SyncStats {
	if s == nil || len(s.LastStats) == 0 {
		return nil
	}
	var stats SyncStats
	if err := unmarshal(s.LastStats, &stats); err != nil {
		return nil
	}
	return &stats
}

// SyncLock is a lease row guarding one organization's sync.
type SyncLock struct {
	OrganizationID uint      `gorm:"primaryKey;autoIncrement:false"`
	Token          string    `gorm:"type:varchar(64);not null"`
	AcquiredAt     time.Time `gorm:"not null"`
	ExpiresAt      time.Time `gorm:"not null;index"`
}

// TableName specifies the table name for the SyncLock model, respecting the Namer.
func (SyncLock) TableName(namer schema.Namer) string {
	return namer.TableName("vapi_sync_locks")
}

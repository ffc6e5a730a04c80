package config

import (
	"sync"
	"time"

	"github.com/spf13/viper"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
)

// Bounds applied to synchronization settings.
const (
	MinSyncDays      = 1
	MaxSyncDays      = 30
	MinRetentionDays = 0
	MaxRetentionDays = 365
)

// SyncSettings are the global synchronization defaults. Organizations may
// override SyncDays, RetentionDays and DeleteAfterImport.
type SyncSettings struct {
	SyncDays           int           `mapstructure:"syncDays" json:"sync_days"`
	RetentionDays      int           `mapstructure:"retentionDays" json:"retention_days"`
	DeleteAfterImport  bool          `mapstructure:"deleteAfterImport" json:"delete_after_import"`
	DefaultInterval    string        `mapstructure:"defaultInterval" json:"default_interval"`
	LockLease          time.Duration `mapstructure:"lockLease" json:"-"`
	AudioSkipThreshold int           `mapstructure:"audioSkipThreshold" json:"-"`
	DeleteDelay        time.Duration `mapstructure:"deleteDelay" json:"-"`
	BulkDeleteDelay    time.Duration `mapstructure:"bulkDeleteDelay" json:"-"`
	FirstRunDelay      time.Duration `mapstructure:"firstRunDelay" json:"-"`
	Stagger            time.Duration `mapstructure:"stagger" json:"-"`
	RetentionInterval  time.Duration `mapstructure:"retentionInterval" json:"-"`
}

// Overrides are the per-organization settings layered over the global ones.
type Overrides struct {
	SyncDays          *int
	RetentionDays     *int
	DeleteAfterImport *bool
}

// OverridesFor extracts the overridable settings of an organization.
func OverridesFor(org *model.Organization) Overrides {
	if org == nil {
		return Overrides{}
	}
	return Overrides{
		SyncDays:          org.SyncDays,
		RetentionDays:     org.RetentionDays,
		DeleteAfterImport: org.DeleteAfterImport,
	}
}

func setSyncDefaults(v *viper.Viper) {
	v.SetDefault("sync.syncDays", 14)
	v.SetDefault("sync.retentionDays", 30)
	v.SetDefault("sync.deleteAfterImport", false)
	v.SetDefault("sync.defaultInterval", string(model.IntervalHourly))
	v.SetDefault("sync.lockLease", 5*time.Minute)
	v.SetDefault("sync.audioSkipThreshold", 20)
	v.SetDefault("sync.deleteDelay", 100*time.Millisecond)
	v.SetDefault("sync.bulkDeleteDelay", 200*time.Millisecond)
	v.SetDefault("sync.firstRunDelay", 60*time.Second)
	v.SetDefault("sync.stagger", 30*time.Second)
	v.SetDefault("sync.retentionInterval", 24*time.Hour)
}

// DefaultSyncSettings returns the settings used when nothing is configured.
func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		SyncDays:           14,
		RetentionDays:      30,
		DefaultInterval:    string(model.IntervalHourly),
		LockLease:          5 * time.Minute,
		AudioSkipThreshold: 20,
		DeleteDelay:        100 * time.Millisecond,
		BulkDeleteDelay:    200 * time.Millisecond,
		FirstRunDelay:      60 * time.Second,
		Stagger:            30 * time.Second,
		RetentionInterval:  24 * time.Hour,
	}
}

// Normalize clamps every value into its allowed range.
func (s SyncSettings) Normalize() SyncSettings {
	s.SyncDays = ClampSyncDays(s.SyncDays)
	s.RetentionDays = ClampRetentionDays(s.RetentionDays)
	s.DefaultInterval = string(model.ParseSyncInterval(s.DefaultInterval))

	defaults := DefaultSyncSettings()
	if s.LockLease <= 0 {
		s.LockLease = defaults.LockLease
	}
	if s.AudioSkipThreshold < 0 {
		s.AudioSkipThreshold = defaults.AudioSkipThreshold
	}
	if s.DeleteDelay < 0 {
		s.DeleteDelay = 0
	}
	if s.BulkDeleteDelay < 0 {
		s.BulkDeleteDelay = 0
	}
	if s.FirstRunDelay < 0 {
		s.FirstRunDelay = 0
	}
	if s.Stagger < 0 {
		s.Stagger = 0
	}
	if s.RetentionInterval <= 0 {
		s.RetentionInterval = defaults.RetentionInterval
	}
	return s
}

// Merge layers organization overrides over the global settings. The result
// is normalized.
func (s SyncSettings) Merge(o Overrides) SyncSettings {
	if o.SyncDays != nil {
		s.SyncDays = *o.SyncDays
	}
	if o.RetentionDays != nil {
		s.RetentionDays = *o.RetentionDays
	}
	if o.DeleteAfterImport != nil {
		s.DeleteAfterImport = *o.DeleteAfterImport
	}
	return s.Normalize()
}

// ClampSyncDays bounds a look-back window to [1, 30] days.
func ClampSyncDays(days int) int {
	return clamp(days, MinSyncDays, MaxSyncDays)
}

// ClampRetentionDays bounds retention to [0, 365] days; 0 disables cleanup.
func ClampRetentionDays(days int) int {
	return clamp(days, MinRetentionDays, MaxRetentionDays)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SettingsHolder keeps the current global settings and allows runtime updates.
type SettingsHolder struct {
	mu       sync.RWMutex
	settings SyncSettings
}

// NewSettingsHolder returns a holder seeded with normalized settings.
func NewSettingsHolder(initial SyncSettings) *SettingsHolder {
	return &SettingsHolder{settings: initial.Normalize()}
}

// Current returns a copy of the current settings.
func (h *SettingsHolder) Current() SyncSettings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.settings
}

// For returns the effective settings for an organization.
func (h *SettingsHolder) For(org *model.Organization) SyncSettings {
	return h.Current().Merge(OverridesFor(org))
}

// Update applies fn to a copy of the settings and stores the normalized result.
func (h *SettingsHolder) Update(fn func(*SyncSettings)) SyncSettings {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := h.settings
	fn(&next)
	h.settings = next.Normalize()
	return h.settings
}

package model

import (
	"fmt"
	"time"

	"gorm.io/gorm/schema"
)

// Database drivers an organization may use for its own call table.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DefaultExternalPort is used when an external database descriptor omits the port.
const DefaultExternalPort = 3306

// Organization is a tenant with its own remote credential and storage mode.
type Organization struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	Name              string     `gorm:"type:varchar(255);uniqueIndex;not null" json:"name"`
	APIKey            string     `gorm:"type:varchar(255);not null" json:"-"`
	Description       string     `gorm:"type:text" json:"description"`
	IsActive          bool       `gorm:"not null;index" json:"is_active"`
	UseSeparateDB     bool       `gorm:"not null" json:"use_separate_db"`
	DBDriver          string     `gorm:"type:varchar(20)" json:"db_driver"`
	DBHost            string     `gorm:"type:varchar(255)" json:"db_host"`
	DBPort            int        `json:"db_port"`
	DBName            string     `gorm:"type:varchar(255)" json:"db_name"`
	DBUser            string     `gorm:"type:varchar(255)" json:"db_user"`
	DBPassword        string     `gorm:"type:varchar(255)" json:"-"`
	DBTableCreated    bool       `gorm:"not null" json:"db_table_created"`
	RetentionDays     *int       `json:"retention_days,omitempty"`
	SyncDays          *int       `json:"sync_days,omitempty"`
	DeleteAfterImport *bool      `json:"delete_after_import,omitempty"`
	LastSync          *time.Time `json:"last_sync,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TableName specifies the table name for the Organization model, respecting the Namer.
func (Organization) TableName(namer schema.Namer) string {
	return namer.TableName("vapi_organizations")
}

// HasCredential reports whether an API key is configured.
func (o *Organization) HasCredential() bool {
	return o != nil && o.APIKey != ""
}

// IsFirstSync reports whether the organization has never completed a sync.
func (o *Organization) IsFirstSync() bool {
	return o.LastSync == nil || o.LastSync.IsZero()
}

// ExternalTableName is the per-organization call table used in external databases.
func (o *Organization) ExternalTableName() string {
	return fmt.Sprintf("vapi_calls_org_%d", o.ID)
}

// Descriptor returns the external database connection descriptor.
func (o *Organization) Descriptor() DBDescriptor {
	return DBDescriptor{
		Driver:   o.DBDriver,
		Host:     o.DBHost,
		Port:     o.DBPort,
		Name:     o.DBName,
		User:     o.DBUser,
		Password: o.DBPassword,
	}
}

// DBDescriptor describes how to reach an organization's own database.
type DBDescriptor struct {
	Driver   string `json:"driver" validate:"omitempty,oneof=mysql postgres sqlite"`
	Host     string `json:"host" validate:"required_unless=Driver sqlite"`
	Port     int    `json:"port" validate:"omitempty,min=1,max=65535"`
	Name     string `json:"name" validate:"required"`
	User     string `json:"user" validate:"required_unless=Driver sqlite"`
	Password string `json:"password"`
}

// Normalized fills defaults for driver and port.
func (d DBDescriptor) Normalized() DBDescriptor {
	if d.Driver == "" {
		d.Driver = DriverMySQL
	}
	if d.Port == 0 {
		switch d.Driver {
		case DriverPostgres:
			d.Port = 5432
		default:
			d.Port = DefaultExternalPort
		}
	}
	return d
}

// Fingerprint identifies a descriptor for connection caching. Changing any
// field, the password included, yields a different fingerprint.
func (d DBDescriptor) Fingerprint() string {
	n := d.Normalized()
	return fmt.Sprintf("%s|%s|%d|%s|%s|%s", n.Driver, n.Host, n.Port, n.Name, n.User, n.Password)
}

package model

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	json "github.com/goccy/go-json"
	"gorm.io/datatypes"
)

func init() {
	gofakeit.Seed(time.Now().UnixNano())
}

// RandomJSON generates a small random JSON object for testing.
func RandomJSON() datatypes.JSON {
	data, _ := json.Marshal(map[string]interface{}{
		"word": gofakeit.Word(),
		"num":  gofakeit.Number(1, 100),
	})
	return datatypes.JSON(data)
}

// NewOrganization creates an Organization with fake data.
func NewOrganization(overrideDefaults ...*Organization) *Organization {
	base := &Organization{
		Name:        gofakeit.Company() + " " + gofakeit.LetterN(6),
		APIKey:      gofakeit.UUID(),
		Description: gofakeit.Sentence(6),
		IsActive:    true,
		DBDriver:    DriverMySQL,
		DBPort:      DefaultExternalPort,
		CreatedAt:   time.Now().UTC().Add(-time.Duration(gofakeit.Number(1, 100)) * time.Hour),
		UpdatedAt:   time.Now().UTC(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != 0 {
			base.ID = ovr.ID
		}
		if ovr.Name != "" {
			base.Name = ovr.Name
		}
		base.APIKey = ovr.APIKey
		base.IsActive = ovr.IsActive
		base.UseSeparateDB = ovr.UseSeparateDB
		if ovr.DBDriver != "" {
			base.DBDriver = ovr.DBDriver
		}
		base.DBHost = ovr.DBHost
		if ovr.DBPort != 0 {
			base.DBPort = ovr.DBPort
		}
		base.DBName = ovr.DBName
		base.DBUser = ovr.DBUser
		base.DBPassword = ovr.DBPassword
		base.DBTableCreated = ovr.DBTableCreated
		base.RetentionDays = ovr.RetentionDays
		base.SyncDays = ovr.SyncDays
		base.DeleteAfterImport = ovr.DeleteAfterImport
		base.LastSync = ovr.LastSync
	}
	return base
}

// NewRemoteCall creates a RemoteCall with fake data and a consistent raw payload.
func NewRemoteCall(overrideDefaults ...*RemoteCall) *RemoteCall {
	created := time.Now().UTC().Add(-time.Duration(gofakeit.Number(5, 600)) * time.Minute)
	ended := created.Add(time.Duration(gofakeit.Number(10, 600)) * time.Second).Format(time.RFC3339Nano)
	duration := float64(gofakeit.Number(10, 600))
	cost := gofakeit.Float64Range(0.01, 2)
	base := &RemoteCall{
		ID:           gofakeit.UUID(),
		Status:       CallStatusEnded,
		Duration:     &duration,
		Cost:         &cost,
		CreatedAt:    created.Format(time.RFC3339Nano),
		EndedAt:      &ended,
		RecordingURL: fmt.Sprintf("https://storage.example.com/%s.wav", gofakeit.UUID()),
		Customer:     &RemoteCustomer{Number: gofakeit.Phone()},
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != "" {
			base.ID = ovr.ID
		}
		if ovr.Status != "" {
			base.Status = ovr.Status
		}
		if ovr.CreatedAt != "" {
			base.CreatedAt = ovr.CreatedAt
		}
		base.Duration = ovr.Duration
		base.EndedAt = ovr.EndedAt
		base.RecordingURL = ovr.RecordingURL
		if ovr.Cost != nil {
			base.Cost = ovr.Cost
		}
		if ovr.Customer != nil {
			base.Customer = ovr.Customer
		}
		base.Transcript = ovr.Transcript
		base.Messages = ovr.Messages
	}

	base.Raw, _ = json.Marshal(base)
	return base
}

// NewCallRecord creates a CallRecord with fake data for the given organization.
func NewCallRecord(organizationID uint, overrideDefaults ...*CallRecord) *CallRecord {
	remote := NewRemoteCall()
	base, _ := remote.ToCallRecord(organizationID)

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.CallID != "" {
			base.CallID = ovr.CallID
		}
		if ovr.Status != "" {
			base.Status = ovr.Status
		}
		if !ovr.CreatedAt.IsZero() {
			base.CreatedAt = ovr.CreatedAt
		}
		if ovr.PhoneNumber != "" {
			base.PhoneNumber = ovr.PhoneNumber
		}
		if len(ovr.CallData) > 0 {
			base.CallData = ovr.CallData
		}
		base.LocalAudioPath = ovr.LocalAudioPath
	}
	return base
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

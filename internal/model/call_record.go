package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// Remote call lifecycle statuses.
const (
	CallStatusQueued     = "queued"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusForwarding = "forwarding"
	CallStatusEnded      = "ended"
)

// CallRecord is one stored remote call. Unique per (call_id, organization_id).
type CallRecord struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	CallID         string         `gorm:"type:varchar(100);not null;uniqueIndex:idx_call_org,priority:1" json:"call_id"`
	OrganizationID uint           `gorm:"not null;uniqueIndex:idx_call_org,priority:2;index" json:"organization_id"`
	PhoneNumber    string         `gorm:"type:varchar(50)" json:"phone_number"`
	Duration       int            `json:"duration"`
	Status         string         `gorm:"type:varchar(50);index" json:"status"`
	Cost           float64        `gorm:"type:decimal(10,4)" json:"cost"`
	RecordingURL   string         `gorm:"type:text" json:"recording_url"`
	LocalAudioPath *string        `gorm:"type:text" json:"local_audio_path,omitempty"`
	Transcript     datatypes.JSON `json:"transcript,omitempty"`
	Messages       datatypes.JSON `json:"messages,omitempty"`
	CallData       datatypes.JSON `json:"call_data,omitempty"`
	CreatedAt      time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// TableName specifies the shared call table, respecting the Namer.
func (CallRecord) TableName(namer schema.Namer) string {
	return namer.TableName("vapi_call_logs")
}

// HasLocalAudio reports whether a recording has been archived for this call.
func (c *CallRecord) HasLocalAudio() bool {
	return c.LocalAudioPath != nil && *c.LocalAudioPath != ""
}

// StoredEndedAt returns the endedAt value recorded in the raw payload, if any.
func (c *CallRecord) StoredEndedAt() (string, bool) {
	if len(c.CallData) == 0 {
		return "", false
	}
	var payload struct {
		EndedAt *string `json:"endedAt"`
	}
	if err := unmarshal(c.CallData, &payload); err != nil || payload.EndedAt == nil {
		return "", false
	}
	return *payload.EndedAt, true
}

// CallFilters narrows a call query. Dates are YYYY-MM-DD calendar days, inclusive.
type CallFilters struct {
	Status        string `json:"status,omitempty" validate:"omitempty,max=50"`
	DateFrom      string `json:"date_from,omitempty" validate:"omitempty,datetime=2006-01-02"`
	DateTo        string `json:"date_to,omitempty" validate:"omitempty,datetime=2006-01-02"`
	PhoneContains string `json:"phone,omitempty" validate:"omitempty,max=50"`
}

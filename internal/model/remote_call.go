package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"gorm.io/datatypes"
)

const (
	millisecondThreshold = 3600
	maxPlausibleDuration = 86400
)

// RemoteCall is a call record as returned by the remote API. Raw keeps the
// full payload so unknown fields survive the round trip into storage.
type RemoteCall struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	Duration     *float64        `json:"duration,omitempty"`
	Cost         *float64        `json:"cost,omitempty"`
	CreatedAt    string          `json:"createdAt"`
	EndedAt      *string         `json:"endedAt,omitempty"`
	RecordingURL string          `json:"recordingUrl,omitempty"`
	Customer     *RemoteCustomer `json:"customer,omitempty"`
	Transcript   json.RawMessage `json:"transcript,omitempty"`
	Messages     json.RawMessage `json:"messages,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// RemoteCustomer is the caller side of a remote call.
type RemoteCustomer struct {
	Number string `json:"number"`
}

// UnmarshalJSON decodes the known fields and retains the raw payload.
// Duration and cost may arrive as numbers or numeric strings.
func (c *RemoteCall) UnmarshalJSON(data []byte) error {
	type alias RemoteCall
	var decoded struct {
		alias
		Duration json.RawMessage `json:"duration,omitempty"`
		Cost     json.RawMessage `json:"cost,omitempty"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	duration, err := lenientNumber(decoded.Duration)
	if err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	cost, err := lenientNumber(decoded.Cost)
	if err != nil {
		return fmt.Errorf("cost: %w", err)
	}

	*c = RemoteCall(decoded.alias)
	c.Duration = duration
	c.Cost = cost
	c.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// lenientNumber reads a JSON number or numeric string. Null, empty and
// non-numeric strings yield nil; other JSON types are an error.
func lenientNumber(raw json.RawMessage) (*float64, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return nil, nil
		}
		return &v, nil
	default:
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("unexpected value %s", trimmed)
		}
		return &v, nil
	}
}

// PhoneNumber returns the customer number or an empty string.
func (c *RemoteCall) PhoneNumber() string {
	if c.Customer == nil {
		return ""
	}
	return c.Customer.Number
}

// HasEndedAt reports whether the payload carries an endedAt value.
func (c *RemoteCall) HasEndedAt() bool {
	return c.EndedAt != nil
}

// NormalizedDuration converts the reported duration into whole seconds.
//
// Values above 3600 are treated as milliseconds. A result above 86400 is
// considered corrupt and replaced by endedAt - createdAt, or 0 when either
// timestamp is missing. Without a reported duration the timestamps are used.
func (c *RemoteCall) NormalizedDuration() int {
	duration := 0
	if c.Duration != nil {
		raw := int(*c.Duration)
		if raw > millisecondThreshold {
			duration = raw / 1000
		} else {
			duration = raw
		}
	} else if elapsed, ok := c.elapsedSeconds(); ok {
		duration = elapsed
	}

	if duration > maxPlausibleDuration {
		if elapsed, ok := c.elapsedSeconds(); ok {
			return elapsed
		}
		return 0
	}
	return duration
}

func (c *RemoteCall) elapsedSeconds() (int, bool) {
	if c.EndedAt == nil || c.CreatedAt == "" {
		return 0, false
	}
	created, err := time.Parse(time.RFC3339Nano, c.CreatedAt)
	if err != nil {
		return 0, false
	}
	ended, err := time.Parse(time.RFC3339Nano, *c.EndedAt)
	if err != nil {
		return 0, false
	}
	return int(ended.Sub(created) / time.Second), true
}

// CreatedTime parses createdAt. Unparseable values yield the zero time.
func (c *RemoteCall) CreatedTime() time.Time {
	t, err := time.Parse(time.RFC3339Nano, c.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// NeedsUpdate reports whether the stored row is stale: the status differs, or
// the incoming payload has an endedAt that the stored payload lacks or
// disagrees with.
func (c *RemoteCall) NeedsUpdate(existing *CallRecord) bool {
	if existing == nil {
		return false
	}
	if existing.Status != c.Status {
		return true
	}
	if c.EndedAt == nil {
		return false
	}
	stored, ok := existing.StoredEndedAt()
	return !ok || stored != *c.EndedAt
}

// ToCallRecord maps the remote payload onto a storage row.
func (c *RemoteCall) ToCallRecord(organizationID uint) (*CallRecord, error) {
	if c.ID == "" {
		return nil, fmt.Errorf("remote call has no id")
	}
	raw := c.Raw
	if len(raw) == 0 {
		encoded, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("failed to encode call %s: %w", c.ID, err)
		}
		raw = encoded
	}

	record := &CallRecord{
		CallID:         c.ID,
		OrganizationID: organizationID,
		PhoneNumber:    c.PhoneNumber(),
		Duration:       c.NormalizedDuration(),
		Status:         c.Status,
		RecordingURL:   c.RecordingURL,
		CallData:       datatypes.JSON(raw),
		CreatedAt:      c.CreatedTime(),
	}
	if c.Cost != nil {
		record.Cost = *c.Cost
	}
	if len(c.Transcript) > 0 && string(c.Transcript) != "null" {
		record.Transcript = datatypes.JSON(c.Transcript)
	}
	if len(c.Messages) > 0 && string(c.Messages) != "null" {
		record.Messages = datatypes.JSON(c.Messages)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return record, nil
}

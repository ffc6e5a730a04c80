package model

import (
	"time"

	json "github.com/goccy/go-json"
)

// SyncStats summarises one reconciliation pass.
type SyncStats struct {
	Time            time.Time `json:"time"`
	Total           int       `json:"total"`
	New             int       `json:"new"`
	Updated         int       `json:"updated"`
	Skipped         int       `json:"skipped"`
	Failed          int       `json:"failed"`
	AudioDownloaded int       `json:"audio_downloaded"`
	AudioSkipped    int       `json:"audio_skipped"`
	Deleted         int       `json:"deleted"`
}

// SyncEvent is published after each sync attempt.
type SyncEvent struct {
	EventID        string     `json:"event_id"`
	Type           string     `json:"type"`
	OrganizationID uint       `json:"organization_id"`
	RunID          string     `json:"run_id"`
	OccurredAt     time.Time  `json:"occurred_at"`
	Stats          *SyncStats `json:"stats,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Sync event types.
const (
	SyncEventCompleted = "sync.completed"
	SyncEventFailed    = "sync.failed"
)

func unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
)

func TestComputeWindow(t *testing.T) {
	now := time.Date(2024, 3, 20, 15, 30, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time { v := now.Add(-d); return &v }

	testCases := []struct {
		name        string
		lastSync    *time.Time
		syncDays    int
		from        string
		to          string
		days        int
		incremental bool
	}{
		{name: "first sync", lastSync: nil, syncDays: 14, from: "2024-03-06", to: "2024-03-20", days: 14},
		{name: "zero last sync is a first sync", lastSync: &time.Time{}, syncDays: 14, from: "2024-03-06", to: "2024-03-20", days: 14},
		{name: "last sync beyond horizon is clamped", lastSync: ago(20 * 24 * time.Hour), syncDays: 14, from: "2024-03-06", to: "2024-03-20", days: 14},
		{name: "incremental", lastSync: ago(3 * 24 * time.Hour), syncDays: 14, from: "2024-03-17", to: "2024-03-20", days: 14, incremental: true},
		{name: "synced earlier today", lastSync: ago(time.Hour), syncDays: 14, from: "2024-03-20", to: "2024-03-20", days: 14, incremental: true},
		{name: "last sync in the future", lastSync: model.Ptr(now.Add(48 * time.Hour)), syncDays: 14, from: "2024-03-20", to: "2024-03-20", days: 14, incremental: true},
		{name: "sync days below range", lastSync: nil, syncDays: 0, from: "2024-03-19", to: "2024-03-20", days: 1},
		{name: "sync days above range", lastSync: nil, syncDays: 90, from: "2024-02-19", to: "2024-03-20", days: 30},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := ComputeWindow(now, tc.lastSync, tc.syncDays)
			filters := w.Filters()
			assert.Equal(t, tc.from, filters.DateFrom)
			assert.Equal(t, tc.to, filters.DateTo)
			assert.Equal(t, tc.days, w.SyncDays)
			assert.Equal(t, tc.incremental, w.Incremental)
			assert.Empty(t, filters.Status)
		})
	}
}

func TestFallbackWindow(t *testing.T) {
	now := time.Date(2024, 3, 20, 0, 5, 0, 0, time.UTC)
	w := FallbackWindow(now, 7)
	assert.Equal(t, "2024-03-13", w.Filters().DateFrom)
	assert.Equal(t, "2024-03-20", w.Filters().DateTo)
	assert.False(t, w.Incremental)
}

func TestSummary(t *testing.T) {
	testCases := []struct {
		name      string
		stats     model.SyncStats
		throttled bool
		deleting  bool
		expected  string
	}{
		{
			name:     "empty batch",
			stats:    model.SyncStats{},
			expected: "No calls found for this organization in the last 14 days",
		},
		{
			name:     "plain",
			stats:    model.SyncStats{Total: 3, New: 3},
			expected: "Sync completed: 3 calls from last 14 days - 3 new, 0 updated, 0 unchanged",
		},
		{
			name:      "throttled audio",
			stats:     model.SyncStats{Total: 25, New: 25, AudioSkipped: 25},
			throttled: true,
			expected:  "Sync completed: 25 calls from last 14 days - 25 new, 0 updated, 0 unchanged, 25 audio downloads skipped (run sync again to download)",
		},
		{
			name:     "downloads failures and deletions",
			stats:    model.SyncStats{Total: 5, New: 3, Updated: 1, Skipped: 0, Failed: 1, AudioDownloaded: 2, Deleted: 3},
			deleting: true,
			expected: "Sync completed: 5 calls from last 14 days - 3 new, 1 updated, 0 unchanged, 2 audio files downloaded to local storage, 1 failed, 3 calls deleted from Vapi",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Summary(tc.stats, 14, tc.throttled, tc.deleting))
		})
	}
}

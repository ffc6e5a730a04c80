package syncer

import (
	"time"

	"gitlab.com/timkado/api/vapi-call-sync/internal/config"
	"gitlab.com/timkado/api/vapi-call-sync/internal/vapi"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/utils"
)

// Window is the inclusive range of calendar days requested from the remote API.
type Window struct {
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	SyncDays int       `json:"sync_days"`
	// Incremental is set when the window starts at the last successful sync
	// rather than at the look-back horizon.
	Incremental bool `json:"incremental"`
}

// ComputeWindow returns the window for a pass at now. Without a previous sync
// it covers the last syncDays days; otherwise it starts at the last sync but
// never before now - syncDays.
func ComputeWindow(now time.Time, lastSync *time.Time, syncDays int) Window {
	syncDays = config.ClampSyncDays(syncDays)
	horizon := now.AddDate(0, 0, -syncDays)

	w := Window{From: utils.StartOfDay(horizon), To: utils.StartOfDay(now), SyncDays: syncDays}
	if lastSync == nil || lastSync.IsZero() || !lastSync.After(horizon) {
		return w
	}

	from := *lastSync
	if from.After(now) {
		from = now
	}
	w.From = utils.StartOfDay(from)
	w.Incremental = true
	return w
}

// FallbackWindow is the widest window the remote is expected to serve.
func FallbackWindow(now time.Time, syncDays int) Window {
	return ComputeWindow(now, nil, syncDays)
}

// Filters converts the window into remote list filters.
func (w Window) Filters() vapi.ListFilters {
	return vapi.ListFilters{
		DateFrom: utils.FormatDay(w.From),
		DateTo:   utils.FormatDay(w.To),
	}
}

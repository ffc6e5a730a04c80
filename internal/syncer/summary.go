package syncer

import (
	"fmt"
	"strings"

	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
)

// Summary renders the human readable outcome of a completed pass.
func Summary(stats model.SyncStats, syncDays int, audioThrottled, deleteAfterImport bool) string {
	if stats.Total == 0 {
		return fmt.Sprintf("No calls found for this organization in the last %d days", syncDays)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Sync completed: %d calls from last %d days - %d new, %d updated, %d unchanged",
		stats.Total, syncDays, stats.New, stats.Updated, stats.Skipped)

	if audioThrottled && stats.AudioSkipped > 0 {
		fmt.Fprintf(&b, ", %d audio downloads skipped (run sync again to download)", stats.AudioSkipped)
	} else if stats.AudioDownloaded > 0 {
		fmt.Fprintf(&b, ", %d audio files downloaded to local storage", stats.AudioDownloaded)
	}
	if stats.Failed > 0 {
		fmt.Fprintf(&b, ", %d failed", stats.Failed)
	}
	if deleteAfterImport {
		fmt.Fprintf(&b, ", %d calls deleted from Vapi", stats.Deleted)
	}
	return b.String()
}

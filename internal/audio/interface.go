package audio

import (
	"context"

	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
)

// ArchiverInterface is the recording archive surface used by the sync
// engine, retention cleanup and organization removal.
type ArchiverInterface interface {
	// Archive returns the relative path of the stored recording. An error
	// means the call is kept without audio.
	Archive(ctx context.Context, recordingURL, callID string, org *model.Organization) (string, error)
	Remove(ctx context.Context, relPath string) error
	RemoveOrganizationDir(ctx context.Context, org *model.Organization) error
}

var _ ArchiverInterface = (*Archiver)(nil)

package syncer

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/vapi-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/storage"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/utils"
)

const progressEvery = 10

// pass holds the state shared by every record of one reconciliation.
type pass struct {
	engine            *Engine
	org               *model.Organization
	store             storage.CallRecordStore
	skipAudio         bool
	deleteAfterImport bool
	stats             *model.SyncStats
	imported          []string
	log               *zap.Logger
}

// reconcile applies the fetched records in arrival order and returns the ids
// inserted by this pass. Failures of individual records are counted and
// never abort the batch.
func (e *Engine) reconcile(
	ctx context.Context,
	org *model.Organization,
	store storage.CallRecordStore,
	records []model.RemoteCall,
	skipAudio, deleteAfterImport bool,
	stats *model.SyncStats,
) []string {
	p := &pass{
		engine:            e,
		org:               org,
		store:             store,
		skipAudio:         skipAudio,
		deleteAfterImport: deleteAfterImport,
		stats:             stats,
		log:               logger.FromContext(ctx),
	}

	known, err := store.ExistingCallIDs(ctx)
	if err != nil {
		// inserts stay idempotent, a conflicting insert falls back to the update path
		p.log.Warn("Failed to load existing call ids", zap.Error(err))
		known = map[string]struct{}{}
	}

	for i := range records {
		call := &records[i]
		if (i+1)%progressEvery == 0 {
			p.log.Debug("Reconciliation progress", zap.Int("processed", i+1), zap.Int("total", len(records)))
		}

		err := utils.WrapWithContextRecovery(func(ctx context.Context) error {
			if call.ID == "" {
				return errors.New("remote call has no id")
			}
			if _, ok := known[call.ID]; ok {
				return p.applyExisting(ctx, call)
			}
			return p.applyNew(ctx, call)
		})(ctx)
		if err != nil {
			stats.Failed++
			p.log.Warn("Failed to reconcile call", zap.String("call_id", call.ID), zap.Error(err))
		}
	}
	return p.imported
}

func (p *pass) applyNew(ctx context.Context, call *model.RemoteCall) error {
	record, err := call.ToCallRecord(p.org.ID)
	if err != nil {
		return err
	}

	if call.RecordingURL != "" {
		if p.skipAudio {
			p.stats.AudioSkipped++
		} else if path := p.archive(ctx, call); path != "" {
			record.LocalAudioPath = &path
		}
	}

	inserted, err := p.store.InsertIfAbsent(ctx, record)
	if err != nil {
		return err
	}
	if !inserted {
		return p.applyExisting(ctx, call)
	}

	p.stats.New++
	if record.HasLocalAudio() {
		p.stats.AudioDownloaded++
	}
	if p.deleteAfterImport {
		p.imported = append(p.imported, call.ID)
	}
	return nil
}

func (p *pass) applyExisting(ctx context.Context, call *model.RemoteCall) error {
	existing, err := p.store.GetByCallID(ctx, call.ID)
	if errors.Is(err, apperrors.ErrNotFound) {
		p.stats.Skipped++
		return nil
	}
	if err != nil {
		return err
	}

	if !call.NeedsUpdate(existing) {
		p.stats.Skipped++
		return nil
	}

	record, err := call.ToCallRecord(p.org.ID)
	if err != nil {
		return err
	}
	if err := p.store.Update(ctx, record); err != nil {
		return err
	}
	p.stats.Updated++

	if p.skipAudio || call.RecordingURL == "" || existing.HasLocalAudio() {
		return nil
	}
	path := p.archive(ctx, call)
	if path == "" {
		return nil
	}
	if err := p.store.UpdateAudioPath(ctx, call.ID, path); err != nil {
		p.log.Warn("Failed to store recording path", zap.String("call_id", call.ID), zap.Error(err))
		return nil
	}
	p.stats.AudioDownloaded++
	return nil
}

// archive returns the stored recording path, or "" when archiving failed.
func (p *pass) archive(ctx context.Context, call *model.RemoteCall) string {
	path, err := p.engine.archiver.Archive(ctx, call.RecordingURL, call.ID, p.org)
	if err != nil {
		p.log.Warn("Failed to archive recording", zap.String("call_id", call.ID), zap.Error(err))
		return ""
	}
	return path
}

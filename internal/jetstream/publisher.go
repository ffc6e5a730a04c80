package jetstream

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/vapi-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/vapi-call-sync/internal/config"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/observer"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/utils"
)

const defaultSubjectPrefix = "v1.vapi.sync"

// StreamConfig builds the stream holding every sync event subject.
func StreamConfig(cfg config.NATSConfig) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{subjectPrefix(cfg.SubjectPrefix) + ".>"},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    cfg.MaxAge,
	}
}

func subjectPrefix(prefix string) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return defaultSubjectPrefix
	}
	return prefix
}

// Subject is the subject a sync event is published on:
// <prefix>.<completed|failed>.<organization id>.
func Subject(prefix string, event model.SyncEvent) string {
	kind := strings.TrimPrefix(event.Type, "sync.")
	return fmt.Sprintf("%s.%s.%d", subjectPrefix(prefix), kind, event.OrganizationID)
}

// SyncEventPublisher publishes sync events as JSON over JetStream.
type SyncEventPublisher struct {
	client ClientInterface
	prefix string
}

// Ensure SyncEventPublisher implements EventPublisher
var _ EventPublisher = (*SyncEventPublisher)(nil)

// NewSyncEventPublisher creates a publisher writing under the given subject prefix.
func NewSyncEventPublisher(client ClientInterface, prefix string) *SyncEventPublisher {
	return &SyncEventPublisher{client: client, prefix: subjectPrefix(prefix)}
}

// PublishSyncEvent publishes one event. The event id doubles as the
// JetStream message id so redeliveries within the duplicate window collapse.
func (p *SyncEventPublisher) PublishSyncEvent(ctx context.Context, event model.SyncEvent) error {
	data, err := utils.MarshalJSON(event)
	if err != nil {
		return fmt.Errorf("%w: failed to encode %s event: %v", apperrors.ErrPublish, event.Type, err)
	}

	subject := Subject(p.prefix, event)
	err = p.client.Publish(subject, data, map[string]string{
		nats.MsgIdHdr:  event.EventID,
		"Content-Type": "application/json",
	})
	observer.IncEventPublished(event.Type, err)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrPublish, err)
	}

	logger.FromContext(ctx).Debug("Published sync event",
		zap.String("subject", subject),
		zap.String("event_id", event.EventID),
	)
	return nil
}

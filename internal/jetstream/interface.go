package jetstream

import (
	"context"

	"github.com/nats-io/nats.go"

	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
)

// ClientInterface is the slice of the NATS client the sync event publisher
// and the readiness probe rely on.
type ClientInterface interface {
	SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error
	// Publish blocks until JetStream acknowledges the message.
	Publish(subject string, data []byte, headers map[string]string) error
	NatsConn() *nats.Conn
	Close()
}

// EventPublisher announces the outcome of sync runs.
type EventPublisher interface {
	PublishSyncEvent(ctx context.Context, event model.SyncEvent) error
}

package mock

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/vapi-call-sync/internal/jetstream"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
)

// ClientMock is a mock implementation of the JetStream Client
type ClientMock struct {
	mock.Mock
}

// Ensure ClientMock implements jetstream.ClientInterface
var _ jetstream.ClientInterface = (*ClientMock)(nil)

// SetupStream mocks the SetupStream method
func (m *ClientMock) SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error {
	args := m.Called(ctx, streamConfig)
	return args.Error(0)
}

// Publish mocks the Publish method
func (m *ClientMock) Publish(subject string, data []byte, headers map[string]string) error {
	args := m.Called(subject, data, headers)
	return args.Error(0)
}

// Close mocks the Close method
func (m *ClientMock) Close() {
	m.Called()
}

// NatsConn mocks the NatsConn method
func (m *ClientMock) NatsConn() *nats.Conn {
	args := m.Called()
	if conn := args.Get(0); conn != nil {
		return conn.(*nats.Conn)
	}
	return nil
}

// EventPublisherMock is a mock implementation of jetstream.EventPublisher
type EventPublisherMock struct {
	mock.Mock
}

// Ensure EventPublisherMock implements jetstream.EventPublisher
var _ jetstream.EventPublisher = (*EventPublisherMock)(nil)

// PublishSyncEvent mocks the PublishSyncEvent method
func (m *EventPublisherMock) PublishSyncEvent(ctx context.Context, event model.SyncEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

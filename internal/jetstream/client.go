package jetstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/utils"
)

// Client wraps the NATS connection and JetStream context used to publish
// sync events.
type Client struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Ensure Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

// NewClient connects to NATS and opens a JetStream context. The connection
// reconnects forever in the background.
func NewClient(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("vapi-call-sync"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Log.Error("NATS error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &Client{nc: nc, js: js}, nil
}

// SetupStream creates the stream, or updates it when the managed properties
// drifted from streamConfig.
func (c *Client) SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error {
	log := logger.FromContext(ctx).With(zap.String("stream", streamConfig.Name))

	info, err := c.js.StreamInfo(streamConfig.Name)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := c.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to add stream '%s': %w", streamConfig.Name, err)
		}
		log.Info("Created sync event stream", zap.Strings("subjects", streamConfig.Subjects))
	case err != nil:
		return fmt.Errorf("failed to get stream info for '%s': %w", streamConfig.Name, err)
	case !utils.StreamConfigEqual(info.Config, *streamConfig):
		if _, err := c.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("failed to update stream '%s': %w", streamConfig.Name, err)
		}
		log.Info("Updated sync event stream", zap.Strings("subjects", streamConfig.Subjects))
	default:
		log.Debug("Sync event stream up to date")
	}
	return nil
}

// Publish sends data to subject and waits for the JetStream ack.
func (c *Client) Publish(subject string, data []byte, headers map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	if _, err := c.js.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish message to '%s': %w", subject, err)
	}
	return nil
}

// NatsConn returns the underlying *nats.Conn
func (c *Client) NatsConn() *nats.Conn {
	return c.nc
}

// Close drains pending publishes and closes the connection.
func (c *Client) Close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
	}
}

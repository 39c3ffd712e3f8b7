package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// topicPublisher is the slice of *pubsub.Topic the sink needs; tests supply
// a fake.
type topicPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
	Stop()
}

// PubSubSink publishes lifecycle events to a Google Cloud Pub/Sub topic.
// Publishing is asynchronous; the client batches and retries internally.
type PubSubSink struct {
	client *pubsub.Client
	topic  topicPublisher
}

// NewPubSubSink creates a Pub/Sub client and verifies the topic exists.
// It authenticates using Application Default Credentials.
func NewPubSubSink(ctx context.Context, projectID, topicID string) (*PubSubSink, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	return &PubSubSink{client: client, topic: topic}, nil
}

// Consume marshals the event to JSON and publishes it to the topic. The
// publish result is not awaited; delivery is fire-and-forget.
func (s *PubSubSink) Consume(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal pubsub event: %w", err)
	}
	s.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"event": evt.Type},
	})
	return nil
}

// Close stops the topic publisher and the underlying client.
func (s *PubSubSink) Close(context.Context) error {
	if s.topic != nil {
		s.topic.Stop()
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}

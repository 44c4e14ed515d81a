package events

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-memory Bus and also publishes every event to a
// Google Cloud Pub/Sub topic for durable, cross-service delivery.
//
// Fan-out strategy:
//   - Pub/Sub: durable, at-least-once delivery to downstream consumers
//   - In-memory: immediate push to the owner's live SSE/WebSocket feeds
type PubSubBus struct {
	*Bus // embedded, Subscribe/Publish still work

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubBus creates a Pub/Sub-backed activity bus. The topic is created
// if it does not exist.
func NewPubSubBus(projectID, topicID string, inner *Bus) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic", topicID)
	}

	// Events for one owner must arrive in order downstream.
	topic.EnableMessageOrdering = true

	bus := &PubSubBus{
		Bus:    inner,
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}

	bus.logger.Printf("✅ Connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return bus, nil
}

// Emit builds the event, publishes it durably, and fans out to live feeds.
func (pb *PubSubBus) Emit(eventType, ownerID string, data map[string]interface{}) {
	e := NewEvent(eventType, ownerID, data)
	pb.publishToPubSub(e)
	pb.Bus.Publish(e)
}

func (pb *PubSubBus) publishToPubSub(e *Event) {
	payload, err := e.JSON()
	if err != nil {
		pb.logger.Printf("❌ Failed to marshal event %s: %v", e.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event-type": e.Type,
			"event-id":   e.ID,
			"owner-id":   e.OwnerID,
			"event-time": e.Timestamp.Format(time.RFC3339Nano),
		},
		OrderingKey: e.OwnerID,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Non-blocking: check result off the hot path.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.logger.Printf("❌ Pub/Sub publish failed: %s → %v", e.ID, err)
			pb.metrics.RecordEventDropped("bus")
		}
	}()
}

// Close stops the publisher and releases the client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	pb.logger.Printf("🔌 Pub/Sub client closed")
	return nil
}

// HealthCheck verifies the Pub/Sub topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

// MarshalStats returns basic telemetry about the bus.
func (pb *PubSubBus) MarshalStats() map[string]interface{} {
	return map[string]interface{}{
		"backend":          "gcp-pubsub",
		"topic":            pb.topic.String(),
		"live_subscribers": pb.Bus.SubscriberCount(),
	}
}

var _ Emitter = (*PubSubBus)(nil)

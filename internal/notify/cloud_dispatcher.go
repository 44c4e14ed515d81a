package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"

	"github.com/ocmt/control-plane/internal/config"
	"github.com/ocmt/control-plane/internal/metrics"
)

const cloudEnqueueTimeout = 5 * time.Second

// CloudDispatcher delivers through a Cloud Tasks queue for durable,
// at-least-once delivery. Retry policy, rate limits and dead-lettering
// live on the queue. Deliveries that cannot be enqueued fall back to the
// in-process dispatcher so an unreachable queue degrades rather than
// drops.
type CloudDispatcher struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	fallback  *Dispatcher
	metrics   *metrics.Metrics
	logger    *log.Logger
}

// NewCloudDispatcher connects to the configured Cloud Tasks queue. The
// fallback dispatcher handles deliveries the queue refuses; its workers
// must already be started by the caller.
func NewCloudDispatcher(cfg config.NotifyConfig, registry *Registry, fallback *Dispatcher, m *metrics.Metrics) (*CloudDispatcher, error) {
	if cfg.CloudTasksProjectID == "" || cfg.CloudTasksLocation == "" || cfg.CloudTasksQueue == "" {
		return nil, fmt.Errorf("cloud tasks configuration incomplete")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	cd := &CloudDispatcher{
		registry: registry,
		client:   client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s",
			cfg.CloudTasksProjectID, cfg.CloudTasksLocation, cfg.CloudTasksQueue),
		fallback: fallback,
		metrics:  m,
		logger:   log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
	}
	cd.logger.Printf("✅ Connected to Cloud Tasks queue: %s", cd.queuePath)
	return cd, nil
}

// Dispatch enqueues one Cloud Task per active subscription of the
// event's type. Enqueueing happens off the caller's path.
func (cd *CloudDispatcher) Dispatch(e *Event) {
	subs := cd.registry.GetSubscribers(e.Type)
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		cd.logger.Printf("❌ Failed to encode event %s: %v", e.ID, err)
		return
	}
	for _, sub := range subs {
		cd.enqueueTask(sub, e, payload)
	}
}

func (cd *CloudDispatcher) enqueueTask(sub *Subscription, e *Event, payload []byte) {
	headers := map[string]string{
		"Content-Type":            "application/json",
		"X-Ocmt-Event-Type":       string(e.Type),
		"X-Ocmt-Event-ID":         e.ID,
		"X-Ocmt-Delivery-Attempt": "1",
	}
	if sub.Secret != "" {
		headers["X-Ocmt-Signature"] = cd.registry.SignPayload(sub.Secret, payload)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        sub.URL,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	// Off the hot path: the caller should not wait on queue latency.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cloudEnqueueTimeout)
		defer cancel()

		task, err := cd.client.CreateTask(ctx, req)
		if err != nil {
			cd.metrics.RecordNotifyDelivery("cloudtasks", "failed")
			cd.logger.Printf("❌ Cloud Task enqueue failed: %s → %s: %v", e.ID, sub.ID, err)
			if cd.fallback != nil {
				cd.logger.Printf("↩️  Falling back to in-memory delivery for %s", e.ID)
				cd.fallback.enqueue(deliveryJob{sub: sub, event: e, payload: payload, attempt: 1})
			}
			return
		}
		cd.metrics.RecordNotifyDelivery("cloudtasks", "sent")
		cd.logger.Printf("📤 Enqueued Cloud Task %s for event %s", task.GetName(), e.ID)
	}()
}

// Shutdown closes the Cloud Tasks client and stops the fallback workers.
func (cd *CloudDispatcher) Shutdown(ctx context.Context) error {
	var fallbackErr error
	if cd.fallback != nil {
		fallbackErr = cd.fallback.Shutdown(ctx)
	}
	if err := cd.client.Close(); err != nil {
		cd.logger.Printf("⚠️ Cloud Tasks client close error: %v", err)
		return err
	}
	cd.logger.Printf("🔌 Cloud Tasks dispatcher closed")
	return fallbackErr
}

// MarshalStats returns basic telemetry about the dispatcher.
func (cd *CloudDispatcher) MarshalStats() map[string]interface{} {
	return map[string]interface{}{
		"backend":      "gcp-cloud-tasks",
		"queue":        cd.queuePath,
		"subscribers":  len(cd.registry.ListAll()),
		"has_fallback": cd.fallback != nil,
	}
}

var (
	_ Sender = (*Dispatcher)(nil)
	_ Sender = (*CloudDispatcher)(nil)
)

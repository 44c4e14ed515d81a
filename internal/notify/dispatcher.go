package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ocmt/control-plane/internal/metrics"
)

const (
	queueSize       = 1000
	defaultWorkers  = 4
	maxAttempts     = 3
	deliveryTimeout = 10 * time.Second
)

// Sender dispatches an event to every matching subscription.
type Sender interface {
	Dispatch(e *Event)
}

type deliveryJob struct {
	sub     *Subscription
	event   *Event
	payload []byte
	attempt int
}

// Dispatcher delivers events from an in-process queue through a fixed
// worker pool. Transport errors are retried with quadratic backoff;
// HTTP rejections are not.
type Dispatcher struct {
	registry *Registry
	metrics  *metrics.Metrics
	client   *http.Client
	logger   *log.Logger

	queue    chan deliveryJob
	workers  int
	backoff  time.Duration
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start to launch the workers.
func NewDispatcher(registry *Registry, m *metrics.Metrics, workers int) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Dispatcher{
		registry: registry,
		metrics:  m,
		client:   &http.Client{Timeout: deliveryTimeout},
		logger:   log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
		queue:    make(chan deliveryJob, queueSize),
		workers:  workers,
		backoff:  time.Second,
		quit:     make(chan struct{}),
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Printf("✅ Delivery pool started with %d workers", d.workers)
}

// Dispatch queues one delivery per active subscription of the event's
// type. The queue never blocks the caller; when full, the delivery is
// dropped and counted.
func (d *Dispatcher) Dispatch(e *Event) {
	subs := d.registry.GetSubscribers(e.Type)
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		d.logger.Printf("❌ Failed to encode event %s: %v", e.ID, err)
		return
	}
	for _, sub := range subs {
		d.enqueue(deliveryJob{sub: sub, event: e, payload: payload, attempt: 1})
	}
}

// Shutdown stops the workers and waits for in-flight deliveries, bounded
// by the context.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.quit) })
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth reports the number of deliveries waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// ============================================================================
// WORKERS
// ============================================================================

func (d *Dispatcher) enqueue(job deliveryJob) {
	select {
	case d.queue <- job:
	default:
		d.metrics.RecordNotifyDelivery("inline", "dropped")
		d.logger.Printf("⚠️ Delivery queue full, dropping %s for subscription %s", job.event.Type, job.sub.ID)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.deliver(job)
		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) deliver(job deliveryJob) {
	req, err := http.NewRequest(http.MethodPost, job.sub.URL, bytes.NewReader(job.payload))
	if err != nil {
		d.registry.MarkFailed(job.sub.ID)
		d.metrics.RecordNotifyDelivery("inline", "failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ocmt-Event-Type", string(job.event.Type))
	req.Header.Set("X-Ocmt-Event-ID", job.event.ID)
	req.Header.Set("X-Ocmt-Delivery-Attempt", strconv.Itoa(job.attempt))
	if job.sub.Secret != "" {
		req.Header.Set("X-Ocmt-Signature", d.registry.SignPayload(job.sub.Secret, job.payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		// Transport failure. The endpoint may just be restarting, so retry
		// with quadratic backoff before writing it off.
		if job.attempt < maxAttempts {
			d.retry(job)
			return
		}
		d.registry.MarkFailed(job.sub.ID)
		d.metrics.RecordNotifyDelivery("inline", "failed")
		d.logger.Printf("❌ Delivery to subscription %s failed after %d attempts: %v", job.sub.ID, job.attempt, err)
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		// The endpoint answered and said no. Retrying the same payload
		// will not change its mind.
		d.registry.MarkFailed(job.sub.ID)
		d.metrics.RecordNotifyDelivery("inline", "failed")
		d.logger.Printf("❌ Subscription %s rejected %s with status %d", job.sub.ID, job.event.Type, resp.StatusCode)
		return
	}

	d.registry.MarkDelivered(job.sub.ID)
	d.metrics.RecordNotifyDelivery("inline", "sent")
}

func (d *Dispatcher) retry(job deliveryJob) {
	wait := time.Duration(job.attempt*job.attempt) * d.backoff
	select {
	case <-time.After(wait):
	case <-d.quit:
		return
	}
	job.attempt++
	d.enqueue(job)
}

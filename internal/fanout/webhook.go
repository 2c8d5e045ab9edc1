package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	webhookQueueSize = 512
	webhookTimeout   = 5 * time.Second
)

// webhookPayload is the JSON body posted to a session's webhook_url,
// mirroring the event shape subscribers receive over the duplex transport.
type webhookPayload struct {
	Type    EventType   `json:"type"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload"`
}

type webhookJob struct {
	url string
	ev  Event
}

// HTTPWebhookDispatcher posts events to session webhook_urls on a small pool
// of background workers, grounded on the teacher's push.Handler (server/push/push.go):
// a channel the producer sends to without blocking, dropped on a full queue,
// drained by workers that never propagate failures back to the caller.
type HTTPWebhookDispatcher struct {
	client *http.Client
	logger *zap.Logger
	jobs   chan webhookJob
	done   chan struct{}
}

// NewHTTPWebhookDispatcher starts workers workers draining the queue. Stop
// tells them to exit; it does not wait for deliveries in progress.
func NewHTTPWebhookDispatcher(logger *zap.Logger, workers int) *HTTPWebhookDispatcher {
	if workers <= 0 {
		workers = 2
	}
	d := &HTTPWebhookDispatcher{
		client: &http.Client{Timeout: webhookTimeout},
		logger: logger,
		jobs:   make(chan webhookJob, webhookQueueSize),
		done:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

// Dispatch enqueues a delivery, dropping it if the queue is saturated
// (spec §4.7 / SPEC_FULL.md §C.3: webhook delivery never blocks fan-out).
func (d *HTTPWebhookDispatcher) Dispatch(webhookURL string, ev Event) {
	select {
	case d.jobs <- webhookJob{url: webhookURL, ev: ev}:
	default:
		d.logger.Warn("fanout: webhook queue full, dropping delivery",
			zap.String("url", webhookURL), zap.String("type", string(ev.Type)))
	}
}

func (d *HTTPWebhookDispatcher) worker() {
	for {
		select {
		case job := <-d.jobs:
			d.deliver(job)
		case <-d.done:
			return
		}
	}
}

func (d *HTTPWebhookDispatcher) deliver(job webhookJob) {
	body, err := json.Marshal(webhookPayload{Type: job.ev.Type, At: job.ev.At, Payload: job.ev.Payload})
	if err != nil {
		d.logger.Warn("fanout: marshal webhook payload failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.url, bytes.NewReader(body))
	if err != nil {
		d.logger.Warn("fanout: build webhook request failed", zap.String("url", job.url), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("fanout: webhook delivery failed", zap.String("url", job.url), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		d.logger.Warn("fanout: webhook rejected", zap.String("url", job.url), zap.Int("status", resp.StatusCode))
	}
}

// Stop signals the workers to exit and returns at once. A delivery already
// in progress runs to its own timeout; jobs still queued may be dropped.
func (d *HTTPWebhookDispatcher) Stop() {
	close(d.done)
}

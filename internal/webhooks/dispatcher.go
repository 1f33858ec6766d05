package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/arqonbus/arqonbus/internal/config"
	"github.com/arqonbus/arqonbus/internal/protocol"
)

// Delivery is the payload POSTed to a webhook endpoint.
type Delivery struct {
	RuleID    string             `json:"rule_id"`
	Room      string             `json:"room"`
	Channel   string             `json:"channel"`
	Timestamp time.Time          `json:"timestamp"`
	Envelope  *protocol.Envelope `json:"envelope"`
}

// Dispatcher delivers routed messages to matching webhook rules through a
// bounded queue and a worker pool.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup

	maxRetries  int
	maxFailures int

	mu        sync.Mutex
	delivered int64
	failed    int64
	dropped   int64
	closed    bool
}

type deliveryJob struct {
	rule    *Rule
	payload []byte
	eventID string
	attempt int
}

// NewDispatcher starts the worker pool from the webhooks profile.
func NewDispatcher(registry *Registry, cfg config.WebhooksConfig) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	d := &Dispatcher{
		registry:    registry,
		httpClient:  &http.Client{Timeout: timeout},
		queue:       make(chan *deliveryJob, 1000),
		logger:      log.New(log.Writer(), "[WEBHOOK-DISPATCH] ", log.LstdFlags),
		maxRetries:  cfg.MaxRetries,
		maxFailures: cfg.MaxFailures,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit fans one routed envelope out to every matching rule. Never blocks: a
// full queue drops the delivery.
func (d *Dispatcher) Emit(e *protocol.Envelope) {
	rules := d.registry.MatchingRules(e.Room, e.Channel)
	if len(rules) == 0 {
		return
	}

	for _, rule := range rules {
		payload, err := json.Marshal(Delivery{
			RuleID:    rule.ID,
			Room:      e.Room,
			Channel:   e.Channel,
			Timestamp: time.Now().UTC(),
			Envelope:  e,
		})
		if err != nil {
			d.logger.Printf("failed to marshal delivery for %s: %v", rule.ID, err)
			continue
		}

		job := &deliveryJob{rule: rule, payload: payload, eventID: e.ID, attempt: 1}
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return
		}
		select {
		case d.queue <- job:
			d.mu.Unlock()
		default:
			d.dropped++
			d.mu.Unlock()
			d.logger.Printf("webhook queue full, dropping delivery %s for %s", e.ID, rule.ID)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	req, err := http.NewRequest(http.MethodPost, job.rule.URL, bytes.NewReader(job.payload))
	if err != nil {
		d.logger.Printf("failed to build webhook request for %s: %v", job.rule.ID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ArqonBus-Rule-ID", job.rule.ID)
	req.Header.Set("X-ArqonBus-Event-ID", job.eventID)
	req.Header.Set("X-ArqonBus-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.rule.Secret != "" {
		req.Header.Set("X-ArqonBus-Signature", "sha256="+SignPayload(job.payload, job.rule.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
	}
	if err != nil || resp.StatusCode >= 400 {
		if err != nil {
			d.logger.Printf("webhook delivery failed: %s -> %v", job.rule.URL, err)
		} else {
			d.logger.Printf("webhook returned %d: %s", resp.StatusCode, job.rule.URL)
		}
		d.registry.MarkFailed(job.rule.ID, d.maxFailures)
		d.mu.Lock()
		d.failed++
		d.mu.Unlock()

		// Quadratic backoff between attempts. The retry waits on a timer, not
		// on the worker: a failing endpoint must not park the pool.
		if job.attempt < d.maxRetries {
			delay := time.Duration(job.attempt*job.attempt) * time.Second
			job.attempt++
			time.AfterFunc(delay, func() { d.requeue(job) })
		}
		return
	}

	d.registry.MarkDelivered(job.rule.ID)
	d.mu.Lock()
	d.delivered++
	d.mu.Unlock()
}

// requeue puts a retried job back on the queue. Jobs whose backoff outlives
// the dispatcher, or that find the queue full, are dropped.
func (d *Dispatcher) requeue(job *deliveryJob) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- job:
	default:
		d.dropped++
	}
}

// Stats reports dispatcher counters.
func (d *Dispatcher) Stats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]interface{}{
		"rules":      d.registry.Count(),
		"delivered":  d.delivered,
		"failed":     d.failed,
		"dropped":    d.dropped,
		"queue_len":  len(d.queue),
		"queue_cap":  cap(d.queue),
		"max_retry":  d.maxRetries,
		"max_failed": d.maxFailures,
	}
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.queue)
	d.wg.Wait()
}

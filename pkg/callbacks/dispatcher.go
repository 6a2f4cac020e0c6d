package callbacks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/metrics"
	"github.com/cidxlabs/cidx/pkg/types"
)

const defaultPollInterval = time.Second

// outcome classifies one HTTP delivery attempt.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetryable
	outcomePermanent
)

// classify maps an HTTP status to the retry policy: 2xx delivered, 408 and
// 429 retryable, any other 4xx permanent, everything else retryable.
func classify(status int) outcome {
	switch {
	case status >= 200 && status < 300:
		return outcomeSuccess
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return outcomeRetryable
	case status >= 400 && status < 500:
		return outcomePermanent
	default:
		return outcomeRetryable
	}
}

// Dispatcher polls the store and delivers due callbacks over HTTP.
type Dispatcher struct {
	store    *Store
	client   *http.Client
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewDispatcher creates a dispatcher with the given per-request timeout.
func NewDispatcher(store *Store, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout

	return &Dispatcher{
		store:    store,
		client:   client,
		interval: defaultPollInterval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the delivery loop.
func (d *Dispatcher) Start() {
	go func() {
		defer close(d.doneCh)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.deliverDue()
			case <-d.stopCh:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight cycle to finish.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Dispatcher) deliverDue() {
	for _, cb := range d.store.Due() {
		d.deliver(cb)
	}
}

// deliver marks the entry in flight, posts the payload, and records the
// outcome. The entry is in flight on disk while the HTTP call runs, so a
// crash here is recovered by resetting it to pending.
func (d *Dispatcher) deliver(cb *types.Callback) {
	logger := log.WithComponent("callbacks")

	if err := d.store.MarkInFlight(cb.ID); err != nil {
		logger.Error().Str("callback_id", cb.ID).Err(err).Msg("failed to mark callback in flight")
		return
	}

	payload := make(map[string]interface{}, len(cb.Payload)+2)
	for k, v := range cb.Payload {
		payload[k] = v
	}
	// The endpoint deduplicates redeliveries by callback_id.
	payload["callback_id"] = cb.ID
	payload["job_id"] = cb.JobID

	body, err := json.Marshal(payload)
	if err != nil {
		d.recordFailure(cb, fmt.Sprintf("payload not serializable: %v", err), false)
		return
	}

	resp, err := d.client.Post(cb.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		// Timeouts, DNS failures, refused connections: all retryable.
		d.recordFailure(cb, err.Error(), true)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch classify(resp.StatusCode) {
	case outcomeSuccess:
		if err := d.store.Complete(cb.ID); err != nil {
			logger.Error().Str("callback_id", cb.ID).Err(err).Msg("failed to complete callback")
			return
		}
		metrics.CallbackDeliveries.WithLabelValues("completed").Inc()
		logger.Debug().Str("callback_id", cb.ID).Str("job_id", cb.JobID).Msg("callback delivered")
	case outcomePermanent:
		d.recordFailure(cb, fmt.Sprintf("HTTP %d", resp.StatusCode), false)
	case outcomeRetryable:
		d.recordFailure(cb, fmt.Sprintf("HTTP %d", resp.StatusCode), true)
	}
}

func (d *Dispatcher) recordFailure(cb *types.Callback, lastError string, retryable bool) {
	logger := log.WithComponent("callbacks")

	retired, err := d.store.RecordFailure(cb.ID, lastError, retryable)
	if err != nil {
		logger.Error().Str("callback_id", cb.ID).Err(err).Msg("failed to record callback failure")
		return
	}
	if retired {
		metrics.CallbackDeliveries.WithLabelValues("failed").Inc()
		logger.Warn().Str("callback_id", cb.ID).Str("job_id", cb.JobID).Str("last_error", lastError).Msg("callback retired to dead letter")
	} else {
		metrics.CallbackDeliveries.WithLabelValues("retried").Inc()
		logger.Debug().Str("callback_id", cb.ID).Str("last_error", lastError).Msg("callback rescheduled")
	}
}

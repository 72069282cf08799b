// Package deliver runs the single-consumer actor that turns accepted
// messages into JSON HTTP POSTs against the configured webhook. Delivery is
// fire-and-forget from the SMTP engine's perspective: the engine only
// enqueues, the Deliverer owns every retry, backoff, and circuit decision.
package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"mail-laser/internal/payload"
	"mail-laser/lalog"

	"github.com/Masterminds/semver"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// Version is the bridge's release version, reported in the webhook
// request's User-Agent header. It is parsed through semver at startup
// purely to fail fast on a malformed build-time value.
var Version = "0.1.0"

// queueDepth bounds how many accepted messages may be waiting for delivery
// before the SMTP engine would start blocking on Enqueue. In practice the
// consumer drains far faster than mail arrives, so this is a generous slack
// buffer rather than a throughput limit.
const queueDepth = 256

// Deliverer is the sole consumer of accepted messages. Only the Run
// goroutine updates its counters; Forwarded and Failed read them atomically
// so other goroutines (such as the health endpoint) may call them.
type Deliverer struct {
	WebhookURL string
	Timeout    time.Duration
	MaxRetries int

	CircuitThreshold int
	CircuitResetSec  int

	Logger *lalog.Logger

	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	queue   chan payload.EmailPayload
	done    chan struct{}

	forwarded int64
	failed    int64
}

// Initialise validates configuration and prepares the internal queue. It
// must be called before Run.
func (d *Deliverer) Initialise() error {
	if d.WebhookURL == "" {
		return fmt.Errorf("deliver: webhook URL must not be empty")
	}
	if _, err := semver.NewVersion(Version); err != nil {
		return fmt.Errorf("deliver: invalid build version %q: %w", Version, err)
	}
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	if d.CircuitThreshold < 1 {
		d.CircuitThreshold = 5
	}
	if d.CircuitResetSec < 1 {
		d.CircuitResetSec = 60
	}
	d.client = &http.Client{Timeout: d.Timeout}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 1,
		Timeout:     time.Duration(d.CircuitResetSec) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(d.CircuitThreshold)
		},
	})
	d.queue = make(chan payload.EmailPayload, queueDepth)
	d.done = make(chan struct{})
	return nil
}

// Enqueue places a message on the delivery queue. It never blocks the
// caller beyond the queue's slack capacity.
func (d *Deliverer) Enqueue(p payload.EmailPayload) {
	d.queue <- p
}

// Run drains the queue until ctx is cancelled and the queue is empty. A
// delivery that is in progress when ctx is cancelled runs to completion.
func (d *Deliverer) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case msg := <-d.queue:
			d.deliver(context.Background(), msg)
		case <-ctx.Done():
			for {
				select {
				case msg := <-d.queue:
					d.deliver(context.Background(), msg)
				default:
					d.Logger.Info("Deliverer.Run", "", nil, "stopped, forwarded=%d failed=%d", d.forwarded, d.failed)
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (d *Deliverer) Wait() {
	<-d.done
}

// Forwarded returns the running count of successfully delivered messages.
func (d *Deliverer) Forwarded() int64 { return atomic.LoadInt64(&d.forwarded) }

// Failed returns the running count of messages that were not delivered:
// those that exhausted every retry, those dropped while the circuit was
// open, and those that could not be serialized.
func (d *Deliverer) Failed() int64 { return atomic.LoadInt64(&d.failed) }

func (d *Deliverer) deliver(ctx context.Context, msg payload.EmailPayload) {
	body, err := json.Marshal(msg)
	if err != nil {
		atomic.AddInt64(&d.failed, 1)
		d.Logger.Warning("Deliverer.deliver", msg.Recipient, err, "failed to marshal payload")
		return
	}

	_, err = d.breaker.Execute(func() (interface{}, error) {
		return nil, d.sendWithRetry(ctx, body)
	})
	if err != nil {
		atomic.AddInt64(&d.failed, 1)
		d.Logger.Warning("Deliverer.deliver", msg.Recipient, err, "gave up forwarding message")
		return
	}
	atomic.AddInt64(&d.forwarded, 1)
}

// sendWithRetry attempts the POST up to 1+MaxRetries times, backing off
// 100ms*2^(i-1) between attempt i and i+1.
func (d *Deliverer) sendWithRetry(ctx context.Context, body []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	// NewExponentialBackOff's constructor already computed currentInterval
	// from the library's default InitialInterval; Reset it so the first
	// NextBackOff reflects the fields just overridden above.
	b.Reset()

	var lastErr error
	for attempt := 0; attempt <= d.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.NextBackOff()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = d.post(ctx, body)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (d *Deliverer) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("deliver: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "MailLaser/"+Version)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("deliver: webhook responded %d", resp.StatusCode)
	}
	return nil
}

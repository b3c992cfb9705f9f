// Package notify delivers fraud flags to the upstream scoring endpoint.
//
// Delivery is fire-and-forget from the caller's perspective: flags are
// queued on a bounded channel and a single worker drains it, so a slow or
// down endpoint never blocks transaction processing. Failed deliveries are
// retried with backoff and counted, never surfaced to the pipeline.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ctrlaltdelite/fraudwatch/internal/circuitbreaker"
	"github.com/ctrlaltdelite/fraudwatch/internal/metrics"
	"github.com/ctrlaltdelite/fraudwatch/internal/retry"
)

// Flag is the payload posted for each scored transaction.
type Flag struct {
	TransNum  string `json:"trans_num"`
	FlagValue int    `json:"flag_value"`
}

// Options configures a Notifier.
type Options struct {
	URL                string
	APIKey             string
	Timeout            time.Duration // per-request timeout
	QueueSize          int
	InsecureSkipVerify bool
}

// Notifier queues flags and delivers them sequentially to the endpoint.
type Notifier struct {
	url     string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	queue chan Flag
	wg    sync.WaitGroup
	once  sync.Once
}

const breakerKey = "flag_endpoint"

// New creates a Notifier. Call Start to begin delivery and Stop to drain.
// A nil return means no endpoint is configured; callers may pass the nil
// Notifier around and Enqueue becomes a no-op.
func New(opts Options, logger *slog.Logger) *Notifier {
	if opts.URL == "" {
		return nil
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}

	transport := http.DefaultTransport
	if opts.InsecureSkipVerify {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		transport = t
	}

	return &Notifier{
		url:    opts.URL,
		apiKey: opts.APIKey,
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
		queue:   make(chan Flag, opts.QueueSize),
	}
}

// Start launches the delivery worker. ctx cancellation stops in-flight
// retries; queued flags are still drained until Stop closes the queue.
func (n *Notifier) Start(ctx context.Context) {
	if n == nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for flag := range n.queue {
			n.deliver(ctx, flag)
		}
	}()
}

// Enqueue queues a flag for delivery. If the queue is full the flag is
// dropped and counted; processing must never block on the endpoint.
func (n *Notifier) Enqueue(flag Flag) {
	if n == nil {
		return
	}
	select {
	case n.queue <- flag:
	default:
		metrics.NotifyDeliveriesTotal.WithLabelValues("dropped").Inc()
		n.logger.Warn("flag queue full, dropping", "trans_num", flag.TransNum)
	}
}

// Stop closes the queue and waits for the worker to drain it.
func (n *Notifier) Stop() {
	if n == nil {
		return
	}
	n.once.Do(func() { close(n.queue) })
	n.wg.Wait()
}

func (n *Notifier) deliver(ctx context.Context, flag Flag) {
	if !n.breaker.Allow(breakerKey) {
		metrics.NotifyDeliveriesTotal.WithLabelValues("rejected").Inc()
		return
	}

	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		return n.post(ctx, flag)
	})
	if err != nil {
		n.breaker.RecordFailure(breakerKey)
		metrics.NotifyDeliveriesTotal.WithLabelValues("error").Inc()
		n.logger.Warn("flag delivery failed", "trans_num", flag.TransNum, "error", err)
		return
	}

	n.breaker.RecordSuccess(breakerKey)
	metrics.NotifyDeliveriesTotal.WithLabelValues("ok").Inc()
}

func (n *Notifier) post(ctx context.Context, flag Flag) error {
	payload, err := json.Marshal(flag)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal flag: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("X-API-Key", n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post flag: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// The endpoint rejected the payload; retrying won't help.
		return retry.Permanent(fmt.Errorf("flag endpoint status %d", resp.StatusCode))
	}
	return fmt.Errorf("flag endpoint status %d", resp.StatusCode)
}

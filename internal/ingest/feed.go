// Package ingest maintains the server-sent-events connection to the
// transaction feed and fans events out to a bounded worker pool.
//
// The feed is the only input to the system, so the client is built to
// survive it: disconnects trigger exponential backoff with a reset on
// every successful connect, a stalled connection is cut by an idle
// watchdog, and a feed that stays down past the attempt budget turns
// into a fatal error instead of a silent idle process.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ctrlaltdelite/fraudwatch/internal/metrics"
	"github.com/ctrlaltdelite/fraudwatch/internal/transaction"
)

// State is the feed connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrFeedGaveUp is returned when the reconnect budget is exhausted.
var ErrFeedGaveUp = errors.New("ingest: feed reconnect attempts exhausted")

// Options configures the feed client.
type Options struct {
	URL                string
	APIKey             string
	InsecureSkipVerify bool

	BackoffSeed time.Duration // first reconnect delay
	BackoffMax  time.Duration // delay ceiling
	MaxAttempts int           // consecutive failures before giving up
	IdleTimeout time.Duration // cut the connection if no bytes arrive

	// Handler receives each well-formed transaction. It may block; that
	// is the backpressure mechanism against a bursty feed.
	Handler func(ctx context.Context, tx *transaction.Transaction)

	// OnStateChange is invoked after every state transition. Optional.
	OnStateChange func(s State)

	Logger *slog.Logger
}

// Feed is the SSE client.
type Feed struct {
	opts   Options
	client *http.Client
	state  atomic.Int32

	// Counters for the stats endpoint.
	eventsSeen    atomic.Int64
	eventsDropped atomic.Int64
	reconnects    atomic.Int64
}

// NewFeed creates a feed client. Run starts it.
func NewFeed(opts Options) (*Feed, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("ingest: feed URL is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("ingest: handler is required")
	}
	if opts.BackoffSeed <= 0 {
		opts.BackoffSeed = time.Second
	}
	if opts.BackoffMax < opts.BackoffSeed {
		opts.BackoffMax = 60 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 30 * time.Second
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Feed{
		opts: opts,
		// No overall client timeout: the response body is a stream.
		client: &http.Client{Transport: transport},
	}, nil
}

// State returns the current connection state.
func (f *Feed) State() State {
	return State(f.state.Load())
}

// Stats returns feed counters for the stats endpoint.
func (f *Feed) Stats() map[string]interface{} {
	return map[string]interface{}{
		"state":         f.State().String(),
		"eventsSeen":    f.eventsSeen.Load(),
		"eventsDropped": f.eventsDropped.Load(),
		"reconnects":    f.reconnects.Load(),
	}
}

func (f *Feed) setState(s State) {
	old := State(f.state.Swap(int32(s)))
	if old == s {
		return
	}
	if s == StateStreaming {
		metrics.FeedConnectionState.Set(1)
	} else {
		metrics.FeedConnectionState.Set(0)
	}
	f.opts.Logger.Info("feed state changed", "from", old.String(), "to", s.String())
	if f.opts.OnStateChange != nil {
		f.opts.OnStateChange(s)
	}
}

// Run connects and consumes the feed until ctx is cancelled, returning
// nil on cancellation, or ErrFeedGaveUp once MaxAttempts consecutive
// connection failures accumulate without a successful connect in between.
func (f *Feed) Run(ctx context.Context) error {
	defer f.setState(StateDisconnected)

	failures := 0
	delay := f.opts.BackoffSeed

	for {
		if ctx.Err() != nil {
			return nil
		}

		if failures == 0 {
			f.setState(StateConnecting)
		} else {
			f.setState(StateReconnecting)
			metrics.FeedReconnectsTotal.Inc()
			f.reconnects.Add(1)
		}

		connected, err := f.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if connected {
			// The server accepted the stream; start the backoff over
			// even if it died before the first event.
			failures = 0
			delay = f.opts.BackoffSeed
		}

		failures++
		if failures >= f.opts.MaxAttempts {
			f.opts.Logger.Error("feed gave up",
				"attempts", failures, "error", err)
			return fmt.Errorf("%w: last error: %v", ErrFeedGaveUp, err)
		}

		f.opts.Logger.Warn("feed connection lost, backing off",
			"delay", delay, "attempt", failures, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > f.opts.BackoffMax {
			delay = f.opts.BackoffMax
		}
	}
}

// consume opens one connection and reads it until it dies. connected
// reports whether the server accepted the stream, which resets the
// backoff.
func (f *Feed) consume(ctx context.Context) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if f.opts.APIKey != "" {
		req.Header.Set("X-API-Key", f.opts.APIKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("feed status %d", resp.StatusCode)
	}

	connected = true
	f.setState(StateStreaming)

	// Idle watchdog: if no event arrives within IdleTimeout the body is
	// closed, which unblocks the scanner below with an error.
	var watchdog *time.Timer
	if f.opts.IdleTimeout > 0 {
		watchdog = time.AfterFunc(f.opts.IdleTimeout, func() {
			f.opts.Logger.Warn("feed idle timeout, dropping connection")
			resp.Body.Close()
		})
		defer watchdog.Stop()
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data bytes.Buffer
	for scanner.Scan() {
		if watchdog != nil {
			watchdog.Reset(f.opts.IdleTimeout)
		}

		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			// Blank line terminates one SSE event.
			if data.Len() > 0 {
				f.dispatch(ctx, data.Bytes())
				data.Reset()
			}
		case line[0] == ':':
			// Comment/keepalive.
		case bytes.HasPrefix(line, []byte("data:")):
			payload := bytes.TrimPrefix(line, []byte("data:"))
			payload = bytes.TrimPrefix(payload, []byte(" "))
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(payload)
		default:
			// event:/id:/retry: fields are not used by this feed.
		}
	}

	if data.Len() > 0 {
		f.dispatch(ctx, data.Bytes())
	}

	if err := scanner.Err(); err != nil {
		return connected, fmt.Errorf("read stream: %w", err)
	}
	return connected, fmt.Errorf("stream closed by server")
}

// dispatch parses one event payload and hands it to the handler.
// Malformed payloads are dropped and counted, never fatal.
func (f *Feed) dispatch(ctx context.Context, payload []byte) {
	f.eventsSeen.Add(1)

	tx, err := transaction.Parse(payload)
	if err != nil {
		f.eventsDropped.Add(1)
		metrics.FeedEventsDroppedTotal.Inc()
		f.opts.Logger.Warn("dropping malformed event", "error", err)
		return
	}

	f.opts.Handler(ctx, tx)
}

package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alekspetrov/recap/internal/durable"
	"github.com/alekspetrov/recap/internal/logging"
)

// Manager delivers lifecycle events to configured endpoints. It implements
// durable.Observer: events are queued and delivered by Run.
type Manager struct {
	config *Config
	client *http.Client
	log    *slog.Logger
	queue  chan *Event
	now    func() time.Time

	deliveries   atomic.Int64
	failures     atomic.Int64
	retries      atomic.Int64
	dropped      atomic.Int64
	lastDelivery atomic.Int64 // unix nanos
}

// Delivery is the outcome of sending one event to one endpoint.
type Delivery struct {
	Endpoint   string
	StatusCode int
	Attempts   int
	Err        error
	Elapsed    time.Duration
}

// OK reports whether the endpoint accepted the event.
func (d Delivery) OK() bool { return d.Err == nil }

// Stats are cumulative delivery counters.
type Stats struct {
	Deliveries   int64
	Failures     int64
	Retries      int64
	Dropped      int64
	LastDelivery time.Time
}

// NewManager creates a manager for config; nil means DefaultConfig.
func NewManager(config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	size := config.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Manager{
		config: config,
		client: &http.Client{},
		log:    logging.WithComponent("webhooks"),
		queue:  make(chan *Event, size),
		now:    time.Now,
	}
}

// Observe implements durable.Observer. It never blocks; events arriving
// while the queue is full are counted and dropped.
func (m *Manager) Observe(_ context.Context, ev durable.Event) {
	if !m.config.Enabled {
		return
	}
	select {
	case m.queue <- NewEvent(ev):
	default:
		m.dropped.Add(1)
		m.log.Warn("Webhook queue full, dropping event",
			slog.String("instance_id", ev.InstanceID),
			slog.String("event", string(ev.Type)))
	}
}

// Run delivers queued events until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-m.queue:
			m.Dispatch(ctx, event)
		}
	}
}

// Dispatch sends event to every enabled, subscribed endpoint, at most
// Concurrency at a time, and returns one Delivery per endpoint.
func (m *Manager) Dispatch(ctx context.Context, event *Event) []Delivery {
	if !m.config.Enabled {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		m.log.Error("Failed to marshal webhook event", slog.Any("error", err))
		return nil
	}

	var targets []*EndpointConfig
	for _, ep := range m.config.Endpoints {
		if ep.Enabled && ep.SubscribesTo(event.Type) {
			targets = append(targets, ep)
		}
	}

	limit := m.config.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	var (
		g   errgroup.Group
		mu  sync.Mutex
		out = make([]Delivery, 0, len(targets))
	)
	g.SetLimit(limit)
	for _, ep := range targets {
		g.Go(func() error {
			d := m.deliver(ctx, ep, event, payload)
			mu.Lock()
			out = append(out, d)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// deliver posts payload to one endpoint, retrying per its policy. Client
// errors other than 408 and 429 are not retried.
func (m *Manager) deliver(ctx context.Context, ep *EndpointConfig, event *Event, payload []byte) Delivery {
	start := m.now()
	policy := ep.GetRetry(m.config.Defaults)
	attempts := max(policy.MaxAttempts, 1)
	log := m.log.With(slog.String("endpoint", ep.Name), slog.String("event", string(event.Type)))

	d := Delivery{Endpoint: ep.Name}
	for d.Attempts < attempts {
		d.Attempts++
		d.StatusCode, d.Err = m.post(ctx, ep, event, payload)
		if d.Err == nil {
			d.Elapsed = m.now().Sub(start)
			m.deliveries.Add(1)
			m.lastDelivery.Store(m.now().UnixNano())
			log.Debug("Webhook delivered", slog.Int("status", d.StatusCode), slog.Int("attempts", d.Attempts))
			return d
		}
		log.Warn("Webhook delivery failed", slog.Int("attempt", d.Attempts), slog.Any("error", d.Err))
		if !retryable(d.StatusCode) || d.Attempts == attempts {
			break
		}

		m.retries.Add(1)
		wait := time.NewTimer(policy.Backoff(d.Attempts))
		select {
		case <-ctx.Done():
			wait.Stop()
			d.Err = ctx.Err()
			d.Elapsed = m.now().Sub(start)
			return d
		case <-wait.C:
		}
	}

	d.Elapsed = m.now().Sub(start)
	m.failures.Add(1)
	log.Error("Webhook delivery gave up", slog.Int("attempts", d.Attempts), slog.Any("error", d.Err))
	return d
}

// retryable treats transport errors (status 0) and server-side answers as
// transient.
func retryable(status int) bool {
	if status >= 400 && status < 500 {
		return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
	}
	return true
}

func (m *Manager) post(ctx context.Context, ep *EndpointConfig, event *Event, payload []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, ep.GetTimeout(m.config.Defaults))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
	sent := m.now()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(sent.Unix(), 10))
	if sig := Sign(payload, sent, ep.Secret); sig != "" {
		req.Header.Set(HeaderSignature, sig)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode/100 != 2 {
		return resp.StatusCode, fmt.Errorf("endpoint answered %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Stats returns cumulative delivery counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		Deliveries: m.deliveries.Load(),
		Failures:   m.failures.Load(),
		Retries:    m.retries.Load(),
		Dropped:    m.dropped.Load(),
	}
	if ns := m.lastDelivery.Load(); ns > 0 {
		s.LastDelivery = time.Unix(0, ns)
	}
	return s
}

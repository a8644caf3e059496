package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alekspetrov/recap/internal/durable"
	"github.com/alekspetrov/recap/internal/testutil"
)

func lifecycleEvent(typ durable.EventType) durable.Event {
	return durable.Event{
		Type:       typ,
		InstanceID: "inst-1",
		Workflow:   "completion-approval",
		ItemKey:    "PROJ-42",
		Status:     durable.StatusCompleted,
		Timestamp:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func fastRetry(attempts int) *durable.RetryPolicy {
	return &durable.RetryPolicy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2}
}

func TestDispatchSignedDelivery(t *testing.T) {
	type captured struct {
		body    []byte
		headers http.Header
	}
	received := make(chan captured, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- captured{body: body, headers: r.Header.Clone()}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	m := NewManager(&Config{
		Enabled: true,
		Endpoints: []*EndpointConfig{
			{Name: "audit", URL: server.URL, Secret: testutil.FakeWebhookSecret, Enabled: true, Headers: map[string]string{"X-Team": "ops"}},
		},
	})

	event := NewEvent(lifecycleEvent(durable.EventCompleted))
	results := m.Dispatch(context.Background(), event)
	if len(results) != 1 || !results[0].OK() || results[0].Attempts != 1 {
		t.Fatalf("results = %+v", results)
	}

	got := <-received
	if !VerifySignature(got.body, got.headers.Get(HeaderTimestamp), got.headers.Get(HeaderSignature), testutil.FakeWebhookSecret, time.Minute, time.Now()) {
		t.Error("signature did not verify")
	}
	if got.headers.Get("X-Recap-Event") != "instance.completed" {
		t.Errorf("X-Recap-Event = %q", got.headers.Get("X-Recap-Event"))
	}
	if got.headers.Get("X-Recap-Delivery") != event.ID {
		t.Errorf("X-Recap-Delivery = %q, want %q", got.headers.Get("X-Recap-Delivery"), event.ID)
	}
	if got.headers.Get("X-Team") != "ops" {
		t.Errorf("custom header missing: %v", got.headers)
	}

	var decoded Event
	if err := json.Unmarshal(got.body, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Data.ItemKey != "PROJ-42" || decoded.Data.Status != durable.StatusCompleted {
		t.Errorf("payload = %+v", decoded.Data)
	}

	if s := m.Stats(); s.Deliveries != 1 || s.Failures != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestDispatchFilters(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("X-Recap-Signature") != "" {
			t.Error("unsigned endpoint received a signature")
		}
	}))
	defer server.Close()

	m := NewManager(&Config{
		Enabled: true,
		Endpoints: []*EndpointConfig{
			{Name: "failures", URL: server.URL, Enabled: true, Events: []EventType{durable.EventFailed}},
			{Name: "disabled", URL: server.URL, Enabled: false},
			{Name: "all", URL: server.URL, Enabled: true},
		},
	})

	results := m.Dispatch(context.Background(), NewEvent(lifecycleEvent(durable.EventSuspended)))
	if len(results) != 1 || results[0].Endpoint != "all" {
		t.Errorf("results = %+v", results)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestDispatchRetries(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		wantSuccess  bool
		wantAttempts int
	}{
		{"recovers after 503", []int{503, 200}, true, 2},
		{"exhausts on 500", []int{500, 500, 500}, false, 3},
		{"no retry on 400", []int{400}, false, 1},
		{"retries 429", []int{429, 202}, true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := int(calls.Add(1)) - 1
				if n >= len(tt.statuses) {
					n = len(tt.statuses) - 1
				}
				w.WriteHeader(tt.statuses[n])
			}))
			defer server.Close()

			m := NewManager(&Config{
				Enabled:   true,
				Endpoints: []*EndpointConfig{{Name: "ep", URL: server.URL, Enabled: true, Retry: fastRetry(3)}},
			})
			results := m.Dispatch(context.Background(), NewEvent(lifecycleEvent(durable.EventFailed)))
			if len(results) != 1 {
				t.Fatalf("results = %+v", results)
			}
			r := results[0]
			if r.OK() != tt.wantSuccess || r.Attempts != tt.wantAttempts {
				t.Errorf("ok=%v attempts=%d, want %v/%d (err=%v)", r.OK(), r.Attempts, tt.wantSuccess, tt.wantAttempts, r.Err)
			}
			if int(calls.Load()) != tt.wantAttempts {
				t.Errorf("server calls = %d", calls.Load())
			}
		})
	}
}

func TestDispatchDisabled(t *testing.T) {
	m := NewManager(&Config{Enabled: false, Endpoints: []*EndpointConfig{{Name: "x", URL: "http://127.0.0.1:1", Enabled: true}}})
	if results := m.Dispatch(context.Background(), NewEvent(lifecycleEvent(durable.EventStarted))); results != nil {
		t.Errorf("Dispatch() = %+v, want nil", results)
	}
}

func TestObserveAndRun(t *testing.T) {
	received := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Get("X-Recap-Event")
	}))
	defer server.Close()

	m := NewManager(&Config{
		Enabled:   true,
		Endpoints: []*EndpointConfig{{Name: "ep", URL: server.URL, Enabled: true}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Observe(ctx, lifecycleEvent(durable.EventSuspended))

	select {
	case got := <-received:
		if got != "instance.suspended" {
			t.Errorf("event = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestObserveDropsWhenQueueFull(t *testing.T) {
	m := NewManager(&Config{Enabled: true, QueueSize: 1})
	m.Observe(context.Background(), lifecycleEvent(durable.EventStarted))
	m.Observe(context.Background(), lifecycleEvent(durable.EventResumed))

	if s := m.Stats(); s.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", s.Dropped)
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	sent := time.Unix(1767225600, 0)
	ts := "1767225600"
	valid := Sign(payload, sent, testutil.FakeWebhookSecret)

	tests := []struct {
		name      string
		timestamp string
		signature string
		secret    string
		now       time.Time
		want      bool
	}{
		{"valid", ts, valid, testutil.FakeWebhookSecret, sent.Add(time.Minute), true},
		{"wrong secret", ts, valid, "other", sent, false},
		{"tampered", ts, "sha256=00", testutil.FakeWebhookSecret, sent, false},
		{"shifted timestamp", "1767225601", valid, testutil.FakeWebhookSecret, sent, false},
		{"stale", ts, valid, testutil.FakeWebhookSecret, sent.Add(10 * time.Minute), false},
		{"bad timestamp", "yesterday", valid, testutil.FakeWebhookSecret, sent, false},
		{"empty signature", ts, "", testutil.FakeWebhookSecret, sent, false},
		{"empty secret", ts, valid, "", sent, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(payload, tt.timestamp, tt.signature, tt.secret, 5*time.Minute, tt.now); got != tt.want {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
	if Sign(payload, sent, "") != "" {
		t.Error("Sign() without a secret should be empty")
	}
}

func TestDispatchConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
	}))
	defer server.Close()

	var endpoints []*EndpointConfig
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		endpoints = append(endpoints, &EndpointConfig{Name: name, URL: server.URL, Enabled: true})
	}
	m := NewManager(&Config{Enabled: true, Concurrency: 2, Endpoints: endpoints})

	done := make(chan []Delivery)
	go func() { done <- m.Dispatch(context.Background(), NewEvent(lifecycleEvent(durable.EventCompleted))) }()
	time.Sleep(50 * time.Millisecond)
	close(release)

	if results := <-done; len(results) != 5 {
		t.Fatalf("results = %d, want 5", len(results))
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrent deliveries = %d, want at most 2", p)
	}
}

func TestRetryable(t *testing.T) {
	for status, want := range map[int]bool{0: true, 200: true, 400: false, 401: false, 404: false, 408: true, 429: true, 500: true, 503: true} {
		if got := retryable(status); got != want {
			t.Errorf("retryable(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{"disabled ignores endpoints", &Config{Endpoints: []*EndpointConfig{{URL: "::"}}}, false},
		{"valid", &Config{Enabled: true, Endpoints: []*EndpointConfig{{URL: "https://hooks.example.com/x", Events: []EventType{durable.EventFailed}}}}, false},
		{"bad scheme", &Config{Enabled: true, Endpoints: []*EndpointConfig{{URL: "ftp://example.com"}}}, true},
		{"unknown event", &Config{Enabled: true, Endpoints: []*EndpointConfig{{URL: "https://example.com", Events: []EventType{"task.completed"}}}}, true},
		{"duplicate names", &Config{Enabled: true, Endpoints: []*EndpointConfig{{Name: "a", URL: "https://a.example.com"}, {Name: "a", URL: "https://b.example.com"}}}, true},
		{"reserved header", &Config{Enabled: true, Endpoints: []*EndpointConfig{{URL: "https://example.com", Headers: map[string]string{"x-recap-event": "spoof"}}}}, true},
		{"zero attempts", &Config{Enabled: true, Endpoints: []*EndpointConfig{{URL: "https://example.com", Retry: &durable.RetryPolicy{}}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEndpointDefaults(t *testing.T) {
	defaults := &EndpointDefaults{Timeout: 3 * time.Second, Retry: fastRetry(5)}
	ep := &EndpointConfig{}
	if ep.GetTimeout(defaults) != 3*time.Second || ep.GetRetry(defaults).MaxAttempts != 5 {
		t.Error("defaults not applied")
	}
	ep = &EndpointConfig{Timeout: time.Second, Retry: fastRetry(1)}
	if ep.GetTimeout(defaults) != time.Second || ep.GetRetry(defaults).MaxAttempts != 1 {
		t.Error("endpoint overrides not applied")
	}
	if (&EndpointConfig{}).GetTimeout(nil) != 10*time.Second {
		t.Error("fallback timeout")
	}
	if (&EndpointConfig{}).GetRetry(nil) != DefaultRetryPolicy() {
		t.Error("fallback retry policy")
	}
}

// Package webhooks delivers workflow lifecycle events to external HTTP
// endpoints with HMAC signatures, retry, and per-endpoint event filters.
package webhooks

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alekspetrov/recap/internal/durable"
)

// EventType is the lifecycle transition an endpoint subscribes to.
type EventType = durable.EventType

// AllEventTypes returns all deliverable event types.
func AllEventTypes() []EventType {
	return []EventType{
		durable.EventStarted,
		durable.EventSuspended,
		durable.EventResumed,
		durable.EventRetrying,
		durable.EventCompleted,
		durable.EventRejected,
		durable.EventFailed,
	}
}

// Config holds configuration for outbound webhooks.
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Endpoints []*EndpointConfig `yaml:"endpoints"`
	Defaults  *EndpointDefaults `yaml:"defaults,omitempty"`
	// QueueSize bounds events waiting for delivery; overflow is dropped.
	QueueSize int `yaml:"queue_size,omitempty"`
	// Concurrency caps simultaneous endpoint deliveries per event.
	Concurrency int `yaml:"concurrency,omitempty"`
}

// EndpointConfig is one receiver of lifecycle events.
type EndpointConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// Secret signs payloads; empty sends them unsigned.
	Secret string `yaml:"secret"`
	// Events filters deliveries; empty means every event.
	Events  []EventType          `yaml:"events,omitempty"`
	Enabled bool                 `yaml:"enabled"`
	Timeout time.Duration        `yaml:"timeout,omitempty"`
	Retry   *durable.RetryPolicy `yaml:"retry,omitempty"`
	Headers map[string]string    `yaml:"headers,omitempty"`
}

// EndpointDefaults apply to endpoints that do not override them.
type EndpointDefaults struct {
	Timeout time.Duration        `yaml:"timeout"`
	Retry   *durable.RetryPolicy `yaml:"retry,omitempty"`
}

const (
	defaultTimeout     = 10 * time.Second
	defaultQueueSize   = 256
	defaultConcurrency = 4
)

// DefaultConfig returns a disabled config with 10s timeouts and 3 attempts.
func DefaultConfig() *Config {
	retry := DefaultRetryPolicy()
	return &Config{
		Endpoints:   []*EndpointConfig{},
		Defaults:    &EndpointDefaults{Timeout: defaultTimeout, Retry: &retry},
		QueueSize:   defaultQueueSize,
		Concurrency: defaultConcurrency,
	}
}

// DefaultRetryPolicy returns 3 attempts backing off 1s, 2s, capped at 60s.
func DefaultRetryPolicy() durable.RetryPolicy {
	return durable.RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2,
	}
}

// Validate reports every endpoint problem at once.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	names := make(map[string]int)
	for i, ep := range c.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)
		u, err := url.Parse(ep.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s.url %q must be an http(s) URL", field, ep.URL))
		}
		if ep.Name != "" {
			if prev, dup := names[ep.Name]; dup {
				errs = append(errs, fmt.Errorf("%s.name %q duplicates endpoints[%d]", field, ep.Name, prev))
			}
			names[ep.Name] = i
		}
		for _, et := range ep.Events {
			if !knownEvent(et) {
				errs = append(errs, fmt.Errorf("%s: unknown event %q", field, et))
			}
		}
		for h := range ep.Headers {
			if strings.HasPrefix(http.CanonicalHeaderKey(h), headerPrefix) {
				errs = append(errs, fmt.Errorf("%s.headers: %s is reserved", field, h))
			}
		}
		if ep.Retry != nil && ep.Retry.MaxAttempts < 1 {
			errs = append(errs, fmt.Errorf("%s.retry.max_attempts must be at least 1", field))
		}
	}
	return errors.Join(errs...)
}

func knownEvent(t EventType) bool {
	for _, et := range AllEventTypes() {
		if et == t {
			return true
		}
	}
	return false
}

// SubscribesTo reports whether the endpoint wants events of type t.
func (e *EndpointConfig) SubscribesTo(t EventType) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, et := range e.Events {
		if et == t {
			return true
		}
	}
	return false
}

// GetTimeout returns the endpoint timeout, then the default, then 10s.
func (e *EndpointConfig) GetTimeout(defaults *EndpointDefaults) time.Duration {
	switch {
	case e.Timeout > 0:
		return e.Timeout
	case defaults != nil && defaults.Timeout > 0:
		return defaults.Timeout
	}
	return defaultTimeout
}

// GetRetry returns the endpoint retry policy, then the default one.
func (e *EndpointConfig) GetRetry(defaults *EndpointDefaults) durable.RetryPolicy {
	switch {
	case e.Retry != nil:
		return *e.Retry
	case defaults != nil && defaults.Retry != nil:
		return *defaults.Retry
	}
	return DefaultRetryPolicy()
}

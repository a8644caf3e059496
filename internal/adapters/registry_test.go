package adapters

import (
	"context"
	"net/http"
	"testing"

	"github.com/alekspetrov/recap/internal/completion"
)

// stubTracker is a minimal Tracker for testing the registry.
type stubTracker struct {
	name string
}

func (s *stubTracker) Name() string { return s.name }

func (s *stubTracker) GetItem(context.Context, string) (*completion.Item, error) {
	return &completion.Item{}, nil
}

func (s *stubTracker) GetHistory(context.Context, string) ([]completion.Comment, error) {
	return nil, nil
}

func (s *stubTracker) AddComment(context.Context, string, string) error { return nil }

func (s *stubTracker) DisplayURL(key string) string { return s.name + "/" + key }

func (s *stubTracker) ParseWebhook(*http.Request, []byte) (completion.Event, error) {
	return completion.Event{Source: s.name}, nil
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTracker{name: "backlog"})

	got := r.Get("backlog")
	if got == nil {
		t.Fatal("Get returned nil for registered tracker")
	}
	if got.Name() != "backlog" {
		t.Errorf("Name() = %q, want %q", got.Name(), "backlog")
	}
	if r.Get("nonexistent") != nil {
		t.Error("Get returned non-nil for unregistered tracker")
	}
}

func TestNames(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTracker{name: "jira"})
	r.Register(&stubTracker{name: "backlog"})

	names := r.Names()
	if len(names) != 2 || names[0] != "backlog" || names[1] != "jira" {
		t.Errorf("Names() = %v, want [backlog jira]", names)
	}
}

func TestFor(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTracker{name: "jira"})

	repo, err := r.For("jira")
	if err != nil {
		t.Fatalf("For() error = %v", err)
	}
	if got := repo.DisplayURL("X-1"); got != "jira/X-1" {
		t.Errorf("DisplayURL() = %q", got)
	}
	if _, err := r.For("asana"); err == nil {
		t.Error("For() with an unknown source should fail")
	}
}

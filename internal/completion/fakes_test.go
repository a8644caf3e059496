package completion_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alekspetrov/recap/internal/completion"
	"github.com/alekspetrov/recap/internal/durable"
	"github.com/alekspetrov/recap/internal/store/memory"
)

var errUnavailable = errors.New("service unavailable")

type fakeRepo struct {
	mu          sync.Mutex
	items       map[string]*completion.Item
	history     map[string][]completion.Comment
	comments    map[string][]string
	getCalls    int
	commentErrs int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		items:    make(map[string]*completion.Item),
		history:  make(map[string][]completion.Comment),
		comments: make(map[string][]string),
	}
}

func (r *fakeRepo) GetItem(_ context.Context, key string) (*completion.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getCalls++
	it, ok := r.items[key]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", key, durable.ErrNotFound)
	}
	cp := *it
	return &cp, nil
}

func (r *fakeRepo) GetHistory(_ context.Context, key string) ([]completion.Comment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]completion.Comment(nil), r.history[key]...), nil
}

func (r *fakeRepo) AddComment(_ context.Context, key, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commentErrs > 0 {
		r.commentErrs--
		return errUnavailable
	}
	r.comments[key] = append(r.comments[key], text)
	return nil
}

func (r *fakeRepo) DisplayURL(key string) string {
	return "https://example.backlog.com/view/" + key
}

func (r *fakeRepo) commentsOn(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.comments[key]...)
}

type fakeNotifier struct {
	mu        sync.Mutex
	posted    []completion.Message
	updated   []completion.Message
	failPosts int
	seq       int
}

func (n *fakeNotifier) PostMessage(_ context.Context, msg completion.Message) (*completion.PostedMessage, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failPosts > 0 {
		n.failPosts--
		return nil, errUnavailable
	}
	n.seq++
	n.posted = append(n.posted, msg)
	return &completion.PostedMessage{Channel: "C123", Timestamp: fmt.Sprintf("1700000000.%06d", n.seq)}, nil
}

func (n *fakeNotifier) UpdateMessage(_ context.Context, _ completion.PostedMessage, msg completion.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updated = append(n.updated, msg)
	return nil
}

func (n *fakeNotifier) messages() []completion.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]completion.Message(nil), n.posted...)
}

// callbackID returns the callback carried by the first approval request.
func (n *fakeNotifier) callbackID(t *testing.T) string {
	t.Helper()
	for _, msg := range n.messages() {
		for _, b := range msg.Blocks {
			if b.Kind != completion.BlockActions || len(b.Buttons) == 0 {
				continue
			}
			in, err := completion.ParseAction(b.Buttons[0].Value, "")
			if err != nil {
				t.Fatalf("ParseAction() error = %v", err)
			}
			return in.CallbackID
		}
	}
	t.Fatal("no approval request posted")
	return ""
}

type fakeSummarizer struct {
	mu      sync.Mutex
	text    string
	calls   int
	prompts []string
}

func (s *fakeSummarizer) Generate(_ context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.prompts = append(s.prompts, prompt)
	return s.text, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	store      *memory.Store
	registry   *durable.Registry
	exec       *durable.Executor
	repo       *fakeRepo
	notifier   *fakeNotifier
	summarizer *fakeSummarizer
	clock      *clock
	trigger    *completion.Trigger
	resolver   *completion.Resolver
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.New()
	c := &clock{now: time.Now().UTC()}
	registry := durable.NewRegistry(store)
	registry.SetClock(c.Now)

	exec := durable.NewExecutor(store, registry, durable.Options{
		Workers: 1,
		Retry: durable.RetryPolicy{
			MaxAttempts:       3,
			InitialBackoff:    time.Hour,
			BackoffMultiplier: 1,
		},
	})

	repo := newFakeRepo()
	repo.items["PROJ-42"] = &completion.Item{Key: "PROJ-42", Summary: "Fix login", Description: "Users cannot log in."}
	repo.history["PROJ-42"] = []completion.Comment{
		{AuthorName: "alice", Content: "Root cause found.", CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	notifier := &fakeNotifier{}
	summarizer := &fakeSummarizer{text: "Fixed."}

	exec.Register(completion.NewWorkflow(completion.SingleRepository(repo), notifier, summarizer, 24*time.Hour))

	return &env{
		store:      store,
		registry:   registry,
		exec:       exec,
		repo:       repo,
		notifier:   notifier,
		summarizer: summarizer,
		clock:      c,
		trigger:    completion.NewTrigger(exec),
		resolver:   completion.NewResolver(registry),
	}
}

// completedEvent is the webhook for PROJ-42 moving to resolved.
func completedEvent(id string) completion.Event {
	return completion.Event{
		ID:           id,
		Source:       "backlog",
		Type:         completion.EventItemUpdated,
		ItemKey:      "PROJ-42",
		ProjectKey:   "PROJ",
		StatusChange: &completion.StatusChange{From: completion.StatusInProgress, To: completion.StatusResolved},
	}
}

// start triggers the workflow and runs the first pass up to suspension.
func (e *env) start(t *testing.T) string {
	t.Helper()
	res, err := e.trigger.Handle(context.Background(), completedEvent("evt-1"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.Status != completion.TriggerInvoked {
		t.Fatalf("Handle() status = %s, want invoked", res.Status)
	}
	e.execute(t, res.InstanceID)
	e.requireStatus(t, res.InstanceID, durable.StatusSuspended)
	return res.InstanceID
}

func (e *env) execute(t *testing.T, id string) {
	t.Helper()
	if err := e.exec.Execute(context.Background(), id); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
}

func (e *env) requireStatus(t *testing.T, id string, want durable.Status) *durable.Instance {
	t.Helper()
	inst, err := e.store.GetInstance(context.Background(), id)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if inst.Status != want {
		t.Fatalf("status = %s (error %q), want %s", inst.Status, inst.Error, want)
	}
	return inst
}

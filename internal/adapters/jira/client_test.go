package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/alekspetrov/recap/internal/durable"
	"github.com/alekspetrov/recap/internal/testutil"
)

func TestClientGetIssue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/3/issue/PROJ-42" {
			t.Errorf("path = %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "bot@example.com" || pass != testutil.FakeJiraToken {
			t.Errorf("basic auth = %q %q %v", user, pass, ok)
		}
		_, _ = w.Write([]byte(`{
			"id": "10042",
			"key": "PROJ-42",
			"fields": {
				"summary": "Fix login",
				"description": {"type":"doc","version":1,"content":[
					{"type":"paragraph","content":[{"type":"text","text":"Users cannot "},{"type":"text","text":"log in."}]}
				]},
				"status": {"name": "Done", "statusCategory": {"key": "done"}},
				"project": {"key": "PROJ"}
			}
		}`))
	}))
	defer server.Close()

	a := NewAdapter(&Config{Platform: PlatformCloud, BaseURL: server.URL, Username: "bot@example.com", APIToken: testutil.FakeJiraToken})
	item, err := a.GetItem(context.Background(), "PROJ-42")
	if err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}
	if item.Key != "PROJ-42" || item.Summary != "Fix login" {
		t.Errorf("item = %+v", item)
	}
	if item.Description != "Users cannot log in." {
		t.Errorf("Description = %q", item.Description)
	}
}

func TestClientServerUsesV2(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/rest/api/2/") {
			t.Errorf("path = %s, want api v2", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"key":"OPS-1","fields":{"summary":"s","description":"plain text"}}`))
	}))
	defer server.Close()

	issue, err := NewClient(server.URL, "u", "t", PlatformServer).GetIssue(context.Background(), "OPS-1")
	if err != nil {
		t.Fatalf("GetIssue() error = %v", err)
	}
	if got := TextOf(issue.Fields.Description); got != "plain text" {
		t.Errorf("description = %q", got)
	}
}

func TestClientGetCommentsPaginates(t *testing.T) {
	const total = 150
	var pages int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages++
		startAt, _ := strconv.Atoi(r.URL.Query().Get("startAt"))
		if r.URL.Query().Get("orderBy") != "created" {
			t.Errorf("orderBy = %q", r.URL.Query().Get("orderBy"))
		}
		var comments []string
		for i := startAt; i < total && i < startAt+commentPageSize; i++ {
			body := fmt.Sprintf("%q", fmt.Sprintf("comment %d", i))
			if i == 3 {
				body = `""`
			}
			comments = append(comments, fmt.Sprintf(
				`{"id":"%d","body":%s,"author":{"displayName":"Alice"},"created":"2026-03-01T09:00:00.000+0000"}`, i, body))
		}
		fmt.Fprintf(w, `{"startAt":%d,"maxResults":%d,"total":%d,"comments":[%s]}`,
			startAt, commentPageSize, total, strings.Join(comments, ","))
	}))
	defer server.Close()

	a := NewAdapter(&Config{Platform: PlatformServer, BaseURL: server.URL})
	history, err := a.GetHistory(context.Background(), "PROJ-42")
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if pages != 2 {
		t.Errorf("pages = %d, want 2", pages)
	}
	if len(history) != total-1 {
		t.Fatalf("history = %d entries, want %d", len(history), total-1)
	}
	if history[0].Content != "comment 0" || history[0].AuthorName != "Alice" {
		t.Errorf("first = %+v", history[0])
	}
	if history[0].CreatedAt.Hour() != 9 {
		t.Errorf("CreatedAt = %v", history[0].CreatedAt)
	}
}

func TestClientAddComment(t *testing.T) {
	tests := []struct {
		platform string
		check    func(t *testing.T, body map[string]any)
	}{
		{PlatformCloud, func(t *testing.T, body map[string]any) {
			doc, ok := body["body"].(map[string]any)
			if !ok || doc["type"] != "doc" {
				t.Fatalf("body = %v, want ADF document", body["body"])
			}
			if content, _ := doc["content"].([]any); len(content) != 3 {
				t.Errorf("paragraphs = %d, want 3", len(content))
			}
		}},
		{PlatformServer, func(t *testing.T, body map[string]any) {
			if body["body"] != "## Summary\n\nFixed." {
				t.Errorf("body = %v", body["body"])
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.platform, func(t *testing.T) {
			var got map[string]any
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/issue/PROJ-42/comment") {
					t.Errorf("%s %s", r.Method, r.URL.Path)
				}
				if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
					t.Errorf("decode: %v", err)
				}
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte(`{"id":"1"}`))
			}))
			defer server.Close()

			a := NewAdapter(&Config{Platform: tt.platform, BaseURL: server.URL})
			if err := a.AddComment(context.Background(), "PROJ-42", "## Summary\n\nFixed."); err != nil {
				t.Fatalf("AddComment() error = %v", err)
			}
			tt.check(t, got)
		})
	}
}

func TestClientErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusNotFound, true},
		{http.StatusForbidden, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := NewClient(server.URL, "u", "t", PlatformCloud).GetIssue(context.Background(), "PROJ-1")
			if err == nil {
				t.Fatal("GetIssue() should fail")
			}
			if durable.IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", durable.IsPermanent(err), tt.permanent)
			}
		})
	}
}

func TestClientAPIErrorMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errorMessages":["Issue does not exist or you do not have permission to see it."],"errors":{}}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "u", "t", PlatformCloud, WithHTTPClient(server.Client())).GetIssue(context.Background(), "PROJ-404")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || len(apiErr.Messages) != 1 || !strings.Contains(apiErr.Messages[0], "does not exist") {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestBrowseURL(t *testing.T) {
	a := NewAdapter(&Config{BaseURL: "https://example.atlassian.net/"})
	if got := a.DisplayURL("PROJ-42"); got != "https://example.atlassian.net/browse/PROJ-42" {
		t.Errorf("DisplayURL() = %q", got)
	}
}

package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alekspetrov/recap/internal/completion"
	"github.com/alekspetrov/recap/internal/durable"
	"github.com/alekspetrov/recap/internal/testutil"
)

type recordingResolver struct {
	got []completion.Interaction
	ack completion.Ack
}

func (r *recordingResolver) Resolve(_ context.Context, in completion.Interaction) completion.Ack {
	r.got = append(r.got, in)
	return r.ack
}

func interactionBody(t *testing.T, typ, value string) []byte {
	t.Helper()
	payload := map[string]any{
		"type": typ,
		"user": map[string]string{"id": "U1", "username": "bob.smith", "name": "bob"},
		"actions": []map[string]string{
			{"type": "button", "action_id": completion.ActionApprove, "block_id": completion.ApprovalActionsBlock, "value": value},
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return []byte(url.Values{"payload": {string(raw)}}.Encode())
}

func signedRequest(body []byte, at time.Time) *http.Request {
	ts := strconv.FormatInt(at.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/slack", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", Sign(testutil.FakeSlackSigningSecret, ts, body))
	return req
}

func TestVerifySignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte("payload=x")
	ts := strconv.FormatInt(now.Unix(), 10)
	good := Sign(testutil.FakeSlackSigningSecret, ts, body)

	tests := []struct {
		name      string
		timestamp string
		signature string
		now       time.Time
		wantErr   bool
	}{
		{"valid", ts, good, now, false},
		{"within window", ts, good, now.Add(4 * time.Minute), false},
		{"stale", ts, good, now.Add(6 * time.Minute), true},
		{"future", ts, good, now.Add(-6 * time.Minute), true},
		{"tampered", ts, "v0=" + strings.Repeat("0", 64), now, true},
		{"bad timestamp", "abc", good, now, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(testutil.FakeSlackSigningSecret, tt.timestamp, body, tt.signature, tt.now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("VerifySignature() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSignature) {
				t.Errorf("error = %v, want ErrInvalidSignature", err)
			}
		})
	}
}

func TestParseInteraction(t *testing.T) {
	in, ok, err := ParseInteraction(interactionBody(t, "block_actions", `{"callbackId":"cb-9","approved":true}`))
	if err != nil || !ok {
		t.Fatalf("ParseInteraction() = %v, %v", ok, err)
	}
	want := completion.Interaction{CallbackID: "cb-9", Approved: true, ActorName: "bob"}
	if in != want {
		t.Errorf("ParseInteraction() = %+v, want %+v", in, want)
	}

	if _, ok, err := ParseInteraction(interactionBody(t, "view_submission", "{}")); ok || err != nil {
		t.Errorf("non-button interaction = %v, %v; want ignored", ok, err)
	}

	other, _ := json.Marshal(map[string]any{
		"type":    "block_actions",
		"user":    map[string]string{"id": "U7"},
		"actions": []map[string]string{{"block_id": "some_other_block", "value": "x"}},
	})
	if _, ok, err := ParseInteraction([]byte(url.Values{"payload": {string(other)}}.Encode())); ok || err != nil {
		t.Errorf("click outside the approval block = %v, %v; want ignored", ok, err)
	}

	for name, body := range map[string][]byte{
		"missing payload": []byte("foo=bar"),
		"bad json":        []byte("payload=%7Bnope"),
		"bad value":       interactionBody(t, "block_actions", "approve"),
	} {
		t.Run(name, func(t *testing.T) {
			if _, _, err := ParseInteraction(body); !durable.IsValidation(err) {
				t.Errorf("ParseInteraction() error = %v, want validation error", err)
			}
		})
	}
}

func TestInteractionHandler(t *testing.T) {
	now := time.Now()
	body := interactionBody(t, "block_actions", `{"callbackId":"cb-1","approved":false}`)

	t.Run("signed", func(t *testing.T) {
		resolver := &recordingResolver{ack: completion.Ack{ReplaceOriginal: true, Text: "❌ bob rejected."}}
		h := NewInteractionHandler(testutil.FakeSlackSigningSecret, resolver)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedRequest(body, now))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		var ack completion.Ack
		if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
			t.Fatalf("decode ack: %v", err)
		}
		if !ack.ReplaceOriginal || ack.Text != "❌ bob rejected." {
			t.Errorf("ack = %+v", ack)
		}
		if len(resolver.got) != 1 || resolver.got[0].Approved {
			t.Errorf("resolved = %+v", resolver.got)
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		resolver := &recordingResolver{}
		h := NewInteractionHandler(testutil.FakeSlackSigningSecret, resolver)
		req := signedRequest(body, now)
		req.Header.Set("X-Slack-Signature", "v0=deadbeef")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
		if len(resolver.got) != 0 {
			t.Error("resolver called for an unsigned request")
		}
	})

	t.Run("invalid payload", func(t *testing.T) {
		h := NewInteractionHandler("", &recordingResolver{})
		req := httptest.NewRequest(http.MethodPost, "/webhooks/slack", strings.NewReader("payload="))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("method", func(t *testing.T) {
		h := NewInteractionHandler("", &recordingResolver{})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/slack", nil))
		if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != http.MethodPost {
			t.Errorf("status = %d, Allow = %q", rec.Code, rec.Header().Get("Allow"))
		}
	})
}

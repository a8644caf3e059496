package slack

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/alekspetrov/recap/internal/completion"
	"github.com/alekspetrov/recap/internal/durable"
	"github.com/alekspetrov/recap/internal/logging"
)

const maxBodyBytes = 1 << 20

// Resolver applies a reviewer decision.
type Resolver interface {
	Resolve(ctx context.Context, in completion.Interaction) completion.Ack
}

// InteractionHandler serves the Slack interactivity request URL.
type InteractionHandler struct {
	signingSecret string
	resolver      Resolver
	now           func() time.Time
	log           *slog.Logger
}

// NewInteractionHandler creates a handler resolving button clicks through
// resolver. An empty signing secret disables signature checks.
func NewInteractionHandler(signingSecret string, resolver Resolver) *InteractionHandler {
	return &InteractionHandler{
		signingSecret: signingSecret,
		resolver:      resolver,
		now:           time.Now,
		log:           logging.WithComponent("slack.interaction"),
	}
}

// ServeHTTP verifies, decodes and resolves one interaction. The JSON reply
// tells Slack whether to replace the original message.
func (h *InteractionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{"method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.log.Error("Failed to read interaction body", slog.Any("error", err))
		writeJSON(w, http.StatusBadRequest, errorBody{"failed to read body"})
		return
	}

	if h.signingSecret != "" {
		if err := VerifySignature(h.signingSecret, r.Header.Get(headerTimestamp), body, r.Header.Get(headerSignature), h.now()); err != nil {
			h.log.Warn("Invalid Slack signature", slog.Any("error", err))
			writeJSON(w, http.StatusUnauthorized, errorBody{"invalid signature"})
			return
		}
	}

	in, ok, err := ParseInteraction(body)
	switch {
	case err != nil:
		h.log.Warn("Rejected interaction payload", slog.Any("error", err))
		writeJSON(w, http.StatusBadRequest, errorBody{err.Error()})
	case !ok:
		w.WriteHeader(http.StatusOK)
	default:
		ctx := logging.ContextWithCallbackID(r.Context(), in.CallbackID)
		writeJSON(w, http.StatusOK, h.resolver.Resolve(ctx, in))
	}
}

// blockActions is the subset of a block_actions payload the approval flow
// reads.
type blockActions struct {
	Type string `json:"type"`
	User struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Name     string `json:"name"`
	} `json:"user"`
	Actions []struct {
		ActionID string `json:"action_id"`
		BlockID  string `json:"block_id"`
		Value    string `json:"value"`
	} `json:"actions"`
}

func (p *blockActions) actor() string {
	for _, s := range []string{p.User.Name, p.User.Username, p.User.ID} {
		if s != "" {
			return s
		}
	}
	return ""
}

// ParseInteraction decodes a form-encoded interaction request. It reports
// false for payloads that are not clicks on the approval buttons.
func ParseInteraction(body []byte) (completion.Interaction, bool, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return completion.Interaction{}, false, durable.NewValidationError("body", "invalid form data: %v", err)
	}
	raw := form.Get("payload")
	if raw == "" {
		return completion.Interaction{}, false, durable.NewValidationError("payload", "payload is required")
	}

	var p blockActions
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return completion.Interaction{}, false, durable.NewValidationError("payload", "invalid JSON in payload")
	}
	if p.Type != "block_actions" {
		return completion.Interaction{}, false, nil
	}
	if len(p.Actions) == 0 {
		return completion.Interaction{}, false, durable.NewValidationError("actions", "at least one action is required")
	}

	for _, a := range p.Actions {
		if a.BlockID != "" && a.BlockID != completion.ApprovalActionsBlock {
			continue
		}
		in, err := completion.ParseAction(a.Value, p.actor())
		if err != nil {
			return completion.Interaction{}, false, err
		}
		return in, true, nil
	}
	return completion.Interaction{}, false, nil
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

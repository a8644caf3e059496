package completion

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/alekspetrov/recap/internal/durable"
	"github.com/alekspetrov/recap/internal/logging"
)

// Interaction is a reviewer's click on an approval button.
type Interaction struct {
	CallbackID string
	Approved   bool
	ActorName  string
}

// ParseAction decodes a button value posted back by the chat platform.
func ParseAction(value, actor string) (Interaction, error) {
	var v ActionValue
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		return Interaction{}, durable.NewValidationError("value", "malformed action value: %v", err)
	}
	if strings.TrimSpace(v.CallbackID) == "" {
		return Interaction{}, durable.NewValidationError("callbackId", "action value has no callback ID")
	}
	if actor == "" {
		actor = "unknown"
	}
	return Interaction{CallbackID: v.CallbackID, Approved: v.Approved, ActorName: actor}, nil
}

// CallbackResolver settles callbacks.
type CallbackResolver interface {
	ResolveSuccess(ctx context.Context, id string, payload any) bool
	ResolveFailure(ctx context.Context, id string, payload any) bool
}

// Ack is the immediate reply to an interaction.
type Ack struct {
	ReplaceOriginal bool   `json:"replace_original"`
	Text            string `json:"text"`
}

const ackNotApplied = "This approval request was already handled or has expired."

// Resolver turns reviewer clicks into callback resolutions.
type Resolver struct {
	callbacks CallbackResolver
	now       func() time.Time
	log       *slog.Logger
}

// NewResolver creates a resolver backed by callbacks.
func NewResolver(callbacks CallbackResolver) *Resolver {
	return &Resolver{
		callbacks: callbacks,
		now:       func() time.Time { return time.Now().UTC() },
		log:       logging.WithComponent("completion.resolver"),
	}
}

// Resolve records the reviewer's decision. Clicks on an unknown, settled or
// expired callback change nothing and get a neutral reply that leaves the
// original message in place.
func (r *Resolver) Resolve(ctx context.Context, in Interaction) Ack {
	var applied bool
	if in.Approved {
		applied = r.callbacks.ResolveSuccess(ctx, in.CallbackID, Approval{
			Approved:   true,
			ApprovedBy: in.ActorName,
			ApprovedAt: r.now(),
		})
	} else {
		applied = r.callbacks.ResolveFailure(ctx, in.CallbackID, Rejection{RejectedBy: in.ActorName})
	}

	r.log.InfoContext(ctx, "Approval interaction",
		slog.String("callback_id", in.CallbackID),
		slog.String("actor", in.ActorName),
		slog.Bool("approved", in.Approved),
		slog.Bool("applied", applied))

	if !applied {
		return Ack{Text: ackNotApplied}
	}
	if in.Approved {
		return Ack{ReplaceOriginal: true, Text: "✅ " + in.ActorName + " approved. Posting comment..."}
	}
	return Ack{ReplaceOriginal: true, Text: "❌ " + in.ActorName + " rejected."}
}

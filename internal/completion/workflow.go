package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alekspetrov/recap/internal/durable"
)

// WorkflowName is the registered name of the approval workflow.
const WorkflowName = "completion-approval"

// DefaultApprovalTimeout is how long a reviewer has to answer.
const DefaultApprovalTimeout = 24 * time.Hour

// Step names. They key the checkpoints, so renaming one breaks replay of
// instances already in flight.
const (
	StepFetchDetails         = "fetch-details"
	StepGenerateSummary      = "generate-summary"
	StepCreateCallback       = "create-callback"
	StepSendApprovalRequest  = "send-approval-request"
	StepSendSummaryDetail    = "send-summary-detail"
	StepAwaitApproval        = "await-approval"
	StepPostComment          = "post-comment"
	StepCloseApprovalRequest = "close-approval-request"
	StepSendCompletionNotice = "send-completion-notice"
	StepSendFailureNotice    = "send-failure-notice"
)

const approvalCallbackName = "approval"

// Workflow summarizes a completed item and posts the summary back once a
// reviewer approves it.
type Workflow struct {
	repos      Repositories
	notifier   Notifier
	summarizer Summarizer
	timeout    time.Duration
}

// NewWorkflow creates the workflow. A non-positive timeout falls back to
// DefaultApprovalTimeout.
func NewWorkflow(repos Repositories, notifier Notifier, summarizer Summarizer, approvalTimeout time.Duration) *Workflow {
	if approvalTimeout <= 0 {
		approvalTimeout = DefaultApprovalTimeout
	}
	return &Workflow{
		repos:      repos,
		notifier:   notifier,
		summarizer: summarizer,
		timeout:    approvalTimeout,
	}
}

// Name implements durable.Definition.
func (w *Workflow) Name() string { return WorkflowName }

// Run implements durable.Definition.
func (w *Workflow) Run(ctx context.Context, run *durable.Run) (durable.Outcome, error) {
	var seed Seed
	if err := run.Input(&seed); err != nil {
		return durable.Outcome{}, err
	}
	if seed.ItemKey == "" {
		return durable.Outcome{}, durable.Permanent(errors.New("input has no item key"))
	}
	key := seed.ItemKey
	repo, err := w.repos.For(seed.Source)
	if err != nil {
		return durable.Outcome{}, durable.Permanent(err)
	}

	details, err := durable.Step(ctx, run, StepFetchDetails, func(ctx context.Context) (Details, error) {
		return fetchDetails(ctx, repo, key)
	})
	if err != nil {
		return durable.Outcome{}, err
	}

	summary, err := durable.Step(ctx, run, StepGenerateSummary, func(ctx context.Context) (string, error) {
		text, err := w.summarizer.Generate(ctx, BuildPrompt(details))
		if err != nil {
			return "", fmt.Errorf("generate summary for %s: %w", key, err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return "", fmt.Errorf("summarizer returned an empty summary for %s", key)
		}
		return text, nil
	})
	if err != nil {
		return durable.Outcome{}, err
	}

	cb, err := durable.Step(ctx, run, StepCreateCallback, func(ctx context.Context) (*durable.Callback, error) {
		return run.CreateCallback(ctx, approvalCallbackName, w.timeout)
	})
	if err != nil {
		return durable.Outcome{}, err
	}

	posted, err := durable.Step(ctx, run, StepSendApprovalRequest, func(ctx context.Context) (PostedMessage, error) {
		p, err := w.notifier.PostMessage(ctx, ApprovalRequest(details, cb.ID))
		if err != nil {
			return PostedMessage{}, fmt.Errorf("post approval request: %w", err)
		}
		return *p, nil
	})
	if err != nil {
		return durable.Outcome{}, err
	}

	err = run.Do(ctx, StepSendSummaryDetail, func(ctx context.Context) error {
		if _, err := w.notifier.PostMessage(ctx, SummaryDetail(summary, posted.Timestamp)); err != nil {
			return fmt.Errorf("post summary detail: %w", err)
		}
		return nil
	})
	if err != nil {
		return durable.Outcome{}, err
	}

	res, err := run.Await(ctx, StepAwaitApproval, cb)
	if err != nil {
		return durable.Outcome{}, err
	}
	outcome, err := decodeOutcome(res)
	if err != nil {
		return durable.Outcome{}, err
	}

	result := Result{
		ItemKey:    key,
		Approved:   outcome.Approved,
		ApprovedBy: outcome.ApprovedBy,
		RejectedBy: outcome.RejectedBy,
		TimedOut:   outcome.TimedOut,
		Summary:    summary,
	}

	if outcome.Approved {
		err = run.Do(ctx, StepPostComment, func(ctx context.Context) error {
			if err := repo.AddComment(ctx, key, CommentBody(summary)); err != nil {
				return fmt.Errorf("add comment to %s: %w", key, err)
			}
			return nil
		})
		if err != nil {
			return durable.Outcome{}, err
		}
	} else if outcome.TimedOut {
		if err := w.closeApprovalRequest(ctx, run, posted, details); err != nil {
			return durable.Outcome{}, err
		}
	}

	err = run.Do(ctx, StepSendCompletionNotice, func(ctx context.Context) error {
		if _, err := w.notifier.PostMessage(ctx, CompletionNotice(key, outcome)); err != nil {
			return fmt.Errorf("post completion notice: %w", err)
		}
		return nil
	})
	if err != nil {
		return durable.Outcome{}, err
	}

	if outcome.Approved {
		result.Status = "approved"
		return durable.Completed(result), nil
	}
	result.Status = "rejected"
	if outcome.TimedOut {
		result.Status = "timed_out"
	}
	return durable.Rejected(result), nil
}

// OnFailure implements durable.FailureHandler.
func (w *Workflow) OnFailure(ctx context.Context, run *durable.Run, cause error) error {
	run.Logger().Warn("Notifying reviewers of failure", slog.String("cause", cause.Error()))
	return run.Do(ctx, StepSendFailureNotice, func(ctx context.Context) error {
		if _, err := w.notifier.PostMessage(ctx, FailureNotice(run.ItemKey(), run.ID())); err != nil {
			return fmt.Errorf("post failure notice: %w", err)
		}
		return nil
	})
}

func fetchDetails(ctx context.Context, repo Repository, key string) (Details, error) {
	var (
		item    *Item
		history []Comment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		it, err := repo.GetItem(gctx, key)
		if err != nil {
			return fmt.Errorf("get item %s: %w", key, err)
		}
		item = it
		return nil
	})
	g.Go(func() error {
		h, err := repo.GetHistory(gctx, key)
		if err != nil {
			return fmt.Errorf("get history of %s: %w", key, err)
		}
		history = h
		return nil
	})
	if err := g.Wait(); err != nil {
		return Details{}, err
	}
	if item == nil {
		return Details{}, fmt.Errorf("item %s not returned", key)
	}
	if item.Key == "" {
		item.Key = key
	}
	if history == nil {
		history = []Comment{}
	}
	return Details{Item: *item, History: history, URL: repo.DisplayURL(key)}, nil
}

// closeApprovalRequest replaces the expired approval message when the
// notifier supports edits. It never fails the workflow.
func (w *Workflow) closeApprovalRequest(ctx context.Context, run *durable.Run, posted PostedMessage, d Details) error {
	updater, ok := w.notifier.(MessageUpdater)
	if !ok {
		return nil
	}
	return run.Do(ctx, StepCloseApprovalRequest, func(ctx context.Context) error {
		if err := updater.UpdateMessage(ctx, posted, ExpiredRequest(d)); err != nil {
			run.Logger().Warn("Failed to close approval request", slog.Any("error", err))
		}
		return nil
	})
}

func decodeOutcome(res *durable.Resolution) (Outcome, error) {
	switch res.Kind {
	case durable.ResolutionSucceeded:
		var a Approval
		if err := json.Unmarshal(res.Payload, &a); err != nil {
			return Outcome{}, durable.Permanent(fmt.Errorf("decode approval: %w", err))
		}
		out := Outcome{Approved: a.Approved, ApprovedBy: a.ApprovedBy}
		if !a.ApprovedAt.IsZero() {
			at := a.ApprovedAt
			out.ApprovedAt = &at
		}
		return out, nil
	case durable.ResolutionFailed:
		var r Rejection
		if len(res.Payload) > 0 {
			if err := json.Unmarshal(res.Payload, &r); err != nil {
				return Outcome{}, durable.Permanent(fmt.Errorf("decode rejection: %w", err))
			}
		}
		return Outcome{RejectedBy: r.RejectedBy}, nil
	case durable.ResolutionTimedOut:
		return Outcome{TimedOut: true}, nil
	default:
		return Outcome{}, durable.Permanent(fmt.Errorf("unknown resolution kind %q", res.Kind))
	}
}

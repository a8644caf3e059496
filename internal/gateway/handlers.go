package gateway

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alekspetrov/recap/internal/completion"
	"github.com/alekspetrov/recap/internal/durable"
	"github.com/alekspetrov/recap/internal/logging"
)

const (
	maxWebhookBytes  = 1 << 20
	defaultListLimit = 50
	maximumListLimit = 500
)

// handleTrackerWebhook authenticates and normalizes a tracker webhook,
// then hands the event to the trigger. Ineligible events are acknowledged
// with 200 so the tracker does not redeliver them.
func (s *Server) handleTrackerWebhook(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")
	log := s.log.With(slog.String("source", source))

	tracker := s.deps.Trackers.Get(source)
	if tracker == nil {
		s.recordWebhook(source, writeError(w, log, fmt.Errorf("webhook source %q: %w", source, durable.ErrNotFound)))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		s.recordWebhook(source, writeError(w, log, durable.NewValidationError("body", "failed to read body: %v", err)))
		return
	}

	ev, err := tracker.ParseWebhook(r, body)
	if err != nil {
		s.recordWebhook(source, writeError(w, log, err))
		return
	}

	ctx := logging.ContextWithItemKey(r.Context(), ev.ItemKey)
	res, err := s.deps.Trigger.Handle(ctx, ev)
	if err != nil {
		s.recordWebhook(source, writeError(w, log, err))
		return
	}

	if s.deps.Recorder != nil {
		s.deps.Recorder.Webhook(source, string(res.Status))
	}
	status := http.StatusOK
	if res.Status == completion.TriggerInvoked {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) recordWebhook(source string, status int) {
	if s.deps.Recorder != nil {
		s.deps.Recorder.Webhook(source, resultLabel(status))
	}
}

type instanceList struct {
	Instances []*durable.Instance `json:"instances"`
	Count     int                 `json:"count"`
}

// handleListInstances serves GET /api/v1/instances?status=&item_key=&limit=.
func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := durable.InstanceFilter{ItemKey: q.Get("item_key"), Limit: defaultListLimit}

	for _, st := range q["status"] {
		status := durable.Status(st)
		if !status.Valid() {
			writeError(w, s.log, durable.NewValidationError("status", "unknown status %q", st))
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maximumListLimit {
			writeError(w, s.log, durable.NewValidationError("limit", "must be between 1 and %d", maximumListLimit))
			return
		}
		filter.Limit = n
	}

	insts, err := s.deps.Instances.List(r.Context(), filter)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if insts == nil {
		insts = []*durable.Instance{}
	}
	writeJSON(w, http.StatusOK, instanceList{Instances: insts, Count: len(insts)})
}

// handleGetInstance serves GET /api/v1/instances/{id} with checkpoints.
func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Instances.Inspect(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

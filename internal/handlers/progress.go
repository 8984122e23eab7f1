package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dreamforge/dreamforge-backend/internal/apperr"
	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/repos"
	"github.com/dreamforge/dreamforge-backend/internal/services"
	"github.com/dreamforge/dreamforge-backend/internal/types"
)

type StreamConfig struct {
	PollInterval time.Duration
	Heartbeat    time.Duration
}

type ProgressHandler struct {
	jobs     repos.JobRepo
	events   repos.EventRepo
	progress services.ProgressService
	cfg      StreamConfig
	log      *logger.Logger
}

func NewProgressHandler(jobs repos.JobRepo, events repos.EventRepo, progress services.ProgressService, cfg StreamConfig, log *logger.Logger) *ProgressHandler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	return &ProgressHandler{
		jobs:     jobs,
		events:   events,
		progress: progress,
		cfg:      cfg,
		log:      log.With("handler", "ProgressHandler"),
	}
}

// Snapshot handles GET /v1/jobs/:id/progress.
func (h *ProgressHandler) Snapshot(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondErr(c, apperr.New(apperr.CodeInvalidInput, "invalid job id"))
		return
	}
	snap, err := h.progress.Snapshot(c.Request.Context(), id)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, snap)
}

// sseEventName maps an event code onto the SSE event type.
func sseEventName(code string) string {
	switch code {
	case types.EventArtifactWritten:
		return "artifact"
	case types.EventError:
		return "error"
	default:
		return "log"
	}
}

type sseEvent struct {
	Ts      time.Time       `json:"ts"`
	Code    string          `json:"code"`
	Level   string          `json:"level"`
	Payload json.RawMessage `json:"payload"`
}

// Stream handles GET /v1/jobs/:id/stream. It polls the event log and the
// progress snapshot, emitting both until the job reaches a terminal status;
// the final progress frame is sent before the stream closes.
func (h *ProgressHandler) Stream(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondErr(c, apperr.New(apperr.CodeInvalidInput, "invalid job id"))
		return
	}

	ctx := c.Request.Context()
	job, err := h.jobs.Get(ctx, nil, id)
	if err != nil {
		RespondErr(c, err)
		return
	}
	if job == nil {
		RespondErr(c, apperr.Newf(apperr.CodeNotFound, "job %s not found", id))
		return
	}

	var cursor time.Time
	if raw := c.Query("since_ts"); raw != "" {
		t, pErr := time.Parse(time.RFC3339Nano, raw)
		if pErr != nil {
			RespondErr(c, apperr.New(apperr.CodeInvalidInput, "since_ts must be RFC3339"))
			return
		}
		cursor = t
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		RespondErr(c, apperr.New(apperr.CodeInternal, "streaming unsupported"))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	pollTicker := time.NewTicker(h.cfg.PollInterval)
	defer pollTicker.Stop()
	heartbeatTicker := time.NewTicker(h.cfg.Heartbeat)
	defer heartbeatTicker.Stop()

	// events sharing the cursor timestamp are deduped by id across polls
	sentAtCursor := map[uuid.UUID]bool{}

	writeFrame := func(event string, data any) bool {
		body, mErr := json.Marshal(data)
		if mErr != nil {
			return false
		}
		if _, wErr := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, body); wErr != nil {
			return false
		}
		return true
	}

	emit := func() (terminal bool, ok bool) {
		var since *time.Time
		if !cursor.IsZero() {
			t := cursor
			since = &t
		}
		events, iterErr := h.events.Iter(ctx, nil, id, since, h.logTailForFirstPoll(since))
		if iterErr != nil {
			h.log.Error("stream event poll failed", "job_id", id, "error", iterErr)
			return false, false
		}
		for _, ev := range events {
			if ev.Ts.Equal(cursor) && sentAtCursor[ev.ID] {
				continue
			}
			if ev.Ts.After(cursor) {
				cursor = ev.Ts
				sentAtCursor = map[uuid.UUID]bool{}
			}
			sentAtCursor[ev.ID] = true
			if !writeFrame(sseEventName(ev.Code), sseEvent{
				Ts:      ev.Ts,
				Code:    ev.Code,
				Level:   ev.Level,
				Payload: json.RawMessage(ev.Payload),
			}) {
				return false, false
			}
		}

		snap, snapErr := h.progress.Snapshot(ctx, id)
		if snapErr != nil {
			h.log.Error("stream progress poll failed", "job_id", id, "error", snapErr)
			return false, false
		}
		if !writeFrame("progress", snap) {
			return false, false
		}
		flusher.Flush()
		return types.IsTerminalStatus(snap.Status), true
	}

	if terminal, ok := emit(); !ok || terminal {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			if _, wErr := fmt.Fprint(c.Writer, ":\n\n"); wErr != nil {
				return
			}
			flusher.Flush()
		case <-pollTicker.C:
			if terminal, ok := emit(); !ok || terminal {
				return
			}
		}
	}
}

// logTailForFirstPoll keeps the initial un-cursored poll bounded; once a
// cursor exists the tail is ignored by the iterator.
func (h *ProgressHandler) logTailForFirstPoll(since *time.Time) int {
	if since != nil {
		return 0
	}
	return 500
}

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dreamforge/dreamforge-backend/internal/apperr"
	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/repos"
	"github.com/dreamforge/dreamforge-backend/internal/types"
)

type LogsConfig struct {
	TailDefault int
	TailMax     int
}

type LogsHandler struct {
	jobs   repos.JobRepo
	events repos.EventRepo
	cfg    LogsConfig
	log    *logger.Logger
}

func NewLogsHandler(jobs repos.JobRepo, events repos.EventRepo, cfg LogsConfig, log *logger.Logger) *LogsHandler {
	if cfg.TailDefault <= 0 {
		cfg.TailDefault = 500
	}
	if cfg.TailMax <= 0 {
		cfg.TailMax = 2000
	}
	return &LogsHandler{
		jobs:   jobs,
		events: events,
		cfg:    cfg,
		log:    log.With("handler", "LogsHandler"),
	}
}

// logLine is one NDJSON record derived from an event row.
type logLine struct {
	Ts        time.Time  `json:"ts"`
	Level     string     `json:"level"`
	Code      string     `json:"code"`
	Message   string     `json:"message"`
	JobID     uuid.UUID  `json:"job_id"`
	StepID    *uuid.UUID `json:"step_id,omitempty"`
	ItemIndex *int       `json:"item_index,omitempty"`
}

// EventToLogLine flattens an event into its log form. The message falls
// back to the event code when the payload carries none.
func EventToLogLine(ev *types.Event) logLine {
	line := logLine{
		Ts:     ev.Ts,
		Level:  ev.Level,
		Code:   ev.Code,
		JobID:  ev.JobID,
		StepID: ev.StepID,
	}
	var payload map[string]any
	_ = json.Unmarshal(ev.Payload, &payload)
	if msg, ok := payload["message"].(string); ok && msg != "" {
		line.Message = msg
	} else {
		line.Message = ev.Code
	}
	if idx, ok := payload["item_index"].(float64); ok {
		i := int(idx)
		line.ItemIndex = &i
	}
	return line
}

// Tail handles GET /v1/jobs/:id/logs, streaming NDJSON.
func (h *LogsHandler) Tail(c *gin.Context) {
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

	tail := h.cfg.TailDefault
	if raw := c.Query("tail"); raw != "" {
		n, pErr := strconv.Atoi(raw)
		if pErr != nil || n < 1 || n > h.cfg.TailMax {
			RespondErr(c, apperr.Newf(apperr.CodeInvalidInput, "tail must be in [1, %d]", h.cfg.TailMax))
			return
		}
		tail = n
	}

	var sinceTs *time.Time
	if raw := c.Query("since_ts"); raw != "" {
		t, pErr := time.Parse(time.RFC3339Nano, raw)
		if pErr != nil {
			RespondErr(c, apperr.New(apperr.CodeInvalidInput, "since_ts must be RFC3339"))
			return
		}
		sinceTs = &t
	}

	events, err := h.events.Iter(ctx, nil, id, sinceTs, tail)
	if err != nil {
		RespondErr(c, err)
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)
	enc := json.NewEncoder(c.Writer)
	for _, ev := range events {
		if err := enc.Encode(EventToLogLine(ev)); err != nil {
			h.log.Error("log stream write failed", "job_id", id, "error", err)
			return
		}
	}
}

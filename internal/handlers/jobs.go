package handlers

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dreamforge/dreamforge-backend/internal/apperr"
	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/metrics"
	"github.com/dreamforge/dreamforge-backend/internal/repos"
	"github.com/dreamforge/dreamforge-backend/internal/services"
	"github.com/dreamforge/dreamforge-backend/internal/types"
)

type JobsHandler struct {
	svc       services.JobService
	artifacts repos.ArtifactRepo
	metrics   *metrics.Metrics
	log       *logger.Logger
}

func NewJobsHandler(svc services.JobService, artifacts repos.ArtifactRepo, m *metrics.Metrics, log *logger.Logger) *JobsHandler {
	return &JobsHandler{
		svc:       svc,
		artifacts: artifacts,
		metrics:   m,
		log:       log.With("handler", "JobsHandler"),
	}
}

// submitJobRequest is the flat POST /v1/jobs body: the generate parameters
// inline next to the type discriminator.
type submitJobRequest struct {
	Type string `json:"type"`
	services.GenerateParams
}

type jobSummary struct {
	ID        uuid.UUID `json:"id"`
	Status    string    `json:"status"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

type stepSummary struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type jobStatusResponse struct {
	ID           uuid.UUID     `json:"id"`
	Type         string        `json:"type"`
	Status       string        `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Steps        []stepSummary `json:"steps"`
	Summary      gin.H         `json:"summary"`
	ErrorCode    *string       `json:"error_code,omitempty"`
	ErrorMessage *string       `json:"error_message,omitempty"`
}

// Submit handles POST /v1/jobs.
func (h *JobsHandler) Submit(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErr(c, apperr.Wrap(apperr.CodeInvalidInput, err))
		return
	}

	job, err := h.svc.Submit(c.Request.Context(), services.SubmitInput{
		Type:           req.Type,
		Params:         req.GenerateParams,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		RespondErr(c, err)
		return
	}
	h.metrics.JobsSubmitted.Inc()

	RespondOK(c, gin.H{"job": jobSummary{
		ID:        job.ID,
		Status:    job.Status,
		Type:      job.Type,
		CreatedAt: job.CreatedAt,
	}})
}

// Get handles GET /v1/jobs/:id.
func (h *JobsHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondErr(c, apperr.New(apperr.CodeInvalidInput, "invalid job id"))
		return
	}

	job, steps, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		RespondErr(c, err)
		return
	}

	var params services.GenerateParams
	_ = parseParams(job.Params, &params)
	count := params.CountValue()
	completed := 0
	if len(steps) > 0 {
		last := steps[len(steps)-1]
		n, cErr := h.artifacts.CountByStep(c.Request.Context(), nil, last.ID)
		if cErr != nil {
			RespondErr(c, cErr)
			return
		}
		completed = int(n)
	}

	summaries := make([]stepSummary, 0, len(steps))
	for _, st := range steps {
		summaries = append(summaries, stepSummary{Name: st.Name, Status: st.Status})
	}
	RespondOK(c, jobStatusResponse{
		ID:        job.ID,
		Type:      job.Type,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		Steps:     summaries,
		Summary: gin.H{
			"count":     count,
			"completed": completed,
		},
		ErrorCode:    job.ErrorCode,
		ErrorMessage: job.ErrorMessage,
	})
}

// List handles GET /v1/jobs.
func (h *JobsHandler) List(c *gin.Context) {
	status := c.Query("status")
	limit := repos.ListJobsLimitDefault
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > repos.ListJobsLimitMax {
			RespondErr(c, apperr.Newf(apperr.CodeInvalidInput, "limit must be in [1, %d]", repos.ListJobsLimitMax))
			return
		}
		limit = n
	}

	jobs, err := h.svc.List(c.Request.Context(), status, limit)
	if err != nil {
		RespondErr(c, err)
		return
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	RespondOK(c, gin.H{"jobs": jobs})
}

package handlers

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dreamforge/dreamforge-backend/internal/apperr"
	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/repos"
	"github.com/dreamforge/dreamforge-backend/internal/services"
	"github.com/dreamforge/dreamforge-backend/internal/types"
)

type ArtifactsHandler struct {
	jobs       repos.JobRepo
	artifacts  repos.ArtifactRepo
	store      services.ObjectStore
	defaultTTL time.Duration
	log        *logger.Logger
}

func NewArtifactsHandler(jobs repos.JobRepo, artifacts repos.ArtifactRepo, store services.ObjectStore, defaultTTL time.Duration, log *logger.Logger) *ArtifactsHandler {
	if defaultTTL <= 0 {
		defaultTTL = services.PresignTTLDefault
	}
	return &ArtifactsHandler{
		jobs:       jobs,
		artifacts:  artifacts,
		store:      store,
		defaultTTL: defaultTTL,
		log:        log.With("handler", "ArtifactsHandler"),
	}
}

type artifactView struct {
	*types.Artifact
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// List handles GET /v1/jobs/:id/artifacts. Each artifact carries a
// presigned GET URL; expires_in overrides the default TTL in seconds and
// is clamped server-side.
func (h *ArtifactsHandler) List(c *gin.Context) {
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

	ttl := h.defaultTTL
	if raw := c.Query("expires_in"); raw != "" {
		secs, pErr := strconv.Atoi(raw)
		if pErr != nil || secs <= 0 {
			RespondErr(c, apperr.New(apperr.CodeInvalidInput, "expires_in must be a positive integer"))
			return
		}
		ttl = time.Duration(secs) * time.Second
	}

	arts, err := h.artifacts.ListByJob(ctx, nil, id)
	if err != nil {
		RespondErr(c, err)
		return
	}

	views := make([]artifactView, 0, len(arts))
	for _, a := range arts {
		url, expiresAt, pErr := h.store.PresignGet(ctx, a.S3Key, ttl)
		if pErr != nil {
			RespondErr(c, pErr)
			return
		}
		views = append(views, artifactView{Artifact: a, URL: url, ExpiresAt: expiresAt})
	}
	RespondOK(c, gin.H{"artifacts": views})
}

package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dreamforge/dreamforge-backend/internal/apperr"
	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/repos"
	"github.com/dreamforge/dreamforge-backend/internal/types"
)

type ModelsHandler struct {
	models repos.ModelRepo
	log    *logger.Logger
}

func NewModelsHandler(models repos.ModelRepo, log *logger.Logger) *ModelsHandler {
	return &ModelsHandler{
		models: models,
		log:    log.With("handler", "ModelsHandler"),
	}
}

// List handles GET /v1/models. Only installed and enabled models appear
// unless ?all=true widens the listing to every registry entry.
func (h *ModelsHandler) List(c *gin.Context) {
	eligibleOnly := c.Query("all") != "true"
	models, err := h.models.List(c.Request.Context(), nil, eligibleOnly)
	if err != nil {
		RespondErr(c, err)
		return
	}
	if models == nil {
		models = []*types.Model{}
	}
	RespondOK(c, gin.H{"models": models})
}

// Get handles GET /v1/models/:id.
func (h *ModelsHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondErr(c, apperr.New(apperr.CodeInvalidInput, "invalid model id"))
		return
	}
	m, err := h.models.Get(c.Request.Context(), nil, id)
	if err != nil {
		RespondErr(c, err)
		return
	}
	if m == nil {
		RespondErr(c, apperr.Newf(apperr.CodeNotFound, "model %s not found", id))
		return
	}
	RespondOK(c, gin.H{"model": m})
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetEnabled handles PATCH /v1/models/:id/enabled.
func (h *ModelsHandler) SetEnabled(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondErr(c, apperr.New(apperr.CodeInvalidInput, "invalid model id"))
		return
	}
	var req setEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		RespondErr(c, apperr.New(apperr.CodeInvalidInput, "enabled is required"))
		return
	}

	ctx := c.Request.Context()
	m, err := h.models.Get(ctx, nil, id)
	if err != nil {
		RespondErr(c, err)
		return
	}
	if m == nil {
		RespondErr(c, apperr.Newf(apperr.CodeNotFound, "model %s not found", id))
		return
	}
	if err := h.models.SetEnabled(ctx, nil, id, *req.Enabled); err != nil {
		RespondErr(c, err)
		return
	}
	m.Enabled = *req.Enabled
	RespondOK(c, gin.H{"model": m})
}

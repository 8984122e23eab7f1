package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/dreamforge/dreamforge-backend/internal/apperr"
	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/queue"
	"github.com/dreamforge/dreamforge-backend/internal/repos"
	"github.com/dreamforge/dreamforge-backend/internal/types"
	"github.com/dreamforge/dreamforge-backend/internal/upscale"
)

const (
	CountMin     = 1
	CountMax     = 100
	CountDefault = 1

	FormatPNG = "png"

	GuidanceDefault = 7.0
)

// UpscaleParams is the optional second-stage request attached to a generate
// job. Its normalized form is persisted as the upscale step's metadata.
type UpscaleParams struct {
	Scale       int    `json:"scale"`
	Impl        string `json:"impl,omitempty"`
	StrictScale bool   `json:"strict_scale,omitempty"`
}

// ChainParams names the follow-up steps appended after generate.
type ChainParams struct {
	Upscale *UpscaleParams `json:"upscale,omitempty"`
}

// GenerateParams is the flat submit-time body of a generate job, minus the
// type discriminator. It is persisted verbatim as job.params.
type GenerateParams struct {
	Prompt         string       `json:"prompt"`
	NegativePrompt string       `json:"negative_prompt,omitempty"`
	Width          int          `json:"width"`
	Height         int          `json:"height"`
	Steps          int          `json:"steps"`
	Guidance       float64      `json:"guidance,omitempty"`
	Scheduler      string       `json:"scheduler,omitempty"`
	EmbedMetadata  *bool        `json:"embed_metadata,omitempty"`
	Seed           *int64       `json:"seed,omitempty"`
	Count          *int         `json:"count,omitempty"`
	Format         string       `json:"format,omitempty"`
	ModelID        *uuid.UUID   `json:"model_id,omitempty"`
	Chain          *ChainParams `json:"chain,omitempty"`
}

// CountValue is the effective batch size. An absent count means one; an
// explicit zero is rejected by validation before anything reads it.
func (p *GenerateParams) CountValue() int {
	if p.Count == nil {
		return CountDefault
	}
	return *p.Count
}

// Upscale returns the chained upscale request, if any.
func (p *GenerateParams) Upscale() *UpscaleParams {
	if p.Chain == nil {
		return nil
	}
	return p.Chain.Upscale
}

type SubmitInput struct {
	Type           string
	Params         GenerateParams
	IdempotencyKey string
}

type JobService interface {
	// Submit validates, persists the job with its step chain and enqueues
	// the first step. Enqueue failure fails the job and surfaces
	// infra_unavailable.
	Submit(ctx context.Context, in SubmitInput) (*types.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*types.Job, []*types.Step, error)
	List(ctx context.Context, status string, limit int) ([]*types.Job, error)
}

type jobService struct {
	jobs   repos.JobRepo
	events repos.EventRepo
	queue  queue.Queue
	log    *logger.Logger
}

func NewJobService(jobs repos.JobRepo, events repos.EventRepo, q queue.Queue, log *logger.Logger) JobService {
	return &jobService{
		jobs:   jobs,
		events: events,
		queue:  q,
		log:    log.With("service", "JobService"),
	}
}

// ValidateGenerate normalizes in place and returns invalid_input on the
// first violated rule.
func ValidateGenerate(p *GenerateParams) error {
	if p.Prompt == "" {
		return apperr.New(apperr.CodeInvalidInput, "prompt is required")
	}
	if p.Width <= 0 || p.Height <= 0 {
		return apperr.New(apperr.CodeInvalidInput, "width and height must be positive")
	}
	if p.Steps <= 0 {
		return apperr.New(apperr.CodeInvalidInput, "steps must be positive")
	}
	// count=0 is an explicit request, not an omission, and gets rejected
	if p.Count != nil && (*p.Count < CountMin || *p.Count > CountMax) {
		return apperr.Newf(apperr.CodeInvalidInput, "count must be in [%d, %d]", CountMin, CountMax)
	}
	if p.Guidance == 0 {
		p.Guidance = GuidanceDefault
	}
	if p.Format == "" {
		p.Format = FormatPNG
	}
	if p.Format != FormatPNG {
		return apperr.Newf(apperr.CodeInvalidInput, "unsupported format %q", p.Format)
	}
	if u := p.Upscale(); u != nil {
		if !upscale.ValidScale(u.Scale) {
			return apperr.Newf(apperr.CodeInvalidInput, "upscale.scale must be 2 or 4, got %d", u.Scale)
		}
		if u.Impl == "" {
			u.Impl = upscale.ImplAuto
		}
		switch u.Impl {
		case upscale.ImplAuto, upscale.ImplDiffusion, upscale.ImplGAN:
		default:
			return apperr.Newf(apperr.CodeInvalidInput, "upscale.impl must be auto, diffusion or gan, got %q", u.Impl)
		}
		// diffusion has no native 2x weights, so the strict combination can
		// never be honored; reject it up front.
		if u.StrictScale && u.Impl == upscale.ImplDiffusion && u.Scale == 2 {
			return apperr.New(apperr.CodeInvalidInput, "strict_scale with impl=diffusion and scale=2 is unsatisfiable")
		}
	}
	return nil
}

func (s *jobService) Submit(ctx context.Context, in SubmitInput) (*types.Job, error) {
	if in.Type != types.JobTypeGenerate {
		return nil, apperr.Newf(apperr.CodeInvalidInput, "unsupported job type %q", in.Type)
	}
	if err := ValidateGenerate(&in.Params); err != nil {
		return nil, err
	}

	chain := []repos.ChainStep{{Name: types.StepGenerate}}
	if up := in.Params.Upscale(); up != nil {
		chain = append(chain, repos.ChainStep{
			Name: types.StepUpscale,
			Metadata: map[string]any{
				"scale":        up.Scale,
				"impl":         up.Impl,
				"strict_scale": up.StrictScale,
			},
		})
	}

	paramsMap, err := toMap(in.Params)
	if err != nil {
		return nil, err
	}
	job, steps, err := s.jobs.CreateJobWithChain(ctx, nil, in.Type, paramsMap, in.IdempotencyKey, chain)
	if err != nil {
		return nil, err
	}
	s.log.Info("job submitted", "job_id", job.ID, "steps", len(steps))

	task := queue.Task{JobID: job.ID, StepName: steps[0].Name}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		enqueueErr := apperr.Wrap(apperr.CodeInfraUnavailable, fmt.Errorf("enqueue job: %w", err))
		if markErr := s.jobs.MarkStatus(ctx, nil, job.ID, types.StatusFailed, enqueueErr); markErr != nil {
			s.log.Error("failed to fail job after enqueue error", "job_id", job.ID, "error", markErr)
		}
		if _, evErr := s.events.Append(ctx, nil, job.ID, nil, types.EventError, types.LevelError, map[string]any{
			"code":    apperr.CodeInfraUnavailable,
			"message": enqueueErr.Message,
		}); evErr != nil {
			s.log.Error("failed to record enqueue error event", "job_id", job.ID, "error", evErr)
		}
		return nil, enqueueErr
	}
	return job, nil
}

func (s *jobService) Get(ctx context.Context, id uuid.UUID) (*types.Job, []*types.Step, error) {
	job, steps, err := s.jobs.GetWithSteps(ctx, nil, id)
	if err != nil {
		return nil, nil, err
	}
	if job == nil {
		return nil, nil, apperr.Newf(apperr.CodeNotFound, "job %s not found", id)
	}
	return job, steps, nil
}

func (s *jobService) List(ctx context.Context, status string, limit int) ([]*types.Job, error) {
	switch status {
	case "", types.StatusQueued, types.StatusRunning, types.StatusSucceeded, types.StatusFailed:
	default:
		return nil, apperr.Newf(apperr.CodeInvalidInput, "unknown status filter %q", status)
	}
	return s.jobs.List(ctx, nil, status, limit)
}

func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

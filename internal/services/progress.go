package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dreamforge/dreamforge-backend/internal/apperr"
	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/repos"
	"github.com/dreamforge/dreamforge-backend/internal/types"
)

const (
	stageQueuedWeight   = 0.1
	stageSamplingWeight = 0.8
	stageFinalizeWeight = 0.1
)

type Stage struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

type ItemProgress struct {
	ItemIndex int     `json:"item_index"`
	Progress  float64 `json:"progress"`
}

// ProgressSnapshot is a derived, point-in-time view. It is never persisted;
// every field recomputes from job, step and artifact state.
type ProgressSnapshot struct {
	JobID     uuid.UUID      `json:"job_id"`
	Status    string         `json:"status"`
	Progress  float64        `json:"progress"`
	Stages    []Stage        `json:"stages"`
	Items     []ItemProgress `json:"items"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type ProgressService interface {
	Snapshot(ctx context.Context, jobID uuid.UUID) (*ProgressSnapshot, error)
}

type progressService struct {
	jobs      repos.JobRepo
	artifacts repos.ArtifactRepo
	log       *logger.Logger
}

func NewProgressService(jobs repos.JobRepo, artifacts repos.ArtifactRepo, log *logger.Logger) ProgressService {
	return &progressService{
		jobs:      jobs,
		artifacts: artifacts,
		log:       log.With("service", "ProgressService"),
	}
}

func singleStepStages() []Stage {
	return []Stage{
		{Name: "queued_to_start", Weight: stageQueuedWeight},
		{Name: "sampling", Weight: stageSamplingWeight},
		{Name: "finalize", Weight: stageFinalizeWeight},
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// stepProgress is the step's completed-item fraction. A failed step keeps
// its artifact-derived fraction instead of snapping to an arbitrary value.
func stepProgress(status string, done, count int) float64 {
	if status == types.StatusSucceeded {
		return 1
	}
	if count < 1 {
		return 0
	}
	return clamp01(float64(done) / float64(count))
}

func (s *progressService) Snapshot(ctx context.Context, jobID uuid.UUID) (*ProgressSnapshot, error) {
	job, steps, err := s.jobs.GetWithSteps(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "job %s not found", jobID)
	}

	var params GenerateParams
	_ = unmarshalJSON(job.Params, &params)
	count := params.CountValue()
	if count < 1 {
		count = 1
	}

	counts := make(map[uuid.UUID]int, len(steps))
	for _, st := range steps {
		n, cErr := s.artifacts.CountByStep(ctx, nil, st.ID)
		if cErr != nil {
			return nil, cErr
		}
		counts[st.ID] = int(n)
	}

	snap := &ProgressSnapshot{
		JobID:     job.ID,
		Status:    job.Status,
		UpdatedAt: time.Now().UTC(),
	}

	// the aggregate is always the completed-item fraction per step; stage
	// weights are advisory for UIs and never enter the math
	switch len(steps) {
	case 0:
		snap.Progress = 0
		snap.Stages = singleStepStages()
	case 1:
		st := steps[0]
		snap.Stages = singleStepStages()
		snap.Progress = stepProgress(st.Status, counts[st.ID], count)
	default:
		// chained generate+upscale: equal halves
		gen, up := steps[0], steps[len(steps)-1]
		pGen := stepProgress(gen.Status, counts[gen.ID], count)
		pUp := stepProgress(up.Status, counts[up.ID], count)
		snap.Stages = []Stage{
			{Name: gen.Name, Weight: 0.5},
			{Name: up.Name, Weight: 0.5},
		}
		snap.Progress = clamp01((pGen + pUp) / 2)
	}

	if job.Status == types.StatusSucceeded {
		snap.Progress = 1
	}

	// items mirror the terminal step's artifacts: an item is done once its
	// artifact row exists
	if len(steps) > 0 {
		last := steps[len(steps)-1]
		arts, aErr := s.artifacts.ListByStep(ctx, nil, last.ID)
		if aErr != nil {
			return nil, aErr
		}
		haveItem := make(map[int]bool, len(arts))
		for _, a := range arts {
			haveItem[a.ItemIndex] = true
		}
		items := make([]ItemProgress, 0, count)
		for i := 0; i < count; i++ {
			p := 0.0
			if haveItem[i] {
				p = 1
			}
			items = append(items, ItemProgress{ItemIndex: i, Progress: p})
		}
		snap.Items = items
	}

	return snap, nil
}

package services

import (
	"context"
	"testing"

	"gorm.io/gorm"

	"github.com/dreamforge/dreamforge-backend/internal/db"
	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/repos"
	"github.com/dreamforge/dreamforge-backend/internal/types"
)

type progressFixture struct {
	gdb       *gorm.DB
	jobs      repos.JobRepo
	steps     repos.StepRepo
	artifacts repos.ArtifactRepo
	svc       ProgressService
}

func newProgressFixture(t *testing.T) *progressFixture {
	t.Helper()
	svc, err := db.NewTest(logger.NewNop())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := svc.AutoMigrateAll(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := logger.NewNop()
	f := &progressFixture{
		gdb:       svc.DB(),
		jobs:      repos.NewJobRepo(svc.DB(), log),
		steps:     repos.NewStepRepo(svc.DB(), log),
		artifacts: repos.NewArtifactRepo(svc.DB(), log),
	}
	f.svc = NewProgressService(f.jobs, f.artifacts, log)
	return f
}

func (f *progressFixture) addArtifacts(t *testing.T, job *types.Job, step *types.Step, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := f.artifacts.Insert(context.Background(), nil, repos.NewArtifact{
			JobID: job.ID, StepID: step.ID, Format: "png", Width: 8, Height: 8, ItemIndex: i, S3Key: "k",
		}); err != nil {
			t.Fatalf("insert artifact %d: %v", i, err)
		}
	}
}

func TestProgressSingleStep(t *testing.T) {
	f := newProgressFixture(t)
	ctx := context.Background()

	job, steps, err := f.jobs.CreateJobWithChain(ctx, nil, types.JobTypeGenerate,
		map[string]any{"prompt": "x", "width": 8, "height": 8, "steps": 1, "count": 4},
		"", []repos.ChainStep{{Name: types.StepGenerate}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	snap, err := f.svc.Snapshot(ctx, job.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Progress != 0 {
		t.Fatalf("queued progress = %v, want 0", snap.Progress)
	}
	if len(snap.Stages) != 3 {
		t.Fatalf("got %d stages, want 3", len(snap.Stages))
	}

	if err := f.steps.MarkRunning(ctx, nil, steps[0].ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := f.jobs.MarkStatus(ctx, nil, job.ID, types.StatusRunning, nil); err != nil {
		t.Fatalf("mark job running: %v", err)
	}
	f.addArtifacts(t, job, steps[0], 2)

	snap, err = f.svc.Snapshot(ctx, job.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	// 2 of 4 items written: the aggregate is the plain completed fraction
	if snap.Progress != 0.5 {
		t.Fatalf("running progress = %v, want 0.5", snap.Progress)
	}
	if snap.Items[0].Progress != 1 || snap.Items[2].Progress != 0 {
		t.Fatalf("items = %v, want items 0,1 done and 2,3 pending", snap.Items)
	}

	if err := f.steps.MarkFinished(ctx, nil, steps[0].ID, types.StatusSucceeded); err != nil {
		t.Fatalf("finish step: %v", err)
	}
	if err := f.jobs.MarkStatus(ctx, nil, job.ID, types.StatusSucceeded, nil); err != nil {
		t.Fatalf("finish job: %v", err)
	}
	snap, err = f.svc.Snapshot(ctx, job.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Progress != 1 {
		t.Fatalf("succeeded progress = %v, want 1", snap.Progress)
	}
}

func TestProgressChained(t *testing.T) {
	f := newProgressFixture(t)
	ctx := context.Background()

	job, steps, err := f.jobs.CreateJobWithChain(ctx, nil, types.JobTypeGenerate,
		map[string]any{"prompt": "x", "width": 8, "height": 8, "steps": 1, "count": 2},
		"", []repos.ChainStep{{Name: types.StepGenerate}, {Name: types.StepUpscale}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// generate finished, upscale still queued
	if err := f.steps.MarkFinished(ctx, nil, steps[0].ID, types.StatusSucceeded); err != nil {
		t.Fatalf("finish generate: %v", err)
	}
	f.addArtifacts(t, job, steps[0], 2)

	snap, err := f.svc.Snapshot(ctx, job.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Progress != 0.5 {
		t.Fatalf("progress = %v, want 0.5 with generate done and upscale queued", snap.Progress)
	}
	if len(snap.Stages) != 2 || snap.Stages[0].Name != types.StepGenerate || snap.Stages[1].Name != types.StepUpscale {
		t.Fatalf("stages = %v, want [generate, upscale]", snap.Stages)
	}

	// items mirror the terminal step, which has produced nothing yet
	for _, item := range snap.Items {
		if item.Progress != 0 {
			t.Fatalf("item %d progress = %v, want 0 until upscale writes it", item.ItemIndex, item.Progress)
		}
	}
}

func TestProgressFailedJobKeepsArtifactFraction(t *testing.T) {
	f := newProgressFixture(t)
	ctx := context.Background()

	job, steps, err := f.jobs.CreateJobWithChain(ctx, nil, types.JobTypeGenerate,
		map[string]any{"prompt": "x", "width": 8, "height": 8, "steps": 1, "count": 2},
		"", []repos.ChainStep{{Name: types.StepGenerate}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.steps.MarkFinished(ctx, nil, steps[0].ID, types.StatusFailed); err != nil {
		t.Fatalf("fail step: %v", err)
	}
	if err := f.jobs.MarkStatus(ctx, nil, job.ID, types.StatusFailed, nil); err != nil {
		t.Fatalf("fail job: %v", err)
	}
	f.addArtifacts(t, job, steps[0], 1)

	snap, err := f.svc.Snapshot(ctx, job.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Progress >= 1 {
		t.Fatalf("failed job progress = %v, must stay below 1", snap.Progress)
	}
	if snap.Status != types.StatusFailed {
		t.Fatalf("status = %q, want failed", snap.Status)
	}
}

package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"gorm.io/gorm"

	"github.com/dreamforge/dreamforge-backend/internal/apperr"
	"github.com/dreamforge/dreamforge-backend/internal/db"
	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/queue"
	"github.com/dreamforge/dreamforge-backend/internal/repos"
	"github.com/dreamforge/dreamforge-backend/internal/types"
)

func intPtr(n int) *int { return &n }

func chained(up UpscaleParams) *ChainParams {
	return &ChainParams{Upscale: &up}
}

func validParams() GenerateParams {
	return GenerateParams{
		Prompt: "a red fox in snow",
		Width:  512,
		Height: 512,
		Steps:  20,
	}
}

func TestValidateGenerate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*GenerateParams)
		wantErr bool
	}{
		{"valid defaults", func(p *GenerateParams) {}, false},
		{"missing prompt", func(p *GenerateParams) { p.Prompt = "" }, true},
		{"zero width", func(p *GenerateParams) { p.Width = 0 }, true},
		{"negative height", func(p *GenerateParams) { p.Height = -1 }, true},
		{"zero steps", func(p *GenerateParams) { p.Steps = 0 }, true},
		{"count explicit zero", func(p *GenerateParams) { p.Count = intPtr(0) }, true},
		{"count too large", func(p *GenerateParams) { p.Count = intPtr(101) }, true},
		{"count at max", func(p *GenerateParams) { p.Count = intPtr(100) }, false},
		{"bad format", func(p *GenerateParams) { p.Format = "jpeg" }, true},
		{"upscale bad scale", func(p *GenerateParams) { p.Chain = chained(UpscaleParams{Scale: 3}) }, true},
		{"upscale bad impl", func(p *GenerateParams) { p.Chain = chained(UpscaleParams{Scale: 2, Impl: "cnn"}) }, true},
		{"upscale auto 2x", func(p *GenerateParams) { p.Chain = chained(UpscaleParams{Scale: 2}) }, false},
		{"upscale diffusion 4x strict", func(p *GenerateParams) {
			p.Chain = chained(UpscaleParams{Scale: 4, Impl: "diffusion", StrictScale: true})
		}, false},
		{"upscale diffusion 2x strict", func(p *GenerateParams) {
			p.Chain = chained(UpscaleParams{Scale: 2, Impl: "diffusion", StrictScale: true})
		}, true},
		{"upscale diffusion 2x relaxed", func(p *GenerateParams) {
			p.Chain = chained(UpscaleParams{Scale: 2, Impl: "diffusion"})
		}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validParams()
			tc.mutate(&p)
			err := ValidateGenerate(&p)
			if tc.wantErr {
				var ae *apperr.Error
				if !errors.As(err, &ae) || ae.Code != apperr.CodeInvalidInput {
					t.Fatalf("error = %v, want invalid_input", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateGenerateDefaults(t *testing.T) {
	p := validParams()
	if err := ValidateGenerate(&p); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p.Count != nil || p.CountValue() != 1 {
		t.Fatalf("count = %v (effective %d), want absent with effective 1", p.Count, p.CountValue())
	}
	if p.Format != FormatPNG {
		t.Fatalf("format defaulted to %q, want png", p.Format)
	}
	if p.Guidance != GuidanceDefault {
		t.Fatalf("guidance defaulted to %v, want %v", p.Guidance, GuidanceDefault)
	}

	p = validParams()
	p.Chain = chained(UpscaleParams{Scale: 4})
	if err := ValidateGenerate(&p); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p.Upscale().Impl != "auto" {
		t.Fatalf("impl defaulted to %q, want auto", p.Upscale().Impl)
	}
}

type recordingQueue struct {
	tasks []queue.Task
	fail  bool
}

func (q *recordingQueue) Enqueue(_ context.Context, task queue.Task) error {
	if q.fail {
		return fmt.Errorf("broker down")
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func newJobServiceForTest(t *testing.T, q queue.Queue) (JobService, *gorm.DB) {
	t.Helper()
	svc, err := db.NewTest(logger.NewNop())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := svc.AutoMigrateAll(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := logger.NewNop()
	jobs := repos.NewJobRepo(svc.DB(), log)
	events := repos.NewEventRepo(svc.DB(), log)
	return NewJobService(jobs, events, q, log), svc.DB()
}

func TestSubmitBuildsChain(t *testing.T) {
	q := &recordingQueue{}
	svc, gdb := newJobServiceForTest(t, q)
	ctx := context.Background()

	p := validParams()
	p.Chain = chained(UpscaleParams{Scale: 2})
	job, err := svc.Submit(ctx, SubmitInput{Type: types.JobTypeGenerate, Params: p})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(q.tasks) != 1 || q.tasks[0].StepName != types.StepGenerate {
		t.Fatalf("enqueued tasks = %v, want one generate task", q.tasks)
	}

	var steps []*types.Step
	if err := gdb.Where("job_id = ?", job.ID).Order("created_at ASC").Find(&steps).Error; err != nil {
		t.Fatalf("load steps: %v", err)
	}
	if len(steps) != 2 || steps[0].Name != types.StepGenerate || steps[1].Name != types.StepUpscale {
		t.Fatalf("chain = %v, want [generate, upscale]", steps)
	}
}

func TestSubmitRejectsUnknownType(t *testing.T) {
	svc, _ := newJobServiceForTest(t, &recordingQueue{})

	_, err := svc.Submit(context.Background(), SubmitInput{Type: "train", Params: validParams()})
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Code != apperr.CodeInvalidInput {
		t.Fatalf("error = %v, want invalid_input", err)
	}
}

func TestSubmitEnqueueFailureFailsJob(t *testing.T) {
	svc, gdb := newJobServiceForTest(t, &recordingQueue{fail: true})
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitInput{Type: types.JobTypeGenerate, Params: validParams()})
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Code != apperr.CodeInfraUnavailable {
		t.Fatalf("error = %v, want infra_unavailable", err)
	}

	var job types.Job
	if err := gdb.First(&job).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.Status != types.StatusFailed {
		t.Fatalf("job status = %q, want failed after enqueue error", job.Status)
	}

	var events []*types.Event
	if err := gdb.Where("job_id = ?", job.ID).Find(&events).Error; err != nil {
		t.Fatalf("load events: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.Code == types.EventError && ev.Level == types.LevelError {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an error event after enqueue failure")
	}
}

func TestSubmitIdempotencyConflict(t *testing.T) {
	svc, _ := newJobServiceForTest(t, &recordingQueue{})
	ctx := context.Background()

	in := SubmitInput{Type: types.JobTypeGenerate, Params: validParams(), IdempotencyKey: "req-1"}
	if _, err := svc.Submit(ctx, in); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := svc.Submit(ctx, in)
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Code != apperr.CodeConflict {
		t.Fatalf("error = %v, want conflict", err)
	}
}

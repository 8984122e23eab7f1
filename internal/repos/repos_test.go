package repos

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dreamforge/dreamforge-backend/internal/apperr"
	"github.com/dreamforge/dreamforge-backend/internal/db"
	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/types"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	svc, err := db.NewTest(logger.NewNop())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := svc.AutoMigrateAll(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return svc.DB()
}

func TestCreateJobWithChainOrder(t *testing.T) {
	gdb := newTestDB(t)
	jobs := NewJobRepo(gdb, logger.NewNop())
	ctx := context.Background()

	job, steps, err := jobs.CreateJobWithChain(ctx, nil, types.JobTypeGenerate,
		map[string]any{"prompt": "a cat"}, "",
		[]ChainStep{
			{Name: types.StepGenerate},
			{Name: types.StepUpscale, Metadata: map[string]any{"scale": 2}},
		})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != types.StatusQueued {
		t.Fatalf("job status = %q, want queued", job.Status)
	}
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}

	_, got, err := jobs.GetWithSteps(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("get with steps: %v", err)
	}
	if got[0].Name != types.StepGenerate || got[1].Name != types.StepUpscale {
		t.Fatalf("step order = [%s, %s], want [generate, upscale]", got[0].Name, got[1].Name)
	}
	for _, st := range got {
		if st.Status != types.StatusQueued {
			t.Fatalf("step %s status = %q, want queued", st.Name, st.Status)
		}
	}
}

func TestIdempotencyKeyConflict(t *testing.T) {
	gdb := newTestDB(t)
	jobs := NewJobRepo(gdb, logger.NewNop())
	ctx := context.Background()
	chain := []ChainStep{{Name: types.StepGenerate}}

	if _, _, err := jobs.CreateJobWithChain(ctx, nil, types.JobTypeGenerate, nil, "key-1", chain); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, _, err := jobs.CreateJobWithChain(ctx, nil, types.JobTypeGenerate, nil, "key-1", chain)
	if err == nil {
		t.Fatal("second create with same key succeeded, want conflict")
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Code != apperr.CodeConflict {
		t.Fatalf("error = %v, want conflict", err)
	}

	// distinct keys and absent keys never collide
	if _, _, err := jobs.CreateJobWithChain(ctx, nil, types.JobTypeGenerate, nil, "key-2", chain); err != nil {
		t.Fatalf("create with new key: %v", err)
	}
	if _, _, err := jobs.CreateJobWithChain(ctx, nil, types.JobTypeGenerate, nil, "", chain); err != nil {
		t.Fatalf("create without key: %v", err)
	}
}

func TestMarkStatusPersistsError(t *testing.T) {
	gdb := newTestDB(t)
	jobs := NewJobRepo(gdb, logger.NewNop())
	ctx := context.Background()

	job, _, err := jobs.CreateJobWithChain(ctx, nil, types.JobTypeGenerate, nil, "", []ChainStep{{Name: types.StepGenerate}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cause := apperr.New(apperr.CodeInternal, "engine exploded")
	if err := jobs.MarkStatus(ctx, nil, job.ID, types.StatusFailed, cause); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	got, err := jobs.Get(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.ErrorCode == nil || *got.ErrorCode != apperr.CodeInternal {
		t.Fatalf("error_code = %v, want internal", got.ErrorCode)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage == "" {
		t.Fatal("error_message not persisted")
	}
}

func TestEventIterSinceAndTail(t *testing.T) {
	gdb := newTestDB(t)
	jobs := NewJobRepo(gdb, logger.NewNop())
	events := NewEventRepo(gdb, logger.NewNop())
	ctx := context.Background()

	job, _, err := jobs.CreateJobWithChain(ctx, nil, types.JobTypeGenerate, nil, "", []ChainStep{{Name: types.StepGenerate}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var all []*types.Event
	for i := 0; i < 5; i++ {
		ev, err := events.Append(ctx, nil, job.ID, nil, types.EventStepStart, "", map[string]any{"i": i})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		all = append(all, ev)
		time.Sleep(2 * time.Millisecond)
	}

	tail, err := events.Iter(ctx, nil, job.ID, nil, 2)
	if err != nil {
		t.Fatalf("iter tail: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("tail returned %d events, want 2", len(tail))
	}
	if tail[0].ID != all[3].ID || tail[1].ID != all[4].ID {
		t.Fatal("tail did not return the last events in chronological order")
	}

	since := all[2].Ts
	fromCursor, err := events.Iter(ctx, nil, job.ID, &since, 0)
	if err != nil {
		t.Fatalf("iter since: %v", err)
	}
	if len(fromCursor) != 3 {
		t.Fatalf("since cursor returned %d events, want 3", len(fromCursor))
	}
	if fromCursor[0].ID != all[2].ID {
		t.Fatal("since cursor must include the boundary event")
	}

	if ev, err := events.Append(ctx, nil, job.ID, nil, types.EventError, "", nil); err != nil {
		t.Fatalf("append default level: %v", err)
	} else if ev.Level != types.LevelInfo {
		t.Fatalf("default level = %q, want info", ev.Level)
	}
}

func TestArtifactUniquenessAndOrdering(t *testing.T) {
	gdb := newTestDB(t)
	jobs := NewJobRepo(gdb, logger.NewNop())
	artifacts := NewArtifactRepo(gdb, logger.NewNop())
	ctx := context.Background()

	job, steps, err := jobs.CreateJobWithChain(ctx, nil, types.JobTypeGenerate, nil, "", []ChainStep{{Name: types.StepGenerate}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stepID := steps[0].ID

	for _, idx := range []int{2, 0, 1} {
		if _, err := artifacts.Insert(ctx, nil, NewArtifact{
			JobID:     job.ID,
			StepID:    stepID,
			Format:    "png",
			Width:     64,
			Height:    64,
			ItemIndex: idx,
			S3Key:     "k",
		}); err != nil {
			t.Fatalf("insert item %d: %v", idx, err)
		}
	}

	_, err = artifacts.Insert(ctx, nil, NewArtifact{
		JobID: job.ID, StepID: stepID, Format: "png", Width: 64, Height: 64, ItemIndex: 1, S3Key: "k",
	})
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Code != apperr.CodeConflict {
		t.Fatalf("duplicate insert error = %v, want conflict", err)
	}

	got, err := artifacts.ListByJob(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, a := range got {
		if a.ItemIndex != i {
			t.Fatalf("artifact %d has item_index %d, want ascending order", i, a.ItemIndex)
		}
	}

	n, err := artifacts.CountByStep(ctx, nil, stepID)
	if err != nil || n != 3 {
		t.Fatalf("count = %d (err %v), want 3", n, err)
	}
}

func TestModelDefaultSelection(t *testing.T) {
	gdb := newTestDB(t)
	models := NewModelRepo(gdb, logger.NewNop())
	ctx := context.Background()

	mk := func(name string, installed, enabled bool) *types.Model {
		m, err := models.Upsert(ctx, nil, &types.Model{Name: name, Kind: "sdxl-checkpoint", Enabled: enabled})
		if err != nil {
			t.Fatalf("upsert %s: %v", name, err)
		}
		if installed {
			if err := models.MarkInstalled(ctx, nil, m.ID, "/models/"+name, []types.ModelFile{{Path: "w.bin", SHA256: "aa", Size: 1}}, "aa"); err != nil {
				t.Fatalf("mark installed %s: %v", name, err)
			}
		}
		if !enabled {
			if err := models.SetEnabled(ctx, nil, m.ID, false); err != nil {
				t.Fatalf("disable %s: %v", name, err)
			}
		}
		time.Sleep(2 * time.Millisecond)
		return m
	}

	mk("not-installed", false, true)
	oldest := mk("oldest-eligible", true, true)
	mk("newer-eligible", true, true)
	mk("disabled", true, false)

	def, err := models.GetDefault(ctx, nil, "sdxl-checkpoint")
	if err != nil {
		t.Fatalf("get default: %v", err)
	}
	if def == nil || def.ID != oldest.ID {
		t.Fatalf("default = %v, want oldest installed+enabled", def)
	}

	none, err := models.GetDefault(ctx, nil, "upscaler-weights")
	if err != nil {
		t.Fatalf("get default other kind: %v", err)
	}
	if none != nil {
		t.Fatal("expected no default for a kind with no installed models")
	}
}

func TestGetUnknownJobReturnsNil(t *testing.T) {
	gdb := newTestDB(t)
	jobs := NewJobRepo(gdb, logger.NewNop())

	got, err := jobs.Get(context.Background(), nil, uuid.New())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for unknown job")
	}
}

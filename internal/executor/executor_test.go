package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"strings"
	"testing"

	"gorm.io/gorm"

	"github.com/dreamforge/dreamforge-backend/internal/db"
	"github.com/dreamforge/dreamforge-backend/internal/engine"
	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/queue"
	"github.com/dreamforge/dreamforge-backend/internal/repos"
	"github.com/dreamforge/dreamforge-backend/internal/services"
	"github.com/dreamforge/dreamforge-backend/internal/types"
	"github.com/dreamforge/dreamforge-backend/internal/upscale"
)

type failingEngine struct{}

func (failingEngine) GenerateOne(context.Context, engine.GenerateParams) ([]byte, error) {
	return nil, fmt.Errorf("cuda device lost")
}

type failingUpscaler struct{ name string }

func (u failingUpscaler) Name() string            { return u.name }
func (u failingUpscaler) SupportsNative(int) bool { return true }
func (u failingUpscaler) Run(context.Context, image.Image, int, bool) (image.Image, error) {
	return nil, fmt.Errorf("%s weights corrupt", u.name)
}

type fixtureConfig struct {
	engine    engine.Engine
	flatCheck bool
	upscalers *upscale.Registry
}

type fixture struct {
	gdb       *gorm.DB
	jobs      repos.JobRepo
	steps     repos.StepRepo
	events    repos.EventRepo
	artifacts repos.ArtifactRepo
	models    repos.ModelRepo
	store     *services.MemoryObjectStore
	exec      *Executor
	jobSvc    services.JobService
}

func newFixture(t *testing.T, cfg fixtureConfig) *fixture {
	t.Helper()
	svc, err := db.NewTest(logger.NewNop())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := svc.AutoMigrateAll(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := logger.NewNop()

	f := &fixture{
		gdb:       svc.DB(),
		jobs:      repos.NewJobRepo(svc.DB(), log),
		steps:     repos.NewStepRepo(svc.DB(), log),
		events:    repos.NewEventRepo(svc.DB(), log),
		artifacts: repos.NewArtifactRepo(svc.DB(), log),
		models:    repos.NewModelRepo(svc.DB(), log),
		store:     services.NewMemoryObjectStore(),
	}

	if cfg.engine == nil {
		cfg.engine = engine.NewFakeEngine()
	}
	if cfg.upscalers == nil {
		cfg.upscalers = upscale.NewRegistry()
	}
	registry := NewRegistry()
	registry.MustRegister(NewGenerateHandler(GenerateHandlerConfig{
		Models:            f.models,
		Store:             f.store,
		Engine:            cfg.engine,
		FallbackModelPath: "/weights/sdxl-base.safetensors",
		FlatCheck:         cfg.flatCheck,
	}))
	registry.MustRegister(NewUpscaleHandler(f.artifacts, f.store, cfg.upscalers))

	f.exec = New(Deps{
		DB:        f.gdb,
		Jobs:      f.jobs,
		Steps:     f.steps,
		Events:    f.events,
		Artifacts: f.artifacts,
		Registry:  registry,
	}, log)

	eager := queue.NewEagerQueue(f.exec.ExecuteTask)
	f.exec.SetNextQueue(eager)
	f.jobSvc = services.NewJobService(f.jobs, f.events, eager, log)
	return f
}

func (f *fixture) submit(t *testing.T, params services.GenerateParams) *types.Job {
	t.Helper()
	job, err := f.jobSvc.Submit(context.Background(), services.SubmitInput{
		Type:   types.JobTypeGenerate,
		Params: params,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return job
}

func (f *fixture) jobEvents(t *testing.T, job *types.Job) []*types.Event {
	t.Helper()
	events, err := f.events.Iter(context.Background(), nil, job.ID, nil, 1000)
	if err != nil {
		t.Fatalf("iter events: %v", err)
	}
	return events
}

func (f *fixture) eventCodes(t *testing.T, job *types.Job) []string {
	t.Helper()
	events := f.jobEvents(t, job)
	codes := make([]string, 0, len(events))
	for _, ev := range events {
		codes = append(codes, ev.Code)
	}
	return codes
}

func intPtr(n int) *int { return &n }

func baseParams() services.GenerateParams {
	return services.GenerateParams{
		Prompt: "an armored knight",
		Width:  16,
		Height: 16,
		Steps:  4,
	}
}

func withUpscale(p services.GenerateParams, up services.UpscaleParams) services.GenerateParams {
	p.Chain = &services.ChainParams{Upscale: &up}
	return p
}

func TestGenerateJobLifecycle(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	params := baseParams()
	params.Count = intPtr(3)
	job := f.submit(t, params)

	got, err := f.jobs.Get(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != types.StatusSucceeded {
		t.Fatalf("job status = %q, want succeeded", got.Status)
	}

	arts, err := f.artifacts.ListByJob(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(arts) != 3 {
		t.Fatalf("got %d artifacts, want 3", len(arts))
	}
	for i, a := range arts {
		if a.ItemIndex != i {
			t.Fatalf("artifact %d item_index = %d", i, a.ItemIndex)
		}
		if !strings.Contains(a.S3Key, "/generate/") {
			t.Fatalf("artifact key %q not under generate namespace", a.S3Key)
		}
		if _, err := f.store.Get(ctx, a.S3Key); err != nil {
			t.Fatalf("artifact %d bytes missing from store: %v", i, err)
		}
		if a.Seed == nil || *a.Seed < 1 {
			t.Fatalf("artifact %d seed = %v, want positive", i, a.Seed)
		}
	}

	events := f.jobEvents(t, job)
	codes := make([]string, 0, len(events))
	for _, ev := range events {
		codes = append(codes, ev.Code)
		if ev.Code != types.EventArtifactWritten {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			t.Fatalf("decode artifact.written payload: %v", err)
		}
		seed, ok := payload["seed"].(float64)
		if !ok || seed < 1 {
			t.Fatalf("artifact.written payload seed = %v, want positive", payload["seed"])
		}
		if payload["s3_key"] == "" || payload["item_index"] == nil {
			t.Fatalf("artifact.written payload incomplete: %v", payload)
		}
	}
	if codes[len(codes)-1] != types.EventJobFinish {
		t.Fatalf("last event = %q, want job.finish", codes[len(codes)-1])
	}
	finishes := 0
	for _, c := range codes {
		if c == types.EventJobFinish {
			finishes++
		}
	}
	if finishes != 1 {
		t.Fatalf("job.finish appeared %d times, want exactly once", finishes)
	}
	for _, want := range []string{types.EventModelSelected, types.EventStepStart, types.EventArtifactWritten, types.EventStepFinish} {
		if !containsCode(codes, want) {
			t.Fatalf("event %q missing from %v", want, codes)
		}
	}
}

func containsCode(codes []string, want string) bool {
	for _, c := range codes {
		if c == want {
			return true
		}
	}
	return false
}

func TestChainedUpscaleJob(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	params := baseParams()
	params.Count = intPtr(2)
	params = withUpscale(params, services.UpscaleParams{Scale: 2})
	job := f.submit(t, params)

	got, err := f.jobs.Get(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != types.StatusSucceeded {
		t.Fatalf("job status = %q, want succeeded", got.Status)
	}

	_, steps, err := f.jobs.GetWithSteps(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("get steps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}
	for _, st := range steps {
		if st.Status != types.StatusSucceeded {
			t.Fatalf("step %s status = %q, want succeeded", st.Name, st.Status)
		}
	}

	upArts, err := f.artifacts.ListByStep(ctx, nil, steps[1].ID)
	if err != nil {
		t.Fatalf("list upscale artifacts: %v", err)
	}
	if len(upArts) != 2 {
		t.Fatalf("got %d upscale artifacts, want 2", len(upArts))
	}
	genArts, err := f.artifacts.ListByStep(ctx, nil, steps[0].ID)
	if err != nil {
		t.Fatalf("list generate artifacts: %v", err)
	}
	for i, a := range upArts {
		src := genArts[i]
		if a.S3Key != strings.Replace(src.S3Key, "/generate/", "/upscale/", 1) {
			t.Fatalf("upscale key %q does not mirror %q", a.S3Key, src.S3Key)
		}
		if a.Width != src.Width*2 || a.Height != src.Height*2 {
			t.Fatalf("upscale dims %dx%d, want 2x of %dx%d", a.Width, a.Height, src.Width, src.Height)
		}
		if a.Seed == nil || src.Seed == nil || *a.Seed != *src.Seed {
			t.Fatal("upscale artifact must carry the source seed")
		}

		var md map[string]any
		if err := json.Unmarshal(a.Metadata, &md); err != nil {
			t.Fatalf("decode metadata: %v", err)
		}
		if md["scale"].(float64) != 2 || md["impl"].(string) != "gan" {
			t.Fatalf("metadata = %v, want scale=2 impl=gan from auto policy", md)
		}

		data, err := f.store.Get(ctx, a.S3Key)
		if err != nil {
			t.Fatalf("fetch upscaled bytes: %v", err)
		}
		_, w, h, err := engine.DecodePNG(data)
		if err != nil || w != src.Width*2 || h != src.Height*2 {
			t.Fatalf("stored image %dx%d (err %v), want %dx%d", w, h, err, src.Width*2, src.Height*2)
		}
	}

	// upscale artifact.written events carry the scale alongside the seed
	for _, ev := range f.jobEvents(t, job) {
		if ev.Code != types.EventArtifactWritten || ev.StepID == nil || *ev.StepID != steps[1].ID {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["scale"].(float64) != 2 {
			t.Fatalf("upscale artifact.written payload = %v, want scale=2", payload)
		}
		if payload["seed"] == nil {
			t.Fatalf("upscale artifact.written payload = %v, want a seed", payload)
		}
	}
}

func TestUpscaleFallsBackToAlternateImpl(t *testing.T) {
	base := upscale.NewRegistry()
	diffusion, _ := base.ByName(upscale.ImplDiffusion)
	reg := upscale.NewRegistryWith(diffusion, failingUpscaler{name: upscale.ImplGAN})

	f := newFixture(t, fixtureConfig{upscalers: reg})
	ctx := context.Background()

	// auto resolves 2x to gan, which fails; the relaxed request retries on
	// diffusion and still succeeds
	job := f.submit(t, withUpscale(baseParams(), services.UpscaleParams{Scale: 2}))

	got, err := f.jobs.Get(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != types.StatusSucceeded {
		t.Fatalf("job status = %q, want succeeded via fallback", got.Status)
	}

	_, steps, err := f.jobs.GetWithSteps(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("get steps: %v", err)
	}
	upArts, err := f.artifacts.ListByStep(ctx, nil, steps[1].ID)
	if err != nil || len(upArts) != 1 {
		t.Fatalf("upscale artifacts = %v (err %v), want one", upArts, err)
	}
	var md map[string]any
	if err := json.Unmarshal(upArts[0].Metadata, &md); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if md["impl"].(string) != upscale.ImplDiffusion {
		t.Fatalf("metadata impl = %v, want the effective diffusion fallback", md["impl"])
	}
	if upArts[0].Width != 32 || upArts[0].Height != 32 {
		t.Fatalf("fallback dims %dx%d, want 32x32", upArts[0].Width, upArts[0].Height)
	}
}

func TestUpscaleStrictFailureSurfaces(t *testing.T) {
	base := upscale.NewRegistry()
	diffusion, _ := base.ByName(upscale.ImplDiffusion)
	reg := upscale.NewRegistryWith(diffusion, failingUpscaler{name: upscale.ImplGAN})

	f := newFixture(t, fixtureConfig{upscalers: reg})
	ctx := context.Background()

	job := f.submit(t, withUpscale(baseParams(), services.UpscaleParams{
		Scale: 2, Impl: upscale.ImplGAN, StrictScale: true,
	}))

	got, err := f.jobs.Get(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != types.StatusFailed {
		t.Fatalf("job status = %q, want failed with strict_scale set", got.Status)
	}
}

func TestFlatFrameFailsJob(t *testing.T) {
	// the fake engine renders solid frames, so the check trips immediately
	f := newFixture(t, fixtureConfig{flatCheck: true})
	ctx := context.Background()

	job := f.submit(t, baseParams())

	got, err := f.jobs.Get(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != types.StatusFailed {
		t.Fatalf("job status = %q, want failed on a flat frame", got.Status)
	}
	if got.ErrorCode == nil || *got.ErrorCode != "internal" {
		t.Fatalf("error_code = %v, want internal", got.ErrorCode)
	}
	arts, err := f.artifacts.ListByJob(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(arts) != 0 {
		t.Fatalf("got %d artifacts, want none for a rejected frame", len(arts))
	}
}

func TestFailedStepFailsJob(t *testing.T) {
	f := newFixture(t, fixtureConfig{engine: failingEngine{}})
	ctx := context.Background()

	job := f.submit(t, withUpscale(baseParams(), services.UpscaleParams{Scale: 2}))

	got, err := f.jobs.Get(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != types.StatusFailed {
		t.Fatalf("job status = %q, want failed", got.Status)
	}
	if got.ErrorCode == nil || *got.ErrorCode != "internal" {
		t.Fatalf("error_code = %v, want internal", got.ErrorCode)
	}

	_, steps, err := f.jobs.GetWithSteps(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("get steps: %v", err)
	}
	if steps[0].Status != types.StatusFailed {
		t.Fatalf("generate step status = %q, want failed", steps[0].Status)
	}
	if steps[1].Status != types.StatusQueued {
		t.Fatalf("upscale step status = %q, must never run", steps[1].Status)
	}

	// job.finish marks success only; a failed job ends on its error event
	codes := f.eventCodes(t, job)
	if containsCode(codes, types.EventJobFinish) {
		t.Fatalf("events = %v, job.finish must not appear for a failed job", codes)
	}
	if codes[len(codes)-1] != types.EventError {
		t.Fatalf("last event = %q, want error", codes[len(codes)-1])
	}
}

func TestExecuteStepIdempotent(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	job := f.submit(t, baseParams())

	// a duplicate delivery of a finished step is a no-op
	if err := f.exec.ExecuteTask(ctx, queue.Task{JobID: job.ID, StepName: types.StepGenerate}); err != nil {
		t.Fatalf("re-execute: %v", err)
	}

	arts, err := f.artifacts.ListByJob(ctx, nil, job.ID)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(arts) != 1 {
		t.Fatalf("got %d artifacts after replay, want 1", len(arts))
	}

	codes := f.eventCodes(t, job)
	finishes := 0
	for _, c := range codes {
		if c == types.EventJobFinish {
			finishes++
		}
	}
	if finishes != 1 {
		t.Fatalf("job.finish appeared %d times after replay, want 1", finishes)
	}
}

func TestSingleItemSeedHonored(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()

	seed := int64(1234)
	params := baseParams()
	params.Seed = &seed
	job := f.submit(t, params)

	arts, err := f.artifacts.ListByJob(ctx, nil, job.ID)
	if err != nil || len(arts) != 1 {
		t.Fatalf("artifacts = %v (err %v), want one", arts, err)
	}
	if arts[0].Seed == nil || *arts[0].Seed != seed {
		t.Fatalf("seed = %v, want %d", arts[0].Seed, seed)
	}
	if !strings.Contains(arts[0].S3Key, "_1234.") {
		t.Fatalf("key %q does not embed the seed", arts[0].S3Key)
	}
}

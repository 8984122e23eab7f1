package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dreamforge/dreamforge-backend/internal/apperr"
	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/metrics"
	"github.com/dreamforge/dreamforge-backend/internal/queue"
	"github.com/dreamforge/dreamforge-backend/internal/repos"
	"github.com/dreamforge/dreamforge-backend/internal/services"
	"github.com/dreamforge/dreamforge-backend/internal/types"
)

// Executor drives one step of a job through its lifecycle: running
// transition, handler invocation, terminal transition, chain advance.
// Every state change is paired with its event append.
type Executor struct {
	db        *gorm.DB
	jobs      repos.JobRepo
	steps     repos.StepRepo
	events    repos.EventRepo
	artifacts repos.ArtifactRepo
	registry  *Registry
	metrics   *metrics.Metrics
	next      queue.Queue
	log       *logger.Logger
}

// Deps bundles the executor's collaborators for wiring.
type Deps struct {
	DB        *gorm.DB
	Jobs      repos.JobRepo
	Steps     repos.StepRepo
	Events    repos.EventRepo
	Artifacts repos.ArtifactRepo
	Registry  *Registry
	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Metrics
}

func New(d Deps, log *logger.Logger) *Executor {
	return &Executor{
		db:        d.DB,
		jobs:      d.Jobs,
		steps:     d.Steps,
		events:    d.Events,
		artifacts: d.Artifacts,
		registry:  d.Registry,
		metrics:   d.Metrics,
		log:       log.With("service", "Executor"),
	}
}

// SetNextQueue sets where follow-up steps of a chain are enqueued. When nil,
// the executor runs follow-up steps inline.
func (e *Executor) SetNextQueue(q queue.Queue) { e.next = q }

// StepContext is the handler-facing view of one step execution.
type StepContext struct {
	Job    *types.Job
	Step   *types.Step
	Steps  []*types.Step
	Params services.GenerateParams
	Log    *logger.Logger

	exec *Executor
}

// WriteArtifact records the artifact row and its artifact.written event in
// one transaction, so observers never see one without the other.
func (sc *StepContext) WriteArtifact(ctx context.Context, in repos.NewArtifact) (*types.Artifact, error) {
	var art *types.Artifact
	err := sc.exec.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		art, txErr = sc.exec.artifacts.Insert(ctx, tx, in)
		if txErr != nil {
			return txErr
		}
		payload := map[string]any{
			"artifact_id": art.ID.String(),
			"s3_key":      art.S3Key,
			"seed":        art.Seed,
			"item_index":  art.ItemIndex,
			"width":       art.Width,
			"height":      art.Height,
		}
		if in.Metadata != nil {
			if scale, ok := in.Metadata["scale"]; ok {
				payload["scale"] = scale
			}
		}
		_, txErr = sc.exec.events.Append(ctx, tx, in.JobID, &in.StepID, types.EventArtifactWritten, types.LevelInfo, payload)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return art, nil
}

// ExistingArtifacts lists what this step already produced, for idempotent
// re-runs after a crash.
func (sc *StepContext) ExistingArtifacts(ctx context.Context) (map[int]*types.Artifact, error) {
	arts, err := sc.exec.artifacts.ListByStep(ctx, nil, sc.Step.ID)
	if err != nil {
		return nil, err
	}
	byItem := make(map[int]*types.Artifact, len(arts))
	for _, a := range arts {
		byItem[a.ItemIndex] = a
	}
	return byItem, nil
}

// AppendEvent records a handler-level event against the current step.
func (sc *StepContext) AppendEvent(ctx context.Context, code, level string, payload map[string]any) error {
	_, err := sc.exec.events.Append(ctx, nil, sc.Job.ID, &sc.Step.ID, code, level, payload)
	return err
}

// ExecuteTask is the queue dispatch entrypoint.
func (e *Executor) ExecuteTask(ctx context.Context, task queue.Task) error {
	return e.executeStep(ctx, task.JobID, task.StepName)
}

func (e *Executor) executeStep(ctx context.Context, jobID uuid.UUID, stepName string) error {
	log := e.log.With("job_id", jobID, "step", stepName)

	job, steps, err := e.jobs.GetWithSteps(ctx, nil, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return apperr.Newf(apperr.CodeNotFound, "job %s not found", jobID)
	}
	if types.IsTerminalStatus(job.Status) {
		log.Info("job already terminal, skipping", "status", job.Status)
		return nil
	}

	var step *types.Step
	for _, st := range steps {
		if st.Name == stepName {
			step = st
			break
		}
	}
	if step == nil {
		return apperr.Newf(apperr.CodeNotFound, "job %s has no step %q", jobID, stepName)
	}
	if types.IsTerminalStatus(step.Status) {
		log.Info("step already terminal, skipping", "status", step.Status)
		return nil
	}

	handler, ok := e.registry.Get(stepName)
	if !ok {
		err := apperr.Newf(apperr.CodeInternal, "no handler registered for step %q", stepName)
		return e.failJob(ctx, job, step, err)
	}

	var params services.GenerateParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return e.failJob(ctx, job, step, apperr.Wrap(apperr.CodeInternal, fmt.Errorf("decode job params: %w", err)))
	}

	if err := e.steps.MarkRunning(ctx, nil, step.ID); err != nil {
		return err
	}
	if job.Status == types.StatusQueued {
		if err := e.jobs.MarkStatus(ctx, nil, job.ID, types.StatusRunning, nil); err != nil {
			return err
		}
		job.Status = types.StatusRunning
	}
	if _, err := e.events.Append(ctx, nil, job.ID, &step.ID, types.EventStepStart, types.LevelInfo, map[string]any{
		"step": stepName,
	}); err != nil {
		return err
	}

	sc := &StepContext{
		Job:    job,
		Step:   step,
		Steps:  steps,
		Params: params,
		Log:    log,
		exec:   e,
	}

	if runErr := e.runHandler(ctx, handler, sc); runErr != nil {
		log.Error("step failed", "error", runErr)
		return e.failJob(ctx, job, step, runErr)
	}

	if err := e.steps.MarkFinished(ctx, nil, step.ID, types.StatusSucceeded); err != nil {
		return err
	}
	if _, err := e.events.Append(ctx, nil, job.ID, &step.ID, types.EventStepFinish, types.LevelInfo, map[string]any{
		"step":   stepName,
		"status": types.StatusSucceeded,
	}); err != nil {
		return err
	}
	log.Info("step finished")

	nextStep := nextInChain(steps, step)
	if nextStep == nil {
		return e.finishJob(ctx, job, types.StatusSucceeded, nil)
	}
	task := queue.Task{JobID: job.ID, StepName: nextStep.Name}
	if e.next != nil {
		return e.next.Enqueue(ctx, task)
	}
	return e.executeStep(ctx, job.ID, nextStep.Name)
}

// runHandler shields the lifecycle from handler panics.
func (e *Executor) runHandler(ctx context.Context, h Handler, sc *StepContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Newf(apperr.CodeInternal, "handler panic: %v", r)
		}
	}()
	return h.Run(ctx, sc)
}

func nextInChain(steps []*types.Step, current *types.Step) *types.Step {
	for i, st := range steps {
		if st.ID == current.ID && i+1 < len(steps) {
			return steps[i+1]
		}
	}
	return nil
}

// failJob records the error event, then marks step and job failed. The
// error event is the job's conclusion; job.finish stays reserved for the
// success path.
func (e *Executor) failJob(ctx context.Context, job *types.Job, step *types.Step, cause error) error {
	appErr := apperr.Wrap(apperr.CodeInternal, cause)

	if _, err := e.events.Append(ctx, nil, job.ID, &step.ID, types.EventError, types.LevelError, map[string]any{
		"code":    appErr.Code,
		"message": appErr.Message,
	}); err != nil {
		e.log.Error("failed to append error event", "job_id", job.ID, "error", err)
	}
	if err := e.steps.MarkFinished(ctx, nil, step.ID, types.StatusFailed); err != nil {
		e.log.Error("failed to mark step failed", "job_id", job.ID, "error", err)
	}
	return e.finishJob(ctx, job, types.StatusFailed, appErr)
}

// finishJob moves the job to its terminal status; on success it appends
// job.finish exactly once. A concurrent finisher loses the status update
// race and skips the event.
func (e *Executor) finishJob(ctx context.Context, job *types.Job, status string, jobErr *apperr.Error) error {
	current, err := e.jobs.Get(ctx, nil, job.ID)
	if err != nil {
		return err
	}
	if current != nil && types.IsTerminalStatus(current.Status) {
		return nil
	}
	if err := e.jobs.MarkStatus(ctx, nil, job.ID, status, jobErr); err != nil {
		return err
	}
	if status == types.StatusSucceeded {
		if _, err := e.events.Append(ctx, nil, job.ID, nil, types.EventJobFinish, types.LevelInfo, map[string]any{
			"status": status,
		}); err != nil {
			return err
		}
	}
	if e.metrics != nil {
		e.metrics.JobsFinished.WithLabelValues(status).Inc()
	}
	e.log.Info("job finished", "job_id", job.ID, "status", status)
	return nil
}

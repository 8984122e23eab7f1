package repos

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/dreamforge/dreamforge-backend/internal/apperr"
	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/types"
)

const (
	ListJobsLimitDefault = 50
	ListJobsLimitMax     = 200
)

type JobRepo interface {
	// CreateJobWithChain inserts the job (status=queued) plus one queued step
	// per chain element, atomically. Chain order is preserved by created_at.
	// A duplicate idempotency key surfaces as apperr conflict.
	CreateJobWithChain(ctx context.Context, tx *gorm.DB, jobType string, params map[string]any, idempotencyKey string, chain []ChainStep) (*types.Job, []*types.Step, error)
	Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Job, error)
	GetWithSteps(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Job, []*types.Step, error)
	List(ctx context.Context, tx *gorm.DB, status string, limit int) ([]*types.Job, error)
	MarkStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string, jobErr *apperr.Error) error
}

// ChainStep names one step of a job chain plus its persisted metadata.
type ChainStep struct {
	Name     string
	Metadata map[string]any
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func HashIdempotencyKey(key string) []byte {
	sum := sha256.Sum256([]byte(key))
	return sum[:]
}

func (r *jobRepo) CreateJobWithChain(ctx context.Context, tx *gorm.DB, jobType string, params map[string]any, idempotencyKey string, chain []ChainStep) (*types.Job, []*types.Step, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(chain) == 0 {
		return nil, nil, errors.New("chain must contain at least one step")
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	job := &types.Job{
		ID:            uuid.New(),
		Type:          jobType,
		Status:        types.StatusQueued,
		Params:        datatypes.JSON(paramsJSON),
		SchemaVersion: 1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if idempotencyKey != "" {
		job.IdempotencyKeyHash = HashIdempotencyKey(idempotencyKey)
	}

	steps := make([]*types.Step, 0, len(chain))
	for i, cs := range chain {
		md := cs.Metadata
		if md == nil {
			md = map[string]any{}
		}
		mdJSON, mErr := json.Marshal(md)
		if mErr != nil {
			return nil, nil, mErr
		}
		steps = append(steps, &types.Step{
			ID:            uuid.New(),
			JobID:         job.ID,
			Name:          cs.Name,
			Status:        types.StatusQueued,
			Metadata:      datatypes.JSON(mdJSON),
			SchemaVersion: 1,
			// created_at spaced so the chain order survives coarse clocks
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
			UpdatedAt: now,
		})
	}

	err = transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Create(job).Error; err != nil {
			return err
		}
		return txx.Create(&steps).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, nil, apperr.New(apperr.CodeConflict, "idempotency key already used")
		}
		return nil, nil, err
	}
	return job, steps, nil
}

func (r *jobRepo) Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var job types.Job
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) GetWithSteps(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Job, []*types.Step, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	job, err := r.Get(ctx, transaction, id)
	if err != nil || job == nil {
		return job, nil, err
	}
	var steps []*types.Step
	err = transaction.WithContext(ctx).
		Where("job_id = ?", id).
		Order("created_at ASC").
		Find(&steps).Error
	if err != nil {
		return nil, nil, err
	}
	return job, steps, nil
}

func (r *jobRepo) List(ctx context.Context, tx *gorm.DB, status string, limit int) ([]*types.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit < 1 {
		limit = ListJobsLimitDefault
	}
	if limit > ListJobsLimitMax {
		limit = ListJobsLimitMax
	}
	q := transaction.WithContext(ctx).Order("updated_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []*types.Job
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) MarkStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string, jobErr *apperr.Error) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if jobErr != nil {
		msg, _ := json.Marshal(jobErr)
		updates["error_code"] = jobErr.Code
		updates["error_message"] = string(msg)
	}
	return transaction.WithContext(ctx).
		Model(&types.Job{}).
		Where("id = ?", id).
		Updates(updates).Error
}

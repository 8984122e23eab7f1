package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/types"
)

type StepRepo interface {
	Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Step, error)
	// GetByName returns the job's step with the given name, or nil when absent.
	GetByName(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, name string) (*types.Step, error)
	ListByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.Step, error)
	MarkRunning(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	MarkFinished(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string) error
}

type stepRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStepRepo(db *gorm.DB, baseLog *logger.Logger) StepRepo {
	return &stepRepo{
		db:  db,
		log: baseLog.With("repo", "StepRepo"),
	}
}

func (r *stepRepo) Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Step, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var step types.Step
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&step).Error
	if err != nil {
		return nil, err
	}
	if step.ID == uuid.Nil {
		return nil, nil
	}
	return &step, nil
}

func (r *stepRepo) GetByName(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, name string) (*types.Step, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var step types.Step
	err := transaction.WithContext(ctx).
		Where("job_id = ? AND name = ?", jobID, name).
		Order("created_at ASC").
		Limit(1).
		Find(&step).Error
	if err != nil {
		return nil, err
	}
	if step.ID == uuid.Nil {
		return nil, nil
	}
	return &step, nil
}

func (r *stepRepo) ListByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.Step, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var steps []*types.Step
	err := transaction.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&steps).Error
	if err != nil {
		return nil, err
	}
	return steps, nil
}

func (r *stepRepo) MarkRunning(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	return transaction.WithContext(ctx).
		Model(&types.Step{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     types.StatusRunning,
			"started_at": now,
			"updated_at": now,
		}).Error
}

func (r *stepRepo) MarkFinished(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	return transaction.WithContext(ctx).
		Model(&types.Step{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      status,
			"finished_at": now,
			"updated_at":  now,
		}).Error
}

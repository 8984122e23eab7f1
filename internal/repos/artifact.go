package repos

import (
	"context"
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

// NewArtifact carries the fields of a freshly produced artifact row.
type NewArtifact struct {
	JobID     uuid.UUID
	StepID    uuid.UUID
	Format    string
	Width     int
	Height    int
	Seed      *int64
	ItemIndex int
	S3Key     string
	Checksum  *string
	Metadata  map[string]any
}

type ArtifactRepo interface {
	// Insert persists one artifact row. (job_id, step_id, item_index) is
	// unique; a duplicate surfaces as apperr conflict.
	Insert(ctx context.Context, tx *gorm.DB, in NewArtifact) (*types.Artifact, error)
	ListByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.Artifact, error)
	ListByStep(ctx context.Context, tx *gorm.DB, stepID uuid.UUID) ([]*types.Artifact, error)
	CountByStep(ctx context.Context, tx *gorm.DB, stepID uuid.UUID) (int64, error)
}

type artifactRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewArtifactRepo(db *gorm.DB, baseLog *logger.Logger) ArtifactRepo {
	return &artifactRepo{
		db:  db,
		log: baseLog.With("repo", "ArtifactRepo"),
	}
}

func (r *artifactRepo) Insert(ctx context.Context, tx *gorm.DB, in NewArtifact) (*types.Artifact, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	md := in.Metadata
	if md == nil {
		md = map[string]any{}
	}
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	art := &types.Artifact{
		ID:            uuid.New(),
		JobID:         in.JobID,
		StepID:        in.StepID,
		CreatedAt:     time.Now().UTC(),
		Format:        in.Format,
		Width:         in.Width,
		Height:        in.Height,
		Seed:          in.Seed,
		ItemIndex:     in.ItemIndex,
		S3Key:         in.S3Key,
		Checksum:      in.Checksum,
		Metadata:      datatypes.JSON(mdJSON),
		SchemaVersion: 1,
	}
	if err := transaction.WithContext(ctx).Create(art).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperr.Newf(apperr.CodeConflict, "artifact already recorded for step %s item %d", in.StepID, in.ItemIndex)
		}
		return nil, err
	}
	return art, nil
}

func (r *artifactRepo) ListByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*types.Artifact, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Artifact
	err := transaction.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("item_index ASC, created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *artifactRepo) ListByStep(ctx context.Context, tx *gorm.DB, stepID uuid.UUID) ([]*types.Artifact, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Artifact
	err := transaction.WithContext(ctx).
		Where("step_id = ?", stepID).
		Order("item_index ASC, created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *artifactRepo) CountByStep(ctx context.Context, tx *gorm.DB, stepID uuid.UUID) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(ctx).
		Model(&types.Artifact{}).
		Where("step_id = ?", stepID).
		Count(&n).Error
	return n, err
}

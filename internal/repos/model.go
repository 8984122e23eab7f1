package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/types"
)

type ModelRepo interface {
	// List returns registry entries; eligibleOnly narrows to installed and
	// enabled models, the set generation may select from.
	List(ctx context.Context, tx *gorm.DB, eligibleOnly bool) ([]*types.Model, error)
	Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Model, error)
	// GetByKey looks a model up by (name, version, kind). version=="" matches
	// a NULL version.
	GetByKey(ctx context.Context, tx *gorm.DB, name, version, kind string) (*types.Model, error)
	// Upsert inserts the model or updates the existing row with the same
	// (name, version, kind), preserving installed state and local path.
	Upsert(ctx context.Context, tx *gorm.DB, m *types.Model) (*types.Model, error)
	MarkInstalled(ctx context.Context, tx *gorm.DB, id uuid.UUID, localPath string, files []types.ModelFile, checkpointHash string) error
	SetEnabled(ctx context.Context, tx *gorm.DB, id uuid.UUID, enabled bool) error
	// GetDefault returns the oldest installed and enabled model of the kind,
	// or nil when none qualifies.
	GetDefault(ctx context.Context, tx *gorm.DB, kind string) (*types.Model, error)
}

type modelRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewModelRepo(db *gorm.DB, baseLog *logger.Logger) ModelRepo {
	return &modelRepo{
		db:  db,
		log: baseLog.With("repo", "ModelRepo"),
	}
}

func (r *modelRepo) List(ctx context.Context, tx *gorm.DB, eligibleOnly bool) ([]*types.Model, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(ctx).Order("created_at ASC")
	if eligibleOnly {
		q = q.Where("installed = ? AND enabled = ?", true, true)
	}
	var out []*types.Model
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *modelRepo) Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Model, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var m types.Model
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&m).Error
	if err != nil {
		return nil, err
	}
	if m.ID == uuid.Nil {
		return nil, nil
	}
	return &m, nil
}

func (r *modelRepo) GetByKey(ctx context.Context, tx *gorm.DB, name, version, kind string) (*types.Model, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(ctx).Where("name = ? AND kind = ?", name, kind)
	if version == "" {
		q = q.Where("version IS NULL")
	} else {
		q = q.Where("version = ?", version)
	}
	var m types.Model
	if err := q.Limit(1).Find(&m).Error; err != nil {
		return nil, err
	}
	if m.ID == uuid.Nil {
		return nil, nil
	}
	return &m, nil
}

func (r *modelRepo) Upsert(ctx context.Context, tx *gorm.DB, m *types.Model) (*types.Model, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	version := ""
	if m.Version != nil {
		version = *m.Version
	}
	existing, err := r.GetByKey(ctx, transaction, m.Name, version, m.Kind)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if existing == nil {
		m.ID = uuid.New()
		m.CreatedAt = now
		m.UpdatedAt = now
		if err := transaction.WithContext(ctx).Create(m).Error; err != nil {
			return nil, err
		}
		return m, nil
	}
	updates := map[string]interface{}{
		"source_uri":        m.SourceURI,
		"checkpoint_hash":   m.CheckpointHash,
		"parameters_schema": m.ParametersSchema,
		"capabilities":      m.Capabilities,
		"updated_at":        now,
	}
	err = transaction.WithContext(ctx).
		Model(&types.Model{}).
		Where("id = ?", existing.ID).
		Updates(updates).Error
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, transaction, existing.ID)
}

func (r *modelRepo) MarkInstalled(ctx context.Context, tx *gorm.DB, id uuid.UUID, localPath string, files []types.ModelFile, checkpointHash string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	filesJSON, err := marshalJSON(files)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"installed":  true,
		"local_path": localPath,
		"files":      filesJSON,
		"updated_at": time.Now().UTC(),
	}
	if checkpointHash != "" {
		updates["checkpoint_hash"] = checkpointHash
	}
	return transaction.WithContext(ctx).
		Model(&types.Model{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *modelRepo) SetEnabled(ctx context.Context, tx *gorm.DB, id uuid.UUID, enabled bool) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.Model{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"enabled":    enabled,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *modelRepo) GetDefault(ctx context.Context, tx *gorm.DB, kind string) (*types.Model, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var m types.Model
	err := transaction.WithContext(ctx).
		Where("kind = ? AND installed = ? AND enabled = ?", kind, true, true).
		Order("created_at ASC").
		Limit(1).
		Find(&m).Error
	if err != nil {
		return nil, err
	}
	if m.ID == uuid.Nil {
		return nil, nil
	}
	return &m, nil
}

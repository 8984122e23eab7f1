package repos

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/types"
)

type EventRepo interface {
	// Append inserts one event. Empty level defaults to info.
	Append(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stepID *uuid.UUID, code, level string, payload map[string]any) (*types.Event, error)
	// Iter returns events ordered by (ts, id). With sinceTs set it returns
	// every event at or after the cursor, ascending; otherwise it returns
	// the last tail events in chronological order.
	Iter(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, sinceTs *time.Time, tail int) ([]*types.Event, error)
}

type eventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEventRepo(db *gorm.DB, baseLog *logger.Logger) EventRepo {
	return &eventRepo{
		db:  db,
		log: baseLog.With("repo", "EventRepo"),
	}
}

func (r *eventRepo) Append(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stepID *uuid.UUID, code, level string, payload map[string]any) (*types.Event, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if level == "" {
		level = types.LevelInfo
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	ev := &types.Event{
		ID:      uuid.New(),
		JobID:   jobID,
		StepID:  stepID,
		Ts:      time.Now().UTC(),
		Code:    code,
		Level:   level,
		Payload: datatypes.JSON(payloadJSON),
	}
	if err := transaction.WithContext(ctx).Create(ev).Error; err != nil {
		return nil, err
	}
	return ev, nil
}

func (r *eventRepo) Iter(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, sinceTs *time.Time, tail int) ([]*types.Event, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var events []*types.Event
	if sinceTs != nil {
		err := transaction.WithContext(ctx).
			Where("job_id = ? AND ts >= ?", jobID, sinceTs.UTC()).
			Order("ts ASC, id ASC").
			Find(&events).Error
		if err != nil {
			return nil, err
		}
		return events, nil
	}
	if tail < 1 {
		tail = 1
	}
	err := transaction.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("ts DESC, id DESC").
		Limit(tail).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	// reverse back to chronological order
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

package db

import (
	"github.com/dreamforge/dreamforge-backend/internal/types"
)

func (s *Service) AutoMigrateAll() error {
	return s.db.AutoMigrate(

		// Job control plane
		&types.Job{},
		&types.Step{},
		&types.Event{},
		&types.Artifact{},

		// Model registry
		&types.Model{},
	)
}

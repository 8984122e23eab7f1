package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Job / Step statuses advance monotonically queued -> running -> terminal.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

const (
	JobTypeGenerate = "generate"
)

const (
	StepGenerate = "generate"
	StepUpscale  = "upscale"
)

// Event codes appended by the step executor and handlers.
const (
	EventStepStart       = "step.start"
	EventStepFinish      = "step.finish"
	EventArtifactWritten = "artifact.written"
	EventError           = "error"
	EventJobFinish       = "job.finish"
	EventModelSelected   = "model.selected"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

func IsTerminalStatus(s string) bool {
	return s == StatusSucceeded || s == StatusFailed
}

type Job struct {
	ID                 uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Type               string         `gorm:"column:type;not null;index" json:"type"`
	Status             string         `gorm:"column:status;not null;index" json:"status"`
	Params             datatypes.JSON `gorm:"column:params;not null" json:"params"`
	SchemaVersion      int            `gorm:"column:schema_version;not null;default:1" json:"schema_version"`
	IdempotencyKeyHash []byte         `gorm:"column:idempotency_key_hash;uniqueIndex:jobs_idempo_uniq" json:"-"`
	ErrorCode          *string        `gorm:"column:error_code" json:"error_code,omitempty"`
	ErrorMessage       *string        `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	CreatedAt          time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"not null;index" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

type Step struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID         uuid.UUID      `gorm:"type:uuid;not null;index:steps_job_created_idx,priority:1" json:"job_id"`
	Name          string         `gorm:"column:name;not null" json:"name"`
	Status        string         `gorm:"column:status;not null" json:"status"`
	StartedAt     *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt    *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	Metadata      datatypes.JSON `gorm:"column:metadata" json:"metadata"`
	SchemaVersion int            `gorm:"column:schema_version;not null;default:1" json:"schema_version"`
	CreatedAt     time.Time      `gorm:"not null;index:steps_job_created_idx,priority:2" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null" json:"updated_at"`
}

func (Step) TableName() string { return "steps" }

// Event rows are append-only; per job they are totally ordered by (ts, id).
type Event struct {
	ID      uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID   uuid.UUID      `gorm:"type:uuid;not null;index:events_job_ts_idx,priority:1" json:"job_id"`
	StepID  *uuid.UUID     `gorm:"type:uuid" json:"step_id,omitempty"`
	Ts      time.Time      `gorm:"column:ts;not null;index:events_job_ts_idx,priority:2" json:"ts"`
	Code    string         `gorm:"column:code;not null" json:"code"`
	Level   string         `gorm:"column:level;not null;default:info" json:"level"`
	Payload datatypes.JSON `gorm:"column:payload" json:"payload"`
}

func (Event) TableName() string { return "events" }

type Artifact struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID         uuid.UUID      `gorm:"type:uuid;not null;index;uniqueIndex:artifacts_job_step_item_uniq,priority:1" json:"job_id"`
	StepID        uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:artifacts_job_step_item_uniq,priority:2" json:"step_id"`
	CreatedAt     time.Time      `gorm:"not null" json:"created_at"`
	Format        string         `gorm:"column:format;not null" json:"format"`
	Width         int            `gorm:"column:width;not null" json:"width"`
	Height        int            `gorm:"column:height;not null" json:"height"`
	Seed          *int64         `gorm:"column:seed" json:"seed,omitempty"`
	ItemIndex     int            `gorm:"column:item_index;not null;default:0;uniqueIndex:artifacts_job_step_item_uniq,priority:3" json:"item_index"`
	S3Key         string         `gorm:"column:s3_key;type:text;not null" json:"s3_key"`
	Checksum      *string        `gorm:"column:checksum" json:"checksum,omitempty"`
	Metadata      datatypes.JSON `gorm:"column:metadata" json:"metadata"`
	SchemaVersion int            `gorm:"column:schema_version;not null;default:1" json:"schema_version"`
}

func (Artifact) TableName() string { return "artifacts" }

// Model is a registry entry for an installed (or installable) checkpoint.
// A model is eligible for selection when installed and enabled.
type Model struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Name             string         `gorm:"column:name;not null;uniqueIndex:models_name_ver_kind_uniq,priority:1" json:"name"`
	Kind             string         `gorm:"column:kind;not null;uniqueIndex:models_name_ver_kind_uniq,priority:3" json:"kind"`
	Version          *string        `gorm:"column:version;uniqueIndex:models_name_ver_kind_uniq,priority:2" json:"version,omitempty"`
	CheckpointHash   *string        `gorm:"column:checkpoint_hash" json:"checkpoint_hash,omitempty"`
	SourceURI        *string        `gorm:"column:source_uri;type:text" json:"source_uri,omitempty"`
	LocalPath        *string        `gorm:"column:local_path;type:text" json:"local_path,omitempty"`
	Installed        bool           `gorm:"column:installed;not null;default:false;index:models_enabled_installed_idx,priority:2" json:"installed"`
	Enabled          bool           `gorm:"column:enabled;not null;default:true;index:models_enabled_installed_idx,priority:1" json:"enabled"`
	ParametersSchema datatypes.JSON `gorm:"column:parameters_schema" json:"parameters_schema"`
	Capabilities     datatypes.JSON `gorm:"column:capabilities" json:"capabilities"`
	Files            datatypes.JSON `gorm:"column:files" json:"files"`
	CreatedAt        time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"not null" json:"updated_at"`
}

func (Model) TableName() string { return "models" }

// ModelFile is one entry of Model.Files and of the model.json sidecar.
type ModelFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

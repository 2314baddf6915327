package domain

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ExportStatusPending   = "pending"
	ExportStatusCompleted = "completed"
	ExportStatusFailed    = "failed"
)

// Export describes an out-of-scope CSV/ZIP/manifest bundling job; the
// engine only owns this row's lifecycle fields, not the writer itself.
type Export struct {
	ID          string         `gorm:"column:id;primaryKey" json:"id"`
	FilterJSON  datatypes.JSON `gorm:"column:filter_json;type:jsonb" json:"filter_json,omitempty"`
	CSVPath     string         `gorm:"column:csv_path" json:"csv_path,omitempty"`
	ZipPath     string         `gorm:"column:zip_path" json:"zip_path,omitempty"`
	ManifestPath string        `gorm:"column:manifest_path" json:"manifest_path,omitempty"`
	Status      string         `gorm:"column:status;not null;index" json:"status"`
	ErrorDetail string         `gorm:"column:error_detail" json:"error_detail,omitempty"`
	CreatedAt   time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"column:deleted_at;index" json:"deleted_at,omitempty"`
}

func (Export) TableName() string { return "exports" }

// RuntimeConfig is a singleton row (id=1) read by the pipeline and worker
// pool on every run; its numeric limits are clamped (see Clamp) on
// read-on-init and on update. Poll interval and model fields are not clamped.
type RuntimeConfig struct {
	ID                      int       `gorm:"column:id;primaryKey" json:"id"`
	QualityThreshold        int       `gorm:"column:quality_threshold;not null;default:95" json:"quality_threshold"`
	MaxOptimizationLoops    int       `gorm:"column:max_optimization_loops;not null;default:3" json:"max_optimization_loops"`
	MaxAPIRetries           int       `gorm:"column:max_api_retries;not null;default:3" json:"max_api_retries"`
	StageRetryLimit         int       `gorm:"column:stage_retry_limit;not null;default:3" json:"stage_retry_limit"`
	WorkerPollSeconds       float64   `gorm:"column:worker_poll_seconds;not null;default:2" json:"worker_poll_seconds"`
	MaxParallelRuns         int       `gorm:"column:max_parallel_runs;not null;default:10" json:"max_parallel_runs"`
	FluxImagenFallbackOn    bool      `gorm:"column:flux_imagen_fallback_enabled;not null;default:true" json:"flux_imagen_fallback_enabled"`
	AssistantID             string    `gorm:"column:assistant_id" json:"assistant_id,omitempty"`
	AssistantName           string    `gorm:"column:assistant_name" json:"assistant_name,omitempty"`
	CritiqueModel           string    `gorm:"column:critique_model" json:"critique_model,omitempty"`
	GenerationModel         string    `gorm:"column:generation_model" json:"generation_model,omitempty"`
	QualityGateModel        string    `gorm:"column:quality_gate_model" json:"quality_gate_model,omitempty"`
	UpdatedAt               time.Time `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (RuntimeConfig) TableName() string { return "runtime_config" }

// Clamp enforces the invariants from spec §4.7/§3 in place. Called both on
// first-run seed and before every persisted update.
func (c *RuntimeConfig) Clamp() {
	if c.QualityThreshold < 95 {
		c.QualityThreshold = 95
	}
	if c.MaxParallelRuns < 1 {
		c.MaxParallelRuns = 1
	}
	if c.MaxParallelRuns > 50 {
		c.MaxParallelRuns = 50
	}
	if c.MaxOptimizationLoops < 0 {
		c.MaxOptimizationLoops = 0
	}
	if c.StageRetryLimit < 1 {
		c.StageRetryLimit = 1
	}
	if c.MaxAPIRetries < 0 {
		c.MaxAPIRetries = 0
	}
}

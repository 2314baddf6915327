package domain

import (
	"time"

	"gorm.io/gorm"
)

// Run status values. A run terminates in exactly one of the three
// completed_* / failed_* statuses and is never reopened except via an
// explicit retry_run_from_last_failure call, which moves it back to
// retry_queued.
const (
	RunStatusQueued                = "queued"
	RunStatusRetryQueued           = "retry_queued"
	RunStatusRunning                = "running"
	RunStatusCompletedPass          = "completed_pass"
	RunStatusCompletedFailThreshold = "completed_fail_threshold"
	RunStatusFailedTechnical        = "failed_technical"
)

// Run stage values, mirroring the state machine in §4.5.
const (
	StageQueued           = "queued"
	Stage1Prompt           = "stage1_prompt"
	Stage2Draft            = "stage2_draft"
	Stage3Upgrade          = "stage3_upgrade"
	Stage4Background       = "stage4_background"
	StageQualityGate       = "quality_gate"
	StageCompleted         = "completed"
)

// Run is one pass of an Entry through the pipeline. Mutated only by the
// worker that holds the claim (status=running); every other writer only
// ever transitions a terminal or queued row.
type Run struct {
	ID                      string         `gorm:"column:id;primaryKey" json:"id"`
	EntryID                 string         `gorm:"column:entry_id;not null;index" json:"entry_id"`
	Status                  string         `gorm:"column:status;not null;index" json:"status"`
	CurrentStage            string         `gorm:"column:current_stage;not null" json:"current_stage"`
	RetryFromStage          string         `gorm:"column:retry_from_stage" json:"retry_from_stage,omitempty"`
	QualityScore            *float64       `gorm:"column:quality_score" json:"quality_score,omitempty"`
	QualityThreshold        int            `gorm:"column:quality_threshold;not null;default:95" json:"quality_threshold"`
	OptimizationAttempt     int            `gorm:"column:optimization_attempt;not null;default:0" json:"optimization_attempt"`
	MaxOptimizationAttempts int            `gorm:"column:max_optimization_attempts;not null;default:3" json:"max_optimization_attempts"`
	TechnicalRetryCount     int            `gorm:"column:technical_retry_count;not null;default:0" json:"technical_retry_count"`
	ReviewWarning           bool           `gorm:"column:review_warning;not null;default:false" json:"review_warning"`
	ReviewWarningReason     string         `gorm:"column:review_warning_reason" json:"review_warning_reason,omitempty"`
	ErrorDetail             string         `gorm:"column:error_detail" json:"error_detail,omitempty"`
	LockedAt                *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt             *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	CreatedAt               time.Time      `gorm:"column:created_at;not null;default:now();index" json:"created_at"`
	UpdatedAt               time.Time      `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
	DeletedAt               gorm.DeletedAt `gorm:"column:deleted_at;index" json:"deleted_at,omitempty"`
}

func (Run) TableName() string { return "runs" }

// QueuableStatuses is the status set claim_next_queued_run selects from.
var QueuableStatuses = []string{RunStatusQueued, RunStatusRetryQueued}

// FailedStageResultStatuses is the set retry_run_from_last_failure scans for.
var FailedStageResultStatuses = []string{StageResultStatusFailed, StageResultStatusError, StageResultStatusTimeout}

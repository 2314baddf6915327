package domain

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	StageResultStatusOK      = "ok"
	StageResultStatusError   = "error"
	StageResultStatusFailed  = "failed"
	StageResultStatusTimeout = "timeout"
)

// StageResult is the idempotency log for a pipeline stage. Unique key is
// (run_id, stage_name, attempt); writes are upserts, not appends — the same
// key may be written multiple times across retries/resumption, and the
// latest write wins on status/request/response/error.
type StageResult struct {
	ID             string         `gorm:"column:id;primaryKey" json:"id"`
	RunID          string         `gorm:"column:run_id;not null;uniqueIndex:uq_stage_results_idempotency" json:"run_id"`
	StageName      string         `gorm:"column:stage_name;not null;uniqueIndex:uq_stage_results_idempotency" json:"stage_name"`
	Attempt        int            `gorm:"column:attempt;not null;uniqueIndex:uq_stage_results_idempotency" json:"attempt"`
	Status         string         `gorm:"column:status;not null" json:"status"`
	IdempotencyKey string         `gorm:"column:idempotency_key;not null" json:"idempotency_key"`
	RequestJSON    datatypes.JSON `gorm:"column:request_json;type:jsonb" json:"request_json,omitempty"`
	ResponseJSON   datatypes.JSON `gorm:"column:response_json;type:jsonb" json:"response_json,omitempty"`
	ErrorDetail    string         `gorm:"column:error_detail" json:"error_detail,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"column:deleted_at;index" json:"deleted_at,omitempty"`
}

func (StageResult) TableName() string { return "stage_results" }

// Prompt is append-only within a run: one row per (stage, attempt) call
// into the prompt assistant.
type Prompt struct {
	ID             string         `gorm:"column:id;primaryKey" json:"id"`
	RunID          string         `gorm:"column:run_id;not null;index" json:"run_id"`
	StageName      string         `gorm:"column:stage_name;not null" json:"stage_name"`
	Attempt        int            `gorm:"column:attempt;not null" json:"attempt"`
	PromptText     string         `gorm:"column:prompt_text" json:"prompt_text"`
	NeedsPerson    string         `gorm:"column:needs_person" json:"needs_person,omitempty"` // "yes" | "no" | ""
	Source         string         `gorm:"column:source" json:"source,omitempty"`
	RawJSON        datatypes.JSON `gorm:"column:raw_json;type:jsonb" json:"raw_json,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (Prompt) TableName() string { return "prompts" }

// Asset stage names. Distinct from the StageResult/Prompt stage names above:
// the stage3 asset is "stage3_upgraded" (not "stage3_upgrade") and the
// winner-only background removal output is "stage4_white_bg" (not
// "stage4_background", which is the StageResult name for that step).
const (
	AssetStageDraft          = "stage2_draft"
	AssetStageStage3Upgraded = "stage3_upgraded"
	AssetStageWhiteBG        = "stage4_white_bg"
)

// Asset is append-only within a run: one row per saved file.
type Asset struct {
	ID        string    `gorm:"column:id;primaryKey" json:"id"`
	RunID     string    `gorm:"column:run_id;not null;index" json:"run_id"`
	StageName string    `gorm:"column:stage_name;not null;index" json:"stage_name"`
	Attempt   int       `gorm:"column:attempt;not null;index" json:"attempt"`
	FileName  string    `gorm:"column:file_name;not null" json:"file_name"`
	Path      string    `gorm:"column:path;not null" json:"path"`
	MimeType  string    `gorm:"column:mime_type" json:"mime_type,omitempty"`
	SHA256    string    `gorm:"column:sha256" json:"sha256,omitempty"`
	Width     int       `gorm:"column:width" json:"width,omitempty"`
	Height    int       `gorm:"column:height" json:"height,omitempty"`
	OriginURL string    `gorm:"column:origin_url" json:"origin_url,omitempty"`
	Model     string    `gorm:"column:model" json:"model,omitempty"`
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (Asset) TableName() string { return "assets" }

// Score is append-only within a run: one row per quality-gate attempt.
type Score struct {
	ID          string         `gorm:"column:id;primaryKey" json:"id"`
	RunID       string         `gorm:"column:run_id;not null;index" json:"run_id"`
	StageName   string         `gorm:"column:stage_name;not null" json:"stage_name"` // always "quality_gate"
	Attempt     int            `gorm:"column:attempt;not null" json:"attempt"`
	Score0To100 float64        `gorm:"column:score_0_100;not null" json:"score_0_100"`
	PassFail    bool           `gorm:"column:pass_fail;not null" json:"pass_fail"`
	RubricJSON  datatypes.JSON `gorm:"column:rubric_json;type:jsonb" json:"rubric_json,omitempty"`
	CreatedAt   time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (Score) TableName() string { return "scores" }

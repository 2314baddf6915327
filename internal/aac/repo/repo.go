// Package repo implements C4: typed accessors over the durable store,
// including the two operations central to the core — claim_next_queued_run
// (the sole mutual-exclusion primitive for the worker pool) and
// add_stage_result (the idempotent upsert underlying crash-safe replay).
package repo

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/verbali/aac-image-pipeline/internal/aac/domain"
	"github.com/verbali/aac-image-pipeline/internal/aac/idgen"
	"github.com/verbali/aac-image-pipeline/internal/platform/logger"
)

var ErrNotFound = errors.New("repo: record not found")

type Repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) *Repo {
	return &Repo{db: db, log: baseLog.With("component", "repo")}
}

// WithSession returns a Repo bound to its own gorm session, isolating the
// transaction/prepared-statement state of one in-flight run from the pool
// session and from every other run (§4.6/§5).
func (r *Repo) WithSession(ctx context.Context) *Repo {
	return &Repo{db: r.db.Session(&gorm.Session{}).WithContext(ctx), log: r.log}
}

// CreateEntry inserts a new Entry, or returns the existing row if
// (word, part_of_sentence, category) already exists — idempotent creation.
// Tuples are matched through idgen.EntryID, so case and surrounding
// whitespace do not make a new entry.
func (r *Repo) CreateEntry(ctx context.Context, e *domain.Entry) (*domain.Entry, error) {
	id := idgen.EntryID(e.Word, e.PartOfSentence, e.Category)
	e.ID = id

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(e).Error
	if err != nil {
		return nil, err
	}

	var existing domain.Entry
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&existing).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

func (r *Repo) GetEntry(ctx context.Context, id string) (*domain.Entry, error) {
	var e domain.Entry
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (r *Repo) ListEntries(ctx context.Context, batchLabel string) ([]domain.Entry, error) {
	q := r.db.WithContext(ctx).Order("created_at ASC")
	if batchLabel != "" {
		q = q.Where("batch_label = ?", batchLabel)
	}
	var entries []domain.Entry
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// CreateRun inserts a new Run in status=queued for entry, with the given
// quality_threshold (clamped to >=95) and max_optimization_attempts.
func (r *Repo) CreateRun(ctx context.Context, entryID string, threshold, maxOptimizationAttempts int) (*domain.Run, error) {
	if threshold < 95 {
		threshold = 95
	}
	run := &domain.Run{
		ID:                      idgen.NewOpaqueID(idgen.PrefixRun),
		EntryID:                 entryID,
		Status:                  domain.RunStatusQueued,
		CurrentStage:            domain.StageQueued,
		QualityThreshold:        threshold,
		MaxOptimizationAttempts: maxOptimizationAttempts,
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

func (r *Repo) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	var run domain.Run
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &run, nil
}

// ClaimNextQueuedRun selects the oldest run with status in
// {queued, retry_queued} and conditionally updates it to running, only if
// it is still in that status set. Returns (nil, nil) if no run was
// claimable — either none existed, or another worker won the race.
//
// Under Postgres the row is first locked with SELECT ... FOR UPDATE SKIP LOCKED so
// concurrent claimants never contend on the same candidate row; the
// RowsAffected-checked conditional UPDATE that follows is still the literal
// mutual-exclusion primitive the spec requires, not a replacement for it.
func (r *Repo) ClaimNextQueuedRun(ctx context.Context) (*domain.Run, error) {
	var claimed *domain.Run

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run domain.Run
		candidateQuery := tx.Where("status IN ?", domain.QueuableStatuses).Order("created_at ASC")
		if tx.Dialector.Name() == "postgres" {
			// SQLite has no FOR UPDATE SKIP LOCKED; the conditional UPDATE
			// below is still the real mutual-exclusion primitive, this
			// just avoids contention on the candidate row under Postgres.
			candidateQuery = candidateQuery.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		err := candidateQuery.First(&run).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		newStage := run.CurrentStage
		if run.RetryFromStage != "" {
			newStage = run.RetryFromStage
		}

		now := time.Now().UTC()
		result := tx.Model(&domain.Run{}).
			Where("id = ? AND status IN ?", run.ID, domain.QueuableStatuses).
			Updates(map[string]any{
				"status":        domain.RunStatusRunning,
				"current_stage": newStage,
				"locked_at":     now,
				"heartbeat_at":  now,
				"updated_at":    now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Another worker claimed it between our SELECT and UPDATE.
			return nil
		}

		run.Status = domain.RunStatusRunning
		run.CurrentStage = newStage
		claimed = &run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateRun applies updates to run id, always stamping updated_at.
func (r *Repo) UpdateRun(ctx context.Context, id string, updates map[string]any) error {
	if updates == nil {
		updates = map[string]any{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Model(&domain.Run{}).Where("id = ?", id).Updates(updates).Error
}

// Heartbeat refreshes heartbeat_at for a running run. The worker pool does
// not call it, and nothing in this module reclaims runs by heartbeat age.
func (r *Repo) Heartbeat(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&domain.Run{}).
		Where("id = ? AND status = ?", id, domain.RunStatusRunning).
		Updates(map[string]any{"heartbeat_at": now, "updated_at": now}).Error
}

// AddStageResult upserts keyed by (run_id, stage_name, attempt): a replayed
// stage overwrites status/request/response/error on the existing row
// rather than creating a duplicate.
func (r *Repo) AddStageResult(ctx context.Context, sr *domain.StageResult) error {
	if sr.ID == "" {
		sr.ID = idgen.NewOpaqueID(idgen.PrefixStageResult)
	}
	sr.IdempotencyKey = sr.RunID + ":" + sr.StageName + ":" + strconv.Itoa(sr.Attempt)

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "run_id"}, {Name: "stage_name"}, {Name: "attempt"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "request_json", "response_json", "error_detail", "updated_at",
		}),
	}).Create(sr).Error
}

func (r *Repo) AddPrompt(ctx context.Context, p *domain.Prompt) error {
	if p.ID == "" {
		p.ID = idgen.NewOpaqueID(idgen.PrefixPrompt)
	}
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *Repo) AddAsset(ctx context.Context, a *domain.Asset) error {
	if a.ID == "" {
		a.ID = idgen.NewOpaqueID(idgen.PrefixAsset)
	}
	return r.db.WithContext(ctx).Create(a).Error
}

// LatestAsset returns the most recently created Asset for (run, stage), or
// ErrNotFound if none exists — used by Stage 3 to find its critique source
// (latest stage3_upgraded, falling back to stage2_draft).
func (r *Repo) LatestAsset(ctx context.Context, runID, stageName string) (*domain.Asset, error) {
	var a domain.Asset
	err := r.db.WithContext(ctx).
		Where("run_id = ? AND stage_name = ?", runID, stageName).
		Order("created_at DESC").
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// AssetByAttempt returns the Asset for (run, stage, attempt) exactly — not
// "latest" — used by Stage 4 to find the winner's stage3_upgraded asset.
func (r *Repo) AssetByAttempt(ctx context.Context, runID, stageName string, attempt int) (*domain.Asset, error) {
	var a domain.Asset
	err := r.db.WithContext(ctx).
		Where("run_id = ? AND stage_name = ? AND attempt = ?", runID, stageName, attempt).
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repo) AddScore(ctx context.Context, s *domain.Score) error {
	if s.ID == "" {
		s.ID = idgen.NewOpaqueID(idgen.PrefixScore)
	}
	return r.db.WithContext(ctx).Create(s).Error
}

// RetryRunFromLastFailure finds the most recent StageResult with a failure
// status for run, sets retry_from_stage to its stage name (or
// stage1_prompt if none failed), and moves the run to retry_queued.
func (r *Repo) RetryRunFromLastFailure(ctx context.Context, runID string) error {
	var last domain.StageResult
	err := r.db.WithContext(ctx).
		Where("run_id = ? AND status IN ?", runID, domain.FailedStageResultStatuses).
		Order("created_at DESC").
		First(&last).Error

	retryFromStage := domain.Stage1Prompt
	if err == nil {
		retryFromStage = last.StageName
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	return r.UpdateRun(ctx, runID, map[string]any{
		"retry_from_stage": retryFromStage,
		"status":           domain.RunStatusRetryQueued,
		"error_detail":     "",
	})
}

// GetRuntimeConfig reads the singleton config row (id=1), seeding it with
// clamped defaults on first access.
func (r *Repo) GetRuntimeConfig(ctx context.Context, defaults domain.RuntimeConfig) (*domain.RuntimeConfig, error) {
	var cfg domain.RuntimeConfig
	err := r.db.WithContext(ctx).Where("id = ?", 1).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		defaults.ID = 1
		defaults.Clamp()
		if err := r.db.WithContext(ctx).Create(&defaults).Error; err != nil {
			return nil, err
		}
		return &defaults, nil
	}
	if err != nil {
		return nil, err
	}
	cfg.Clamp()
	return &cfg, nil
}

// UpdateRuntimeConfig applies updates to the singleton row, clamping the
// resulting row before persisting, and returns the final clamped row.
func (r *Repo) UpdateRuntimeConfig(ctx context.Context, updates map[string]any) (*domain.RuntimeConfig, error) {
	var cfg domain.RuntimeConfig
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", 1).First(&cfg).Error; err != nil {
			return err
		}
		if err := tx.Model(&cfg).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", 1).First(&cfg).Error; err != nil {
			return err
		}
		cfg.Clamp()
		return tx.Model(&domain.RuntimeConfig{}).Where("id = ?", 1).Updates(map[string]any{
			"quality_threshold":      cfg.QualityThreshold,
			"max_parallel_runs":      cfg.MaxParallelRuns,
			"max_optimization_loops": cfg.MaxOptimizationLoops,
			"stage_retry_limit":      cfg.StageRetryLimit,
			"max_api_retries":        cfg.MaxAPIRetries,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListRunsForExport reads runs matching the given filters, oldest first, for
// the out-of-scope export writer. It returns Run rows only; entries are not
// loaded.
type ExportFilters struct {
	EntryIDs []string
	RunIDs   []string
	Statuses []string
	MinScore *float64
	MaxScore *float64
}

func (r *Repo) ListRunsForExport(ctx context.Context, f ExportFilters) ([]domain.Run, error) {
	q := r.db.WithContext(ctx).Model(&domain.Run{})
	if len(f.EntryIDs) > 0 {
		q = q.Where("entry_id IN ?", f.EntryIDs)
	}
	if len(f.RunIDs) > 0 {
		q = q.Where("id IN ?", f.RunIDs)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.MinScore != nil {
		q = q.Where("quality_score >= ?", *f.MinScore)
	}
	if f.MaxScore != nil {
		q = q.Where("quality_score <= ?", *f.MaxScore)
	}
	var runs []domain.Run
	if err := q.Order("created_at ASC").Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// RunDetails reads every artifact row for a run, ordered, for export/audit.
type RunDetails struct {
	Run          domain.Run
	StageResults []domain.StageResult
	Prompts      []domain.Prompt
	Assets       []domain.Asset
	Scores       []domain.Score
}

func (r *Repo) RunDetails(ctx context.Context, runID string) (*RunDetails, error) {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	details := &RunDetails{Run: *run}
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("created_at ASC").Find(&details.StageResults).Error; err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("created_at ASC").Find(&details.Prompts).Error; err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("created_at ASC").Find(&details.Assets).Error; err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("created_at ASC").Find(&details.Scores).Error; err != nil {
		return nil, err
	}
	return details, nil
}

func (r *Repo) CreateExport(ctx context.Context, filterJSON []byte) (*domain.Export, error) {
	exp := &domain.Export{
		ID:         idgen.NewOpaqueID(idgen.PrefixExport),
		FilterJSON: filterJSON,
		Status:     domain.ExportStatusPending,
	}
	if err := r.db.WithContext(ctx).Create(exp).Error; err != nil {
		return nil, err
	}
	return exp, nil
}

func (r *Repo) UpdateExport(ctx context.Context, id string, updates map[string]any) error {
	if updates == nil {
		updates = map[string]any{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Model(&domain.Export{}).Where("id = ?", id).Updates(updates).Error
}

func (r *Repo) GetExport(ctx context.Context, id string) (*domain.Export, error) {
	var exp domain.Export
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&exp).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &exp, nil
}

func (r *Repo) CountRuns(ctx context.Context, status string) (int64, error) {
	var count int64
	q := r.db.WithContext(ctx).Model(&domain.Run{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

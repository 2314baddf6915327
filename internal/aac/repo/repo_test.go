package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/verbali/aac-image-pipeline/internal/aac/domain"
	"github.com/verbali/aac-image-pipeline/internal/platform/logger"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Entry{}, &domain.Run{}, &domain.StageResult{},
		&domain.Prompt{}, &domain.Asset{}, &domain.Score{},
		&domain.Export{}, &domain.RuntimeConfig{},
	))
	log, err := logger.New("test")
	require.NoError(t, err)
	return New(db, log)
}

func TestCreateEntry_IsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	first, err := r.CreateEntry(ctx, &domain.Entry{Word: "Apple", PartOfSentence: "noun", Category: "food"})
	require.NoError(t, err)

	second, err := r.CreateEntry(ctx, &domain.Entry{Word: "apple", PartOfSentence: "Noun", Category: "Food"})
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, r.db.WithContext(ctx).Model(&domain.Entry{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestClaimNextQueuedRun_OnlyOneWinner(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	entry, err := r.CreateEntry(ctx, &domain.Entry{Word: "dog", PartOfSentence: "noun", Category: "animals"})
	require.NoError(t, err)
	run, err := r.CreateRun(ctx, entry.ID, 95, 3)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusQueued, run.Status)

	claimed1, err := r.ClaimNextQueuedRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed1)
	require.Equal(t, run.ID, claimed1.ID)
	require.Equal(t, domain.RunStatusRunning, claimed1.Status)

	claimed2, err := r.ClaimNextQueuedRun(ctx)
	require.NoError(t, err)
	require.Nil(t, claimed2)
}

func TestClaimNextQueuedRun_UsesRetryFromStage(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	entry, err := r.CreateEntry(ctx, &domain.Entry{Word: "cat", PartOfSentence: "noun", Category: "animals"})
	require.NoError(t, err)
	run, err := r.CreateRun(ctx, entry.ID, 95, 3)
	require.NoError(t, err)
	require.NoError(t, r.UpdateRun(ctx, run.ID, map[string]any{
		"status":           domain.RunStatusRetryQueued,
		"retry_from_stage": domain.Stage3Upgrade,
	}))

	claimed, err := r.ClaimNextQueuedRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, domain.Stage3Upgrade, claimed.CurrentStage)
}

func TestAddStageResult_UpsertsOnReplay(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	entry, err := r.CreateEntry(ctx, &domain.Entry{Word: "ball", PartOfSentence: "noun", Category: "toys"})
	require.NoError(t, err)
	run, err := r.CreateRun(ctx, entry.ID, 95, 3)
	require.NoError(t, err)

	require.NoError(t, r.AddStageResult(ctx, &domain.StageResult{
		RunID: run.ID, StageName: domain.Stage1Prompt, Attempt: 0, Status: domain.StageResultStatusError,
	}))
	require.NoError(t, r.AddStageResult(ctx, &domain.StageResult{
		RunID: run.ID, StageName: domain.Stage1Prompt, Attempt: 0, Status: domain.StageResultStatusOK,
	}))

	var results []domain.StageResult
	require.NoError(t, r.db.WithContext(ctx).Where("run_id = ?", run.ID).Find(&results).Error)
	require.Len(t, results, 1)
	require.Equal(t, domain.StageResultStatusOK, results[0].Status)
}

func TestRetryRunFromLastFailure(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	entry, err := r.CreateEntry(ctx, &domain.Entry{Word: "tree", PartOfSentence: "noun", Category: "nature"})
	require.NoError(t, err)
	run, err := r.CreateRun(ctx, entry.ID, 95, 3)
	require.NoError(t, err)

	require.NoError(t, r.AddStageResult(ctx, &domain.StageResult{
		RunID: run.ID, StageName: domain.Stage2Draft, Attempt: 0, Status: domain.StageResultStatusFailed,
	}))
	require.NoError(t, r.RetryRunFromLastFailure(ctx, run.ID))

	refreshed, err := r.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusRetryQueued, refreshed.Status)
	require.Equal(t, domain.Stage2Draft, refreshed.RetryFromStage)
}

func TestRuntimeConfig_SeedsAndClamps(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	cfg, err := r.GetRuntimeConfig(ctx, domain.RuntimeConfig{QualityThreshold: 50, MaxParallelRuns: 0})
	require.NoError(t, err)
	require.Equal(t, 95, cfg.QualityThreshold)
	require.Equal(t, 1, cfg.MaxParallelRuns)

	updated, err := r.UpdateRuntimeConfig(ctx, map[string]any{"quality_threshold": 10, "max_parallel_runs": 500})
	require.NoError(t, err)
	require.Equal(t, 95, updated.QualityThreshold)
	require.Equal(t, 50, updated.MaxParallelRuns)
}

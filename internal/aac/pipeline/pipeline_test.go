package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/verbali/aac-image-pipeline/internal/aac/domain"
	"github.com/verbali/aac-image-pipeline/internal/aac/provider"
	"github.com/verbali/aac-image-pipeline/internal/aac/repo"
	"github.com/verbali/aac-image-pipeline/internal/aac/storage"
	"github.com/verbali/aac-image-pipeline/internal/platform/logger"
)

// fakeAssistant is a deterministic stand-in for provider.PromptAssistantClient.
// scores is consumed one element per quality-gate attempt. rubricExtras, if
// set, is consumed the same way and merged into the returned rubric — used
// to drive the abstract-mode contrast_clarity/aac_interpretability fields.
type fakeAssistant struct {
	scores       []float64
	rubricExtras []map[string]any
	scoreCall    int
}

func (f *fakeAssistant) ResolveAssistantID(ctx context.Context, configuredID, configuredName string) (string, error) {
	return "asst_test", nil
}

func (f *fakeAssistant) GenerateFirstPrompt(ctx context.Context, userText, assistantID string) (map[string]any, provider.AssistantTrace, error) {
	return map[string]any{"first prompt": "a red ball on a table", "need a person": "no"}, provider.AssistantTrace{}, nil
}

func (f *fakeAssistant) GenerateUpgradedPrompt(ctx context.Context, userText, assistantID string) (map[string]any, provider.AssistantTrace, error) {
	return map[string]any{"upgraded prompt": "a red ball on a table, sharper"}, provider.AssistantTrace{}, nil
}

func (f *fakeAssistant) AnalyzeImage(ctx context.Context, imagePath string, imageBytes []byte, word, partOfSentence, category, model string) (map[string]any, provider.AssistantTrace, error) {
	return map[string]any{"challenges": "edges are soft", "recommendations": "sharpen the outline"}, provider.AssistantTrace{}, nil
}

func (f *fakeAssistant) ScoreImage(ctx context.Context, imagePath string, imageBytes []byte, word, partOfSentence, category string, threshold int, model string, abstractMode bool, contrastSubject string) (map[string]any, provider.AssistantTrace, error) {
	idx := f.scoreCall
	if idx >= len(f.scores) {
		idx = len(f.scores) - 1
	}
	f.scoreCall++
	score := f.scores[idx]
	rubric := map[string]any{"score": score, "explanation": fmt.Sprintf("attempt scored %.0f", score)}
	if idx < len(f.rubricExtras) {
		for k, v := range f.rubricExtras[idx] {
			rubric[k] = v
		}
	}
	return rubric, provider.AssistantTrace{}, nil
}

type stage3Call struct {
	pred  provider.Prediction
	model string
	err   error
}

// fakeImageGen is a deterministic stand-in for provider.ImageGenClient.
type fakeImageGen struct {
	draftErrs []error
	draftCall int

	stage3     []stage3Call
	stage3Call int

	bgPred provider.Prediction
	bgErr  error
}

func succeededPrediction(url string) provider.Prediction {
	return provider.Prediction{ID: "pred", Status: "succeeded", Output: url}
}

func (f *fakeImageGen) GenerateDraft(ctx context.Context, prompt string) (provider.Prediction, error) {
	idx := f.draftCall
	f.draftCall++
	if idx < len(f.draftErrs) && f.draftErrs[idx] != nil {
		return provider.Prediction{Status: "failed"}, f.draftErrs[idx]
	}
	return succeededPrediction("https://out/draft.jpg"), nil
}

func (f *fakeImageGen) GenerateStage3(ctx context.Context, modelChoice, prompt string) (provider.Prediction, string, error) {
	idx := f.stage3Call
	f.stage3Call++
	if idx >= len(f.stage3) {
		idx = len(f.stage3) - 1
	}
	c := f.stage3[idx]
	return c.pred, c.model, c.err
}

func (f *fakeImageGen) RemoveBackgroundToWhite(ctx context.Context, imagePath string, imageBytes []byte, word string) (provider.Prediction, error) {
	return f.bgPred, f.bgErr
}

func (f *fakeImageGen) Download(ctx context.Context, url string) ([]byte, error) {
	return []byte("fake-image-bytes"), nil
}

type testHarness struct {
	repo     *repo.Repo
	runner   *Runner
	assist   *fakeAssistant
	imagegen *fakeImageGen
}

func newHarness(t *testing.T, assist *fakeAssistant, imagegen *fakeImageGen) *testHarness {
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
	r := repo.New(db, log)
	root := storage.NewRoot(t.TempDir())

	runner := NewRunner(r, assist, imagegen, root, log)
	return &testHarness{repo: r, runner: runner, assist: assist, imagegen: imagegen}
}

func (h *testHarness) seedConfig(t *testing.T, cfg domain.RuntimeConfig) {
	t.Helper()
	cfg.ID = 1
	_, err := h.repo.GetRuntimeConfig(context.Background(), cfg)
	require.NoError(t, err)
}

func (h *testHarness) newRun(t *testing.T, threshold, maxOptimizationAttempts int) *domain.Run {
	t.Helper()
	ctx := context.Background()
	entry, err := h.repo.CreateEntry(ctx, &domain.Entry{Word: "ball", PartOfSentence: "noun", Category: "toys"})
	require.NoError(t, err)
	run, err := h.repo.CreateRun(ctx, entry.ID, threshold, maxOptimizationAttempts)
	require.NoError(t, err)
	return run
}

// newAbstractRun seeds an entry whose word trips semantics.DetectAbstractIntent
// (the lexicon match on "none"), routing the quality gate through the
// contrast_clarity/aac_interpretability pass condition.
func (h *testHarness) newAbstractRun(t *testing.T, threshold, maxOptimizationAttempts int) *domain.Run {
	t.Helper()
	ctx := context.Background()
	entry, err := h.repo.CreateEntry(ctx, &domain.Entry{Word: "none", PartOfSentence: "determiner", Category: "quantity"})
	require.NoError(t, err)
	run, err := h.repo.CreateRun(ctx, entry.ID, threshold, maxOptimizationAttempts)
	require.NoError(t, err)
	return run
}

func TestProcessRun_HappyPath_SingleAttemptPasses(t *testing.T) {
	assist := &fakeAssistant{scores: []float64{98}}
	imagegen := &fakeImageGen{
		stage3: []stage3Call{{pred: succeededPrediction("https://out/stage3_1.jpg"), model: "black-forest-labs/flux-1.1-pro"}},
		bgPred: succeededPrediction("https://out/white.jpg"),
	}
	h := newHarness(t, assist, imagegen)
	h.seedConfig(t, domain.RuntimeConfig{QualityThreshold: 95, StageRetryLimit: 1, MaxAPIRetries: 1, GenerationModel: "flux-1.1-pro"})
	run := h.newRun(t, 95, 0)

	final, err := h.runner.ProcessRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCompletedPass, final.Status)
	require.Equal(t, 1, final.OptimizationAttempt)
	require.NotNil(t, final.QualityScore)
	require.Equal(t, 98.0, *final.QualityScore)

	asset, err := h.repo.LatestAsset(context.Background(), run.ID, domain.AssetStageWhiteBG)
	require.NoError(t, err)
	require.Equal(t, 1, asset.Attempt)
}

func TestProcessRun_Stage2TransientFailureRetriesThenSucceeds(t *testing.T) {
	assist := &fakeAssistant{scores: []float64{96}}
	imagegen := &fakeImageGen{
		draftErrs: []error{errors.New("temporary network error")},
		stage3:    []stage3Call{{pred: succeededPrediction("https://out/stage3_1.jpg"), model: "black-forest-labs/flux-1.1-pro"}},
		bgPred:    succeededPrediction("https://out/white.jpg"),
	}
	h := newHarness(t, assist, imagegen)
	h.seedConfig(t, domain.RuntimeConfig{QualityThreshold: 95, StageRetryLimit: 2, MaxAPIRetries: 1, GenerationModel: "flux-1.1-pro"})
	run := h.newRun(t, 95, 0)

	final, err := h.runner.ProcessRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCompletedPass, final.Status)
	require.Equal(t, 2, imagegen.draftCall)
}

func TestProcessRun_Stage3FluxFailureFallsBackToImagen(t *testing.T) {
	assist := &fakeAssistant{scores: []float64{97}}
	imagegen := &fakeImageGen{
		stage3: []stage3Call{
			{pred: provider.Prediction{ID: "p1", Status: "failed"}, model: "black-forest-labs/flux-1.1-pro"},
			{pred: succeededPrediction("https://out/imagen_fallback.jpg"), model: "google/imagen-3-fast"},
		},
		bgPred: succeededPrediction("https://out/white.jpg"),
	}
	h := newHarness(t, assist, imagegen)
	h.seedConfig(t, domain.RuntimeConfig{QualityThreshold: 95, StageRetryLimit: 1, MaxAPIRetries: 1, GenerationModel: "flux-1.1-pro", FluxImagenFallbackOn: true})
	run := h.newRun(t, 95, 0)

	final, err := h.runner.ProcessRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCompletedPass, final.Status)
	require.Equal(t, 2, imagegen.stage3Call)

	asset, err := h.repo.AssetByAttempt(context.Background(), run.ID, domain.AssetStageStage3Upgraded, 1)
	require.NoError(t, err)
	require.Equal(t, "google/imagen-3-fast", asset.Model)
}

func TestProcessRun_Stage4ExhaustsRetriesAndFailsTechnical(t *testing.T) {
	assist := &fakeAssistant{scores: []float64{97}}
	imagegen := &fakeImageGen{
		stage3: []stage3Call{{pred: succeededPrediction("https://out/stage3_1.jpg"), model: "black-forest-labs/flux-1.1-pro"}},
		bgErr:  errors.New("background provider unavailable"),
	}
	h := newHarness(t, assist, imagegen)
	h.seedConfig(t, domain.RuntimeConfig{QualityThreshold: 95, StageRetryLimit: 2, MaxAPIRetries: 1, GenerationModel: "flux-1.1-pro"})
	run := h.newRun(t, 95, 0)

	final, err := h.runner.ProcessRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusFailedTechnical, final.Status)
	require.Equal(t, domain.Stage4Background, final.CurrentStage)
	require.Contains(t, final.ErrorDetail, "background removal")
}

func TestProcessRun_FailThreshold_BestAttemptWins(t *testing.T) {
	assist := &fakeAssistant{scores: []float64{70, 92, 85, 80}}
	imagegen := &fakeImageGen{
		stage3: []stage3Call{
			{pred: succeededPrediction("https://out/1.jpg"), model: "black-forest-labs/flux-1.1-pro"},
			{pred: succeededPrediction("https://out/2.jpg"), model: "black-forest-labs/flux-1.1-pro"},
			{pred: succeededPrediction("https://out/3.jpg"), model: "black-forest-labs/flux-1.1-pro"},
			{pred: succeededPrediction("https://out/4.jpg"), model: "black-forest-labs/flux-1.1-pro"},
		},
		bgPred: succeededPrediction("https://out/white.jpg"),
	}
	h := newHarness(t, assist, imagegen)
	h.seedConfig(t, domain.RuntimeConfig{QualityThreshold: 95, StageRetryLimit: 1, MaxAPIRetries: 1, GenerationModel: "flux-1.1-pro"})
	run := h.newRun(t, 95, 3)

	final, err := h.runner.ProcessRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCompletedFailThreshold, final.Status)
	require.Equal(t, 2, final.OptimizationAttempt)
	require.NotNil(t, final.QualityScore)
	require.Equal(t, 92.0, *final.QualityScore)
	require.Contains(t, final.ErrorDetail, "winner attempt 2")

	winnerAsset, err := h.repo.AssetByAttempt(context.Background(), run.ID, domain.AssetStageWhiteBG, 2)
	require.NoError(t, err)
	require.NotNil(t, winnerAsset)
}

func TestProcessRun_PassesOnSecondAttempt(t *testing.T) {
	assist := &fakeAssistant{scores: []float64{80, 96}}
	imagegen := &fakeImageGen{
		stage3: []stage3Call{
			{pred: succeededPrediction("https://out/1.jpg"), model: "black-forest-labs/flux-1.1-pro"},
			{pred: succeededPrediction("https://out/2.jpg"), model: "black-forest-labs/flux-1.1-pro"},
		},
		bgPred: succeededPrediction("https://out/white.jpg"),
	}
	h := newHarness(t, assist, imagegen)
	h.seedConfig(t, domain.RuntimeConfig{QualityThreshold: 95, StageRetryLimit: 1, MaxAPIRetries: 1, GenerationModel: "flux-1.1-pro"})
	run := h.newRun(t, 95, 3)

	final, err := h.runner.ProcessRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCompletedPass, final.Status)
	require.Equal(t, 2, final.OptimizationAttempt)
	require.NotNil(t, final.QualityScore)
	require.Equal(t, 96.0, *final.QualityScore)
}

// TestProcessRun_AbstractMode_LowInterpretabilityBlocksPass exercises the
// additional abstract-mode pass condition: a numeric score above threshold
// is not enough on its own when contrast_clarity/aac_interpretability fall
// below 4 — the gate must keep optimizing (or exhaust) rather than pass.
func TestProcessRun_AbstractMode_LowInterpretabilityBlocksPass(t *testing.T) {
	assist := &fakeAssistant{
		scores: []float64{98, 98},
		rubricExtras: []map[string]any{
			{"contrast_clarity": float64(2), "aac_interpretability": float64(2)},
			{"contrast_clarity": float64(5), "aac_interpretability": float64(5)},
		},
	}
	imagegen := &fakeImageGen{
		stage3: []stage3Call{
			{pred: succeededPrediction("https://out/1.jpg"), model: "black-forest-labs/flux-1.1-pro"},
			{pred: succeededPrediction("https://out/2.jpg"), model: "black-forest-labs/flux-1.1-pro"},
		},
		bgPred: succeededPrediction("https://out/white.jpg"),
	}
	h := newHarness(t, assist, imagegen)
	h.seedConfig(t, domain.RuntimeConfig{QualityThreshold: 95, StageRetryLimit: 1, MaxAPIRetries: 1, GenerationModel: "flux-1.1-pro"})
	run := h.newAbstractRun(t, 95, 3)

	final, err := h.runner.ProcessRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCompletedPass, final.Status)
	require.Equal(t, 2, final.OptimizationAttempt)
	require.NotNil(t, final.QualityScore)
	require.Equal(t, 98.0, *final.QualityScore)
}

// TestProcessRun_AbstractMode_NeverClearsInterpretabilityFailsThreshold
// covers the case where the numeric score always clears threshold but
// interpretability never does — the run must end completed_fail_threshold,
// not completed_pass, with best-attempt-wins still selecting by score alone.
func TestProcessRun_AbstractMode_NeverClearsInterpretabilityFailsThreshold(t *testing.T) {
	assist := &fakeAssistant{
		scores: []float64{98},
		rubricExtras: []map[string]any{
			{"contrast_clarity": float64(2), "aac_interpretability": float64(2)},
		},
	}
	imagegen := &fakeImageGen{
		stage3: []stage3Call{{pred: succeededPrediction("https://out/1.jpg"), model: "black-forest-labs/flux-1.1-pro"}},
		bgPred: succeededPrediction("https://out/white.jpg"),
	}
	h := newHarness(t, assist, imagegen)
	h.seedConfig(t, domain.RuntimeConfig{QualityThreshold: 95, StageRetryLimit: 1, MaxAPIRetries: 1, GenerationModel: "flux-1.1-pro"})
	run := h.newAbstractRun(t, 95, 0)

	final, err := h.runner.ProcessRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCompletedFailThreshold, final.Status)
	require.Equal(t, 1, final.OptimizationAttempt)
	require.NotNil(t, final.QualityScore)
	require.Equal(t, 98.0, *final.QualityScore)
}

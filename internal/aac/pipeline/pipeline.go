// Package pipeline implements C5: the per-run staged state machine
// (Stage1 -> Stage2 -> (Stage3 -> QualityGate)* -> Stage4), stage-level
// retry, the flux->imagen fallback, and best-attempt-wins winner selection.
// Grounded on internal/jobs/worker.go's handler-dispatch/panic-recovery
// idiom and internal/jobs/runtime/context.go's progress/fail/succeed
// ergonomics, with stage bodies ported from the original pipeline runner.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/verbali/aac-image-pipeline/internal/aac/domain"
	"github.com/verbali/aac-image-pipeline/internal/aac/idgen"
	"github.com/verbali/aac-image-pipeline/internal/aac/modelcatalog"
	"github.com/verbali/aac-image-pipeline/internal/aac/prompttemplates"
	"github.com/verbali/aac-image-pipeline/internal/aac/provider"
	"github.com/verbali/aac-image-pipeline/internal/aac/repo"
	"github.com/verbali/aac-image-pipeline/internal/aac/semantics"
	"github.com/verbali/aac-image-pipeline/internal/aac/storage"
	"github.com/verbali/aac-image-pipeline/internal/platform/logger"
)

// AssistantClient is the subset of provider.PromptAssistantClient the
// pipeline drives. Declared here (rather than depended on concretely) so
// callers — tests, or any alternative provider — can substitute a fake or
// adapter without the pipeline knowing the difference.
type AssistantClient interface {
	ResolveAssistantID(ctx context.Context, configuredID, configuredName string) (string, error)
	GenerateFirstPrompt(ctx context.Context, userText, assistantID string) (map[string]any, provider.AssistantTrace, error)
	GenerateUpgradedPrompt(ctx context.Context, userText, assistantID string) (map[string]any, provider.AssistantTrace, error)
	AnalyzeImage(ctx context.Context, imagePath string, imageBytes []byte, word, partOfSentence, category, model string) (map[string]any, provider.AssistantTrace, error)
	ScoreImage(ctx context.Context, imagePath string, imageBytes []byte, word, partOfSentence, category string, threshold int, model string, abstractMode bool, contrastSubject string) (map[string]any, provider.AssistantTrace, error)
}

// ImageGenClient is the subset of provider.ImageGenClient the pipeline drives.
type ImageGenClient interface {
	GenerateDraft(ctx context.Context, prompt string) (provider.Prediction, error)
	GenerateStage3(ctx context.Context, modelChoice, prompt string) (provider.Prediction, string, error)
	RemoveBackgroundToWhite(ctx context.Context, imagePath string, imageBytes []byte, word string) (provider.Prediction, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// Runner executes one run's full stage sequence against its own repository
// handle and provider clients. A Runner is not safe for reuse across
// concurrent runs sharing the same repo session — the worker pool gives
// each dispatched run its own isolated session (see internal/aac/worker).
type Runner struct {
	repo      *repo.Repo
	assistant AssistantClient
	imagegen  ImageGenClient
	root      *storage.Root
	log       *logger.Logger
}

func NewRunner(r *repo.Repo, assistant AssistantClient, imagegen ImageGenClient, root *storage.Root, baseLog *logger.Logger) *Runner {
	return &Runner{
		repo:      r,
		assistant: assistant,
		imagegen:  imagegen,
		root:      root,
		log:       baseLog.With("component", "PipelineRunner"),
	}
}

// WithSession returns a Runner bound to its own isolated repo session, for
// one in-flight worker-pool dispatch (see internal/aac/worker) — the
// provider clients, storage root, and logger are shared, only the repo
// session is per-run.
func (p *Runner) WithSession(ctx context.Context) *Runner {
	return &Runner{
		repo:      p.repo.WithSession(ctx),
		assistant: p.assistant,
		imagegen:  p.imagegen,
		root:      p.root,
		log:       p.log,
	}
}

// ProcessRun drives a single claimed run from its current/retry stage through
// to a terminal status. It never returns an error for a stage failure — those
// are recorded as failed_technical on the run itself, as is a missing entry;
// ProcessRun's error return is reserved for failures to load the run or the
// runtime config, or to mark the run running.
func (p *Runner) ProcessRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := p.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	entry, err := p.repo.GetEntry(ctx, run.EntryID)
	if err != nil || entry == nil {
		p.setFailedTechnical(ctx, run, domain.Stage1Prompt, "entry missing")
		return p.repo.GetRun(ctx, runID)
	}

	config, err := p.repo.GetRuntimeConfig(ctx, domain.RuntimeConfig{})
	if err != nil {
		return nil, fmt.Errorf("get runtime config: %w", err)
	}

	assistantID, err := p.assistant.ResolveAssistantID(ctx, config.AssistantID, config.AssistantName)
	if err != nil {
		p.setFailedTechnical(ctx, run, run.CurrentStage, err.Error())
		return p.repo.GetRun(ctx, runID)
	}

	startStage := run.RetryFromStage
	if startStage == "" {
		startStage = domain.Stage1Prompt
	}
	if err := p.repo.UpdateRun(ctx, run.ID, map[string]any{
		"status": domain.RunStatusRunning, "current_stage": startStage, "retry_from_stage": "",
	}); err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	run.CurrentStage = startStage

	runErr := p.runStages(ctx, run, entry, assistantID, config)
	if runErr != nil {
		// The stages record their progress in the store only; pick up the
		// stage that was in progress when the error escaped.
		if fresh, getErr := p.repo.GetRun(ctx, runID); getErr == nil && fresh != nil {
			run.CurrentStage = fresh.CurrentStage
		}
		p.setFailedTechnical(ctx, run, run.CurrentStage, runErr.Error())
		attempt := run.OptimizationAttempt
		if attempt < 1 {
			attempt = 1
		}
		_ = p.repo.AddStageResult(ctx, &domain.StageResult{
			RunID: run.ID, StageName: run.CurrentStage, Attempt: attempt,
			Status: domain.StageResultStatusError, ErrorDetail: runErr.Error(),
			IdempotencyKey: run.ID + ":" + run.CurrentStage + ":" + strconv.Itoa(attempt),
		})
	}
	return p.repo.GetRun(ctx, runID)
}

func (p *Runner) runStages(ctx context.Context, run *domain.Run, entry *domain.Entry, assistantID string, config *domain.RuntimeConfig) error {
	startStage := run.CurrentStage

	switch startStage {
	case domain.Stage1Prompt, domain.StageQueued:
		if err := p.executeWithStageRetry(config.StageRetryLimit, func() error {
			return p.runStage1(ctx, run, entry, assistantID)
		}); err != nil {
			return err
		}
		fallthrough
	case domain.Stage2Draft:
		if startStage == domain.Stage2Draft || startStage == domain.Stage1Prompt || startStage == domain.StageQueued {
			if err := p.executeWithStageRetry(config.StageRetryLimit, func() error {
				return p.runStage2(ctx, run, entry)
			}); err != nil {
				return err
			}
		}
	}

	return p.runOptimizationLoop(ctx, run, entry, assistantID, config)
}

func (p *Runner) executeWithStageRetry(limit int, fn func() error) error {
	if limit < 1 {
		limit = 1
	}
	var lastErr error
	for i := 0; i < limit; i++ {
		if err := fn(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (p *Runner) setFailedTechnical(ctx context.Context, run *domain.Run, stageName, detail string) {
	_ = p.repo.UpdateRun(ctx, run.ID, map[string]any{
		"status": domain.RunStatusFailedTechnical, "current_stage": stageName,
		"error_detail": detail, "technical_retry_count": run.TechnicalRetryCount + 1,
	})
	run.Status = domain.RunStatusFailedTechnical
	run.CurrentStage = stageName
}

func (p *Runner) recordStage(ctx context.Context, runID, stageName string, attempt int, status string, requestJSON, responseJSON any, errorDetail string) {
	reqBytes, _ := json.Marshal(requestJSON)
	respBytes, _ := json.Marshal(responseJSON)
	err := p.repo.AddStageResult(ctx, &domain.StageResult{
		RunID: runID, StageName: stageName, Attempt: attempt, Status: status,
		IdempotencyKey: runID + ":" + stageName + ":" + strconv.Itoa(attempt),
		RequestJSON:    reqBytes, ResponseJSON: respBytes, ErrorDetail: errorDetail,
	})
	if err != nil {
		p.log.Warn("failed to record stage result", "run_id", runID, "stage", stageName, "attempt", attempt, "error", err)
	}
}

// --- Stage 1: prompt generation ---

func (p *Runner) runStage1(ctx context.Context, run *domain.Run, entry *domain.Entry, assistantID string) error {
	_ = p.repo.UpdateRun(ctx, run.ID, map[string]any{"current_stage": domain.Stage1Prompt})

	intent := semantics.DetectAbstractIntent(entry.Word, entry.PartOfSentence, entry.Context, entry.Category)
	promptText := prompttemplates.BuildStage1Prompt(prompttemplates.EntryFields{
		Context: entry.Context, Word: entry.Word, PartOfSentence: entry.PartOfSentence,
		Category: entry.Category, BoyOrGirl: entry.BoyOrGirl,
	}, intent)

	parsed, trace, err := p.assistant.GenerateFirstPrompt(ctx, promptText, assistantID)
	if err != nil {
		return fmt.Errorf("stage1 assistant call: %w", err)
	}

	firstPrompt := firstNonEmpty(stringField(parsed, "first prompt"), stringField(parsed, "prompt"), stringField(parsed, "first_prompt"))
	if firstPrompt == "" {
		return fmt.Errorf("missing 'first prompt' in assistant response")
	}
	needPerson := strings.ToLower(strings.TrimSpace(firstNonEmpty(stringField(parsed, "need a person"), stringField(parsed, "need_person"))))
	if needPerson != "yes" && needPerson != "no" {
		needPerson = "no"
	}

	rawJSON, _ := json.Marshal(map[string]any{"parsed": parsed, "trace": trace})
	if err := p.repo.AddPrompt(ctx, &domain.Prompt{
		RunID: run.ID, StageName: domain.Stage1Prompt, Attempt: 0,
		PromptText: firstPrompt, NeedsPerson: needPerson, Source: "assistant", RawJSON: rawJSON,
	}); err != nil {
		return fmt.Errorf("save stage1 prompt: %w", err)
	}

	p.recordStage(ctx, run.ID, domain.Stage1Prompt, 0, domain.StageResultStatusOK,
		map[string]any{"prompt": promptText}, map[string]any{"parsed": parsed, "trace": trace}, "")
	return nil
}

// --- Stage 2: draft image ---

func (p *Runner) runStage2(ctx context.Context, run *domain.Run, entry *domain.Entry) error {
	_ = p.repo.UpdateRun(ctx, run.ID, map[string]any{"current_stage": domain.Stage2Draft})

	prompt, err := p.latestPromptText(ctx, run.ID, domain.Stage1Prompt)
	if err != nil {
		return fmt.Errorf("stage2: %w", err)
	}
	if prompt == "" {
		return fmt.Errorf("stage1 prompt missing for stage 2")
	}

	pred, err := p.imagegen.GenerateDraft(ctx, prompt)
	if err != nil {
		return fmt.Errorf("stage2 draft generation: %w", err)
	}
	if pred.Status != "succeeded" {
		return fmt.Errorf("flux schnell draft failed: status=%s", pred.Status)
	}
	outputURL := provider.ExtractOutputURL(pred)
	if outputURL == "" {
		return fmt.Errorf("no output URL from flux schnell")
	}

	imageBytes, err := p.imagegen.Download(ctx, outputURL)
	if err != nil {
		return fmt.Errorf("download draft image: %w", err)
	}

	filename := fmt.Sprintf("stage2_draft_%s.jpg", idgen.SanitizeFilename(entry.Word))
	if _, err := p.saveAsset(run.ID, domain.AssetStageDraft, 0, filename, imageBytes, outputURL, "black-forest-labs/flux-schnell", ctx); err != nil {
		return fmt.Errorf("save stage2 asset: %w", err)
	}

	p.recordStage(ctx, run.ID, domain.Stage2Draft, 0, domain.StageResultStatusOK,
		map[string]any{"prompt": prompt}, pred, "")
	return nil
}

// --- Optimization loop: Stage 3 + Quality Gate per attempt ---

type attemptResult struct {
	attempt int
	score   float64
	rubric  map[string]any
}

func (p *Runner) runOptimizationLoop(ctx context.Context, run *domain.Run, entry *domain.Entry, assistantID string, config *domain.RuntimeConfig) error {
	totalAttemptBudget := run.MaxOptimizationAttempts + 1
	currentAttempt := run.OptimizationAttempt
	if currentAttempt < 0 {
		currentAttempt = 0
	}
	currentAttempt++

	var best *attemptResult
	var previousScoreExplanation string

	for currentAttempt <= totalAttemptBudget {
		_ = p.repo.UpdateRun(ctx, run.ID, map[string]any{"current_stage": domain.Stage3Upgrade, "optimization_attempt": currentAttempt})
		run.OptimizationAttempt = currentAttempt

		attempt := currentAttempt
		explanation := previousScoreExplanation
		if err := p.executeWithStageRetry(config.StageRetryLimit, func() error {
			return p.runStage3Attempt(ctx, run, entry, assistantID, attempt, explanation, config)
		}); err != nil {
			return err
		}

		_ = p.repo.UpdateRun(ctx, run.ID, map[string]any{"current_stage": domain.StageQualityGate})
		score, passed, rubric, err := p.runQualityGateAttempt(ctx, run, entry, attempt, config)
		if err != nil {
			// quality gate itself also falls under the stage retry budget
			var qgErr error
			for i := 0; i < maxInt(config.StageRetryLimit-1, 0); i++ {
				score, passed, rubric, qgErr = p.runQualityGateAttempt(ctx, run, entry, attempt, config)
				if qgErr == nil {
					err = nil
					break
				}
			}
			if err != nil {
				return err
			}
		}

		if best == nil || score > best.score {
			best = &attemptResult{attempt: attempt, score: score, rubric: rubric}
		}

		if passed {
			return p.finishRun(ctx, run, entry, &attemptResult{attempt: attempt, score: score, rubric: rubric}, config, true)
		}

		previousScoreExplanation = stringField(rubric, "explanation")
		if currentAttempt >= totalAttemptBudget {
			return p.finishRun(ctx, run, entry, best, config, false)
		}
		currentAttempt++
	}

	if best == nil {
		return fmt.Errorf("optimization loop exhausted without a scored attempt")
	}
	return p.finishRun(ctx, run, entry, best, config, false)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (p *Runner) runStage3Attempt(ctx context.Context, run *domain.Run, entry *domain.Entry, assistantID string, attempt int, previousScoreExplanation string, config *domain.RuntimeConfig) error {
	critiqueAsset, err := p.latestAsset(ctx, run.ID, domain.AssetStageStage3Upgraded)
	if err != nil || critiqueAsset == nil {
		critiqueAsset, err = p.latestAsset(ctx, run.ID, domain.AssetStageDraft)
	}
	if err != nil || critiqueAsset == nil {
		return fmt.Errorf("no source asset available for stage 3")
	}

	imageBytes, err := readAssetBytes(critiqueAsset.Path)
	if err != nil {
		return fmt.Errorf("read critique image: %w", err)
	}

	analysis, analysisTrace, err := p.assistant.AnalyzeImage(ctx, critiqueAsset.Path, imageBytes, entry.Word, entry.PartOfSentence, entry.Category, modelcatalog.NormalizeVisionModel(config.CritiqueModel))
	if err != nil {
		return fmt.Errorf("stage3 analyze image: %w", err)
	}

	previousPromptText, err := p.latestPromptText(ctx, run.ID, domain.Stage3Upgrade)
	if err != nil || previousPromptText == "" {
		previousPromptText, err = p.latestPromptText(ctx, run.ID, domain.Stage1Prompt)
	}
	if err != nil || previousPromptText == "" {
		return fmt.Errorf("no prior prompt to upgrade")
	}

	recommendations := stringField(analysis, "recommendations")
	if previousScoreExplanation != "" {
		recommendations = recommendations + "\nPrevious score feedback: " + previousScoreExplanation
	}

	intent := semantics.DetectAbstractIntent(entry.Word, entry.PartOfSentence, entry.Context, entry.Category)
	upgradeRequest := prompttemplates.BuildStage3Prompt(prompttemplates.EntryFields{
		Context: entry.Context, Word: entry.Word, PartOfSentence: entry.PartOfSentence,
		Category: entry.Category, BoyOrGirl: entry.BoyOrGirl,
	}, previousPromptText, stringField(analysis, "challenges"), recommendations, intent)

	parsed, assistantTrace, err := p.assistant.GenerateUpgradedPrompt(ctx, upgradeRequest, assistantID)
	if err != nil {
		return fmt.Errorf("stage3 generate upgraded prompt: %w", err)
	}
	upgradedPrompt := firstNonEmpty(stringField(parsed, "upgraded prompt"), stringField(parsed, "prompt"))
	if upgradedPrompt == "" {
		return fmt.Errorf("missing upgraded prompt")
	}

	rawJSON, _ := json.Marshal(map[string]any{"parsed": parsed, "trace": assistantTrace, "analysis": analysis, "analysis_trace": analysisTrace})
	if err := p.repo.AddPrompt(ctx, &domain.Prompt{
		RunID: run.ID, StageName: domain.Stage3Upgrade, Attempt: attempt,
		PromptText: upgradedPrompt, NeedsPerson: "", Source: "assistant", RawJSON: rawJSON,
	}); err != nil {
		return fmt.Errorf("save stage3 prompt: %w", err)
	}

	pred, modelName, err := p.imagegen.GenerateStage3(ctx, config.GenerationModel, upgradedPrompt)
	if err != nil || pred.Status != "succeeded" {
		if config.FluxImagenFallbackOn && strings.EqualFold(modelcatalog.NormalizeStage3GenerationModel(config.GenerationModel), "flux-1.1-pro") {
			pred, modelName, err = p.imagegen.GenerateStage3(ctx, "imagen-3", upgradedPrompt)
		}
		if err != nil || pred.Status != "succeeded" {
			status := pred.Status
			if err != nil {
				return fmt.Errorf("stage3 generation failed: %w", err)
			}
			return fmt.Errorf("stage3 generation failed: status=%s", status)
		}
	}

	outputURL := provider.ExtractOutputURL(pred)
	if outputURL == "" {
		return fmt.Errorf("no output URL for stage3 upgraded image")
	}
	imageBytesOut, err := p.imagegen.Download(ctx, outputURL)
	if err != nil {
		return fmt.Errorf("download stage3 image: %w", err)
	}

	filename := fmt.Sprintf("stage3_upgraded_attempt_%d.jpg", attempt)
	if _, err := p.saveAsset(run.ID, domain.AssetStageStage3Upgraded, attempt, filename, imageBytesOut, outputURL, modelName, ctx); err != nil {
		return fmt.Errorf("save stage3 asset: %w", err)
	}

	metadata := map[string]any{
		"attempt": attempt,
		"stage3": map[string]any{
			"analysis": analysis, "assistant": map[string]any{"parsed": parsed, "trace": assistantTrace},
			"generation": pred, "generation_model": modelName,
		},
	}
	if _, err := p.root.WriteMetadata(run.ID, attempt, metadata); err != nil {
		p.log.Warn("failed to write stage3 metadata sidecar", "run_id", run.ID, "attempt", attempt, "error", err)
	}

	p.recordStage(ctx, run.ID, domain.Stage3Upgrade, attempt, domain.StageResultStatusOK,
		map[string]any{"upgrade_prompt_request": upgradeRequest},
		map[string]any{"analysis": analysis, "assistant": parsed, "generation": pred, "generation_model": modelName}, "")
	return nil
}

func (p *Runner) runQualityGateAttempt(ctx context.Context, run *domain.Run, entry *domain.Entry, attempt int, config *domain.RuntimeConfig) (float64, bool, map[string]any, error) {
	finalAsset, err := p.latestAsset(ctx, run.ID, domain.AssetStageStage3Upgraded)
	if err != nil || finalAsset == nil {
		return 0, false, nil, fmt.Errorf("missing stage3 upgraded image")
	}
	imageBytes, err := readAssetBytes(finalAsset.Path)
	if err != nil {
		return 0, false, nil, fmt.Errorf("read scored image: %w", err)
	}

	intent := semantics.DetectAbstractIntent(entry.Word, entry.PartOfSentence, entry.Context, entry.Category)
	rubric, trace, err := p.assistant.ScoreImage(ctx, finalAsset.Path, imageBytes, entry.Word, entry.PartOfSentence, entry.Category,
		run.QualityThreshold, modelcatalog.NormalizeVisionModel(config.QualityGateModel), intent.IsAbstract, intent.ContrastSubject)
	if err != nil {
		return 0, false, nil, fmt.Errorf("score image: %w", err)
	}

	score := asFloat(rubric["score"])
	passed := score >= float64(run.QualityThreshold)
	if intent.IsAbstract {
		passed = passed && asFloat(rubric["contrast_clarity"]) >= 4 && asFloat(rubric["aac_interpretability"]) >= 4
	}

	rubricJSON, _ := json.Marshal(map[string]any{"rubric": rubric, "trace": trace})
	if err := p.repo.AddScore(ctx, &domain.Score{
		RunID: run.ID, StageName: domain.StageQualityGate, Attempt: attempt,
		Score0To100: score, PassFail: passed, RubricJSON: rubricJSON,
	}); err != nil {
		return score, passed, rubric, fmt.Errorf("save score: %w", err)
	}

	p.recordStage(ctx, run.ID, domain.StageQualityGate, attempt, domain.StageResultStatusOK,
		map[string]any{"asset": finalAsset.Path, "threshold": run.QualityThreshold},
		map[string]any{"rubric": rubric, "trace": trace}, "")

	p.appendQualityGateToMetadata(run.ID, attempt, score, passed, rubric)
	return score, passed, rubric, nil
}

func (p *Runner) appendQualityGateToMetadata(runID string, attempt int, score float64, passed bool, rubric map[string]any) {
	payload := map[string]any{"quality_gate": map[string]any{"score": score, "passed": passed, "rubric": rubric}}
	if _, err := p.root.WriteMetadata(runID, attempt, payload); err != nil {
		p.log.Warn("failed to append quality gate metadata", "run_id", runID, "attempt", attempt, "error", err)
	}
}

// --- Stage 4: background to white (winner only) ---

func (p *Runner) runStage4(ctx context.Context, run *domain.Run, entry *domain.Entry, winnerAttempt int) error {
	_ = p.repo.UpdateRun(ctx, run.ID, map[string]any{"current_stage": domain.Stage4Background})

	winnerAsset, err := p.repo.AssetByAttempt(ctx, run.ID, domain.AssetStageStage3Upgraded, winnerAttempt)
	if err != nil || winnerAsset == nil {
		return fmt.Errorf("missing winner stage3 upgraded image for attempt %d", winnerAttempt)
	}
	imageBytes, err := readAssetBytes(winnerAsset.Path)
	if err != nil {
		return fmt.Errorf("read winner image: %w", err)
	}

	pred, err := p.imagegen.RemoveBackgroundToWhite(ctx, winnerAsset.Path, imageBytes, entry.Word)
	if err != nil {
		return fmt.Errorf("background removal: %w", err)
	}
	if pred.Status != "succeeded" {
		return fmt.Errorf("background removal failed: status=%s", pred.Status)
	}
	outputURL := provider.ExtractOutputURL(pred)
	if outputURL == "" {
		return fmt.Errorf("no output URL for stage4")
	}
	downloaded, err := p.imagegen.Download(ctx, outputURL)
	if err != nil {
		return fmt.Errorf("download stage4 image: %w", err)
	}

	filename := fmt.Sprintf("stage4_white_bg_attempt_%d.jpg", winnerAttempt)
	if _, err := p.saveAsset(run.ID, domain.AssetStageWhiteBG, winnerAttempt, filename, downloaded, outputURL, "google/nano-banana", ctx); err != nil {
		return fmt.Errorf("save stage4 asset: %w", err)
	}

	p.recordStage(ctx, run.ID, domain.Stage4Background, winnerAttempt, domain.StageResultStatusOK,
		map[string]any{"input_asset": winnerAsset.Path}, pred, "")
	return nil
}

func (p *Runner) finishRun(ctx context.Context, run *domain.Run, entry *domain.Entry, best *attemptResult, config *domain.RuntimeConfig, passed bool) error {
	if best == nil {
		return fmt.Errorf("no scored attempt to finish run with")
	}

	if err := p.executeWithStageRetry(config.StageRetryLimit, func() error {
		return p.runStage4(ctx, run, entry, best.attempt)
	}); err != nil {
		return err
	}

	if passed {
		return p.repo.UpdateRun(ctx, run.ID, map[string]any{
			"status": domain.RunStatusCompletedPass, "current_stage": domain.StageCompleted,
			"quality_score": best.score, "optimization_attempt": best.attempt, "error_detail": "",
		})
	}

	detail := fmt.Sprintf("final score %.2f below threshold %d (winner attempt %d): %s",
		best.score, run.QualityThreshold, best.attempt, stringField(best.rubric, "explanation"))
	return p.repo.UpdateRun(ctx, run.ID, map[string]any{
		"status": domain.RunStatusCompletedFailThreshold, "current_stage": domain.StageCompleted,
		"quality_score": best.score, "optimization_attempt": best.attempt, "error_detail": detail,
	})
}

// --- shared helpers ---

func (p *Runner) saveAsset(runID, stageName string, attempt int, filename string, imageBytes []byte, originURL, modelName string, ctx context.Context) (*domain.Asset, error) {
	path, err := p.root.WriteImage(runID, filename, imageBytes)
	if err != nil {
		return nil, err
	}
	width, height, err := storage.ImageDimensions(imageBytes)
	if err != nil {
		width, height = 0, 0
	}
	asset := &domain.Asset{
		RunID: runID, StageName: stageName, Attempt: attempt,
		FileName: idgen.SanitizeFilename(filename), Path: path, MimeType: "image/jpeg",
		SHA256: storage.SHA256Bytes(imageBytes), Width: width, Height: height,
		OriginURL: originURL, Model: modelName,
	}
	if err := p.repo.AddAsset(ctx, asset); err != nil {
		return nil, err
	}
	return asset, nil
}

func (p *Runner) latestAsset(ctx context.Context, runID, stageName string) (*domain.Asset, error) {
	return p.repo.LatestAsset(ctx, runID, stageName)
}

func (p *Runner) latestPromptText(ctx context.Context, runID, stageName string) (string, error) {
	prompts, err := p.repo.RunDetails(ctx, runID)
	if err != nil {
		return "", err
	}
	var latest *domain.Prompt
	for i := range prompts.Prompts {
		pr := &prompts.Prompts[i]
		if pr.StageName != stageName {
			continue
		}
		if latest == nil || pr.CreatedAt.After(latest.CreatedAt) {
			latest = pr
		}
	}
	if latest == nil {
		return "", nil
	}
	return latest.PromptText, nil
}

func readAssetBytes(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

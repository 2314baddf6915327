package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/verbali/aac-image-pipeline/internal/aac/domain"
	"github.com/verbali/aac-image-pipeline/internal/aac/pipeline"
	"github.com/verbali/aac-image-pipeline/internal/aac/provider"
	"github.com/verbali/aac-image-pipeline/internal/aac/repo"
	"github.com/verbali/aac-image-pipeline/internal/aac/storage"
	"github.com/verbali/aac-image-pipeline/internal/platform/logger"
)

// fakeAssistant/fakeImageGen satisfy pipeline.AssistantClient/ImageGenClient
// without touching the network, so the pool can be exercised end to end
// against a real sqlite-backed repo.

type fakeAssistant struct{}

func (fakeAssistant) ResolveAssistantID(ctx context.Context, configuredID, configuredName string) (string, error) {
	return "asst_test", nil
}
func (fakeAssistant) GenerateFirstPrompt(ctx context.Context, userText, assistantID string) (map[string]any, provider.AssistantTrace, error) {
	return map[string]any{"first prompt": "a ball", "need a person": "no"}, provider.AssistantTrace{}, nil
}
func (fakeAssistant) GenerateUpgradedPrompt(ctx context.Context, userText, assistantID string) (map[string]any, provider.AssistantTrace, error) {
	return map[string]any{"upgraded prompt": "a sharper ball"}, provider.AssistantTrace{}, nil
}
func (fakeAssistant) AnalyzeImage(ctx context.Context, imagePath string, imageBytes []byte, word, partOfSentence, category, model string) (map[string]any, provider.AssistantTrace, error) {
	return map[string]any{"challenges": "none", "recommendations": "none"}, provider.AssistantTrace{}, nil
}
func (fakeAssistant) ScoreImage(ctx context.Context, imagePath string, imageBytes []byte, word, partOfSentence, category string, threshold int, model string, abstractMode bool, contrastSubject string) (map[string]any, provider.AssistantTrace, error) {
	return map[string]any{"score": float64(99), "explanation": "clean render"}, provider.AssistantTrace{}, nil
}

type fakeImageGen struct {
	delay time.Duration
}

func (f fakeImageGen) GenerateDraft(ctx context.Context, prompt string) (provider.Prediction, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return provider.Prediction{Status: "succeeded", Output: "https://out/draft.jpg"}, nil
}
func (f fakeImageGen) GenerateStage3(ctx context.Context, modelChoice, prompt string) (provider.Prediction, string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return provider.Prediction{Status: "succeeded", Output: "https://out/stage3.jpg"}, "black-forest-labs/flux-1.1-pro", nil
}
func (f fakeImageGen) RemoveBackgroundToWhite(ctx context.Context, imagePath string, imageBytes []byte, word string) (provider.Prediction, error) {
	return provider.Prediction{Status: "succeeded", Output: "https://out/white.jpg"}, nil
}
func (f fakeImageGen) Download(ctx context.Context, url string) ([]byte, error) {
	return []byte("fake-bytes"), nil
}

func newTestPool(t *testing.T, maxParallelRuns int, imagegen fakeImageGen) (*Pool, *repo.Repo) {
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

	_, err = r.GetRuntimeConfig(context.Background(), domain.RuntimeConfig{
		QualityThreshold: 95, StageRetryLimit: 1, MaxAPIRetries: 1,
		MaxParallelRuns: maxParallelRuns, WorkerPollSeconds: 0.05,
		GenerationModel: "flux-1.1-pro",
	})
	require.NoError(t, err)

	root := storage.NewRoot(t.TempDir())
	runner := pipeline.NewRunner(r, fakeAssistant{}, imagegen, root, log)
	return NewPool(r, runner, log), r
}

func seedQueuedRuns(t *testing.T, r *repo.Repo, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		entry, err := r.CreateEntry(ctx, &domain.Entry{Word: "word", PartOfSentence: "noun", Category: "cat", BatchLabel: time.Now().String() + string(rune('a'+i))})
		require.NoError(t, err)
		run, err := r.CreateRun(ctx, entry.ID, 95, 0)
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}
	return ids
}

func TestPool_ProcessesAllQueuedRunsToCompletion(t *testing.T) {
	pool, r := newTestPool(t, 2, fakeImageGen{})
	ids := seedQueuedRuns(t, r, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		for _, id := range ids {
			run, err := r.GetRun(context.Background(), id)
			if err != nil || run.Status == domain.RunStatusQueued || run.Status == domain.RunStatusRunning {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	for _, id := range ids {
		run, err := r.GetRun(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, domain.RunStatusCompletedPass, run.Status)
	}
}

// TestPool_NeverExceedsMaxParallelRuns seeds enough runs that, if the pool
// ignored max_parallel_runs, several would dispatch at once; a slow fake
// provider widens the window during which a sampler goroutine can catch an
// over-dispatch.
func TestPool_NeverExceedsMaxParallelRuns(t *testing.T) {
	pool, r := newTestPool(t, 1, fakeImageGen{delay: 30 * time.Millisecond})
	ids := seedQueuedRuns(t, r, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var observedMax int64
	stopSampling := make(chan struct{})
	sampleDone := make(chan struct{})
	go func() {
		defer close(sampleDone)
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopSampling:
				return
			case <-ticker.C:
				current := atomic.LoadInt64(&pool.inFlight)
				for {
					old := atomic.LoadInt64(&observedMax)
					if current <= old || atomic.CompareAndSwapInt64(&observedMax, old, current) {
						break
					}
				}
			}
		}
	}()

	pool.Start(ctx)

	require.Eventually(t, func() bool {
		for _, id := range ids {
			run, err := r.GetRun(context.Background(), id)
			if err != nil || run.Status == domain.RunStatusQueued || run.Status == domain.RunStatusRunning {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
	close(stopSampling)
	<-sampleDone

	require.LessOrEqual(t, atomic.LoadInt64(&observedMax), int64(1))
}

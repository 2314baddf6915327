package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/verbali/aac-image-pipeline/internal/aac/modelcatalog"
)

// Prediction mirrors the Replicate prediction resource far enough to drive
// polling and output extraction.
type Prediction struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output any    `json:"output"`
	Error  any    `json:"error"`
}

// ImageGenClient talks to a Replicate-compatible prediction API (fronted by
// settings.ReplicateCFBaseURL) for draft generation, Stage-3 generation
// across the model catalog, and background removal.
type ImageGenClient struct {
	httpClient    *http.Client
	baseURL       string
	apiToken      string
	maxAPIRetries int
	pollInterval  time.Duration
	maxPollTries  int
}

func NewImageGenClient(baseURL, apiToken string, maxAPIRetries int) *ImageGenClient {
	return &ImageGenClient{
		httpClient:    &http.Client{Timeout: 180 * time.Second},
		baseURL:       baseURL,
		apiToken:      apiToken,
		maxAPIRetries: maxAPIRetries,
		pollInterval:  2 * time.Second,
		maxPollTries:  90,
	}
}

func (c *ImageGenClient) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + c.apiToken,
		"Content-Type":  "application/json",
		"Prefer":        "wait=60",
	}
}

func (c *ImageGenClient) createPrediction(ctx context.Context, modelPath string, input map[string]any) (Prediction, error) {
	var out Prediction
	url := fmt.Sprintf("%s/v1/models/%s/predictions", c.baseURL, modelPath)
	body := map[string]any{"input": input}
	if err := doWithRetry(ctx, c.httpClient, c.maxAPIRetries, http.MethodPost, url, c.headers(), body, &out); err != nil {
		return Prediction{}, fmt.Errorf("create prediction: %w", err)
	}
	return out, nil
}

func isTerminal(status string) bool {
	switch status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

func (c *ImageGenClient) pollPrediction(ctx context.Context, predictionID string) (Prediction, error) {
	url := fmt.Sprintf("%s/v1/predictions/%s", c.baseURL, predictionID)
	for i := 0; i < c.maxPollTries; i++ {
		var out Prediction
		if err := doWithRetry(ctx, c.httpClient, c.maxAPIRetries, http.MethodGet, url, c.headers(), nil, &out); err != nil {
			return Prediction{}, fmt.Errorf("poll prediction: %w", err)
		}
		if isTerminal(out.Status) {
			return out, nil
		}
		if err := sleepOrCancel(ctx, c.pollInterval); err != nil {
			return Prediction{}, err
		}
	}
	return Prediction{ID: predictionID, Status: "timeout"}, nil
}

func (c *ImageGenClient) runPrediction(ctx context.Context, modelPath string, input map[string]any) (Prediction, error) {
	created, err := c.createPrediction(ctx, modelPath, input)
	if err != nil {
		return Prediction{}, err
	}
	if isTerminal(created.Status) {
		return created, nil
	}
	if created.ID == "" {
		return Prediction{Status: "failed"}, fmt.Errorf("prediction response missing id")
	}
	return c.pollPrediction(ctx, created.ID)
}

// ExtractOutputURL reads pred.Output, which Replicate returns either as a
// bare string or as an array whose last element is the final frame/image.
func ExtractOutputURL(pred Prediction) string {
	switch out := pred.Output.(type) {
	case string:
		return out
	case []any:
		if len(out) == 0 {
			return ""
		}
		if s, ok := out[len(out)-1].(string); ok {
			return s
		}
	}
	return ""
}

// GenerateDraft runs Stage 2: a flux-schnell draft render of prompt.
func (c *ImageGenClient) GenerateDraft(ctx context.Context, prompt string) (Prediction, error) {
	ctx, span := startSpan(ctx, "imagegen.generate_draft")
	defer span.End()
	return c.runPrediction(ctx, "black-forest-labs/flux-schnell", map[string]any{
		"prompt":        prompt,
		"output_format": "jpg",
	})
}

// stage3Request returns the model path and request body for a normalized
// Stage-3 generation model choice.
func stage3Request(modelKey, prompt string) (string, map[string]any) {
	switch modelKey {
	case "flux-1.1-pro":
		return "black-forest-labs/flux-1.1-pro", map[string]any{
			"prompt": prompt, "aspect_ratio": "4:3", "output_format": "jpg",
			"output_quality": 80, "prompt_upsampling": false, "safety_tolerance": 2, "seed": 10000,
		}
	case "imagen-3":
		return "google/imagen-3-fast", map[string]any{
			"prompt": prompt, "num_outputs": 1, "aspect_ratio": "4:3", "output_format": "jpg",
			"output_quality": 80, "prompt_upsampling": true, "safety_tolerance": 2,
		}
	case "imagen-4":
		return "google/imagen-4", map[string]any{
			"prompt": prompt, "num_outputs": 1, "aspect_ratio": "4:3", "output_format": "jpg",
			"output_quality": 80, "prompt_upsampling": true, "safety_tolerance": 2,
		}
	case "nano-banana":
		return "google/nano-banana", map[string]any{
			"prompt": prompt, "aspect_ratio": "4:3", "output_format": "jpg",
		}
	case "nano-banana-pro":
		return "google/nano-banana-pro", map[string]any{
			"prompt": prompt, "aspect_ratio": "4:3", "output_format": "jpg",
		}
	default:
		return "google/imagen-3-fast", map[string]any{
			"prompt": prompt, "num_outputs": 1, "aspect_ratio": "4:3", "output_format": "jpg",
			"output_quality": 80, "prompt_upsampling": true, "safety_tolerance": 2,
		}
	}
}

// GenerateStage3 runs a Stage-3 upgrade render with the given model choice
// (normalized through modelcatalog), returning the prediction and the model
// path actually used.
func (c *ImageGenClient) GenerateStage3(ctx context.Context, modelChoice, prompt string) (Prediction, string, error) {
	ctx, span := startSpan(ctx, "imagegen.generate_stage3")
	defer span.End()
	modelKey := modelcatalog.NormalizeStage3GenerationModel(modelChoice)
	modelPath, input := stage3Request(modelKey, prompt)
	pred, err := c.runPrediction(ctx, modelPath, input)
	return pred, modelPath, err
}

// ImagenFallback renders via imagen-3; it is GenerateStage3 with the
// "imagen-3" model choice. The pipeline's flux->imagen fallback calls
// GenerateStage3 with that choice directly rather than this method.
func (c *ImageGenClient) ImagenFallback(ctx context.Context, prompt string) (Prediction, error) {
	pred, _, err := c.GenerateStage3(ctx, "imagen-3", prompt)
	return pred, err
}

func toImageDataURI(imagePath string, imageBytes []byte) string {
	mimeType := mime.TypeByExtension(filepath.Ext(imagePath))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(imageBytes))
}

// RemoveBackgroundToWhite asks nano-banana to isolate the subject on a white
// background, conditioned on the winning image.
func (c *ImageGenClient) RemoveBackgroundToWhite(ctx context.Context, imagePath string, imageBytes []byte, word string) (Prediction, error) {
	ctx, span := startSpan(ctx, "imagegen.remove_background")
	defer span.End()
	prompt := fmt.Sprintf(
		"remove the background - keep only the important elements of the image and make the background white. "+
			"The image's main message is to represent the concept %q. Do not add text in the image.", word,
	)
	return c.runPrediction(ctx, "google/nano-banana", map[string]any{
		"prompt":        prompt,
		"image_input":   []string{toImageDataURI(imagePath, imageBytes)},
		"aspect_ratio":  "match_input_image",
		"output_format": "jpg",
	})
}

// Download fetches the bytes at url (a Replicate output URL), retried under
// the same API-call budget as every other provider request.
func (c *ImageGenClient) Download(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := doDownloadWithRetry(ctx, c.httpClient, c.maxAPIRetries, url, &body)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	return body, nil
}

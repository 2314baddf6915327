package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/verbali/aac-image-pipeline/internal/aac/idgen"
)

const openAIBaseURL = "https://api.openai.com/v1"

// AssistantTrace carries the raw thread/run bookkeeping callers persist into
// StageResult.ResponseJSON for replay/debugging, mirroring the tuple
// (parsed, trace) shape the Python client returns from every assistant call.
type AssistantTrace struct {
	ThreadID string `json:"thread_id,omitempty"`
	RunID    string `json:"run_id,omitempty"`
	RawText  string `json:"raw_text,omitempty"`
	RawJSON  string `json:"raw_json,omitempty"`
}

// PromptAssistantClient talks to the OpenAI Assistants v2 API for prompt
// generation and to Chat Completions for vision-based analysis/scoring.
type PromptAssistantClient struct {
	httpClient    *http.Client
	apiKey        string
	maxAPIRetries int
	pollInterval  time.Duration
	maxPollWait   time.Duration
}

func NewPromptAssistantClient(apiKey string, maxAPIRetries int) *PromptAssistantClient {
	return &PromptAssistantClient{
		httpClient:    &http.Client{Timeout: 180 * time.Second},
		apiKey:        apiKey,
		maxAPIRetries: maxAPIRetries,
		pollInterval:  2 * time.Second,
		maxPollWait:   300 * time.Second,
	}
}

func (c *PromptAssistantClient) headers(assistantsV2 bool) map[string]string {
	h := map[string]string{
		"Authorization": "Bearer " + c.apiKey,
		"Content-Type":  "application/json",
	}
	if assistantsV2 {
		h["OpenAI-Beta"] = "assistants=v2"
	}
	return h
}

func (c *PromptAssistantClient) call(ctx context.Context, method, url string, assistantsV2 bool, body, out any) error {
	return doWithRetry(ctx, c.httpClient, c.maxAPIRetries, method, url, c.headers(assistantsV2), body, out)
}

// ResolveAssistantID returns configuredID verbatim if set, otherwise paginates
// /assistants looking for one named configuredName (case-insensitive).
func (c *PromptAssistantClient) ResolveAssistantID(ctx context.Context, configuredID, configuredName string) (string, error) {
	if strings.TrimSpace(configuredID) != "" {
		return configuredID, nil
	}

	after := ""
	wantName := strings.ToLower(strings.TrimSpace(configuredName))
	for {
		url := openAIBaseURL + "/assistants?limit=50"
		if after != "" {
			url += "&after=" + after
		}
		var page struct {
			Data []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"data"`
			LastID string `json:"last_id"`
		}
		if err := c.call(ctx, http.MethodGet, url, true, nil, &page); err != nil {
			return "", fmt.Errorf("list assistants: %w", err)
		}
		for _, item := range page.Data {
			if strings.ToLower(strings.TrimSpace(item.Name)) == wantName {
				return item.ID, nil
			}
		}
		if page.LastID == "" {
			break
		}
		after = page.LastID
	}
	return "", fmt.Errorf("assistant named %q was not found", configuredName)
}

func (c *PromptAssistantClient) createThread(ctx context.Context, message string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]any{"messages": []map[string]string{{"role": "user", "content": message}}}
	if err := c.call(ctx, http.MethodPost, openAIBaseURL+"/threads", true, body, &out); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	return out.ID, nil
}

func (c *PromptAssistantClient) createRun(ctx context.Context, threadID, assistantID string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]any{"assistant_id": assistantID}
	url := fmt.Sprintf("%s/threads/%s/runs", openAIBaseURL, threadID)
	if err := c.call(ctx, http.MethodPost, url, true, body, &out); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return out.ID, nil
}

func (c *PromptAssistantClient) pollRun(ctx context.Context, threadID, runID string) (string, error) {
	url := fmt.Sprintf("%s/threads/%s/runs/%s", openAIBaseURL, threadID, runID)
	deadline := time.Now().Add(c.maxPollWait)
	for {
		var out struct {
			Status string `json:"status"`
		}
		if err := c.call(ctx, http.MethodGet, url, true, nil, &out); err != nil {
			return "", fmt.Errorf("poll run: %w", err)
		}
		switch out.Status {
		case "completed", "failed", "cancelled", "expired":
			return out.Status, nil
		}
		if time.Now().After(deadline) {
			return "timeout", nil
		}
		if err := sleepOrCancel(ctx, c.pollInterval); err != nil {
			return "", err
		}
	}
}

func (c *PromptAssistantClient) latestAssistantText(ctx context.Context, threadID string) (string, error) {
	url := fmt.Sprintf("%s/threads/%s/messages?limit=1&order=desc&role=assistant", openAIBaseURL, threadID)
	var out struct {
		Data []struct {
			Content []struct {
				Type string `json:"type"`
				Text struct {
					Value string `json:"value"`
				} `json:"text"`
			} `json:"content"`
		} `json:"data"`
	}
	if err := c.call(ctx, http.MethodGet, url, true, nil, &out); err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	if len(out.Data) == 0 {
		return "", nil
	}
	var parts []string
	for _, part := range out.Data[0].Content {
		if part.Type == "text" {
			parts = append(parts, part.Text.Value)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n")), nil
}

func (c *PromptAssistantClient) assistantJSON(ctx context.Context, userText, assistantID string) (map[string]any, AssistantTrace, error) {
	threadID, err := c.createThread(ctx, userText)
	if err != nil {
		return nil, AssistantTrace{}, err
	}
	runID, err := c.createRun(ctx, threadID, assistantID)
	if err != nil {
		return nil, AssistantTrace{}, err
	}
	status, err := c.pollRun(ctx, threadID, runID)
	if err != nil {
		return nil, AssistantTrace{}, err
	}
	if status != "completed" {
		return nil, AssistantTrace{ThreadID: threadID, RunID: runID}, fmt.Errorf("assistant run status: %s", status)
	}
	rawText, err := c.latestAssistantText(ctx, threadID)
	if err != nil {
		return nil, AssistantTrace{}, err
	}
	return idgen.ParseJSONRelaxed(rawText), AssistantTrace{ThreadID: threadID, RunID: runID, RawText: rawText}, nil
}

// GenerateFirstPrompt asks the assistant for the Stage 1 prompt JSON.
func (c *PromptAssistantClient) GenerateFirstPrompt(ctx context.Context, userText, assistantID string) (map[string]any, AssistantTrace, error) {
	return c.assistantJSON(ctx, userText, assistantID)
}

// GenerateUpgradedPrompt asks the assistant for the Stage 3 upgraded-prompt JSON.
func (c *PromptAssistantClient) GenerateUpgradedPrompt(ctx context.Context, userText, assistantID string) (map[string]any, AssistantTrace, error) {
	return c.assistantJSON(ctx, userText, assistantID)
}

func toDataURI(imagePath string, imageBytes []byte) string {
	mimeType := mime.TypeByExtension(filepath.Ext(imagePath))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(imageBytes))
}

func (c *PromptAssistantClient) chatCompletion(ctx context.Context, model, prompt, imagePath string, imageBytes []byte, temperature float64) (map[string]any, AssistantTrace, error) {
	dataURI := toDataURI(imagePath, imageBytes)
	body := map[string]any{
		"model": model,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": prompt},
					{"type": "image_url", "image_url": map[string]string{"url": dataURI}},
				},
			},
		},
		"temperature": temperature,
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.call(ctx, http.MethodPost, openAIBaseURL+"/chat/completions", false, body, &out); err != nil {
		return nil, AssistantTrace{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, AssistantTrace{}, fmt.Errorf("chat completion returned no choices")
	}
	content := out.Choices[0].Message.Content
	return idgen.ParseJSONRelaxed(content), AssistantTrace{RawText: content}, nil
}

// AnalyzeImage requests a Stage-3 critique: challenges/recommendations.
func (c *PromptAssistantClient) AnalyzeImage(ctx context.Context, imagePath string, imageBytes []byte, word, partOfSentence, category, model string) (map[string]any, AssistantTrace, error) {
	prompt := fmt.Sprintf(
		"You are an expert AAC visual designer for children. "+
			"Analyze the image for concept clarity. Return STRICT JSON with keys "+
			`{"challenges":"...", "recommendations":"..."}. `+
			"Concept word: %s. Part of sentence: %s. Category: %s.",
		word, partOfSentence, category,
	)
	return c.chatCompletion(ctx, model, prompt, imagePath, imageBytes, 0.2)
}

// ScoreImage requests a quality-gate score, branching to the abstract-mode
// rubric when abstractMode is set.
func (c *PromptAssistantClient) ScoreImage(ctx context.Context, imagePath string, imageBytes []byte, word, partOfSentence, category string, threshold int, model string, abstractMode bool, contrastSubject string) (map[string]any, AssistantTrace, error) {
	var prompt string
	if abstractMode {
		prompt = fmt.Sprintf(
			"Score this AAC image for an abstract/ambiguous concept. Return STRICT JSON with fields: "+
				`{"score":0-100, "contrast_clarity":0-5, "absence_signal_strength":0-5, "aac_interpretability":0-5, `+
				`"explanation":"...", "failure_tags":["ambiguity","clutter","wrong_concept","text_in_image","distracting_details"]}. `+
				"Word: %s. Part of sentence: %s. Category: %s. Contrast subject: %s. Pass threshold is %d.",
			word, partOfSentence, category, contrastSubject, threshold,
		)
	} else {
		prompt = fmt.Sprintf(
			"Score the AAC concept image quality for a child user. Return STRICT JSON with fields: "+
				`{"score":0-100, "explanation":"...", "failure_tags":["ambiguity","clutter","wrong_concept","text_in_image","distracting_details"]}. `+
				"Word: %s. Part of sentence: %s. Category: %s. Pass threshold is %d.",
			word, partOfSentence, category, threshold,
		)
	}
	parsed, trace, err := c.chatCompletion(ctx, model, prompt, imagePath, imageBytes, 0.1)
	if err != nil {
		return nil, trace, err
	}
	if abstractMode {
		parsed = NormalizeAbstractRubric(parsed)
	} else if _, ok := parsed["score"]; !ok {
		parsed["score"] = float64(0)
	}
	return parsed, trace, nil
}

// NormalizeAbstractRubric fills in the abstract-mode rubric fields with safe
// zero values and coerces numeric fields, mirroring the defensive
// normalization original_source applies before persisting a Score.
func NormalizeAbstractRubric(parsed map[string]any) map[string]any {
	normalized := make(map[string]any, len(parsed))
	for k, v := range parsed {
		normalized[k] = v
	}
	normalized["score"] = asFloat(normalized["score"])
	normalized["contrast_clarity"] = asFloat(normalized["contrast_clarity"])
	normalized["absence_signal_strength"] = asFloat(normalized["absence_signal_strength"])
	normalized["aac_interpretability"] = asFloat(normalized["aac_interpretability"])
	if _, ok := normalized["failure_tags"].([]any); !ok {
		normalized["failure_tags"] = []any{}
	}
	if _, ok := normalized["explanation"]; !ok {
		normalized["explanation"] = ""
	}
	return normalized
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

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

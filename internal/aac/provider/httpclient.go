// Package provider implements C3: narrow adapters to the prompt-assistant
// and image-generation providers. Both clients share the same small
// HTTP-call shape (grounded on internal/platform/openai/client.go's
// doOnce/openAIHTTPError idiom) and the same retry wrapper (internal/aac/retry).
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/verbali/aac-image-pipeline/internal/aac/retry"
)

var tracer = otel.Tracer("aac/provider")

// httpError carries the response status/body so retry.IsRetryableError can
// classify it for the retry wrapper.
type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("provider http %d: %s", e.StatusCode, e.Body)
}

func (e *httpError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// doOnce issues a single HTTP request with a JSON body (or nil) and decodes
// the JSON response into out (unless out is nil). Non-2xx responses return
// *httpError.
func doOnce(ctx context.Context, httpClient *http.Client, method, url string, headers map[string]string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w; raw=%s", err, string(raw))
		}
	}
	return nil
}

// doWithRetry wraps doOnce in the C2 retry budget, classifying retryable
// failures with retry.IsRetryableError (network errors, 408/429/5xx).
func doWithRetry(ctx context.Context, httpClient *http.Client, maxRetries int, method, url string, headers map[string]string, body, out any) error {
	_, err := retry.Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, doOnce(ctx, httpClient, method, url, headers, body, out)
	}, maxRetries, 500*time.Millisecond, retry.IsRetryableError)
	return err
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// doRawOnce issues a single GET and returns the raw response body, used for
// downloading rendered images rather than decoding a JSON envelope.
func doRawOnce(ctx context.Context, httpClient *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

// doDownloadWithRetry wraps doRawOnce in the same retry budget as JSON calls.
func doDownloadWithRetry(ctx context.Context, httpClient *http.Client, maxRetries int, url string, out *[]byte) error {
	body, err := retry.Do(ctx, func(ctx context.Context) ([]byte, error) {
		return doRawOnce(ctx, httpClient, url)
	}, maxRetries, 500*time.Millisecond, retry.IsRetryableError)
	if err != nil {
		return err
	}
	*out = body
	return nil
}

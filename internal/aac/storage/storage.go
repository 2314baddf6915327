// Package storage writes and reads pipeline artifacts under the runtime
// data root: runs/{run_id}/ for images and per-attempt metadata sidecars,
// exports/{export_id}/ for export bundles.
package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	_ "golang.org/x/image/webp"

	"github.com/verbali/aac-image-pipeline/internal/aac/idgen"
)

// Root is the runtime data root directory; runs/ and exports/ live under it.
type Root struct {
	Path string
}

func NewRoot(path string) *Root {
	return &Root{Path: path}
}

func (r *Root) RunsRoot() string {
	return filepath.Join(r.Path, "runs")
}

func (r *Root) ExportsRoot() string {
	return filepath.Join(r.Path, "exports")
}

func (r *Root) RunDir(runID string) (string, error) {
	dir := filepath.Join(r.RunsRoot(), runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	return dir, nil
}

func (r *Root) ExportDir(exportID string) (string, error) {
	dir := filepath.Join(r.ExportsRoot(), exportID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	return dir, nil
}

// WriteImage sanitizes filename and writes imageBytes under the run's
// directory, returning the absolute path written.
func (r *Root) WriteImage(runID, filename string, imageBytes []byte) (string, error) {
	dir, err := r.RunDir(runID)
	if err != nil {
		return "", err
	}
	path, err := filepath.Abs(filepath.Join(dir, idgen.SanitizeFilename(filename)))
	if err != nil {
		return "", fmt.Errorf("resolve image path: %w", err)
	}
	if err := os.WriteFile(path, imageBytes, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return path, nil
}

// WriteMetadata merges payload's top-level keys into the per-attempt
// sidecar file metadata_attempt_{attempt}.json and writes it back
// pretty-printed, the way the original pipeline reads-merges-writes this
// file across its stage3/quality-gate calls for the same attempt — a
// plain marshal-and-overwrite would destroy whatever the previous call
// already wrote.
func (r *Root) WriteMetadata(runID string, attempt int, payload map[string]any) (string, error) {
	dir, err := r.RunDir(runID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("metadata_attempt_%d.json", attempt))

	merged := map[string]any{}
	if existing, err := os.ReadFile(path); err == nil {
		if jsonErr := json.Unmarshal(existing, &merged); jsonErr != nil {
			return "", fmt.Errorf("unmarshal existing metadata: %w", jsonErr)
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read existing metadata: %w", err)
	}
	for k, v := range payload {
		merged[k] = v
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write metadata: %w", err)
	}
	return path, nil
}

// SHA256Bytes returns the hex-encoded sha256 digest of content.
func SHA256Bytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ImageDimensions decodes content far enough to read its width/height
// without a full pixel decode, supporting every format the two image-gen
// providers may return (jpeg/png/webp).
func ImageDimensions(content []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		return 0, 0, fmt.Errorf("decode image config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// ResolveExportPath joins dir and requestedName, rejecting any result that
// escapes dir — the path-traversal defense required for export downloads.
func ResolveExportPath(dir, requestedName string) (string, error) {
	candidate := filepath.Clean(filepath.Join(dir, requestedName))
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve export dir: %w", err)
	}
	absCandidate, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve requested path: %w", err)
	}
	rel, err := filepath.Rel(absDir, absCandidate)
	if err != nil || rel == ".." || len(rel) >= 2 && rel[:2] == ".." {
		return "", fmt.Errorf("requested path %q escapes export directory", requestedName)
	}
	return absCandidate, nil
}

// Package idgen implements the deterministic id, row-hash, filename
// sanitation, and relaxed-JSON-extraction helpers the rest of the pipeline
// relies on for idempotency.
package idgen

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// EntryID derives the deterministic id for an (word, part_of_sentence,
// category) tuple: sha256 of the lowercased, trimmed, pipe-joined key,
// truncated to 24 hex chars, prefixed "ent_". Equal tuples always yield
// the equal id, which is what makes Entry creation idempotent.
func EntryID(word, partOfSentence, category string) string {
	key := strings.ToLower(strings.TrimSpace(word)) + "|" +
		strings.ToLower(strings.TrimSpace(partOfSentence)) + "|" +
		strings.ToLower(strings.TrimSpace(category))
	sum := sha256.Sum256([]byte(key))
	return "ent_" + hex.EncodeToString(sum[:])[:24]
}

// SourceRowHash canonicalizes payload as sort-keyed JSON and returns its
// full sha256 hex digest, used to detect whether a re-submitted source row
// changed since it was last recorded.
func SourceRowHash(payload map[string]any) (string, error) {
	normalized, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON re-marshals an arbitrary JSON-ish map with sorted keys at
// every nesting level, mirroring Python's json.dumps(sort_keys=True).
func canonicalJSON(v any) ([]byte, error) {
	ordered, err := sortKeysDeep(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ordered)
}

func sortKeysDeep(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedMap, 0, len(val))
		for _, k := range keys {
			child, err := sortKeysDeep(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, kv{k, child})
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			child, err := sortKeysDeep(item)
			if err != nil {
				return nil, err
			}
			out[i] = child
		}
		return out, nil
	default:
		return val, nil
	}
}

type kv struct {
	Key   string
	Value any
}

// orderedMap marshals as a JSON object preserving insertion order, which
// sortKeysDeep has already sorted lexicographically.
type orderedMap []kv

func (m orderedMap) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, pair := range m {
		if i > 0 {
			b.WriteByte(',')
		}
		keyBytes, err := json.Marshal(pair.Key)
		if err != nil {
			return nil, err
		}
		b.Write(keyBytes)
		b.WriteByte(':')
		valBytes, err := json.Marshal(pair.Value)
		if err != nil {
			return nil, err
		}
		b.Write(valBytes)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[\\/:*?"<>|]`)
	whitespaceRun       = regexp.MustCompile(`\s+`)
)

// SanitizeFilename replaces filesystem-unsafe characters and whitespace
// runs with underscores, truncates to 180 bytes, and strips leading/trailing
// '.'/'_'. Idempotent: sanitizing an already-sanitized name is a no-op.
func SanitizeFilename(name string) string {
	value := name
	if value == "" {
		value = "file"
	}
	value = unsafeFilenameChars.ReplaceAllString(value, "_")
	value = whitespaceRun.ReplaceAllString(value, "_")
	if len(value) > 180 {
		value = value[:180]
	}
	value = strings.Trim(value, "._")
	if value == "" {
		return "file"
	}
	return value
}

var (
	fencedCodeBlock = regexp.MustCompile(`(?is)` + "```" + `(?:json)?\s*(.*?)` + "```")
	braceObject     = regexp.MustCompile(`(?s)\{.*\}`)
)

// ParseJSONRelaxed tries, in order: the raw trimmed text, the contents of a
// fenced ```json code block if present, and the span from the first '{' to
// the last '}' —
// returning the first candidate that parses as a JSON object. Tolerates
// LLM output that wraps JSON in prose or markdown fencing. Returns an empty
// map if nothing parses.
func ParseJSONRelaxed(content string) map[string]any {
	text := strings.TrimSpace(content)
	candidates := []string{text}

	if m := fencedCodeBlock.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if m := braceObject.FindString(text); m != "" {
		candidates = append(candidates, m)
	}

	for _, candidate := range candidates {
		var result map[string]any
		if err := json.Unmarshal([]byte(candidate), &result); err == nil && result != nil {
			return result
		}
	}
	return map[string]any{}
}

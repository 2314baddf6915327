// Package semantics implements the optional abstract-concept detector from
// the design notes (§9): words whose meaning is better conveyed by
// single-frame contrast (absence, negation, quantifiers) than by a literal
// depiction get routed through a different prompt/scoring branch. The
// pipeline is correct without this package firing — detection just never
// reports is_abstract.
package semantics

import (
	"regexp"
	"strings"
)

var abstractLexicon = map[string]struct{}{
	"none": {}, "no": {}, "nothing": {}, "without": {}, "not": {}, "empty": {},
	"all": {}, "any": {}, "some": {}, "every": {}, "each": {}, "more": {},
	"less": {}, "same": {}, "different": {}, "other": {},
}

var negationTokens = map[string]struct{}{
	"no": {}, "not": {}, "without": {}, "none": {}, "nothing": {},
}

var abstractPartsOfSpeech = map[string]struct{}{
	"pronoun": {}, "determiner": {}, "preposition": {}, "conjunction": {},
	"adverb": {}, "quantifier": {},
}

var (
	tokenPattern    = regexp.MustCompile(`[a-zA-Z']+`)
	contrastPattern = regexp.MustCompile(`(?i)(?:without|no|none|not)\s+([a-zA-Z][a-zA-Z\s-]{1,40})`)
)

// Intent is the result of detecting whether an entry names an abstract
// concept best conveyed by contrast rather than literal depiction.
type Intent struct {
	IsAbstract      bool     `json:"is_abstract"`
	ReasonCodes     []string `json:"reason_codes"`
	ContrastSubject string   `json:"contrast_subject"`
	ContrastPattern string   `json:"contrast_pattern"`
}

func tokenize(value string) []string {
	return tokenPattern.FindAllString(strings.ToLower(value), -1)
}

func extractContrastSubject(context, category, fallbackWord string) string {
	if m := contrastPattern.FindStringSubmatch(strings.ToLower(context)); m != nil {
		candidate := strings.TrimSpace(strings.Fields(strings.TrimSpace(m[1]))[0])
		if candidate != "" {
			return candidate
		}
	}
	if c := strings.TrimSpace(category); c != "" {
		return c
	}
	if w := strings.TrimSpace(fallbackWord); w != "" {
		return w
	}
	return "target object"
}

// DetectAbstractIntent mirrors original_source's heuristic: lexicon match,
// negation tokens in context, abstract part-of-speech, or a "-less" suffix
// each independently mark the word abstract; any one firing is enough.
func DetectAbstractIntent(word, partOfSentence, context, category string) Intent {
	var reasonCodes []string

	normalizedWord := strings.ToLower(strings.TrimSpace(word))
	normalizedPOS := strings.ToLower(strings.TrimSpace(partOfSentence))
	contextTokens := make(map[string]struct{})
	for _, tok := range tokenize(context) {
		contextTokens[tok] = struct{}{}
	}

	if _, ok := abstractLexicon[normalizedWord]; ok {
		reasonCodes = append(reasonCodes, "lexicon_match")
	}
	for tok := range negationTokens {
		if _, ok := contextTokens[tok]; ok {
			reasonCodes = append(reasonCodes, "context_negation")
			break
		}
	}
	if _, ok := abstractPartsOfSpeech[normalizedPOS]; ok {
		reasonCodes = append(reasonCodes, "pos_abstract")
	}
	if strings.HasSuffix(normalizedWord, "less") {
		reasonCodes = append(reasonCodes, "suffix_less")
	}

	return Intent{
		IsAbstract:      len(reasonCodes) > 0,
		ReasonCodes:     reasonCodes,
		ContrastSubject: extractContrastSubject(context, category, word),
		ContrastPattern: "single_frame_contrast",
	}
}

// Package prompttemplates builds the user-text prompts sent to the prompt
// assistant for Stage 1 and Stage 3, including the photorealistic-category
// hint and the optional abstract-concept contrast framing.
package prompttemplates

import (
	"fmt"
	"strings"

	"github.com/verbali/aac-image-pipeline/internal/aac/semantics"
)

var photorealisticCategories = map[string]struct{}{
	"drinks": {}, "animals": {}, "food": {}, "food: fruits": {},
	"food: vegetables": {}, "food: sweets & desserts": {}, "shapes": {},
	"school supplies": {}, "transportation": {},
}

func photorealisticHint() string {
	return "If category is one of: Drinks, animals, food, food: fruits, food: vegetables, " +
		"food: Sweets & desserts, shapes, school supplies, transportation - use a photorealistic style."
}

// IsPhotorealisticCategory reports whether category should bias the image
// toward a photorealistic rendering style rather than an illustration.
func IsPhotorealisticCategory(category string) bool {
	_, ok := photorealisticCategories[strings.ToLower(strings.TrimSpace(category))]
	return ok
}

// EntryFields is the subset of domain.Entry the prompt builders need; kept
// narrow so this package has no dependency on the gorm model.
type EntryFields struct {
	Context        string
	Word           string
	PartOfSentence string
	Category       string
	BoyOrGirl      string
}

// BuildStage1Prompt asks the assistant for the first image prompt and
// whether a person is needed, in STRICT JSON with keys "first prompt" and
// "need a person".
func BuildStage1Prompt(entry EntryFields, intent semantics.Intent) string {
	var b strings.Builder
	b.WriteString("Task: Create the first image prompt for the given word and decide if the prompt needs a person.\n")
	b.WriteString("Return STRICT JSON with keys exactly:\n")
	b.WriteString(`{ "first prompt": "<string>", "need a person": "yes" | "no" }` + "\n\n")
	fmt.Fprintf(&b, "Context: %s\n", entry.Context)
	fmt.Fprintf(&b, "Word: %s\n", entry.Word)
	fmt.Fprintf(&b, "Part of speech: %s\n", entry.PartOfSentence)
	fmt.Fprintf(&b, "Category: %s\n", entry.Category)
	fmt.Fprintf(&b, "If a person is present, use a: %s\n\n", entry.BoyOrGirl)
	if intent.IsAbstract {
		fmt.Fprintf(&b, "This word names an abstract or relational concept. Depict it by contrast: "+
			"show the scene with and without %s side by side, in a single frame. Reason: %s.\n\n",
			intent.ContrastSubject, strings.Join(intent.ReasonCodes, ", "))
	}
	b.WriteString(photorealisticHint())
	b.WriteString("\n")
	return b.String()
}

// BuildStage3Prompt asks the assistant for an upgraded prompt given the
// previous prompt plus Stage-3 critique, in STRICT JSON with key
// "upgraded prompt".
func BuildStage3Prompt(entry EntryFields, oldPrompt, challenges, recommendations string, intent semantics.Intent) string {
	var b strings.Builder
	b.WriteString("Create an upgraded image prompt for the given word. Return STRICT JSON:\n")
	b.WriteString(`{ "upgraded prompt": "<string>" }` + "\n\n")
	fmt.Fprintf(&b, "context for the image: %s\n", entry.Context)
	fmt.Fprintf(&b, "Old prompt: %s\n", oldPrompt)
	fmt.Fprintf(&b, "challenges and improvements with the old image: challenges=%s; recommendations=%s\n", challenges, recommendations)
	fmt.Fprintf(&b, "word: %s\n", entry.Word)
	fmt.Fprintf(&b, "part of sentence: %s\n", entry.PartOfSentence)
	fmt.Fprintf(&b, "Category: %s\n", entry.Category)
	fmt.Fprintf(&b, "If a person is present, use a %s as the person.\n\n", entry.BoyOrGirl)
	b.WriteString("Do not use text in the image.\n")
	b.WriteString("The word's category can add information in addition to its PoS.\n")
	if intent.IsAbstract {
		fmt.Fprintf(&b, "Keep the single-frame contrast against %s; do not drift toward a literal depiction.\n", intent.ContrastSubject)
	}
	b.WriteString(photorealisticHint())
	b.WriteString("\n")
	return b.String()
}

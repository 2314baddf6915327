package idgen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEntryID_Deterministic(t *testing.T) {
	a := EntryID("Apple", "Noun", "Food")
	b := EntryID(" apple ", "noun", "food")
	require.Equal(t, a, b)
	require.Regexp(t, `^ent_[0-9a-f]{24}$`, a)
}

func TestEntryID_DifferentTuplesDiffer(t *testing.T) {
	require.NotEqual(t, EntryID("apple", "noun", "food"), EntryID("apple", "verb", "food"))
}

func TestSanitizeFilename_IsIdempotent(t *testing.T) {
	name := `weird:/name*?"<>|with spaces.jpg`
	once := SanitizeFilename(name)
	twice := SanitizeFilename(once)
	require.Equal(t, once, twice)
}

func TestSanitizeFilename_TruncatesAndDefaults(t *testing.T) {
	require.Equal(t, "file", SanitizeFilename(""))
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'a'
	}
	require.LessOrEqual(t, len(SanitizeFilename(string(long))), 180)
}

func TestParseJSONRelaxed_PlainObject(t *testing.T) {
	out := ParseJSONRelaxed(`{"first prompt": "a cat", "need a person": "no"}`)
	require.Equal(t, "a cat", out["first prompt"])
}

func TestParseJSONRelaxed_FencedCodeBlock(t *testing.T) {
	out := ParseJSONRelaxed("Sure, here you go:\n```json\n{\"score\": 91}\n```\nHope that helps!")
	require.InDelta(t, 91.0, out["score"], 0.001)
}

func TestParseJSONRelaxed_EmbeddedObjectInProse(t *testing.T) {
	out := ParseJSONRelaxed(`The result is {"upgraded prompt": "a brighter cat"} as requested.`)
	require.Equal(t, "a brighter cat", out["upgraded prompt"])
}

func TestParseJSONRelaxed_Unparseable(t *testing.T) {
	out := ParseJSONRelaxed("not json at all")
	require.Empty(t, out)
}

func TestSourceRowHash_StableUnderKeyOrder(t *testing.T) {
	h1, err := SourceRowHash(map[string]any{"word": "apple", "category": "food"})
	require.NoError(t, err)
	h2, err := SourceRowHash(map[string]any{"category": "food", "word": "apple"})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

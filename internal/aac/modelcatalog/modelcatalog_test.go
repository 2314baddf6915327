package modelcatalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeVisionModel(t *testing.T) {
	require.Equal(t, "gpt-4o-mini", NormalizeVisionModel("gpt-40-mini"))
	require.Equal(t, "gemini-3-pro", NormalizeVisionModel(" Gemini-3-Pro "))
	require.Equal(t, DefaultVisionModel, NormalizeVisionModel("unknown-model"))
	require.Equal(t, DefaultVisionModel, NormalizeVisionModel(""))
}

func TestNormalizeStage3GenerationModel(t *testing.T) {
	require.Equal(t, "imagen-4", NormalizeStage3GenerationModel("Imagen-4"))
	require.Equal(t, DefaultGenerationModel, NormalizeStage3GenerationModel("dall-e-3"))
}

func TestIsGeminiModel(t *testing.T) {
	require.True(t, IsGeminiModel("gemini-3-flash"))
	require.False(t, IsGeminiModel("gpt-4o-mini"))
}

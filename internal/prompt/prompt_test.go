package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToggle(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		phrase string
		on     bool
		want   string
	}{
		{"add to empty", "", "studio lighting", true, "studio lighting"},
		{"append", "photo of TOK man", "studio lighting", true, "photo of TOK man, studio lighting"},
		{"no duplicate", "photo of TOK man, Studio Lighting", "studio lighting", true, "photo of TOK man, Studio Lighting"},
		{"remove middle", "a, studio lighting, b", "studio lighting", false, "a, b"},
		{"remove all occurrences", "studio lighting, a, studio  lighting", "studio lighting", false, "a"},
		{"remove keeps superstrings", "soft studio lighting, a", "studio lighting", false, "soft studio lighting, a"},
		{"cleans separators", " a ,, b , ", "c", true, "a, b, c"},
		{"empty phrase", "a,,b", "", true, "a, b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Toggle(tt.prompt, tt.phrase, tt.on))
		})
	}
}

func TestSelectIsExclusive(t *testing.T) {
	p, err := Select("photo of TOK woman, studio lighting", "lighting", "cinematic")
	require.NoError(t, err)
	assert.Equal(t, "photo of TOK woman, cinematic lighting", p)

	p, err = Select(p, "lighting", "")
	require.NoError(t, err)
	assert.Equal(t, "photo of TOK woman", p)

	_, err = Select(p, "lighting", "neon")
	assert.ErrorIs(t, err, ErrUnknownOption)
	_, err = Select(p, "weather", "rain")
	assert.ErrorIs(t, err, ErrUnknownGroup)
}

func TestApplyAndSelected(t *testing.T) {
	p, err := Apply("photo of TOK man", map[string]string{
		"background": "office",
		"lighting":   "studio",
		"mood":       "smiling",
	})
	require.NoError(t, err)
	assert.Equal(t, "photo of TOK man, studio lighting, modern office background, warm smile", p)
	assert.Equal(t, map[string]string{
		"lighting":   "studio",
		"background": "office",
		"mood":       "smiling",
	}, Selected(p))

	_, err = Apply(p, map[string]string{"weather": "rain"})
	assert.ErrorIs(t, err, ErrUnknownGroup)
}

func TestWithTrigger(t *testing.T) {
	assert.Equal(t, "photo of TOK man, in a suit", WithTrigger("in a suit", "TOK", "man"))
	assert.Equal(t, "a tok portrait, studio lighting", WithTrigger("a tok portrait,studio lighting", "TOK", "man"))
	assert.Equal(t, "photo of TOK", WithTrigger("", "TOK", ""))
	assert.Equal(t, "plain", WithTrigger(" plain ", "", "man"))
}

func TestCatalogIsCopy(t *testing.T) {
	c := Catalog()
	c[0].Options[0].Phrase = "changed"
	assert.Equal(t, "studio lighting", Catalog()[0].Options[0].Phrase)
}

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/pool-gateway/internal/apierr"
	"github.com/compresr/pool-gateway/internal/credential"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		model      string
		thinking   Thinking
		grounding  Grounding
		fakeStream bool
	}{
		{"plain", "gemini-2.5-pro", Gemini25Pro, ThinkingDefault, GroundingNone, false},
		{"max thinking", "gemini-2.5-pro-maxthinking", Gemini25Pro, ThinkingMax, GroundingNone, false},
		{"no thinking + search", "gemini-2.5-flash-nothinking-search", Gemini25Flash, ThinkingNone, GroundingSearch, false},
		{"search before thinking", "gemini-2.5-flash-search-maxthinking", Gemini25Flash, ThinkingMax, GroundingSearch, false},
		{"repeated suffix", "gemini-2.5-pro-search-search", Gemini25Pro, ThinkingDefault, GroundingSearch, false},
		{"models prefix", "models/gemini-2.5-flash", Gemini25Flash, ThinkingDefault, GroundingNone, false},
		{"provider prefix", "google/gemini-2.5-pro", Gemini25Pro, ThinkingDefault, GroundingNone, false},
		{"alias", "gemini-pro-latest", Gemini25Pro, ThinkingDefault, GroundingNone, false},
		{"alias 3", "gemini-3-pro-maxthinking", Gemini3ProPreview, ThinkingMax, GroundingNone, false},
		{"fake stream", "fake-stream/gemini-2.5-pro-search", Gemini25Pro, ThinkingDefault, GroundingSearch, true},
		{"fake stream legacy", "假流式/gemini-2.5-flash", Gemini25Flash, ThinkingDefault, GroundingNone, true},
		{"image model search", "gemini-2.5-flash-image-search", Gemini25FlashImage, ThinkingDefault, GroundingSearch, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Resolve(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.input, res.Requested)
			assert.Equal(t, tt.model, res.Model)
			assert.Equal(t, tt.thinking, res.Directives.Thinking)
			assert.Equal(t, tt.grounding, res.Directives.Grounding)
			assert.Equal(t, tt.fakeStream, res.Directives.FakeStream)
		})
	}
}

func TestResolve_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		kind  apierr.Kind
	}{
		{"unknown", "gpt-4o", apierr.KindUnknownModel},
		{"unknown with suffix", "gemini-1.0-pro-search", apierr.KindUnknownModel},
		{"empty", "", apierr.KindUnknownModel},
		{"conflicting thinking", "gemini-2.5-pro-maxthinking-nothinking", apierr.KindInvalidModelSuffix},
		{"thinking on image model", "gemini-2.5-flash-image-maxthinking", apierr.KindInvalidModelSuffix},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.input)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apierr.KindOf(err))
			assert.Equal(t, 400, apierr.StatusOf(err))
		})
	}
}

func TestRequiredTier(t *testing.T) {
	res, err := Resolve("gemini-3-pro-preview-search")
	require.NoError(t, err)
	assert.Equal(t, credential.TierUpgraded, res.RequiredTier())

	res, err = Resolve("gemini-2.5-pro")
	require.NoError(t, err)
	assert.Equal(t, credential.TierBase, res.RequiredTier())
}

func TestThinkingBudget(t *testing.T) {
	tests := []struct {
		input  string
		budget int
		set    bool
	}{
		{"gemini-2.5-pro", 0, false},
		{"gemini-2.5-pro-maxthinking", 32768, true},
		{"gemini-2.5-flash-maxthinking", 24576, true},
		{"gemini-3-pro-preview-maxthinking", 32768, true},
		{"gemini-2.5-pro-nothinking", 128, true},
		{"gemini-2.5-flash-nothinking", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			res, err := Resolve(tt.input)
			require.NoError(t, err)
			budget, set := res.ThinkingBudget()
			assert.Equal(t, tt.set, set)
			assert.Equal(t, tt.budget, budget)
		})
	}
}

func TestList(t *testing.T) {
	ids := func(infos []Info) []string {
		out := make([]string, len(infos))
		for i, info := range infos {
			out[i] = info.ID
		}
		return out
	}

	assert.NotContains(t, ids(List(false)), Gemini3ProPreview)
	assert.Contains(t, ids(List(true)), Gemini3ProPreview)
	assert.Contains(t, ids(List(false)), Gemini25FlashImage)
}

func TestVariants_AllResolve(t *testing.T) {
	for _, info := range List(true) {
		for _, name := range variants(info) {
			res, err := Resolve(name)
			require.NoError(t, err, name)
			assert.Equal(t, info.ID, res.Model, name)
		}
	}
	img, _ := Lookup(Gemini25FlashImage)
	assert.Len(t, variants(img), 4)
}

// variants expands a model into the names callers may send: the bare id,
// thinking and search suffixes and their combinations, each also with the
// fake-streaming prefix.
func variants(info Info) []string {
	suffixes := []string{""}
	if info.Thinking {
		suffixes = append(suffixes,
			suffixMaxThinking, suffixNoThinking,
			suffixSearch,
			suffixMaxThinking+suffixSearch, suffixNoThinking+suffixSearch)
	} else {
		suffixes = append(suffixes, suffixSearch)
	}

	out := make([]string, 0, len(suffixes)*2)
	for _, s := range suffixes {
		out = append(out, info.ID+s)
	}
	for _, s := range suffixes {
		out = append(out, FakeStreamPrefixes[0]+info.ID+s)
	}
	return out
}

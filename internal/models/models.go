// Package models resolves caller model names into upstream models and directives.
//
// DESIGN: A caller model name has the shape
//
//	[models/|google/][fake-stream/]<base>[-maxthinking|-nothinking][-search]
//
// Suffixes may appear in any order. The base name goes through the alias
// table to a canonical upstream id. Resolution is a pure function.
package models

import (
	"strings"

	"github.com/compresr/pool-gateway/internal/apierr"
	"github.com/compresr/pool-gateway/internal/credential"
)

// Thinking selects the thinking budget sent upstream.
type Thinking string

const (
	ThinkingDefault Thinking = "default"
	ThinkingMax     Thinking = "max"
	ThinkingNone    Thinking = "none"
)

// Grounding selects search grounding.
type Grounding string

const (
	GroundingNone   Grounding = "none"
	GroundingSearch Grounding = "search"
)

// Directives are generation options derived from the model name.
type Directives struct {
	Thinking   Thinking
	Grounding  Grounding
	FakeStream bool
}

// Resolved is the result of resolving a caller model name.
type Resolved struct {
	Requested  string // name as sent by the caller
	Model      string // canonical upstream id
	Directives Directives
}

// =============================================================================
// MODEL TABLE
// =============================================================================

// Canonical upstream model ids.
const (
	Gemini25Pro        = "gemini-2.5-pro"
	Gemini25Flash      = "gemini-2.5-flash"
	Gemini3ProPreview  = "gemini-3-pro-preview"
	Gemini25FlashImage = "gemini-2.5-flash-image"
)

// Info describes one canonical model.
type Info struct {
	ID               string
	DisplayName      string
	InputTokenLimit  int
	OutputTokenLimit int
	Thinking         bool // accepts thinking directives
}

var catalog = []Info{
	{ID: Gemini25Pro, DisplayName: "Gemini 2.5 Pro", InputTokenLimit: 1048576, OutputTokenLimit: 65536, Thinking: true},
	{ID: Gemini25Flash, DisplayName: "Gemini 2.5 Flash", InputTokenLimit: 1048576, OutputTokenLimit: 65536, Thinking: true},
	{ID: Gemini3ProPreview, DisplayName: "Gemini 3 Pro Preview", InputTokenLimit: 1048576, OutputTokenLimit: 65536, Thinking: true},
	{ID: Gemini25FlashImage, DisplayName: "Gemini 2.5 Flash Image", InputTokenLimit: 32768, OutputTokenLimit: 32768},
}

// aliases maps accepted base names to canonical ids.
var aliases = map[string]string{
	Gemini25Pro:              Gemini25Pro,
	Gemini25Flash:            Gemini25Flash,
	Gemini3ProPreview:        Gemini3ProPreview,
	Gemini25FlashImage:       Gemini25FlashImage,
	"gemini-pro-latest":      Gemini25Pro,
	"gemini-flash-latest":    Gemini25Flash,
	"gemini-2.5-pro-preview": Gemini25Pro,
	"gemini-3-pro":           Gemini3ProPreview,
}

// FakeStreamPrefixes mark a model for unary upstream calls relayed as a stream.
var FakeStreamPrefixes = []string{"fake-stream/", "假流式/"}

const (
	suffixMaxThinking = "-maxthinking"
	suffixNoThinking  = "-nothinking"
	suffixSearch      = "-search"
)

// Lookup returns the catalog entry of a canonical id.
func Lookup(id string) (Info, bool) {
	for _, info := range catalog {
		if info.ID == id {
			return info, true
		}
	}
	return Info{}, false
}

// =============================================================================
// RESOLUTION
// =============================================================================

// Resolve maps a caller model name to a canonical id and directives.
func Resolve(name string) (Resolved, error) {
	res := Resolved{
		Requested:  name,
		Directives: Directives{Thinking: ThinkingDefault, Grounding: GroundingNone},
	}

	base := strings.TrimSpace(name)
	base = strings.TrimPrefix(base, "models/")
	base = strings.TrimPrefix(base, "google/")
	for _, prefix := range FakeStreamPrefixes {
		if strings.HasPrefix(base, prefix) {
			base = strings.TrimPrefix(base, prefix)
			res.Directives.FakeStream = true
			break
		}
	}
	base = strings.ToLower(base)

	base, maxSeen, noneSeen, search := stripSuffixes(base)
	if search {
		res.Directives.Grounding = GroundingSearch
	}
	if maxSeen && noneSeen {
		return Resolved{}, apierr.New(apierr.KindInvalidModelSuffix,
			"model %q combines %s and %s", name, suffixMaxThinking, suffixNoThinking)
	}

	canonical, ok := aliases[base]
	if !ok {
		return Resolved{}, apierr.New(apierr.KindUnknownModel, "model %q is not supported", name)
	}
	res.Model = canonical

	if maxSeen || noneSeen {
		info, _ := Lookup(canonical)
		if !info.Thinking {
			return Resolved{}, apierr.New(apierr.KindInvalidModelSuffix,
				"model %q does not accept thinking suffixes", name)
		}
		if maxSeen {
			res.Directives.Thinking = ThinkingMax
		} else {
			res.Directives.Thinking = ThinkingNone
		}
	}
	return res, nil
}

// stripSuffixes removes directive suffixes in any order.
func stripSuffixes(base string) (rest string, maxThinking, noThinking, search bool) {
	for {
		switch {
		case strings.HasSuffix(base, suffixMaxThinking):
			base = strings.TrimSuffix(base, suffixMaxThinking)
			maxThinking = true
		case strings.HasSuffix(base, suffixNoThinking):
			base = strings.TrimSuffix(base, suffixNoThinking)
			noThinking = true
		case strings.HasSuffix(base, suffixSearch):
			base = strings.TrimSuffix(base, suffixSearch)
			search = true
		default:
			return base, maxThinking, noThinking, search
		}
	}
}

// RequiredTier is the credential tier needed to serve the model.
func (r Resolved) RequiredTier() credential.Tier {
	return RequiredTier(r.Model)
}

// RequiredTier returns the tier needed for an upstream model id.
func RequiredTier(model string) credential.Tier {
	if strings.Contains(strings.ToLower(model), "gemini-3-") {
		return credential.TierUpgraded
	}
	return credential.TierBase
}

// ThinkingBudget returns the thinking budget for the directives, and false
// when the upstream default should be kept.
func (r Resolved) ThinkingBudget() (int, bool) {
	pro := strings.Contains(r.Model, "pro") || strings.HasPrefix(r.Model, "gemini-3")
	switch r.Directives.Thinking {
	case ThinkingMax:
		if pro {
			return 32768, true
		}
		return 24576, true
	case ThinkingNone:
		// Pro models cannot disable thinking entirely.
		if pro {
			return 128, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// =============================================================================
// LISTING
// =============================================================================

// List returns the canonical models a caller can use. Upgraded-tier models
// are included only when includeUpgraded is set.
func List(includeUpgraded bool) []Info {
	out := make([]Info, 0, len(catalog))
	for _, info := range catalog {
		if !includeUpgraded && RequiredTier(info.ID) == credential.TierUpgraded {
			continue
		}
		out = append(out, info)
	}
	return out
}

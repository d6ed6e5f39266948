// Package translator - tokens.go estimates token counts.
//
// DESIGN: Counts come from the upstream usageMetadata whenever it is
// present. When it is not, the gateway counts locally with the cl100k_base
// encoding. The encoding is loaded once; if it cannot be loaded the
// estimate falls back to one token per four characters.
package translator

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/compresr/pool-gateway/internal/config"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Msg("tiktoken: encoding unavailable, using character estimate")
			return
		}
		enc = e
	})
	return enc
}

// EstimateTokens counts the tokens of text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	if e := encoding(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return (len(text) + config.TokenEstimateRatio - 1) / config.TokenEstimateRatio
}

// EstimatePromptTokens counts the text of a native request's system
// instruction and contents.
func EstimatePromptTokens(native []byte) int {
	var b strings.Builder
	collect := func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			b.WriteString(t.String())
			b.WriteByte('\n')
		}
		return true
	}
	gjson.GetBytes(native, "systemInstruction.parts").ForEach(collect)
	gjson.GetBytes(native, "contents").ForEach(func(_, content gjson.Result) bool {
		content.Get("parts").ForEach(collect)
		return true
	})
	return EstimateTokens(b.String())
}

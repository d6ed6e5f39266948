// Package translator - response.go converts unary upstream responses.
package translator

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Usage is the token accounting of one response.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	ReasoningTokens  int  `json:"reasoning_tokens,omitempty"`
	Estimated        bool `json:"-"` // completion tokens counted locally
}

// usageFrom reads usageMetadata from an unwrapped response.
func usageFrom(resp gjson.Result) (Usage, bool) {
	meta := resp.Get("usageMetadata")
	if !meta.Exists() {
		return Usage{}, false
	}
	u := Usage{
		PromptTokens:     int(meta.Get("promptTokenCount").Int()),
		CompletionTokens: int(meta.Get("candidatesTokenCount").Int()),
		ReasoningTokens:  int(meta.Get("thoughtsTokenCount").Int()),
		TotalTokens:      int(meta.Get("totalTokenCount").Int()),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens + u.ReasoningTokens
	}
	return u, true
}

// Unwrap strips the Code Assist envelope from a response, keeping the
// top-level modelVersion.
func Unwrap(body []byte) []byte {
	resp := gjson.GetBytes(body, "response")
	if !resp.Exists() || !resp.IsObject() {
		return body
	}
	out := []byte(resp.Raw)
	if mv := gjson.GetBytes(body, "modelVersion"); mv.Exists() && !resp.Get("modelVersion").Exists() {
		out, _ = sjson.SetRawBytes(out, "modelVersion", []byte(mv.Raw))
	}
	return out
}

// estimatedUsage counts a completion and the native request that produced it.
func estimatedUsage(completion string, native []byte) Usage {
	c := EstimateTokens(completion)
	p := EstimatePromptTokens(native)
	return Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c, Estimated: true}
}

// NativeUsage extracts usage from an upstream response for the native
// façade. native is the request, counted when the upstream sent no usage.
func NativeUsage(body, native []byte) Usage {
	resp := gjson.ParseBytes(Unwrap(body))
	if u, ok := usageFrom(resp); ok {
		return u
	}
	text, reasoning := candidateText(resp.Get("candidates.0"))
	return estimatedUsage(text+reasoning, native)
}

// =============================================================================
// NATIVE -> OPENAI
// =============================================================================

// FinishReason maps a native finish reason to its OpenAI name.
func FinishReason(native string) string {
	switch native {
	case "":
		return ""
	case "STOP", "FINISH_REASON_UNSPECIFIED":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return "content_filter"
	default:
		return "stop"
	}
}

// candidateText splits a candidate's parts into answer text and thoughts.
func candidateText(cand gjson.Result) (text, reasoning string) {
	var tb, rb strings.Builder
	cand.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		t := part.Get("text")
		if !t.Exists() {
			return true
		}
		if part.Get("thought").Bool() {
			rb.WriteString(t.String())
		} else {
			tb.WriteString(t.String())
		}
		return true
	})
	return tb.String(), rb.String()
}

// inlineImages renders inline image parts as markdown data URLs.
func inlineImages(cand gjson.Result) string {
	var b strings.Builder
	cand.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		data := part.Get("inlineData")
		if data.Exists() {
			b.WriteString("![image](data:")
			b.WriteString(data.Get("mimeType").String())
			b.WriteString(";base64,")
			b.WriteString(data.Get("data").String())
			b.WriteString(")")
		}
		return true
	})
	return b.String()
}

// ToOpenAI converts a unary upstream response into an OpenAI chat completion.
// native is the request, counted when the upstream sent no usage.
func ToOpenAI(body []byte, model string, native []byte) ([]byte, Usage) {
	resp := gjson.ParseBytes(Unwrap(body))

	out := []byte(`{"id":"","object":"chat.completion","created":0,"model":"","choices":[]}`)
	out, _ = sjson.SetBytes(out, "id", "chatcmpl-"+uuid.NewString())
	out, _ = sjson.SetBytes(out, "created", time.Now().Unix())
	out, _ = sjson.SetBytes(out, "model", model)

	var allText strings.Builder
	cands := resp.Get("candidates").Array()
	if len(cands) == 0 {
		// Blocked prompts come back with no candidates.
		out, _ = sjson.SetRawBytes(out, "choices.-1",
			[]byte(`{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"content_filter"}`))
	}
	for i, cand := range cands {
		text, reasoning := candidateText(cand)
		text += inlineImages(cand)
		allText.WriteString(text)
		allText.WriteString(reasoning)

		choice := []byte(`{"index":0,"message":{"role":"assistant","content":""},"finish_reason":null}`)
		choice, _ = sjson.SetBytes(choice, "index", i)
		choice, _ = sjson.SetBytes(choice, "message.content", text)
		if reasoning != "" {
			choice, _ = sjson.SetBytes(choice, "message.reasoning_content", reasoning)
		}
		if fr := FinishReason(cand.Get("finishReason").String()); fr != "" {
			choice, _ = sjson.SetBytes(choice, "finish_reason", fr)
		} else {
			choice, _ = sjson.SetBytes(choice, "finish_reason", "stop")
		}
		out, _ = sjson.SetRawBytes(out, "choices.-1", choice)
	}

	usage, ok := usageFrom(resp)
	if !ok {
		usage = estimatedUsage(allText.String(), native)
	}
	out = setOpenAIUsage(out, usage)
	return out, usage
}

func setOpenAIUsage(out []byte, u Usage) []byte {
	out, _ = sjson.SetBytes(out, "usage.prompt_tokens", u.PromptTokens)
	out, _ = sjson.SetBytes(out, "usage.completion_tokens", u.CompletionTokens+u.ReasoningTokens)
	out, _ = sjson.SetBytes(out, "usage.total_tokens", u.TotalTokens)
	if u.ReasoningTokens > 0 {
		out, _ = sjson.SetBytes(out, "usage.completion_tokens_details.reasoning_tokens", u.ReasoningTokens)
	}
	return out
}

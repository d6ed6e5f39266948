// Package translator converts between caller formats and the Code Assist wire format.
//
// FILES:
//   - request.go:  OpenAI / native request conversion, directives, envelope
//   - response.go: unary response conversion and usage extraction
//   - stream.go:   restartable stream encoders for both façades
//   - sse.go:      incremental SSE event reader
//   - tokens.go:   token estimation when the upstream omits usage
//
// DESIGN: Bodies stay as raw JSON end to end. Reads go through gjson and
// writes through sjson, so fields the gateway does not know about pass
// through untouched and nothing is decoded into intermediate structs.
package translator

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/compresr/pool-gateway/internal/apierr"
	"github.com/compresr/pool-gateway/internal/models"
)

// nativeRequestKeys are the generate-request fields forwarded from native callers.
var nativeRequestKeys = []string{
	"contents",
	"generationConfig",
	"systemInstruction",
	"safetySettings",
	"tools",
	"toolConfig",
	"cachedContent",
}

// =============================================================================
// OPENAI -> NATIVE
// =============================================================================

// FromOpenAI converts an OpenAI chat completion request into a native
// generate request (the object that goes under "request" in the envelope).
func FromOpenAI(body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, apierr.New(apierr.KindInvalidRequest, "request body is not valid JSON")
	}
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return nil, apierr.New(apierr.KindInvalidRequest, "messages must not be empty")
	}

	out := []byte(`{"contents":[]}`)
	var system []string
	var err error

	for _, msg := range messages.Array() {
		role := msg.Get("role").String()
		switch role {
		case "system", "developer":
			if text := flattenText(msg.Get("content")); text != "" {
				system = append(system, text)
			}
			continue
		case "assistant", "model":
			role = "model"
		default:
			role = "user"
		}

		parts := convertContent(msg.Get("content"))
		if parts == "[]" {
			continue
		}
		content := `{"role":"","parts":[]}`
		content, _ = sjson.Set(content, "role", role)
		content, _ = sjson.SetRaw(content, "parts", parts)
		if out, err = sjson.SetRawBytes(out, "contents.-1", []byte(content)); err != nil {
			return nil, apierr.Wrap(apierr.KindInvalidRequest, err, "build contents")
		}
	}

	if !gjson.GetBytes(out, "contents.0").Exists() {
		return nil, apierr.New(apierr.KindInvalidRequest, "messages contain no content")
	}
	if len(system) > 0 {
		out, _ = sjson.SetBytes(out, "systemInstruction.parts.0.text", strings.Join(system, "\n\n"))
	}

	return applyOpenAIParams(out, body), nil
}

// convertContent turns an OpenAI message content (string or part array)
// into a native parts array.
func convertContent(content gjson.Result) string {
	var parts []string
	textPart := func(text string) string {
		part, _ := sjson.Set(`{}`, "text", text)
		return part
	}

	switch {
	case content.Type == gjson.String:
		if content.String() != "" {
			parts = append(parts, textPart(content.String()))
		}
	case content.IsArray():
		for _, item := range content.Array() {
			switch item.Get("type").String() {
			case "text":
				if text := item.Get("text").String(); text != "" {
					parts = append(parts, textPart(text))
				}
			case "image_url":
				url := item.Get("image_url.url").String()
				if url == "" {
					url = item.Get("image_url").String()
				}
				if part := imagePart(url); part != "" {
					parts = append(parts, part)
				}
			}
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// imagePart maps a data URL to inlineData and any other URL to fileData.
func imagePart(url string) string {
	if url == "" {
		return ""
	}
	if strings.HasPrefix(url, "data:") {
		header, data, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
		if !ok {
			return ""
		}
		mime := strings.TrimSuffix(header, ";base64")
		part, _ := sjson.Set(`{}`, "inlineData.mimeType", mime)
		part, _ = sjson.Set(part, "inlineData.data", data)
		return part
	}
	part, _ := sjson.Set(`{}`, "fileData.mimeType", mimeFromURL(url))
	part, _ = sjson.Set(part, "fileData.fileUri", url)
	return part
}

func mimeFromURL(url string) string {
	lower := strings.ToLower(url)
	switch {
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// flattenText joins the text of a string or part-array content.
func flattenText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var texts []string
	content.ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() == "text" {
			texts = append(texts, item.Get("text").String())
		}
		return true
	})
	return strings.Join(texts, "\n")
}

// applyOpenAIParams maps sampling parameters onto generationConfig.
func applyOpenAIParams(out, body []byte) []byte {
	set := func(path string, v gjson.Result) {
		if v.Exists() && v.Type != gjson.Null {
			out, _ = sjson.SetRawBytes(out, "generationConfig."+path, []byte(v.Raw))
		}
	}

	set("temperature", gjson.GetBytes(body, "temperature"))
	set("topP", gjson.GetBytes(body, "top_p"))
	set("topK", gjson.GetBytes(body, "top_k"))
	set("candidateCount", gjson.GetBytes(body, "n"))
	set("presencePenalty", gjson.GetBytes(body, "presence_penalty"))
	set("frequencyPenalty", gjson.GetBytes(body, "frequency_penalty"))
	set("seed", gjson.GetBytes(body, "seed"))

	if v := gjson.GetBytes(body, "max_completion_tokens"); v.Exists() && v.Type != gjson.Null {
		set("maxOutputTokens", v)
	} else {
		set("maxOutputTokens", gjson.GetBytes(body, "max_tokens"))
	}

	switch stop := gjson.GetBytes(body, "stop"); {
	case stop.Type == gjson.String:
		out, _ = sjson.SetBytes(out, "generationConfig.stopSequences", []string{stop.String()})
	case stop.IsArray():
		set("stopSequences", stop)
	}

	switch gjson.GetBytes(body, "response_format.type").String() {
	case "json_object":
		out, _ = sjson.SetBytes(out, "generationConfig.responseMimeType", "application/json")
	case "json_schema":
		out, _ = sjson.SetBytes(out, "generationConfig.responseMimeType", "application/json")
		if schema := gjson.GetBytes(body, "response_format.json_schema.schema"); schema.Exists() {
			out, _ = sjson.SetRawBytes(out, "generationConfig.responseJsonSchema", []byte(schema.Raw))
		}
	}
	return out
}

// OpenAIStreamOptions reads the streaming flags of an OpenAI request.
func OpenAIStreamOptions(body []byte) (stream, includeUsage bool) {
	return gjson.GetBytes(body, "stream").Bool(), gjson.GetBytes(body, "stream_options.include_usage").Bool()
}

// OpenAIModel returns the model field of an OpenAI request.
func OpenAIModel(body []byte) string {
	return gjson.GetBytes(body, "model").String()
}

// =============================================================================
// NATIVE
// =============================================================================

// FromNative keeps the generate-request fields of a native request body.
func FromNative(body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, apierr.New(apierr.KindInvalidRequest, "request body is not valid JSON")
	}
	contents := gjson.GetBytes(body, "contents")
	if !contents.IsArray() || len(contents.Array()) == 0 {
		return nil, apierr.New(apierr.KindInvalidRequest, "contents must not be empty")
	}

	out := []byte(`{}`)
	for _, key := range nativeRequestKeys {
		if v := gjson.GetBytes(body, key); v.Exists() {
			out, _ = sjson.SetRawBytes(out, key, []byte(v.Raw))
		}
	}
	if v := gjson.GetBytes(body, "system_instruction"); v.Exists() && !gjson.GetBytes(out, "systemInstruction").Exists() {
		out, _ = sjson.SetRawBytes(out, "systemInstruction", []byte(v.Raw))
	}
	return out, nil
}

// =============================================================================
// DIRECTIVES AND ENVELOPE
// =============================================================================

// ApplyDirectives writes the thinking budget and search grounding derived
// from the model name into a native request.
func ApplyDirectives(req []byte, res models.Resolved) []byte {
	if budget, ok := res.ThinkingBudget(); ok {
		req, _ = sjson.SetBytes(req, "generationConfig.thinkingConfig.thinkingBudget", budget)
		req, _ = sjson.SetBytes(req, "generationConfig.thinkingConfig.includeThoughts",
			res.Directives.Thinking == models.ThinkingMax)
	}

	if res.Directives.Grounding == models.GroundingSearch {
		hasSearch := false
		gjson.GetBytes(req, "tools").ForEach(func(_, tool gjson.Result) bool {
			if tool.Get("googleSearch").Exists() || tool.Get("google_search").Exists() {
				hasSearch = true
				return false
			}
			return true
		})
		if !hasSearch {
			req, _ = sjson.SetRawBytes(req, "tools.-1", []byte(`{"googleSearch":{}}`))
		}
	}
	return req
}

// Envelope wraps a native request for the Code Assist API.
func Envelope(req []byte, model, project string) []byte {
	out := []byte(`{"model":"","project":""}`)
	out, _ = sjson.SetBytes(out, "model", model)
	out, _ = sjson.SetBytes(out, "project", project)
	out, _ = sjson.SetRawBytes(out, "request", req)
	return out
}

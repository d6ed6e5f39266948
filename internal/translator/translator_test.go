package translator

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/compresr/pool-gateway/internal/apierr"
	"github.com/compresr/pool-gateway/internal/models"
	"github.com/compresr/pool-gateway/internal/upstream"
)

// =============================================================================
// REQUESTS
// =============================================================================

func TestFromOpenAI(t *testing.T) {
	body := []byte(`{
		"model": "gemini-2.5-pro",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "developer", "content": [{"type": "text", "text": "no emojis"}]},
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": "hi"},
			{"role": "user", "content": [
				{"type": "text", "text": "what is this"},
				{"type": "image_url", "image_url": {"url": "data:image/png;base64,AAAA"}},
				{"type": "image_url", "image_url": {"url": "https://example.com/cat.webp"}}
			]}
		],
		"temperature": 0.2,
		"max_tokens": 100,
		"max_completion_tokens": 200,
		"stop": "END",
		"response_format": {"type": "json_object"}
	}`)

	out, err := FromOpenAI(body)
	require.NoError(t, err)

	assert.Equal(t, "be brief\n\nno emojis", gjson.GetBytes(out, "systemInstruction.parts.0.text").String())
	contents := gjson.GetBytes(out, "contents").Array()
	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].Get("role").String())
	assert.Equal(t, "model", contents[1].Get("role").String())
	assert.Equal(t, "hello", contents[0].Get("parts.0.text").String())

	parts := contents[2].Get("parts").Array()
	require.Len(t, parts, 3)
	assert.Equal(t, "image/png", parts[1].Get("inlineData.mimeType").String())
	assert.Equal(t, "AAAA", parts[1].Get("inlineData.data").String())
	assert.Equal(t, "image/webp", parts[2].Get("fileData.mimeType").String())

	assert.Equal(t, 0.2, gjson.GetBytes(out, "generationConfig.temperature").Float())
	assert.Equal(t, int64(200), gjson.GetBytes(out, "generationConfig.maxOutputTokens").Int())
	assert.Equal(t, "END", gjson.GetBytes(out, "generationConfig.stopSequences.0").String())
	assert.Equal(t, "application/json", gjson.GetBytes(out, "generationConfig.responseMimeType").String())
}

func TestFromOpenAI_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"messages":`},
		{"no messages", `{"model":"x"}`},
		{"empty messages", `{"messages":[]}`},
		{"only system", `{"messages":[{"role":"system","content":"x"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromOpenAI([]byte(tt.body))
			assert.Equal(t, apierr.KindInvalidRequest, apierr.KindOf(err))
		})
	}
}

func TestFromNative(t *testing.T) {
	out, err := FromNative([]byte(`{
		"contents": [{"role":"user","parts":[{"text":"hi"}]}],
		"system_instruction": {"parts":[{"text":"sys"}]},
		"generationConfig": {"temperature": 1},
		"unknownField": true
	}`))
	require.NoError(t, err)
	assert.Equal(t, "sys", gjson.GetBytes(out, "systemInstruction.parts.0.text").String())
	assert.True(t, gjson.GetBytes(out, "generationConfig").Exists())
	assert.False(t, gjson.GetBytes(out, "unknownField").Exists())

	_, err = FromNative([]byte(`{"contents":[]}`))
	assert.Equal(t, apierr.KindInvalidRequest, apierr.KindOf(err))
}

func TestApplyDirectives(t *testing.T) {
	req := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)

	res, err := models.Resolve("gemini-2.5-pro-maxthinking-search")
	require.NoError(t, err)
	out := ApplyDirectives(req, res)
	assert.Equal(t, int64(32768), gjson.GetBytes(out, "generationConfig.thinkingConfig.thinkingBudget").Int())
	assert.True(t, gjson.GetBytes(out, "generationConfig.thinkingConfig.includeThoughts").Bool())
	assert.True(t, gjson.GetBytes(out, "tools.0.googleSearch").Exists())

	// An existing search tool is not duplicated.
	out = ApplyDirectives(out, res)
	assert.Len(t, gjson.GetBytes(out, "tools").Array(), 1)

	res, err = models.Resolve("gemini-2.5-flash")
	require.NoError(t, err)
	out = ApplyDirectives(req, res)
	assert.False(t, gjson.GetBytes(out, "generationConfig.thinkingConfig").Exists())
	assert.False(t, gjson.GetBytes(out, "tools").Exists())
}

func TestEnvelope(t *testing.T) {
	out := Envelope([]byte(`{"contents":[]}`), "gemini-2.5-pro", "proj-1")
	assert.Equal(t, "gemini-2.5-pro", gjson.GetBytes(out, "model").String())
	assert.Equal(t, "proj-1", gjson.GetBytes(out, "project").String())
	assert.True(t, gjson.GetBytes(out, "request.contents").IsArray())
}

// =============================================================================
// RESPONSES
// =============================================================================

const upstreamReply = `{
	"response": {
		"candidates": [{
			"content": {"role": "model", "parts": [
				{"text": "thinking...", "thought": true},
				{"text": "Hello there"}
			]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 5, "candidatesTokenCount": 3, "thoughtsTokenCount": 2, "totalTokenCount": 10}
	},
	"modelVersion": "gemini-2.5-pro-001"
}`

func TestUnwrap(t *testing.T) {
	out := Unwrap([]byte(upstreamReply))
	assert.True(t, gjson.GetBytes(out, "candidates").Exists())
	assert.Equal(t, "gemini-2.5-pro-001", gjson.GetBytes(out, "modelVersion").String())

	plain := []byte(`{"candidates":[]}`)
	assert.Equal(t, plain, Unwrap(plain))
}

func TestToOpenAI(t *testing.T) {
	out, usage := ToOpenAI([]byte(upstreamReply), "gemini-2.5-pro", nil)

	assert.True(t, strings.HasPrefix(gjson.GetBytes(out, "id").String(), "chatcmpl-"))
	assert.Equal(t, "chat.completion", gjson.GetBytes(out, "object").String())
	assert.Equal(t, "Hello there", gjson.GetBytes(out, "choices.0.message.content").String())
	assert.Equal(t, "thinking...", gjson.GetBytes(out, "choices.0.message.reasoning_content").String())
	assert.Equal(t, "stop", gjson.GetBytes(out, "choices.0.finish_reason").String())

	assert.Equal(t, Usage{PromptTokens: 5, CompletionTokens: 3, ReasoningTokens: 2, TotalTokens: 10}, usage)
	assert.Equal(t, int64(5), gjson.GetBytes(out, "usage.completion_tokens").Int())
	assert.Equal(t, int64(2), gjson.GetBytes(out, "usage.completion_tokens_details.reasoning_tokens").Int())
}

func TestToOpenAI_NoCandidates(t *testing.T) {
	out, usage := ToOpenAI([]byte(`{"response":{"promptFeedback":{"blockReason":"SAFETY"}}}`), "m",
		[]byte(`{"contents":[{"parts":[{"text":"something long enough to count"}]}]}`))
	assert.Equal(t, "content_filter", gjson.GetBytes(out, "choices.0.finish_reason").String())
	assert.True(t, usage.Estimated)
	assert.Positive(t, usage.PromptTokens)
}

func TestFinishReason(t *testing.T) {
	assert.Equal(t, "stop", FinishReason("STOP"))
	assert.Equal(t, "length", FinishReason("MAX_TOKENS"))
	assert.Equal(t, "content_filter", FinishReason("SAFETY"))
	assert.Equal(t, "stop", FinishReason("OTHER"))
	assert.Equal(t, "", FinishReason(""))
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))
	assert.Positive(t, EstimateTokens("hello world"))
	assert.Greater(t, EstimateTokens(strings.Repeat("hello world ", 50)), EstimateTokens("hello world"))

	native := []byte(`{"systemInstruction":{"parts":[{"text":"sys"}]},"contents":[{"parts":[{"text":"hi there"}]}]}`)
	assert.Positive(t, EstimatePromptTokens(native))
}

// =============================================================================
// SSE
// =============================================================================

func TestSSEReader(t *testing.T) {
	stream := ": comment\n" +
		"data: one\n\n" +
		"event: message\r\n" +
		"data: two-a\r\n" +
		"data: two-b\r\n\r\n" +
		"\n\n" +
		"data:three"

	r := NewSSEReader(strings.NewReader(stream))
	var got []string
	for {
		ev, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(ev))
	}
	assert.Equal(t, []string{"one", "two-a\ntwo-b", "three"}, got)

	_, err := r.Next()
	assert.Equal(t, io.EOF, err)
}

// =============================================================================
// STREAM ENCODERS
// =============================================================================

func collect(t *testing.T, enc StreamEncoder, events ...string) (frames []string, content bool) {
	t.Helper()
	for _, ev := range events {
		out, c, err := enc.Encode([]byte(ev))
		require.NoError(t, err)
		content = content || c
		for _, f := range out {
			frames = append(frames, string(f))
		}
	}
	for _, f := range enc.Finish() {
		frames = append(frames, string(f))
	}
	return frames, content
}

func payload(frame string) gjson.Result {
	return gjson.Parse(strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n"))
}

func TestOpenAIStreamEncoder(t *testing.T) {
	enc := NewOpenAIStreamEncoder("gemini-2.5-flash", true, nil)
	frames, content := collect(t, enc,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"totalTokenCount":6}}}`,
	)
	assert.True(t, content)
	require.Len(t, frames, 4, "two deltas, usage chunk, [DONE]")

	first := payload(frames[0])
	assert.Equal(t, "chat.completion.chunk", first.Get("object").String())
	assert.Equal(t, "assistant", first.Get("choices.0.delta.role").String())
	assert.Equal(t, "Hel", first.Get("choices.0.delta.content").String())

	second := payload(frames[1])
	assert.False(t, second.Get("choices.0.delta.role").Exists(), "role only on the first delta")
	assert.Equal(t, "stop", second.Get("choices.0.finish_reason").String())
	assert.Equal(t, first.Get("id").String(), second.Get("id").String())

	assert.Equal(t, int64(6), payload(frames[2]).Get("usage.total_tokens").Int())
	assert.Equal(t, "data: [DONE]\n\n", frames[3])
	assert.Equal(t, 6, enc.Usage().TotalTokens)
}

func TestOpenAIStreamEncoder_FinishAddsStop(t *testing.T) {
	enc := NewOpenAIStreamEncoder("m", false, nil)
	frames, _ := collect(t, enc, `{"response":{"candidates":[{"content":{"parts":[{"text":"x"}]}}]}}`)
	require.Len(t, frames, 3)
	assert.Equal(t, "stop", payload(frames[1]).Get("choices.0.finish_reason").String())
	assert.True(t, enc.Usage().Estimated)
}

func TestOpenAIStreamEncoder_BeginResets(t *testing.T) {
	enc := NewOpenAIStreamEncoder("m", false, nil)
	out, _, err := enc.Encode([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"a"}]}}]}}`))
	require.NoError(t, err)
	firstID := payload(string(out[0])).Get("id").String()

	enc.Begin(2)
	out, _, err = enc.Encode([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"b"}]}}]}}`))
	require.NoError(t, err)
	p := payload(string(out[0]))
	assert.NotEqual(t, firstID, p.Get("id").String())
	assert.Equal(t, "assistant", p.Get("choices.0.delta.role").String())
}

func TestStreamEncoder_ErrorEnvelope(t *testing.T) {
	for _, enc := range []StreamEncoder{NewOpenAIStreamEncoder("m", false, nil), NewNativeStreamEncoder(nil)} {
		_, _, err := enc.Encode([]byte(`{"error":{"code":429,"message":"slow down","status":"RESOURCE_EXHAUSTED"}}`))
		require.Error(t, err)
		assert.Equal(t, apierr.KindTransientFailure, apierr.KindOf(err))

		frame := string(enc.ErrorFrame(apierr.New(apierr.KindStreamInterrupted, "upstream stream ended early")))
		assert.True(t, strings.HasPrefix(frame, "data: {\"error\""))
	}
}

func TestNativeStreamEncoder(t *testing.T) {
	enc := NewNativeStreamEncoder(nil)
	frames, content := collect(t, enc,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]},"modelVersion":"v1"}`,
		`{"response":{"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":1,"totalTokenCount":2}}}`,
	)
	assert.True(t, content)
	require.Len(t, frames, 2)
	first := payload(frames[0])
	assert.Equal(t, "hi", first.Get("candidates.0.content.parts.0.text").String())
	assert.Equal(t, "v1", first.Get("modelVersion").String())
	assert.Equal(t, 2, enc.Usage().TotalTokens)

	// A metadata-only event carries no content.
	_, c, err := enc.Encode([]byte(`{"response":{"usageMetadata":{"totalTokenCount":2}}}`))
	require.NoError(t, err)
	assert.False(t, c)
}

func TestErrorBodies(t *testing.T) {
	err := apierr.New(apierr.KindQuotaExceeded, "daily quota of 5 requests reached")
	openai := OpenAIErrorBody(err)
	assert.Equal(t, "quota_exceeded", gjson.GetBytes(openai, "error.type").String())
	assert.Equal(t, int64(429), gjson.GetBytes(openai, "error.code").Int())

	native := NativeErrorBody(err)
	assert.Equal(t, "RESOURCE_EXHAUSTED", gjson.GetBytes(native, "error.status").String())
	assert.Equal(t, int64(429), gjson.GetBytes(native, "error.code").Int())
}

// =============================================================================
// ROUND TRIP
// =============================================================================

func TestRoundTrip_OpenAIThroughUpstream(t *testing.T) {
	var seen []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(upstreamReply))
	}))
	defer srv.Close()

	body := []byte(`{"model":"gemini-2.5-pro-nothinking","messages":[{"role":"user","content":"hello"}]}`)
	res, err := models.Resolve(OpenAIModel(body))
	require.NoError(t, err)

	native, err := FromOpenAI(body)
	require.NoError(t, err)
	native = ApplyDirectives(native, res)

	client := upstream.NewClient(srv.URL)
	resp, err := client.Generate(context.Background(), "tok", Envelope(native, res.Model, "proj"))
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.5-pro", gjson.GetBytes(seen, "model").String())
	assert.Equal(t, "hello", gjson.GetBytes(seen, "request.contents.0.parts.0.text").String())
	assert.Equal(t, int64(128), gjson.GetBytes(seen, "request.generationConfig.thinkingConfig.thinkingBudget").Int())

	out, usage := ToOpenAI(resp.Body, res.Requested, native)
	assert.Equal(t, "gemini-2.5-pro-nothinking", gjson.GetBytes(out, "model").String())
	assert.Equal(t, "Hello there", gjson.GetBytes(out, "choices.0.message.content").String())
	assert.Equal(t, 10, usage.TotalTokens)
}

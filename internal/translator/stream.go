// Package translator - stream.go turns upstream SSE events into caller frames.
//
// DESIGN: An encoder is restartable. Begin resets every piece of
// per-attempt state (completion id, role flag, usage, accumulated text), so
// when the orchestrator retries on another credential before anything was
// written, the caller sees one clean stream. Encode reports whether the
// frames it returned carry content; the orchestrator commits the attempt on
// the first such frame.
package translator

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/compresr/pool-gateway/internal/apierr"
	"github.com/compresr/pool-gateway/internal/upstream"
)

// KeepaliveFrame is an SSE comment; clients ignore it.
var KeepaliveFrame = []byte(": keepalive\n\n")

// StreamEncoder converts upstream events for one façade.
type StreamEncoder interface {
	// Begin resets per-attempt state.
	Begin(attempt int)
	// Encode converts one upstream SSE data payload. An error envelope in
	// the stream comes back as a classified error.
	Encode(event []byte) (frames [][]byte, content bool, err error)
	// Finish returns trailing frames after a clean end of stream.
	Finish() [][]byte
	// ErrorFrame renders a terminal error for a stream already committed.
	ErrorFrame(err error) []byte
	// Usage returns the accounting of the current attempt.
	Usage() Usage
}

func dataFrame(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	return append(frame, '\n', '\n')
}

// streamError returns the classified error of an error envelope, or nil.
func streamError(event []byte) error {
	if gjson.GetBytes(event, "error").Exists() {
		return upstream.ClassifyStreamError(event)
	}
	return nil
}

// =============================================================================
// OPENAI
// =============================================================================

// OpenAIStreamEncoder emits chat.completion.chunk frames.
type OpenAIStreamEncoder struct {
	model        string
	includeUsage bool
	native       []byte

	id       string
	created  int64
	roleSent bool
	finished bool
	usage    Usage
	haveMeta bool
	text     strings.Builder
}

// NewOpenAIStreamEncoder creates an encoder for model. includeUsage adds a
// final usage chunk (stream_options.include_usage). native is the request,
// counted when the upstream sends no usage.
func NewOpenAIStreamEncoder(model string, includeUsage bool, native []byte) *OpenAIStreamEncoder {
	e := &OpenAIStreamEncoder{model: model, includeUsage: includeUsage, native: native}
	e.Begin(1)
	return e
}

// Begin resets per-attempt state.
func (e *OpenAIStreamEncoder) Begin(int) {
	e.id = "chatcmpl-" + uuid.NewString()
	e.created = time.Now().Unix()
	e.roleSent = false
	e.finished = false
	e.usage = Usage{}
	e.haveMeta = false
	e.text.Reset()
}

func (e *OpenAIStreamEncoder) chunk() []byte {
	out := []byte(`{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[]}`)
	out, _ = sjson.SetBytes(out, "id", e.id)
	out, _ = sjson.SetBytes(out, "created", e.created)
	out, _ = sjson.SetBytes(out, "model", e.model)
	return out
}

// Encode converts one upstream event.
func (e *OpenAIStreamEncoder) Encode(event []byte) ([][]byte, bool, error) {
	if err := streamError(event); err != nil {
		return nil, false, err
	}
	resp := gjson.ParseBytes(Unwrap(event))
	if u, ok := usageFrom(resp); ok {
		e.usage, e.haveMeta = u, true
	}

	var frames [][]byte
	content := false
	for i, cand := range resp.Get("candidates").Array() {
		text, reasoning := candidateText(cand)
		text += inlineImages(cand)
		finish := FinishReason(cand.Get("finishReason").String())
		if text == "" && reasoning == "" && finish == "" {
			continue
		}
		e.text.WriteString(text)
		e.text.WriteString(reasoning)

		choice := []byte(`{"index":0,"delta":{},"finish_reason":null}`)
		choice, _ = sjson.SetBytes(choice, "index", i)
		if !e.roleSent {
			choice, _ = sjson.SetBytes(choice, "delta.role", "assistant")
		}
		if text != "" {
			choice, _ = sjson.SetBytes(choice, "delta.content", text)
		}
		if reasoning != "" {
			choice, _ = sjson.SetBytes(choice, "delta.reasoning_content", reasoning)
		}
		if finish != "" {
			choice, _ = sjson.SetBytes(choice, "finish_reason", finish)
			e.finished = true
		}

		out := e.chunk()
		out, _ = sjson.SetRawBytes(out, "choices.-1", choice)
		frames = append(frames, dataFrame(out))
		if text != "" || reasoning != "" {
			content = true
			e.roleSent = true
		}
	}
	return frames, content, nil
}

// Finish closes the stream with a finish reason if none was sent, the
// optional usage chunk, and [DONE].
func (e *OpenAIStreamEncoder) Finish() [][]byte {
	var frames [][]byte
	if !e.finished {
		out := e.chunk()
		out, _ = sjson.SetRawBytes(out, "choices.-1", []byte(`{"index":0,"delta":{},"finish_reason":"stop"}`))
		frames = append(frames, dataFrame(out))
		e.finished = true
	}
	if e.includeUsage {
		out := setOpenAIUsage(e.chunk(), e.Usage())
		frames = append(frames, dataFrame(out))
	}
	return append(frames, []byte("data: [DONE]\n\n"))
}

// ErrorFrame renders an OpenAI-style error event.
func (e *OpenAIStreamEncoder) ErrorFrame(err error) []byte {
	return dataFrame(OpenAIErrorBody(err))
}

// Usage returns the attempt's usage, estimating completion tokens when the
// upstream sent no usageMetadata.
func (e *OpenAIStreamEncoder) Usage() Usage {
	if e.haveMeta {
		return e.usage
	}
	return estimatedUsage(e.text.String(), e.native)
}

// =============================================================================
// NATIVE
// =============================================================================

// NativeStreamEncoder forwards unwrapped native events.
type NativeStreamEncoder struct {
	native   []byte
	usage    Usage
	haveMeta bool
	text     strings.Builder
}

// NewNativeStreamEncoder creates a native encoder for the native request.
func NewNativeStreamEncoder(native []byte) *NativeStreamEncoder {
	return &NativeStreamEncoder{native: native}
}

// Begin resets per-attempt state.
func (e *NativeStreamEncoder) Begin(int) {
	e.usage = Usage{}
	e.haveMeta = false
	e.text.Reset()
}

// Encode converts one upstream event.
func (e *NativeStreamEncoder) Encode(event []byte) ([][]byte, bool, error) {
	if err := streamError(event); err != nil {
		return nil, false, err
	}
	unwrapped := Unwrap(event)
	resp := gjson.ParseBytes(unwrapped)
	if u, ok := usageFrom(resp); ok {
		e.usage, e.haveMeta = u, true
	}

	content := false
	resp.Get("candidates").ForEach(func(_, cand gjson.Result) bool {
		cand.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text"); t.Exists() && t.String() != "" {
				e.text.WriteString(t.String())
				content = true
			}
			if part.Get("inlineData").Exists() || part.Get("functionCall").Exists() {
				content = true
			}
			return true
		})
		return true
	})
	return [][]byte{dataFrame(unwrapped)}, content, nil
}

// Finish returns no trailer; native streams end with the connection.
func (e *NativeStreamEncoder) Finish() [][]byte { return nil }

// ErrorFrame renders a native error event.
func (e *NativeStreamEncoder) ErrorFrame(err error) []byte {
	return dataFrame(NativeErrorBody(err))
}

// Usage returns the attempt's usage.
func (e *NativeStreamEncoder) Usage() Usage {
	if e.haveMeta {
		return e.usage
	}
	return estimatedUsage(e.text.String(), e.native)
}

// =============================================================================
// ERROR BODIES
// =============================================================================

// OpenAIErrorBody renders {"error":{"message","type","code"}}.
func OpenAIErrorBody(err error) []byte {
	kind := apierr.KindOf(err)
	out := []byte(`{"error":{"message":"","type":"","code":""}}`)
	out, _ = sjson.SetBytes(out, "error.message", errMessage(err))
	out, _ = sjson.SetBytes(out, "error.type", string(kind))
	out, _ = sjson.SetBytes(out, "error.code", apierr.StatusOf(err))
	return out
}

// NativeErrorBody renders {"error":{"code","message","status"}}.
func NativeErrorBody(err error) []byte {
	status := apierr.StatusOf(err)
	out := []byte(`{"error":{"code":0,"message":"","status":""}}`)
	out, _ = sjson.SetBytes(out, "error.code", status)
	out, _ = sjson.SetBytes(out, "error.message", errMessage(err))
	out, _ = sjson.SetBytes(out, "error.status", rpcStatus(apierr.KindOf(err)))
	return out
}

func errMessage(err error) string {
	if e, ok := apierr.As(err); ok {
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	return err.Error()
}

// rpcStatus maps a kind onto the google.rpc status names native clients expect.
func rpcStatus(kind apierr.Kind) string {
	switch kind {
	case apierr.KindUnknownModel, apierr.KindInvalidModelSuffix, apierr.KindInvalidRequest, apierr.KindUpstreamRejected:
		return "INVALID_ARGUMENT"
	case apierr.KindUnauthorized:
		return "UNAUTHENTICATED"
	case apierr.KindForbidden:
		return "PERMISSION_DENIED"
	case apierr.KindQuotaExceeded, apierr.KindRateLimited:
		return "RESOURCE_EXHAUSTED"
	case apierr.KindNoEligibleCredential:
		return "UNAVAILABLE"
	case apierr.KindCanceled:
		return "CANCELLED"
	default:
		return "INTERNAL"
	}
}

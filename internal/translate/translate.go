// Package translate converts Ollama native responses into the OpenAI chat
// completion schema. All functions are pure: the same input, id and created
// timestamp always produce the same bytes.
package translate

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// TranslationError reports a native value that could not be translated. The
// caller is expected to forward the original bytes instead.
type TranslationError struct {
	Op     string
	Reason string
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("translate %s: %s", e.Op, e.Reason)
}

func malformed(op, reason string) error {
	return &TranslationError{Op: op, Reason: reason}
}

// Category groups upstream paths by the translation they receive.
type Category int

const (
	Passthrough Category = iota
	Completion
	ModelListing
)

func (c Category) String() string {
	switch c {
	case Completion:
		return "completion"
	case ModelListing:
		return "model_list"
	default:
		return "passthrough"
	}
}

// Classify returns the category of an upstream path such as "api/chat".
func Classify(path string) Category {
	switch strings.Trim(path, "/") {
	case "api/chat", "api/generate":
		return Completion
	case "api/tags":
		return ModelListing
	default:
		return Passthrough
	}
}

const (
	chunkTemplate    = `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	documentTemplate = `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	modelTemplate    = `{"id":"","object":"model","created":0,"owned_by":""}`
)

// nativeObject parses raw as a JSON object or fails with a TranslationError.
func nativeObject(op string, raw []byte) (gjson.Result, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return gjson.Result{}, malformed(op, "empty value")
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, malformed(op, "invalid JSON")
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return gjson.Result{}, malformed(op, "not a JSON object")
	}
	return root, nil
}

// nativeText reads the text of a chat-shaped or generate-shaped native value.
func nativeText(root gjson.Result) (string, bool) {
	if content := root.Get("message.content"); content.Exists() {
		return content.String(), true
	}
	if resp := root.Get("response"); resp.Exists() {
		return resp.String(), true
	}
	return "", false
}

func modelOf(root gjson.Result, fallback string) string {
	if m := root.Get("model"); m.Type == gjson.String && m.String() != "" {
		return m.String()
	}
	return fallback
}

// StreamChunk translates one native NDJSON value into a chat.completion.chunk.
// A value with done=true carries finish_reason (done_reason when present,
// else "stop"); its text, if any, is still delivered in the delta.
func StreamChunk(native []byte, model, id string, created int64) ([]byte, error) {
	const op = "stream chunk"

	root, err := nativeObject(op, native)
	if err != nil {
		return nil, err
	}
	done := root.Get("done").Bool()
	text, ok := nativeText(root)
	if !ok && !done {
		return nil, malformed(op, "no message.content or response field")
	}

	out := chunkTemplate
	out, _ = sjson.Set(out, "id", id)
	out, _ = sjson.Set(out, "created", created)
	out, _ = sjson.Set(out, "model", modelOf(root, model))
	if text != "" {
		out, _ = sjson.Set(out, "choices.0.delta.content", text)
	}
	if done {
		reason := root.Get("done_reason").String()
		if reason == "" {
			reason = "stop"
		}
		out, _ = sjson.Set(out, "choices.0.finish_reason", reason)
	}
	return []byte(out), nil
}

// Document translates a complete native response into a chat.completion
// document with the supplied token counts.
func Document(native []byte, model string, promptTokens, completionTokens int, id string, created int64) ([]byte, error) {
	const op = "document"

	root, err := nativeObject(op, native)
	if err != nil {
		return nil, err
	}
	text, ok := nativeText(root)
	if !ok {
		return nil, malformed(op, "no message.content or response field")
	}

	out := documentTemplate
	out, _ = sjson.Set(out, "id", id)
	out, _ = sjson.Set(out, "created", created)
	out, _ = sjson.Set(out, "model", modelOf(root, model))
	out, _ = sjson.Set(out, "choices.0.message.content", text)
	if reason := root.Get("done_reason").String(); reason != "" {
		out, _ = sjson.Set(out, "choices.0.finish_reason", reason)
	}
	out, _ = sjson.Set(out, "usage.prompt_tokens", promptTokens)
	out, _ = sjson.Set(out, "usage.completion_tokens", completionTokens)
	out, _ = sjson.Set(out, "usage.total_tokens", promptTokens+completionTokens)
	return []byte(out), nil
}

// ModelList translates an /api/tags listing into an OpenAI model list.
func ModelList(native []byte) ([]byte, error) {
	const op = "model list"

	root, err := nativeObject(op, native)
	if err != nil {
		return nil, err
	}
	models := root.Get("models")
	if !models.IsArray() {
		return nil, malformed(op, "models is not an array")
	}

	out := `{"object":"list","data":[]}`
	for _, m := range models.Array() {
		name := m.Get("name").String()
		if name == "" {
			name = m.Get("model").String()
		}
		if name == "" {
			return nil, malformed(op, "model entry without a name")
		}

		entry := modelTemplate
		entry, _ = sjson.Set(entry, "id", name)
		entry, _ = sjson.Set(entry, "created", modifiedUnix(m.Get("modified_at").String()))
		entry, _ = sjson.Set(entry, "owned_by", owner(name))
		out, _ = sjson.SetRaw(out, "data.-1", entry)
	}
	return []byte(out), nil
}

func modifiedUnix(ts string) int64 {
	if ts == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return 0
	}
	return t.Unix()
}

// owner returns the namespace of "namespace/model:tag", or "library".
func owner(name string) string {
	if i := strings.Index(name, "/"); i > 0 {
		return name[:i]
	}
	return "library"
}

// ExtractText returns the text carried by one response value. Besides the
// native shapes it accepts OpenAI completion values, optionally prefixed by
// an SSE "data: " marker, so passthrough traffic can still be metered.
func ExtractText(value []byte) (string, error) {
	const op = "extract text"

	value = bytes.TrimSpace(value)
	value = bytes.TrimSpace(bytes.TrimPrefix(value, []byte("data:")))
	if bytes.Equal(value, []byte("[DONE]")) {
		return "", nil
	}

	root, err := nativeObject(op, value)
	if err != nil {
		return "", err
	}
	if text, ok := nativeText(root); ok {
		return text, nil
	}
	for _, path := range []string{"choices.0.delta.content", "choices.0.message.content", "choices.0.text"} {
		if r := root.Get(path); r.Exists() {
			return r.String(), nil
		}
	}
	return "", nil
}

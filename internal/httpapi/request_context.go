package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"ollama_logger/internal/middleware"
	"ollama_logger/internal/utils"
)

const unknownModel = "unknown"

// RequestContext is the per-call state collected between ingress and the
// log record. It belongs to a single handler goroutine.
type RequestContext struct {
	ReceivedAt         time.Time
	ClientAddress      string
	APIKey             string
	TargetModel        string
	PromptText         string
	UpstreamPath       string
	RawQuery           string
	HTTPMethod         string
	RequestID          string
	StreamingRequested bool

	UpstreamStatus int

	response     strings.Builder
	errorMessage *string
}

// newRequestContext extracts everything the proxy needs from the inbound
// request. A body that is not JSON is fine; the fields just keep their
// defaults.
func newRequestContext(r *http.Request, body []byte, now time.Time) *RequestContext {
	rc := &RequestContext{
		ReceivedAt:    now.UTC(),
		ClientAddress: middleware.ClientIP(r),
		APIKey:        strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
		TargetModel:   unknownModel,
		UpstreamPath:  strings.TrimPrefix(r.URL.Path, "/"),
		RawQuery:      r.URL.RawQuery,
		HTTPMethod:    r.Method,
	}

	if id, ok := middleware.GetRequestID(r.Context()); ok {
		rc.RequestID = id
	} else {
		rc.RequestID = uuid.New().String()
	}

	parsed := len(body) > 0 && gjson.ValidBytes(body)
	if parsed {
		root := gjson.ParseBytes(body)
		if model := root.Get("model"); model.Type == gjson.String {
			rc.TargetModel = model.String()
		}
		rc.PromptText = promptOf(root)
	}

	rc.StreamingRequested = canCarryBody(r.Method, body)
	if rc.StreamingRequested && parsed {
		if stream := gjson.GetBytes(body, "stream"); stream.Type == gjson.False {
			rc.StreamingRequested = false
		}
	}
	return rc
}

// promptOf returns the last chat message when the body has a messages
// list, else the prompt field.
func promptOf(root gjson.Result) string {
	if messages := root.Get("messages"); messages.Exists() {
		if !messages.IsArray() {
			return ""
		}
		items := messages.Array()
		if len(items) == 0 {
			return ""
		}
		return items[len(items)-1].Get("content").String()
	}
	if prompt := root.Get("prompt"); prompt.Type == gjson.String {
		return prompt.String()
	}
	return ""
}

func canCarryBody(method string, body []byte) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	case http.MethodDelete:
		return len(body) > 0
	default:
		return true
	}
}

// AppendResponse adds text produced by the upstream
func (rc *RequestContext) AppendResponse(text string) {
	rc.response.WriteString(text)
}

// Response returns the text accumulated so far
func (rc *RequestContext) Response() string {
	return rc.response.String()
}

// Fail records the error message. Only the first non-empty message is kept.
func (rc *RequestContext) Fail(msg string) {
	if rc.errorMessage == nil {
		rc.errorMessage = utils.StringPtr(msg)
	}
}

// ErrorMessage returns the recorded error, if any
func (rc *RequestContext) ErrorMessage() *string {
	return rc.errorMessage
}

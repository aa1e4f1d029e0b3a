package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"ollama_logger/internal/billing"
	"ollama_logger/internal/metrics"
	"ollama_logger/internal/models"
	"ollama_logger/internal/tokens"
	"ollama_logger/internal/upstream"
	"ollama_logger/internal/utils"
)

// recordingSink keeps every record and how it arrived
type recordingSink struct {
	mu       sync.Mutex
	recorded []*models.RequestLog
	enqueued []*models.RequestLog
}

func (s *recordingSink) Record(ctx context.Context, rec *models.RequestLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, rec)
}

func (s *recordingSink) Enqueue(rec *models.RequestLog) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, rec)
	return true
}

func (s *recordingSink) Shutdown(ctx context.Context) error { return nil }

func (s *recordingSink) all() []*models.RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]*models.RequestLog{}, s.recorded...)
	return append(out, s.enqueued...)
}

// newTestDeps wires the proxy to upstreamURL with a fake clock that advances
// one second per reading.
func newTestDeps(t *testing.T, upstreamURL string) (*Dependencies, *recordingSink) {
	t.Helper()
	dispatcher, err := upstream.NewDispatcher(upstream.Config{BaseURL: upstreamURL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(dispatcher.Close)

	var mu sync.Mutex
	clock := time.Date(2025, 11, 30, 12, 0, 0, 0, time.UTC)

	sink := &recordingSink{}
	deps := &Dependencies{
		Upstream: dispatcher,
		Sink:     sink,
		Metrics:  metrics.NewNoopMetrics(),
		Tokens:   tokens.CharCounter{},
		Cost:     billing.NewCalculator(80, 0.383),
		Clock: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			now := clock
			clock = clock.Add(time.Second)
			return now
		},
	}
	return deps, sink
}

func serve(deps *Dependencies, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	w := httptest.NewRecorder()
	deps.Handler().ServeHTTP(w, req)
	return w
}

func ndjsonLines(t *testing.T, body string) []string {
	t.Helper()
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

// Scenario A: buffered chat request is translated into a chat.completion
func TestProxy_BufferedChat(t *testing.T) {
	var gotBody string
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"message":{"content":"hello"}}`))
	}))
	defer srv.Close()

	deps, sink := newTestDeps(t, srv.URL)
	reqBody := `{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":false}`
	w := serve(deps, http.MethodPost, "/api/chat", reqBody)

	assert.Equal(t, reqBody, gotBody)
	assert.Equal(t, "/api/chat", gotPath)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.True(t, strings.HasPrefix(gjson.Get(body, "id").String(), "chatcmpl-"))
	assert.Equal(t, "chat.completion", gjson.Get(body, "object").String())
	assert.Equal(t, "m", gjson.Get(body, "model").String())
	assert.Equal(t, int64(0), gjson.Get(body, "choices.0.index").Int())
	assert.Equal(t, "assistant", gjson.Get(body, "choices.0.message.role").String())
	assert.Equal(t, "hello", gjson.Get(body, "choices.0.message.content").String())
	assert.Equal(t, "stop", gjson.Get(body, "choices.0.finish_reason").String())
	assert.Equal(t, int64(0), gjson.Get(body, "usage.prompt_tokens").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "usage.completion_tokens").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "usage.total_tokens").Int())

	require.Len(t, sink.recorded, 1)
	assert.Empty(t, sink.enqueued)
	rec := sink.recorded[0]
	assert.Equal(t, 200, rec.HTTPStatus)
	assert.Equal(t, "m", rec.Model)
	assert.Equal(t, "hi", rec.Prompt)
	assert.Equal(t, "hello", rec.Response)
	assert.Equal(t, 0, rec.PromptTokens)
	assert.Equal(t, 1, rec.CompletionTokens)
	assert.Equal(t, 1, rec.TotalTokens)
	assert.Equal(t, "POST", rec.Method)
	assert.Equal(t, "/api/chat", rec.Path)
	assert.Nil(t, rec.ErrorMessage)
	assert.InDelta(t, 1.0, rec.DurationSeconds, 1e-9)
	assert.InDelta(t, 80.0/3600, rec.PowerWh, 1e-9)
	assert.InDelta(t, 80.0/3600/1000*0.383, rec.CostDollars, 1e-12)
}

// Scenario B: streaming chat request is re-framed chunk by chunk
func TestProxy_StreamingChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"message":{"content":"he"}}` + "\n"))
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte(`{"message":{"content":"llo"},"done":true}` + "\n"))
	}))
	defer srv.Close()

	deps, sink := newTestDeps(t, srv.URL)
	w := serve(deps, http.MethodPost, "/api/chat", `{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))
	assert.True(t, w.Flushed)

	lines := ndjsonLines(t, w.Body.String())
	require.Len(t, lines, 2)

	var text strings.Builder
	for _, line := range lines {
		assert.Equal(t, "chat.completion.chunk", gjson.Get(line, "object").String())
		assert.Equal(t, "m", gjson.Get(line, "model").String())
		text.WriteString(gjson.Get(line, "choices.0.delta.content").String())
	}
	assert.Equal(t, "hello", text.String())
	assert.Equal(t, gjson.Null, gjson.Get(lines[0], "choices.0.finish_reason").Type)
	assert.Equal(t, "stop", gjson.Get(lines[1], "choices.0.finish_reason").String())
	assert.Equal(t, gjson.Get(lines[0], "id").String(), gjson.Get(lines[1], "id").String())

	require.Len(t, sink.enqueued, 1)
	assert.Empty(t, sink.recorded)
	rec := sink.enqueued[0]
	assert.Equal(t, "hello", rec.Response)
	assert.Equal(t, 200, rec.HTTPStatus)
	assert.Nil(t, rec.ErrorMessage)
}

// Scenario C: upstream unreachable
func TestProxy_UpstreamRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	t.Run("buffered", func(t *testing.T) {
		deps, sink := newTestDeps(t, url)
		w := serve(deps, http.MethodPost, "/api/chat", `{"model":"m","prompt":"hello","stream":false}`)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.NotEmpty(t, gjson.Get(w.Body.String(), "error").String())

		require.Len(t, sink.recorded, 1)
		rec := sink.recorded[0]
		assert.Equal(t, 500, rec.HTTPStatus)
		require.NotNil(t, rec.ErrorMessage)
		assert.Contains(t, *rec.ErrorMessage, "upstream request failed")
		assert.Equal(t, 1, rec.PromptTokens)
		assert.Equal(t, 0, rec.CompletionTokens)
	})

	t.Run("streaming", func(t *testing.T) {
		deps, sink := newTestDeps(t, url)
		w := serve(deps, http.MethodPost, "/api/generate", `{"model":"m","prompt":"hello"}`)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotEmpty(t, gjson.Get(w.Body.String(), "error").String())

		require.Len(t, sink.enqueued, 1)
		assert.Equal(t, 500, sink.enqueued[0].HTTPStatus)
		assert.NotNil(t, sink.enqueued[0].ErrorMessage)
	})
}

// Scenario D: untranslated paths are relayed unchanged
func TestProxy_Passthrough(t *testing.T) {
	const payload = "\x00binary\npayload\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Upstream", "ollama")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		t.Run(method, func(t *testing.T) {
			direct, err := http.Get(srv.URL + "/api/version")
			require.NoError(t, err)
			direct.Body.Close()

			deps, sink := newTestDeps(t, srv.URL)
			w := serve(deps, method, "/api/version", "")

			assert.Equal(t, http.StatusAccepted, w.Code)
			assert.Equal(t, payload, w.Body.String())
			for k := range direct.Header {
				if k == "Date" {
					continue
				}
				assert.Equal(t, direct.Header.Values(k), w.Header().Values(k), k)
			}
			for k := range w.Header() {
				assert.Contains(t, direct.Header, k)
			}
			assert.Len(t, sink.all(), 1)
		})
	}
}

func TestProxy_PassthroughKeepsQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	deps, _ := newTestDeps(t, srv.URL)
	serve(deps, http.MethodGet, "/api/ps?verbose=true", "")
	assert.Equal(t, "verbose=true", gotQuery)
}

func TestProxy_StreamLineSplitAcrossChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte(`{"response":"hel`))
		flusher.Flush()
		time.Sleep(10 * time.Millisecond)
		_, _ = w.Write([]byte(`lo"}` + "\n" + `{"response":"","done":true,"done_reason":"length"}`))
	}))
	defer srv.Close()

	deps, sink := newTestDeps(t, srv.URL)
	w := serve(deps, http.MethodPost, "/api/generate", `{"model":"m","prompt":"p"}`)

	lines := ndjsonLines(t, w.Body.String())
	require.Len(t, lines, 2)
	assert.Equal(t, "hello", gjson.Get(lines[0], "choices.0.delta.content").String())
	assert.False(t, gjson.Get(lines[1], "choices.0.delta.content").Exists())
	assert.Equal(t, "length", gjson.Get(lines[1], "choices.0.finish_reason").String())

	require.Len(t, sink.enqueued, 1)
	assert.Equal(t, "hello", sink.enqueued[0].Response)
}

func TestProxy_StreamUntranslatableLineForwarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json at all\n" + `{"message":{"content":"ok"},"done":true}` + "\n"))
	}))
	defer srv.Close()

	deps, sink := newTestDeps(t, srv.URL)
	w := serve(deps, http.MethodPost, "/api/chat", `{"model":"m","messages":[{"role":"user","content":"x"}]}`)

	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "not json at all\n"))
	lines := ndjsonLines(t, body)
	require.Len(t, lines, 2)
	assert.Equal(t, "ok", gjson.Get(lines[1], "choices.0.delta.content").String())
	assert.Equal(t, "ok", sink.enqueued[0].Response)
}

func TestProxy_StreamErrorStatusForwardedVerbatim(t *testing.T) {
	const errBody = `{"error":"model 'nope' not found"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(errBody))
	}))
	defer srv.Close()

	deps, sink := newTestDeps(t, srv.URL)
	w := serve(deps, http.MethodPost, "/api/chat", `{"model":"nope","messages":[]}`)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errBody, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.Len(t, sink.enqueued, 1)
	assert.Equal(t, 404, sink.enqueued[0].HTTPStatus)
}

func TestProxy_BufferedErrorStatusForwardedVerbatim(t *testing.T) {
	const errBody = `{"error":"bad request"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(errBody))
	}))
	defer srv.Close()

	deps, sink := newTestDeps(t, srv.URL)
	w := serve(deps, http.MethodPost, "/api/generate", `{"model":"m","prompt":"p","stream":false}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errBody, w.Body.String())
	require.Len(t, sink.recorded, 1)
	assert.Equal(t, 400, sink.recorded[0].HTTPStatus)
}

func TestProxy_BufferedTranslationFailureForwardedVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	deps, sink := newTestDeps(t, srv.URL)
	w := serve(deps, http.MethodPost, "/api/generate", `{"model":"m","prompt":"p","stream":false}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "plain text", w.Body.String())
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	require.Len(t, sink.recorded, 1)
	assert.Equal(t, 200, sink.recorded[0].HTTPStatus)
}

func TestProxy_ModelList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:latest","modified_at":"2024-05-01T10:00:00Z"},{"name":"acme/coder:7b"}]}`))
	}))
	defer srv.Close()

	deps, sink := newTestDeps(t, srv.URL)
	w := serve(deps, http.MethodGet, "/api/tags", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, "list", gjson.Get(body, "object").String())
	assert.Equal(t, "llama3:latest", gjson.Get(body, "data.0.id").String())
	assert.Equal(t, "library", gjson.Get(body, "data.0.owned_by").String())
	assert.Equal(t, int64(1714557600), gjson.Get(body, "data.0.created").Int())
	assert.Equal(t, "acme", gjson.Get(body, "data.1.owned_by").String())
	assert.Equal(t, int64(0), gjson.Get(body, "data.1.created").Int())

	require.Len(t, sink.recorded, 1)
	assert.Equal(t, "unknown", sink.recorded[0].Model)
}

func TestProxy_OpenAIPathMeteredNotTranslated(t *testing.T) {
	const doc = `{"id":"chatcmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hey there"}}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(doc))
	}))
	defer srv.Close()

	deps, sink := newTestDeps(t, srv.URL)
	w := serve(deps, http.MethodPost, "/v1/chat/completions", `{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":false}`)

	assert.Equal(t, doc, w.Body.String())
	require.Len(t, sink.recorded, 1)
	assert.Equal(t, "hey there", sink.recorded[0].Response)
	assert.Equal(t, 2, sink.recorded[0].CompletionTokens)
}

func TestProxy_StreamBrokenMidway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write([]byte(`{"message":{"content":"partial"}}` + "\n"))
		w.(http.Flusher).Flush()
		// Returning early leaves the declared length unmet.
	}))
	defer srv.Close()

	deps, sink := newTestDeps(t, srv.URL)
	w := serve(deps, http.MethodPost, "/api/chat", `{"model":"m","messages":[{"role":"user","content":"x"}]}`)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, sink.enqueued, 1)
	rec := sink.enqueued[0]
	assert.Equal(t, "partial", rec.Response)
	assert.Equal(t, 200, rec.HTTPStatus)
	require.NotNil(t, rec.ErrorMessage)
	assert.Contains(t, *rec.ErrorMessage, "upstream stream failed")
}

func TestProxy_HopByHopHeadersNotForwarded(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	deps, _ := newTestDeps(t, srv.URL)
	req := httptest.NewRequest(http.MethodGet, "/api/ps", nil)
	req.Header.Set("Authorization", "Bearer k")
	req.Header.Set("Proxy-Authorization", "secret")
	req.Header.Set("Connection", "X-Drop-Me")
	req.Header.Set("X-Drop-Me", "1")
	deps.Handler().ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "Bearer k", got.Get("Authorization"))
	assert.Empty(t, got.Get("Proxy-Authorization"))
	assert.Empty(t, got.Get("X-Drop-Me"))
}

func TestHealth(t *testing.T) {
	deps, sink := newTestDeps(t, "http://127.0.0.1:1")
	w := serve(deps, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"ollama-logger"}`, w.Body.String())
	assert.Empty(t, sink.all())
}

func TestMetricsEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":"hello world","done":true}`))
	}))
	defer srv.Close()

	deps, _ := newTestDeps(t, srv.URL)
	deps.Metrics = metrics.NewPrometheus("test")

	serve(deps, http.MethodPost, "/api/generate", `{"model":"m","prompt":"p","stream":false}`)
	w := serve(deps, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `test_requests_total{category="completion"`)
}

func TestShutdown(t *testing.T) {
	deps, _ := newTestDeps(t, "http://127.0.0.1:1")
	assert.NoError(t, deps.Shutdown(context.Background()))
}

func TestProxy_UncleanPathsForwardedAsReceived(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.URL.Path)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	deps, sink := newTestDeps(t, srv.URL)
	for _, target := range []string{"/api//tags", "/a/./b", "/v1/models/"} {
		w := serve(deps, http.MethodGet, target, "")
		assert.Equal(t, http.StatusOK, w.Code, target)
		assert.Empty(t, w.Header().Get("Location"), target)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/api//tags", "/a/./b", "/v1/models/"}, seen)

	recs := sink.all()
	require.Len(t, recs, 3)
	assert.Equal(t, "/api//tags", recs[0].Path)
	assert.Equal(t, "/a/./b", recs[1].Path)
}

func TestProxy_ClientCancelsMidStream(t *testing.T) {
	upstreamDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamDone)
		_, _ = w.Write([]byte(`{"message":{"content":"h"},"done":false}` + "\n"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	deps, sink := newTestDeps(t, srv.URL)
	front := httptest.NewServer(deps.Handler())
	defer front.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, front.URL+"/api/chat",
		strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	resp, err := front.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	first, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "h", gjson.Get(first, "choices.0.delta.content").String())
	cancel()

	select {
	case <-upstreamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request was not cancelled")
	}

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 5*time.Second, 10*time.Millisecond)
	rec := sink.all()[0]
	assert.Equal(t, 200, rec.HTTPStatus)
	assert.Equal(t, "h", rec.Response)
	require.NotNil(t, rec.ErrorMessage)
	assert.Contains(t, *rec.ErrorMessage, "client disconnected")
	assert.NotContains(t, *rec.ErrorMessage, "upstream stream failed")
}

func TestProxy_FailedRequestLoggedWithError(t *testing.T) {
	var buf bytes.Buffer
	utils.SetOutput(&buf)
	t.Cleanup(func() { utils.SetOutput(os.Stdout) })

	deps, _ := newTestDeps(t, "http://127.0.0.1:1")
	serve(deps, http.MethodPost, "/api/generate", `{"model":"m","prompt":"p","stream":false}`)

	assert.Contains(t, buf.String(), "Request metered with error")
	assert.Contains(t, buf.String(), "upstream request failed")
}

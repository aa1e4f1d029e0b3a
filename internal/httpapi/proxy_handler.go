package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"ollama_logger/internal/metrics"
	"ollama_logger/internal/models"
	"ollama_logger/internal/translate"
	"ollama_logger/internal/upstream"
	"ollama_logger/internal/utils"
)

const streamReadSize = 32 * 1024

// handleProxy forwards any method and path to the upstream.
//
// Flow:
//  1. Read the body and build the RequestContext (best effort)
//  2. Classify the path to pick a translation
//  3. Call the upstream once, streaming or buffered
//  4. Write the translated or verbatim response
//  5. Estimate cost and hand one record to the log sink
func (d *Dependencies) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := d.now()

	body, readErr := io.ReadAll(r.Body)
	rc := newRequestContext(r, body, start)
	category := translate.Classify(rc.UpstreamPath)

	if readErr != nil {
		d.fail(w, rc, category, start, fmt.Errorf("failed to read request body: %w", readErr))
		return
	}

	header := r.Header.Clone()
	if category != translate.Passthrough {
		// Let the transport negotiate and decode compression so the body
		// can be parsed.
		header.Del("Accept-Encoding")
	}

	req := upstream.Request{
		Method:   r.Method,
		Path:     rc.UpstreamPath,
		RawQuery: rc.RawQuery,
		Header:   header,
		Body:     body,
	}

	// A model list is one document; it is never framed as a stream.
	if rc.StreamingRequested && category != translate.ModelListing {
		d.proxyStream(r.Context(), w, rc, category, req, start)
		return
	}
	d.proxyBuffered(r.Context(), w, rc, category, req, start)
}

// proxyStream relays the upstream body as it arrives. Completion lines are
// translated one by one; everything else is copied unchanged.
func (d *Dependencies) proxyStream(ctx context.Context, w http.ResponseWriter, rc *RequestContext, category translate.Category, req upstream.Request, start time.Time) {
	resp, err := d.Upstream.Forward(ctx, req, true)
	if err != nil {
		d.fail(w, rc, category, start, err)
		return
	}
	defer resp.Stream.Close()

	rc.UpstreamStatus = resp.StatusCode
	translating := category == translate.Completion && isSuccess(resp.StatusCode)

	upstream.CopyHeaders(w.Header(), resp.Header)
	if translating {
		w.Header().Del("Content-Length")
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	w.WriteHeader(resp.StatusCode)

	ctl := http.NewResponseController(w)
	_ = ctl.Flush()

	s := &streamRelay{
		deps:         d,
		w:            w,
		ctl:          ctl,
		rc:           rc,
		category:     category,
		translating:  translating,
		completionID: newCompletionID(),
		framer:       upstream.NewLineFramer(d.MaxLineBytes),
	}

	// A cancelled request context means the client went away; the upstream
	// read then fails with the same cancellation.
	var clientErr error
	buf := make([]byte, streamReadSize)
	for s.writeErr == nil {
		n, readErr := resp.Stream.Read(buf)
		if n > 0 {
			s.chunk(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				clientErr = ctx.Err()
				break
			}
			d.Logger.Warn("Upstream stream failed", "request_id", rc.RequestID, "path", rc.UpstreamPath, "error", readErr)
			rc.Fail(fmt.Sprintf("upstream stream failed: %v", readErr))
			break
		}
	}
	if clientErr == nil {
		clientErr = s.writeErr
	}
	if clientErr == nil {
		if tail := s.framer.Flush(); tail != nil {
			s.line(tail)
		}
		clientErr = s.writeErr
	}
	if clientErr != nil {
		d.Logger.Info("Client went away mid-stream", "request_id", rc.RequestID, "error", clientErr)
		rc.Fail(fmt.Sprintf("client disconnected: %v", clientErr))
	}

	rec := d.finish(rc, category, true, start)
	d.Sink.Enqueue(rec)
}

// streamRelay holds the state of one streaming response
type streamRelay struct {
	deps         *Dependencies
	w            http.ResponseWriter
	ctl          *http.ResponseController
	rc           *RequestContext
	category     translate.Category
	translating  bool
	completionID string
	framer       *upstream.LineFramer
	writeErr     error
}

// chunk handles one read from the upstream
func (s *streamRelay) chunk(data []byte) {
	lines := s.framer.Feed(data)
	if !s.translating {
		s.write(data)
		for _, line := range lines {
			s.collect(line)
		}
		return
	}
	for _, line := range lines {
		s.line(line)
		if s.writeErr != nil {
			return
		}
	}
}

// line handles one complete NDJSON line. When the bytes were already sent
// raw it only collects text.
func (s *streamRelay) line(line []byte) {
	s.collect(line)
	if !s.translating {
		return
	}

	if len(bytes.TrimSpace(line)) == 0 {
		s.write(line)
		return
	}

	out, err := translate.StreamChunk(line, s.rc.TargetModel, s.completionID, s.rc.ReceivedAt.Unix())
	if err != nil {
		s.deps.Metrics.TranslationFailed(s.category.String())
		s.deps.Logger.Warn("Forwarding untranslated stream line", "request_id", s.rc.RequestID, "error", err)
		s.write(line)
		return
	}
	s.write(append(out, '\n'))
}

func (s *streamRelay) collect(line []byte) {
	if text, err := translate.ExtractText(line); err == nil {
		s.rc.AppendResponse(text)
	}
}

func (s *streamRelay) write(data []byte) {
	if s.writeErr != nil {
		return
	}
	if _, err := s.w.Write(data); err != nil {
		s.writeErr = err
		return
	}
	if err := s.ctl.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.writeErr = err
	}
}

// proxyBuffered reads the whole upstream body, translates it once and
// writes it. The log record is written after the client has its response.
func (d *Dependencies) proxyBuffered(ctx context.Context, w http.ResponseWriter, rc *RequestContext, category translate.Category, req upstream.Request, start time.Time) {
	resp, err := d.Upstream.Forward(ctx, req, false)
	if err != nil {
		d.fail(w, rc, category, start, err)
		return
	}

	rc.UpstreamStatus = resp.StatusCode
	if text, err := translate.ExtractText(resp.Body); err == nil {
		rc.AppendResponse(text)
	}

	out := resp.Body
	translated := false
	if isSuccess(resp.StatusCode) && category != translate.Passthrough {
		var doc []byte
		var tErr error
		switch category {
		case translate.Completion:
			doc, tErr = translate.Document(resp.Body, rc.TargetModel,
				d.Tokens.Count(rc.PromptText), d.Tokens.Count(rc.Response()),
				newCompletionID(), rc.ReceivedAt.Unix())
		case translate.ModelListing:
			doc, tErr = translate.ModelList(resp.Body)
		}
		if tErr != nil {
			d.Metrics.TranslationFailed(category.String())
			d.Logger.Warn("Forwarding untranslated response", "request_id", rc.RequestID, "path", rc.UpstreamPath, "error", tErr)
		} else {
			out = doc
			translated = true
		}
	}

	upstream.CopyHeaders(w.Header(), resp.Header)
	if translated {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Del("Content-Length")
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(out); err != nil {
		d.Logger.Info("Failed to write response", "request_id", rc.RequestID, "error", err)
	}
	_ = http.NewResponseController(w).Flush()

	rec := d.finish(rc, category, false, start)
	d.Sink.Record(ctx, rec)
}

// fail answers with a synthesized 500 and logs the failed call. Streaming
// requests are enqueued, buffered ones recorded.
func (d *Dependencies) fail(w http.ResponseWriter, rc *RequestContext, category translate.Category, start time.Time, err error) {
	d.Metrics.UpstreamFailed()
	d.Logger.Error("Proxy request failed", "request_id", rc.RequestID, "method", rc.HTTPMethod, "path", rc.UpstreamPath, "error", err)

	rc.UpstreamStatus = http.StatusInternalServerError
	rc.Fail(err.Error())
	utils.RespondWithError(w, http.StatusInternalServerError, err.Error())

	rec := d.finish(rc, category, rc.StreamingRequested, start)
	if rc.StreamingRequested {
		d.Sink.Enqueue(rec)
		return
	}
	d.Sink.Record(context.Background(), rec)
}

// finish converts the request into its log record and reports metrics
func (d *Dependencies) finish(rc *RequestContext, category translate.Category, streaming bool, start time.Time) *models.RequestLog {
	duration := d.now().Sub(start)
	energyWh, cost := d.Cost.Estimate(duration)

	rec := &models.RequestLog{
		RequestID:       rc.RequestID,
		Timestamp:       rc.ReceivedAt,
		IPAddress:       rc.ClientAddress,
		APIKey:          rc.APIKey,
		Method:          rc.HTTPMethod,
		Path:            "/" + rc.UpstreamPath,
		Model:           rc.TargetModel,
		Prompt:          rc.PromptText,
		Response:        rc.Response(),
		DurationSeconds: duration.Seconds(),
		PowerWh:         energyWh,
		CostDollars:     cost,
		HTTPStatus:      rc.UpstreamStatus,
		ErrorMessage:    rc.ErrorMessage(),
	}
	rec.SetTokens(d.Tokens.Count(rc.PromptText), d.Tokens.Count(rec.Response))

	d.Metrics.ObserveRequest(metrics.RequestObservation{
		Category:         category.String(),
		Status:           rec.HTTPStatus,
		Streaming:        streaming,
		Duration:         duration,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		EnergyWh:         energyWh,
		CostDollars:      cost,
	})

	fields := []interface{}{
		"request_id", rec.RequestID,
		"model", rec.Model,
		"status", rec.HTTPStatus,
		"duration_s", rec.DurationSeconds,
		"cost", rec.CostDollars,
		"key", utils.KeyFingerprint(rec.APIKey),
	}
	if rec.Failed() {
		d.Logger.Warn("Request metered with error", append(fields, "error", utils.StringPtrValue(rec.ErrorMessage))...)
	} else {
		d.Logger.Debug("Request metered", fields...)
	}
	return rec
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// newCompletionID returns an OpenAI-style completion id
func newCompletionID() string {
	return "chatcmpl-" + uuid.New().String()
}

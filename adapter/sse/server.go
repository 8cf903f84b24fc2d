package sse

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/leonj1/river"
	"github.com/leonj1/river/envelope"
	"github.com/leonj1/river/pkg/log"
	"github.com/leonj1/river/riverr"
)

// startRequest is the POST body that starts a run.
type startRequest struct {
	StreamKey string          `json:"stream_key"`
	Input     json.RawMessage `json:"input"`
}

// errorResponse is the JSON body of non-streaming error replies.
type errorResponse struct {
	Error string      `json:"error"`
	Code  riverr.Code `json:"code,omitempty"`
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	Logger log.Logger
}

// Handler serves one endpoint pair: POST starts a run, GET resumes one with
// ?resumeKey= or the Last-Event-ID header.
type Handler struct {
	caller *river.Caller
	logger log.Logger
}

// NewHandler builds the endpoint handler around a caller.
func NewHandler(caller *river.Caller, opts HandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Handler{
		caller: caller,
		logger: logger.With(log.Component("sse")),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleStart(w, r)
	case http.MethodGet:
		h.handleResume(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
	}
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", Code: riverr.CodeValidation})
		return
	}
	if req.StreamKey == "" {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "stream_key is required", Code: riverr.CodeValidation})
		return
	}

	// The run's lifetime is decoupled from this connection: a client that
	// drops mid-stream resumes later, so the producer must not die with the
	// request context.
	runCtx := context.WithoutCancel(r.Context())
	sess, err := h.caller.Start(runCtx, req.StreamKey, req.Input)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	h.logger.Debug("sse.start", log.Str("stream", req.StreamKey), log.Str("run_id", sess.RunID()))
	h.stream(w, r, sess)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	encoded := r.URL.Query().Get("resumeKey")
	if encoded == "" {
		encoded = r.Header.Get("Last-Event-ID")
	}
	if encoded == "" {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "resumeKey or Last-Event-ID is required", Code: riverr.CodeMalformedToken})
		return
	}

	sess, err := h.caller.Resume(r.Context(), encoded)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	h.logger.Debug("sse.resume", log.Str("run_id", sess.RunID()))
	h.stream(w, r, sess)
}

// stream drains the session onto the wire, one SSE event per item, flushed
// immediately. The response status is committed here, so failures before
// this point still produce clean JSON errors.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, sess *river.Session) {
	defer func() { _ = sess.Close() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		it, err := sess.Recv(r.Context())
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			// Client gone or session failure; the durable log is unaffected.
			h.logger.Debug("sse.stream.interrupted", log.Str("run_id", sess.RunID()), log.Err(err))
			return
		}
		if err := writeEvent(w, it); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, it river.Item) error {
	data, err := envelope.Marshal(it.Envelope)
	if err != nil {
		return err
	}
	if it.Token != "" {
		if _, err := io.WriteString(w, "id: "+it.Token+"\n"); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "data: "); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = io.WriteString(w, "\n\n")
	return err
}

func writeTaxonomyError(w http.ResponseWriter, err error) {
	e := riverr.Classify(err, riverr.CodeUnknown)
	writeError(w, statusOf(e.Code), errorResponse{Error: e.Message, Code: e.Code})
}

func writeError(w http.ResponseWriter, status int, body errorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func statusOf(code riverr.Code) int {
	switch code {
	case riverr.CodeValidation, riverr.CodeMalformedToken:
		return http.StatusBadRequest
	case riverr.CodeStreamNotFound, riverr.CodeUnknownRun:
		return http.StatusNotFound
	case riverr.CodeProvider:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

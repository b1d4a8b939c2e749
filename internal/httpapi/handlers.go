package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/anatolykoptev/go_caption/internal/engine"
	"github.com/anatolykoptev/go_caption/internal/toolutil"
)

const welcomeMessage = "Welcome to v1-caption!"

// statusClientClosed is reported when the caller went away before the transcript was ready.
const statusClientClosed = 499

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, toolutil.ErrorBody{Code: "not_found", Message: "not found"})
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": welcomeMessage})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost:
	case r.Method == http.MethodDelete && s.evicter != nil:
	default:
		methodNotAllowed(w)
		return
	}

	ref, ok := decodeVideoRef(w, r)
	if !ok {
		return
	}
	if r.Method == http.MethodDelete {
		s.evicter.Evict(r.Context(), ref)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	t, err := s.svc.GetTranscript(ctx, ref)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toolutil.BuildOutput(t))
}

// decodeVideoRef reads and validates the request body, writing the error
// response itself when it fails.
func decodeVideoRef(w http.ResponseWriter, r *http.Request) (engine.VideoRef, bool) {
	var in toolutil.TranscriptInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, toolutil.ErrorBody{
			Code:    engine.KindInvalidInput.String(),
			Message: "invalid JSON body: " + err.Error(),
		})
		return engine.VideoRef{}, false
	}
	ref, err := toolutil.ResolveVideoRef(in)
	if err != nil {
		writeFailure(w, err)
		return engine.VideoRef{}, false
	}
	return ref, true
}

func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.pool == nil {
		writeError(w, http.StatusNotFound, toolutil.ErrorBody{Code: "not_found", Message: "proxy pool not exposed"})
		return
	}
	writeJSON(w, http.StatusOK, toolutil.BuildPoolStatus(s.pool.Snapshot()))
}

type healthResponse struct {
	Status         string `json:"status"`
	ProxiesHealthy int    `json:"proxies_healthy,omitempty"`
	ProxiesTotal   int    `json:"proxies_total,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	resp := healthResponse{Status: "ok"}
	if s.pool != nil {
		st := toolutil.BuildPoolStatus(s.pool.Snapshot())
		resp.ProxiesHealthy, resp.ProxiesTotal = st.Healthy, st.Total
		if st.Healthy == 0 {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	fn := s.metrics
	if fn == nil {
		fn = engine.FormatMetrics
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(fn()))
}

// statusFor maps an error kind to the HTTP status callers see.
func statusFor(kind engine.Kind) int {
	switch kind {
	case engine.KindInvalidInput:
		return http.StatusBadRequest
	case engine.KindVideoNotFound, engine.KindCaptionsDisabled:
		return http.StatusNotFound
	case engine.KindUpstreamBlocked, engine.KindMalformedPayload:
		return http.StatusBadGateway
	case engine.KindUpstreamUnavailable, engine.KindPoolExhausted:
		return http.StatusServiceUnavailable
	case engine.KindRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func writeFailure(w http.ResponseWriter, err error) {
	body := toolutil.BuildError(err)
	status := statusFor(engine.KindOf(err))
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status, body.Code = http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		status, body.Code = statusClientClosed, "cancelled"
	}
	if body.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(body.RetryAfter))))
	}
	if status == http.StatusInternalServerError {
		slog.Error("httpapi: unclassified failure", slog.Any("error", err))
	}
	writeError(w, status, body)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, toolutil.ErrorBody{Code: "method_not_allowed", Message: "method not allowed"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, body toolutil.ErrorBody) {
	writeJSON(w, status, map[string]any{
		"error": body,
	})
}

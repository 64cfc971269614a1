package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type healthResponse struct {
	State            string `json:"state"`
	Target           string `json:"target"`
	Connected        bool   `json:"connected"`
	ReconnectAttempt int    `json:"reconnect_attempt"`
	ReconnectFailed  bool   `json:"reconnect_failed"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.backend.CurrentStatus()
	resp := healthResponse{
		State:            s.backend.State().String(),
		Target:           s.backend.Target(),
		Connected:        st.Connected,
		ReconnectAttempt: st.ReconnectAttempt,
		ReconnectFailed:  st.ReconnectFailed,
	}
	status := http.StatusOK
	if !st.Connected {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListAPIs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r, s.callTimeout)
	defer cancel()

	names, err := s.backend.ListAPIs(ctx)
	if err != nil {
		s.writeCallError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"apis": names})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r, s.callTimeout)
	defer cancel()

	apis, err := s.backend.DiscoverAPIs(ctx)
	if err != nil {
		s.writeCallError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"apis": apis})
}

func (s *Server) handleInfos(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r, s.callTimeout)
	defer cancel()

	result, err := s.backend.ListAPIInfos(ctx)
	if err != nil {
		s.writeCallError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCall forwards the request body as call arguments. An empty or
// non-JSON body becomes an empty object. Error replies from the binder are
// returned with 200: the reply object carries the failure.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	verb := chi.URLParam(r, "api") + "/" + chi.URLParam(r, "verb")

	timeout := s.callTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = d
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	ctx, cancel := s.requestContext(r, timeout)
	defer cancel()

	reply, err := s.backend.Invoke(ctx, verb, body)
	if err != nil {
		s.writeCallError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) requestContext(r *http.Request, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(r.Context(), timeout)
	}
	return context.WithCancel(r.Context())
}

func (s *Server) writeCallError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	s.logger.Warn().Err(err).Str("request_id", requestIDFrom(r.Context())).Str("path", r.URL.Path).Msg("call failed")
	writeJSON(w, status, errorResponse{Error: err.Error(), RequestID: requestIDFrom(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

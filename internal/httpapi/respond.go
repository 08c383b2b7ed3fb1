package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"msgate/internal/dispatch"
	"msgate/internal/message"
	"msgate/internal/session"
	"msgate/internal/templates"
	"msgate/pkg/logx"
)

var (
	errBadRequest = errors.New("bad request")
	errNotFound   = errors.New("not found")
)

// envelope is the response frame for bare messages and errors.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, status int, msg string, fields map[string]any) {
	out := map[string]any{"success": true}
	if msg != "" {
		out["message"] = msg
	}
	for k, v := range fields {
		out[k] = v
	}
	writeJSON(w, status, out)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, dispatch.ErrInvalidArgument),
		errors.Is(err, message.ErrInvalidPayload),
		errors.Is(err, session.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, errNotFound),
		errors.Is(err, session.ErrNoSession),
		errors.Is(err, templates.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotReady),
		errors.Is(err, dispatch.ErrQueueFull),
		errors.Is(err, dispatch.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	fields := append(reqFields(r), logx.Int("status", status), logx.Err(err))
	if status >= 500 {
		s.log.Warn("request failed", fields...)
	} else {
		s.log.Debug("request rejected", fields...)
	}
	writeJSON(w, status, envelope{Success: false, Error: err.Error()})
}

// decode reads a JSON body into v, bounded by the configured body limit.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, s.maxBody.Load())
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			return fmt.Errorf("%w: body exceeds %d bytes", errBadRequest, tooBig.Limit)
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: empty body", errBadRequest)
		default:
			return fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
		}
	}
	return nil
}

func reqFields(r *http.Request) []logx.Field {
	return []logx.Field{
		logx.String("method", r.Method),
		logx.String("path", r.URL.Path),
		logx.String("remote", r.RemoteAddr),
	}
}

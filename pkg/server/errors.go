package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// statusFor maps an engine error code to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, engine.ErrDispatcherClosed) {
		return http.StatusServiceUnavailable
	}
	switch engine.CodeOf(err) {
	case engine.ErrCodeValidation,
		engine.ErrCodeTemplateNotRegistered,
		engine.ErrCodePluginNotFound,
		engine.ErrCodeDeployerNotFound:
		return http.StatusBadRequest
	case engine.ErrCodeServiceNotFound, engine.ErrCodeNotFound:
		return http.StatusNotFound
	case engine.ErrCodeServiceNotDeployed, engine.ErrCodeInvalidServiceState:
		return http.StatusConflict
	case engine.ErrCodePoliciesEvaluationFailed:
		return http.StatusUnprocessableEntity
	case engine.ErrCodeDBWrite:
		return http.StatusServiceUnavailable
	}
	switch {
	case engine.IsTransient(err):
		return http.StatusServiceUnavailable
	case engine.IsConflict(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := engine.CodeOf(err)
	if code == "" {
		code = engine.ErrCodeInternal
	}

	msg := err.Error()
	var engErr *engine.EngineError
	if errors.As(err, &engErr) && engErr.Message != "" {
		msg = engErr.Message
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		if engErr == nil {
			msg = "internal server error"
		}
	}

	s.writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: msg,
		Details: engine.ViolationsOf(err),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write response")
	}
}

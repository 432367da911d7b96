package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

const (
	maxRequestBytes  = 1 << 20
	maxCallbackBytes = 64 << 20

	// UserHeader carries the authenticated requester and overrides the
	// userId of a deploy request body.
	UserHeader = "X-User-Id"
)

// AcceptedResponse is returned when an operation was dispatched.
type AcceptedResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.HealthCheck(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("health check failed")
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req engine.DeployRequest
	if err := decodeJSON(w, r, maxRequestBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if user := strings.TrimSpace(r.Header.Get(UserHeader)); user != "" {
		req.UserID = user
	}

	task, err := s.builder.Build(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if _, err := s.dispatcher.Submit(r.Context(), "deploy", task.ID, func(ctx context.Context) (*engine.ServiceRecord, error) {
		return s.orchestrator.Deploy(ctx, task)
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info().Str("task_id", task.ID).Str("service", req.ServiceName).Msg("deploy accepted")
	s.writeJSON(w, http.StatusAccepted, AcceptedResponse{ID: task.ID})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := engine.ServiceQuery{
		UserID:    q.Get("userId"),
		Namespace: q.Get("namespace"),
		Provider:  engine.Provider(strings.ToLower(q.Get("provider"))),
		Category:  engine.Category(strings.ToLower(q.Get("category"))),
		State:     engine.ServiceState(strings.ToUpper(q.Get("state"))),
	}
	if user := strings.TrimSpace(r.Header.Get(UserHeader)); user != "" {
		query.UserID = user
	}

	var violations []string
	for name, dst := range map[string]*int{"limit": &query.Limit, "offset": &query.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			violations = append(violations, fmt.Sprintf("%s: must be a non-negative integer", name))
			continue
		}
		*dst = n
	}
	if len(violations) > 0 {
		s.writeError(w, r, engine.NewValidationError("invalid query", violations))
		return
	}

	records, err := s.orchestrator.List(r.Context(), query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*engine.ServiceRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	record, err := s.orchestrator.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.orchestrator.BeginDestroy(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if _, err := s.dispatcher.Submit(r.Context(), "destroy", id, func(ctx context.Context) (*engine.ServiceRecord, error) {
		return s.orchestrator.ExecuteDestroy(ctx, job)
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, AcceptedResponse{ID: id})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.orchestrator.PreparePurge(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if _, err := s.dispatcher.Submit(r.Context(), "purge", id, func(ctx context.Context) (*engine.ServiceRecord, error) {
		return nil, s.orchestrator.ExecutePurge(ctx, job)
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, AcceptedResponse{ID: id})
}

func (s *Server) handleManualCleanup(w http.ResponseWriter, r *http.Request) {
	record, err := s.orchestrator.MarkManualCleanupRequired(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDeployCallback(w http.ResponseWriter, r *http.Request) {
	s.handleCallback(w, r, s.orchestrator.ReconcileDeploy)
}

func (s *Server) handleDestroyCallback(w http.ResponseWriter, r *http.Request) {
	s.handleCallback(w, r, s.orchestrator.ReconcileDestroy)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request,
	reconcile func(context.Context, string, engine.ExecutorResult) (*engine.ServiceRecord, error)) {
	id := chi.URLParam(r, "id")

	var raw engine.ExecutorResult
	if err := decodeJSON(w, r, maxCallbackBytes, &raw); err != nil {
		s.writeError(w, r, err)
		return
	}

	// The executor has finished; the result is applied even if it hangs up.
	record, err := reconcile(context.WithoutCancel(r.Context()), id, raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, out any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return engine.NewValidationError("invalid request body", []string{err.Error()})
	}
	return nil
}

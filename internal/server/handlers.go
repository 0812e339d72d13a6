package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/syncrelay/syncrelay/internal/lock"
	"github.com/syncrelay/syncrelay/internal/session"
	"github.com/syncrelay/syncrelay/internal/tracking"
)

// retryAfterSeconds is advertised to clients that hit lock contention.
const retryAfterSeconds = 1

// reportRetryGap spaces server-side retries of a lock-contended report.
const reportRetryGap = 50 * time.Millisecond

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, errorResponse{Error: fmt.Sprintf(format, args...)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %s", err)
		return false
	}
	return true
}

// startSessionRequest is the body of POST /api/sessions: the session
// fields plus the full action plan.
type startSessionRequest struct {
	session.StartRequest
	Actions []tracking.ActionsGroupDefinition `json:"actionsGroupDefinitions"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TotalActionsCount == 0 {
		req.TotalActionsCount = int64(len(req.Actions))
	}

	sync, err := s.sessions.Start(r.Context(), req.StartRequest)
	if err != nil {
		if errors.Is(err, session.ErrSessionExists) {
			writeError(w, http.StatusConflict, "%s", err)
			return
		}
		s.logger.Error("failed to start session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	if err := s.tracking.RegisterActions(r.Context(), sync.SessionID, req.Actions); err != nil {
		// the aggregate exists but its plan did not land; surface the
		// failure and let the caller retry with a fresh session
		s.logger.Error("failed to register actions", "session_id", sync.SessionID, "error", err)
		writeError(w, http.StatusBadRequest, "failed to register actions: %s", err)
		return
	}

	writeJSON(w, http.StatusCreated, sync)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sync, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "%s", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, sync)
}

func (s *Server) handleRemoveSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	if err := s.tracking.RemoveSessionActions(r.Context(), sessionID); err != nil {
		s.logger.Error("failed to remove session actions", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to remove session")
		return
	}
	if err := s.sessions.Remove(r.Context(), sessionID); err != nil {
		s.logger.Error("failed to remove session", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to remove session")
		return
	}
	s.hub.CloseSession(sessionID)

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var report tracking.Report
	if !decodeBody(w, r, &report) {
		return
	}
	report.SessionID = r.PathValue("id")
	if err := report.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	// lock contention is transient; retry a bounded number of times
	// before telling the client to come back
	var res *tracking.Result
	err := backoff.Retry(func() error {
		var opErr error
		res, opErr = s.tracking.ReportOutcome(r.Context(), report)
		if opErr != nil && !errors.Is(opErr, lock.ErrAcquireTimeout) {
			return backoff.Permanent(opErr)
		}
		return opErr
	}, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(reportRetryGap), uint64(s.cfg.ReportRetries)),
		r.Context()))
	if err != nil {
		switch {
		case errors.Is(err, lock.ErrAcquireTimeout):
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds))
			writeError(w, http.StatusServiceUnavailable, "tracking busy, retry later")
		case errors.Is(err, tracking.ErrUnknownAction), errors.Is(err, session.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "%s", err)
		default:
			s.logger.Error("failed to handle report", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to handle report")
		}
		return
	}

	writeJSON(w, http.StatusOK, res)
}

type abortRequest struct {
	RequestedBy string `json:"requestedBy"`
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RequestedBy == "" {
		writeError(w, http.StatusBadRequest, "requestedBy is required")
		return
	}

	sync, changed, err := s.sessions.RequestAbort(r.Context(), r.PathValue("id"), req.RequestedBy)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "%s", err)
			return
		}
		s.logger.Error("failed to request abort", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to request abort")
		return
	}
	if changed {
		s.hub.NotifyProgress(sync.SessionID, sync, nil)
	}

	writeJSON(w, http.StatusOK, sync)
}

type endRequest struct {
	Status session.EndStatus `json:"status"`
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req endRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Status == "" {
		req.Status = session.EndStatusRegular
	}

	sync, changed, err := s.sessions.End(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "%s", err)
			return
		}
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if changed {
		s.hub.NotifyEnd(sync.SessionID, sync)
	}

	writeJSON(w, http.StatusOK, sync)
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	action, err := s.tracking.GetAction(r.Context(), r.PathValue("id"), r.PathValue("actionsGroupId"))
	if err != nil {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

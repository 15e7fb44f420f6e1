package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/ideaqlabs/earn/internal/earn"
	"github.com/ideaqlabs/earn/internal/metrics"
)

// warningFor returns the message attached to a result whose write failed.
func warningFor(err error) string {
	if err == nil {
		return ""
	}
	return "changes could not be saved and may be lost: " + err.Error()
}

// writeEngineError maps engine errors to HTTP responses.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, earn.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, earn.ErrUsernameAlreadySet),
		errors.Is(err, earn.ErrAlreadyActive),
		errors.Is(err, earn.ErrReferralExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, earn.ErrUsernameRequired):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, earn.ErrReferralNotFound), errors.Is(err, earn.ErrNoBackup):
		writeError(w, http.StatusNotFound, err.Error())
	case earn.IsPersistenceError(err):
		s.logger.Error().Err(err).Str("request_id", requestIDFromContext(r.Context())).Str("path", r.URL.Path).Msg("Storage unavailable")
		writeError(w, http.StatusServiceUnavailable, "Storage unavailable")
	default:
		s.logger.Error().Err(err).Str("request_id", requestIDFromContext(r.Context())).Str("path", r.URL.Path).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

// handleGetSession returns the caller's session.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	session, err := s.engine.Session(r.Context(), id.key)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newSessionResponse(id, session))
}

// handleGetSnapshot returns the live accrual state.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	session, snap, err := s.engine.Snapshot(r.Context(), id.key, s.clock.Now())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	metrics.SnapshotsServed.Inc()

	writeJSON(w, http.StatusOK, newSnapshotResponse(id, session, snap))
}

// handleConfirmUsername locks the caller's username.
func (s *Server) handleConfirmUsername(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	var req UsernameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	_, err := s.engine.ConfirmUsername(r.Context(), id.key, req.Username)
	if err != nil && !earn.IsPersistenceError(err) {
		s.writeEngineError(w, r, err)
		return
	}

	session, serr := s.engine.Session(r.Context(), id.key)
	if serr != nil {
		s.writeEngineError(w, r, serr)
		return
	}

	resp := newSessionResponse(id, session)
	resp.Warning = warningFor(err)
	writeJSON(w, http.StatusOK, resp)
}

// handleStartAccrual begins a new 24h period.
func (s *Server) handleStartAccrual(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	now := s.clock.Now()

	session, err := s.engine.StartAccrual(r.Context(), id.key, now)
	if session == nil {
		s.writeEngineError(w, r, err)
		return
	}

	resp := newSnapshotResponse(id, session, earn.ComputeSnapshot(session, now))
	resp.Warning = warningFor(err)
	writeJSON(w, http.StatusCreated, resp)
}

// handleListReferrals returns the referral team.
func (s *Server) handleListReferrals(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	session, err := s.engine.Session(r.Context(), id.key)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"referrals": session.Referrals,
		"active":    earn.CountActiveReferrals(session.Referrals),
		"count":     len(session.Referrals),
	})
}

// handleAddReferral adds a member to the referral team.
func (s *Server) handleAddReferral(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	var req ReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	referral := earn.Referral{Name: req.Name, Handle: req.Handle, Active: req.Active}
	session, err := s.engine.AddReferral(r.Context(), id.key, referral, s.clock.Now())
	if session == nil {
		s.writeEngineError(w, r, err)
		return
	}

	resp := newSessionResponse(id, session)
	resp.Warning = warningFor(err)
	writeJSON(w, http.StatusCreated, resp)
}

// handleUpdateReferral activates or deactivates a referral.
func (s *Server) handleUpdateReferral(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	handle := mux.Vars(r)["handle"]

	var req ReferralUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeError(w, http.StatusBadRequest, "Request body must set active")
		return
	}

	session, err := s.engine.SetReferralActive(r.Context(), id.key, handle, *req.Active, s.clock.Now())
	if session == nil {
		s.writeEngineError(w, r, err)
		return
	}

	resp := newSessionResponse(id, session)
	resp.Warning = warningFor(err)
	writeJSON(w, http.StatusOK, resp)
}

// handleInactiveReferrals lists the members to ping.
func (s *Server) handleInactiveReferrals(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	inactive, err := s.engine.InactiveReferrals(r.Context(), id.key)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"referrals": inactive,
		"count":     len(inactive),
	})
}

// handleRecover restores the caller's record from the backup mirror.
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	session, err := s.engine.Recover(r.Context(), id.key)
	if session == nil {
		s.writeEngineError(w, r, err)
		return
	}

	resp := newSessionResponse(id, session)
	resp.Warning = warningFor(err)
	writeJSON(w, http.StatusOK, resp)
}

// handleShare returns the invitation text.
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	text, err := s.engine.ShareText(r.Context(), id.key)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"text": text,
	})
}

// handleSignOut drops the caller's cached session. The stored record stays.
func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	s.engine.Forget(id.key)
	s.logger.Debug().Str("identity", id.key).Msg("Signed out")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identity":   id.key,
		"signed_out": true,
	})
}

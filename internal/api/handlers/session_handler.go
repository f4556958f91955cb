package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	apiContext "gatekeeper/internal/api/context"
	"gatekeeper/internal/engine/mfa"
	"gatekeeper/internal/engine/session"
	"gatekeeper/internal/pkg/errors"
	"gatekeeper/internal/platform/auth"
)

type SessionHandler struct {
	sessions *session.Manager
	mfa      *mfa.Engine
}

func NewSessionHandler(sessions *session.Manager, mfaEngine *mfa.Engine) *SessionHandler {
	return &SessionHandler{sessions: sessions, mfa: mfaEngine}
}

type validateRequest struct {
	SessionID  string `json:"session_id"`
	Permission string `json:"permission"`
	RequireMFA bool   `json:"require_mfa"`
}

// Validate checks a session and reports the verdict. This endpoint never
// errors on an invalid session; the verdict body carries the reason.
func (h *SessionHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.SessionID == "" {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "session_id is required", nil)
		return
	}

	v, err := h.sessions.Validate(r.Context(), req.SessionID, req.Permission, req.RequireMFA)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// authorizeSession loads the target session and requires it to belong to
// the caller. Admins and owners may act on any session in their tenant.
func (h *SessionHandler) authorizeSession(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	claims := r.Context().Value(apiContext.Claims).(*auth.Claims)

	s, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeEngineError(w, err)
		return false
	}
	if s.UserID == claims.UserID {
		return true
	}
	if (claims.Role == "admin" || claims.Role == "owner") && s.TenantID == claims.TenantID {
		return true
	}
	errors.WriteError(w, http.StatusForbidden, errors.ErrCodeForbidden, "Session belongs to another user", nil)
	return false
}

type renewRequest struct {
	SessionID        string `json:"session_id"`
	ExtensionSeconds int64  `json:"extension_seconds"`
}

func (h *SessionHandler) Renew(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.SessionID == "" {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "session_id is required", nil)
		return
	}
	if !h.authorizeSession(w, r, req.SessionID) {
		return
	}

	s, err := h.sessions.Renew(r.Context(), req.SessionID, time.Duration(req.ExtensionSeconds)*time.Second)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type elevateRequest struct {
	SessionID       string `json:"session_id"`
	DurationSeconds int64  `json:"duration_seconds"`
	Code            string `json:"code"`
	MethodID        string `json:"method_id"`
}

// Elevate grants a temporary privilege window after a fresh TOTP proof.
// The proof presented at login does not count.
func (h *SessionHandler) Elevate(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(apiContext.Claims).(*auth.Claims)

	var req elevateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.SessionID == "" || req.Code == "" || req.MethodID == "" {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "session_id, method_id and code are required", nil)
		return
	}
	if !h.authorizeSession(w, r, req.SessionID) {
		return
	}

	if err := h.mfa.VerifyTOTP(r.Context(), claims.UserID, req.MethodID, req.Code); err != nil {
		writeEngineError(w, err)
		return
	}

	s, err := h.sessions.Elevate(r.Context(), req.SessionID, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type revokeRequest struct {
	SessionID string `json:"session_id"`
}

func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.SessionID == "" {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "session_id is required", nil)
		return
	}
	if !h.authorizeSession(w, r, req.SessionID) {
		return
	}

	if err := h.sessions.Revoke(r.Context(), req.SessionID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": true})
}

// RevokeAll wipes every session of the authenticated user.
func (h *SessionHandler) RevokeAll(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(apiContext.Claims).(*auth.Claims)

	n, err := h.sessions.RevokeAllForUser(r.Context(), claims.UserID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": n})
}

// List returns the authenticated user's sessions.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(apiContext.Claims).(*auth.Claims)

	sessions, err := h.sessions.ListByUser(r.Context(), claims.UserID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

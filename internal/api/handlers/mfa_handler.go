package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	apiContext "gatekeeper/internal/api/context"
	"gatekeeper/internal/engine/device"
	"gatekeeper/internal/engine/mfa"
	"gatekeeper/internal/engine/risk"
	"gatekeeper/internal/engine/session"
	"gatekeeper/internal/pkg/errors"
	"gatekeeper/internal/platform/auth"
	"gatekeeper/internal/platform/directory"
	"gatekeeper/internal/platform/models"
	"gatekeeper/internal/platform/store"
)

// MFAHandler owns the TOTP surface: enrollment, verification, backup
// codes, and the QR image. A verification carrying a pending token also
// releases the parked login it belongs to.
type MFAHandler struct {
	engine    *mfa.Engine
	devices   *device.Manager
	sessions  *session.Manager
	tokens    *auth.TokenService
	directory directory.UserDirectory
	history   risk.History
	store     store.Store
}

func NewMFAHandler(engine *mfa.Engine, devices *device.Manager, sessions *session.Manager, tokens *auth.TokenService, dir directory.UserDirectory, history risk.History, s store.Store) *MFAHandler {
	return &MFAHandler{
		engine:    engine,
		devices:   devices,
		sessions:  sessions,
		tokens:    tokens,
		directory: dir,
		history:   history,
		store:     s,
	}
}

type enrollRequest struct {
	Name string `json:"name"`
}

// Enroll creates a TOTP method for the authenticated user and returns
// the one-time secret material.
func (h *MFAHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(apiContext.Claims).(*auth.Claims)

	var req enrollRequest
	json.NewDecoder(r.Body).Decode(&req)

	account := claims.UserID
	if user, err := h.directory.FindByID(r.Context(), claims.UserID); err == nil && user != nil {
		account = user.Email
	}

	enrollment, err := h.engine.Enroll(r.Context(), claims.UserID, account, req.Name)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, enrollment)
}

type verifyRequest struct {
	MethodID       string `json:"method_id"`
	Code           string `json:"code"`
	PendingToken   string `json:"pending_token"`
	RememberDevice bool   `json:"remember_device"`
}

// Verify checks a TOTP code. With a pending token it completes the
// parked login and issues the session; without one it activates or
// re-verifies a method for the authenticated user.
func (h *MFAHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.Code == "" || req.MethodID == "" {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "method_id and code are required", nil)
		return
	}

	if req.PendingToken != "" {
		h.completePendingLogin(w, r, req)
		return
	}

	claims, ok := r.Context().Value(apiContext.Claims).(*auth.Claims)
	if !ok {
		errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Authentication required", nil)
		return
	}
	if err := h.engine.VerifyTOTP(r.Context(), claims.UserID, req.MethodID, req.Code); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"verified": true})
}

func (h *MFAHandler) completePendingLogin(w http.ResponseWriter, r *http.Request, req verifyRequest) {
	ctx := r.Context()

	var pending pendingLogin
	ok, err := store.GetJSON(ctx, h.store, pendingKeyPrefix+req.PendingToken, &pending)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Challenge lookup failed", nil)
		return
	}
	if !ok {
		errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeInvalidFlow, "Challenge expired or unknown", nil)
		return
	}

	if err := h.engine.VerifyTOTP(ctx, pending.UserID, req.MethodID, req.Code); err != nil {
		h.history.RecordLogin(ctx, risk.LoginEvent{
			UserID: pending.UserID, TenantID: pending.TenantID, Success: false,
			IP: pending.IPAddress, Country: pending.Location, DeviceID: pending.DeviceID,
		})
		writeEngineError(w, err)
		return
	}

	// The challenge is single use.
	h.store.Delete(ctx, pendingKeyPrefix+req.PendingToken)

	if req.RememberDevice && pending.DeviceID != "" {
		h.devices.MarkTrusted(ctx, pending.UserID, pending.DeviceID)
	}

	h.history.RecordLogin(ctx, risk.LoginEvent{
		UserID: pending.UserID, TenantID: pending.TenantID, Success: true,
		IP: pending.IPAddress, Country: pending.Location, DeviceID: pending.DeviceID,
	})

	ttl := time.Duration(0)
	if pending.TTLSeconds > 0 {
		ttl = time.Duration(pending.TTLSeconds) * time.Second
	}
	s, err := h.sessions.Create(ctx, session.CreateInput{
		UserID:      pending.UserID,
		TenantID:    pending.TenantID,
		DeviceID:    pending.DeviceID,
		IPAddress:   pending.IPAddress,
		Location:    pending.Location,
		Level:       models.AuthLevelMFA,
		Methods:     append(pending.Methods, models.MfaTypeTOTP),
		Permissions: rolePermissions(pending.Role),
		TTL:         ttl,
	})
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Session creation failed", nil)
		return
	}

	token, err := h.tokens.GenerateAccessToken(pending.UserID, pending.TenantID, pending.Role, s.ID)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Token generation failed", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"session":      s,
		"return_url":   pending.ReturnURL,
	})
}

type backupVerifyRequest struct {
	Code           string `json:"code"`
	PendingToken   string `json:"pending_token"`
	RememberDevice bool   `json:"remember_device"`
}

// VerifyBackup consumes a recovery code, either for a parked login or
// for the authenticated user.
func (h *MFAHandler) VerifyBackup(w http.ResponseWriter, r *http.Request) {
	var req backupVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.Code == "" {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "code is required", nil)
		return
	}

	if req.PendingToken != "" {
		h.completePendingBackup(w, r, req)
		return
	}

	claims, ok := r.Context().Value(apiContext.Claims).(*auth.Claims)
	if !ok {
		errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Authentication required", nil)
		return
	}
	if err := h.engine.VerifyBackupCode(r.Context(), claims.UserID, req.Code); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"verified": true})
}

func (h *MFAHandler) completePendingBackup(w http.ResponseWriter, r *http.Request, req backupVerifyRequest) {
	ctx := r.Context()

	var pending pendingLogin
	ok, err := store.GetJSON(ctx, h.store, pendingKeyPrefix+req.PendingToken, &pending)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Challenge lookup failed", nil)
		return
	}
	if !ok {
		errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeInvalidFlow, "Challenge expired or unknown", nil)
		return
	}

	if err := h.engine.VerifyBackupCode(ctx, pending.UserID, req.Code); err != nil {
		writeEngineError(w, err)
		return
	}
	h.store.Delete(ctx, pendingKeyPrefix+req.PendingToken)

	if req.RememberDevice && pending.DeviceID != "" {
		h.devices.MarkTrusted(ctx, pending.UserID, pending.DeviceID)
	}

	ttl := time.Duration(0)
	if pending.TTLSeconds > 0 {
		ttl = time.Duration(pending.TTLSeconds) * time.Second
	}
	s, err := h.sessions.Create(ctx, session.CreateInput{
		UserID:      pending.UserID,
		TenantID:    pending.TenantID,
		DeviceID:    pending.DeviceID,
		IPAddress:   pending.IPAddress,
		Location:    pending.Location,
		Level:       models.AuthLevelMFA,
		Methods:     append(pending.Methods, models.MfaTypeBackupCodes),
		Permissions: rolePermissions(pending.Role),
		TTL:         ttl,
	})
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Session creation failed", nil)
		return
	}

	token, err := h.tokens.GenerateAccessToken(pending.UserID, pending.TenantID, pending.Role, s.ID)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Token generation failed", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"session":      s,
		"return_url":   pending.ReturnURL,
	})
}

// QRCode streams the provisioning QR PNG for an unverified method.
func (h *MFAHandler) QRCode(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(apiContext.Claims).(*auth.Claims)

	methodID := r.URL.Query().Get("method_id")
	if methodID == "" {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "method_id is required", nil)
		return
	}
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	account := claims.UserID
	if user, err := h.directory.FindByID(r.Context(), claims.UserID); err == nil && user != nil {
		account = user.Email
	}

	png, err := h.engine.QRCode(r.Context(), claims.UserID, methodID, account, size)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// List returns the user's methods with secrets stripped.
func (h *MFAHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(apiContext.Claims).(*auth.Claims)

	methods, err := h.engine.Methods(r.Context(), claims.UserID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"methods": methods})
}

// Disable removes a method.
func (h *MFAHandler) Disable(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(apiContext.Claims).(*auth.Claims)
	methodID := paramFromContext(r, "method_id")

	if err := h.engine.Disable(r.Context(), claims.UserID, methodID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"disabled": true})
}

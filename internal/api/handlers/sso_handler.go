package handlers

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	apiContext "gatekeeper/internal/api/context"
	"gatekeeper/internal/engine/crypto"
	"gatekeeper/internal/engine/device"
	"gatekeeper/internal/engine/flow"
	"gatekeeper/internal/engine/mfa"
	"gatekeeper/internal/engine/notify"
	"gatekeeper/internal/engine/providers"
	"gatekeeper/internal/engine/risk"
	"gatekeeper/internal/engine/session"
	"gatekeeper/internal/pkg/errors"
	"gatekeeper/internal/pkg/geoip"
	"gatekeeper/internal/platform/audit"
	"gatekeeper/internal/platform/auth"
	"gatekeeper/internal/platform/directory"
	"gatekeeper/internal/platform/models"
	"gatekeeper/internal/platform/store"
)

const (
	pendingKeyPrefix = "pending:"
	pendingTTL       = 5 * time.Minute
)

// pendingLogin parks a risk-gated login between the provider callback and
// the MFA verification that releases it.
type pendingLogin struct {
	UserID     string   `json:"user_id"`
	TenantID   string   `json:"tenant_id"`
	Role       string   `json:"role"`
	ProviderID string   `json:"provider_id"`
	DeviceID   string   `json:"device_id"`
	IPAddress  string   `json:"ip_address"`
	Location   string   `json:"location"`
	ReturnURL  string   `json:"return_url,omitempty"`
	Methods    []string `json:"methods"`
	TTLSeconds int64    `json:"ttl_seconds,omitempty"`
}

// SSOHandler drives browser-based logins: initiate, provider callback,
// and the synchronous LDAP path.
type SSOHandler struct {
	flows     *flow.Machine
	registry  *providers.Registry
	devices   *device.Manager
	risks     *risk.Engine
	history   risk.History
	mfa       *mfa.Engine
	sessions  *session.Manager
	tokens    *auth.TokenService
	store     store.Store
	audit     audit.Recorder
	notifier  *notify.Notifier
	geo       geoip.Resolver
	directory directory.UserDirectory
}

func NewSSOHandler(
	flows *flow.Machine,
	registry *providers.Registry,
	devices *device.Manager,
	risks *risk.Engine,
	history risk.History,
	mfaEngine *mfa.Engine,
	sessions *session.Manager,
	tokens *auth.TokenService,
	s store.Store,
	sink audit.Recorder,
	notifier *notify.Notifier,
	geo geoip.Resolver,
	dir directory.UserDirectory,
) *SSOHandler {
	return &SSOHandler{
		flows:     flows,
		registry:  registry,
		devices:   devices,
		risks:     risks,
		history:   history,
		mfa:       mfaEngine,
		sessions:  sessions,
		tokens:    tokens,
		store:     s,
		audit:     sink,
		notifier:  notifier,
		geo:       geo,
		directory: dir,
	}
}

type initiateRequest struct {
	ProviderID string `json:"provider_id"`
	ReturnURL  string `json:"return_url"`
}

// Initiate starts a login flow and returns the provider redirect.
func (h *SSOHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.ProviderID == "" {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "provider_id is required", nil)
		return
	}

	f, redirect, err := h.flows.Initiate(r.Context(), req.ProviderID, req.ReturnURL)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flow_id":      f.ID,
		"state":        f.State,
		"expires_at":   f.ExpiresAt,
		"redirect_url": redirect.URL,
		"method":       redirect.Method,
	})
}

type callbackRequest struct {
	State        string                   `json:"state"`
	Code         string                   `json:"code"`
	SAMLResponse string                   `json:"saml_response"`
	Error        string                   `json:"error"`
	Device       *models.DeviceAttributes `json:"device,omitempty"`
}

// Callback consumes the provider response and runs the full gate:
// identity resolution, device fingerprinting, risk evaluation, then
// session issuance or an MFA challenge.
func (h *SSOHandler) Callback(w http.ResponseWriter, r *http.Request) {
	input, attrs := h.parseCallback(r)

	result, err := h.flows.Complete(r.Context(), input)
	if err != nil {
		h.writeCallbackFailure(w, r, input, err)
		return
	}

	h.finishLogin(w, r, result.Provider, result.User, attrs, result.Flow.ReturnURL)
}

type ldapLoginRequest struct {
	ProviderID string                   `json:"provider_id"`
	Username   string                   `json:"username"`
	Password   string                   `json:"password"`
	Device     *models.DeviceAttributes `json:"device,omitempty"`
}

// LDAPLogin is the synchronous credential path for directory providers.
// Every failure returns the same generic body; the specific cause goes to
// the audit log only.
func (h *SSOHandler) LDAPLogin(w http.ResponseWriter, r *http.Request) {
	var req ldapLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.ProviderID == "" || req.Username == "" || req.Password == "" {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "provider_id, username and password are required", nil)
		return
	}

	provider, err := h.registry.Get(r.Context(), req.ProviderID)
	if err != nil {
		errors.WriteAuthFailure(w)
		return
	}
	if !provider.Active {
		errors.WriteAuthFailure(w)
		return
	}

	adapter, err := h.registry.Resolve(provider.Protocol)
	if err != nil {
		errors.WriteAuthFailure(w)
		return
	}
	authenticator, ok := adapter.(providers.Authenticator)
	if !ok {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeUnsupportedProtocol, "Provider does not support credential login", nil)
		return
	}

	identity, err := authenticator.Authenticate(r.Context(), provider, req.Username, req.Password)
	if err != nil {
		// Attribute the failure to the matched account so repeated bad
		// passwords accumulate against it in the risk history.
		failedUserID := h.lookupFailedUser(r.Context(), identity, req.Username)
		h.audit.Record(r.Context(), audit.Entry{
			TenantID: provider.TenantID,
			UserID:   failedUserID,
			Action:   audit.ActionLoginFailure,
			Metadata: map[string]interface{}{"provider_id": provider.ID, "code": errors.CodeOf(err)},
		})
		h.history.RecordLogin(r.Context(), risk.LoginEvent{
			UserID:   failedUserID,
			TenantID: provider.TenantID,
			Success:  false,
			IP:       clientIP(r),
		})
		errors.WriteAuthFailure(w)
		return
	}

	user, err := h.flows.ResolveUser(r.Context(), provider, identity)
	if err != nil {
		errors.WriteAuthFailure(w)
		return
	}

	attrs := deviceAttributes(req.Device, r)
	h.finishLogin(w, r, provider, user, attrs, "")
}

// lookupFailedUser resolves a failed credential check to a directory user.
// Never provisions; an unknown account stays unattributed.
func (h *SSOHandler) lookupFailedUser(ctx context.Context, identity *models.ResolvedIdentity, username string) string {
	email := ""
	if identity != nil {
		email = identity.Email
	}
	if email == "" && strings.Contains(username, "@") {
		email = username
	}
	if email == "" {
		return ""
	}
	user, err := h.directory.FindByEmail(ctx, email)
	if err != nil || user == nil {
		return ""
	}
	return user.ID
}

// finishLogin runs the post-identity gate shared by every protocol.
func (h *SSOHandler) finishLogin(w http.ResponseWriter, r *http.Request, provider *models.SSOProvider, user *models.User, attrs models.DeviceAttributes, returnURL string) {
	ctx := r.Context()
	ip := clientIP(r)

	d, known, err := h.devices.RegisterOrTouch(ctx, user.ID, ip, attrs)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Device registration failed", nil)
		return
	}
	if !known {
		h.notifier.Notify(notify.EventNewDevice, user.ID, user.TenantID, map[string]string{
			"device_id": d.ID,
			"name":      d.Name,
			"location":  d.LastLocation,
		})
	}

	country := ""
	if h.geo != nil {
		country, _ = h.geo.Country(ip)
	}

	assessment := h.risks.Evaluate(ctx, risk.Signals{
		UserID:      user.ID,
		TenantID:    user.TenantID,
		KnownDevice: known,
		Country:     country,
	})

	if assessment.Action == risk.ActionLockAccount {
		h.history.RecordLogin(ctx, risk.LoginEvent{
			UserID: user.ID, TenantID: user.TenantID, Success: false,
			IP: ip, Country: country, DeviceID: d.ID,
		})
		revoked, _ := h.sessions.RevokeAllForUser(ctx, user.ID)
		h.notifier.Notify(notify.EventAccountLocked, user.ID, user.TenantID, map[string]interface{}{
			"reasons": assessment.Reasons, "sessions_revoked": revoked,
		})
		log.Warn().Str("user_id", user.ID).Strs("reasons", assessment.Reasons).Msg("account locked by risk policy")
		errors.WriteAuthFailure(w)
		return
	}

	needMFA := provider.Settings.RequireMFA || assessment.Action == risk.ActionRequireMFA
	if needMFA && d.Trusted {
		// A previously trusted device satisfies the challenge.
		needMFA = false
	}

	if needMFA {
		hasMethod, err := h.mfa.HasVerifiedMethod(ctx, user.ID)
		if err != nil {
			errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "MFA lookup failed", nil)
			return
		}
		if hasMethod {
			h.challengeMFA(w, r, provider, user, d, ip, country, returnURL)
			return
		}
		// No enrolled factor to challenge. Proceed at basic level and
		// flag it for the security feed.
		h.audit.Record(ctx, audit.Entry{
			UserID:   user.ID,
			TenantID: user.TenantID,
			Action:   audit.ActionSuspiciousActivity,
			Metadata: map[string]interface{}{"reason": "mfa required but no factor enrolled"},
		})
	}

	h.history.RecordLogin(ctx, risk.LoginEvent{
		UserID: user.ID, TenantID: user.TenantID, Success: true,
		IP: ip, Country: country, DeviceID: d.ID,
	})

	h.issueSession(w, r, provider, user, d, ip, country, models.AuthLevelBasic, []string{string(provider.Protocol)}, returnURL)
}

func (h *SSOHandler) challengeMFA(w http.ResponseWriter, r *http.Request, provider *models.SSOProvider, user *models.User, d *models.Device, ip, country, returnURL string) {
	token, err := randomPendingToken()
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to create challenge", nil)
		return
	}

	pending := pendingLogin{
		UserID:     user.ID,
		TenantID:   user.TenantID,
		Role:       user.Role,
		ProviderID: provider.ID,
		DeviceID:   d.ID,
		IPAddress:  ip,
		Location:   country,
		ReturnURL:  returnURL,
		Methods:    []string{string(provider.Protocol)},
		TTLSeconds: provider.Settings.SessionTTLSeconds,
	}
	if err := store.PutJSON(r.Context(), h.store, pendingKeyPrefix+token, pending, pendingTTL); err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to create challenge", nil)
		return
	}

	writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
		"code":          errors.ErrCodeMfaRequired,
		"message":       "Multi-factor verification required",
		"pending_token": token,
		"expires_in":    int(pendingTTL.Seconds()),
	})
}

func (h *SSOHandler) issueSession(w http.ResponseWriter, r *http.Request, provider *models.SSOProvider, user *models.User, d *models.Device, ip, country string, level models.AuthLevel, methods []string, returnURL string) {
	ttl := time.Duration(0)
	if provider != nil && provider.Settings.SessionTTLSeconds > 0 {
		ttl = time.Duration(provider.Settings.SessionTTLSeconds) * time.Second
	}

	s, err := h.sessions.Create(r.Context(), session.CreateInput{
		UserID:      user.ID,
		TenantID:    user.TenantID,
		DeviceID:    d.ID,
		IPAddress:   ip,
		Location:    country,
		Level:       level,
		Methods:     methods,
		Permissions: rolePermissions(user.Role),
		TTL:         ttl,
	})
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Session creation failed", nil)
		return
	}

	token, err := h.tokens.GenerateAccessToken(user.ID, user.TenantID, user.Role, s.ID)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Token generation failed", nil)
		return
	}

	h.audit.Record(r.Context(), audit.Entry{
		UserID:   user.ID,
		TenantID: user.TenantID,
		Action:   audit.ActionLoginSuccess,
		Metadata: map[string]interface{}{"session_id": s.ID, "device_id": d.ID, "level": level},
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"session":      s,
		"user": map[string]interface{}{
			"id":        user.ID,
			"email":     user.Email,
			"full_name": user.FullName,
			"role":      user.Role,
		},
		"return_url": returnURL,
	})
}

func (h *SSOHandler) parseCallback(r *http.Request) (providers.CallbackInput, models.DeviceAttributes) {
	var req callbackRequest

	switch {
	case r.Method == http.MethodGet:
		q := r.URL.Query()
		req.State = q.Get("state")
		req.Code = q.Get("code")
		req.Error = q.Get("error")
	case r.Header.Get("Content-Type") == "application/x-www-form-urlencoded":
		r.ParseForm()
		req.State = r.PostForm.Get("RelayState")
		req.SAMLResponse = r.PostForm.Get("SAMLResponse")
		if req.State == "" {
			req.State = r.PostForm.Get("state")
		}
		if req.Code == "" {
			req.Code = r.PostForm.Get("code")
		}
	default:
		json.NewDecoder(r.Body).Decode(&req)
	}

	input := providers.CallbackInput{
		State:        req.State,
		Code:         req.Code,
		SAMLResponse: req.SAMLResponse,
		Error:        req.Error,
	}
	return input, deviceAttributes(req.Device, r)
}

func (h *SSOHandler) writeCallbackFailure(w http.ResponseWriter, r *http.Request, input providers.CallbackInput, err error) {
	code := errors.CodeOf(err)
	switch code {
	case errors.ErrCodeFlowAlreadyConsumed, errors.ErrCodeFlowExpired, errors.ErrCodeInvalidFlow:
		// Flow lifecycle errors are safe to surface: they carry no
		// information about accounts or credentials.
		errors.WriteError(w, http.StatusConflict, code, err.Error(), nil)
	default:
		log.Debug().Err(err).Str("code", code).Msg("callback rejected")
		errors.WriteAuthFailure(w)
	}
}

func deviceAttributes(d *models.DeviceAttributes, r *http.Request) models.DeviceAttributes {
	attrs := models.DeviceAttributes{}
	if d != nil {
		attrs = *d
	}
	if attrs.UserAgent == "" {
		attrs.UserAgent = r.UserAgent()
	}
	if attrs.Language == "" {
		attrs.Language = r.Header.Get("Accept-Language")
	}
	return attrs
}

func rolePermissions(role string) []string {
	switch role {
	case "admin", "owner":
		return []string{"*"}
	default:
		return []string{"read", "write"}
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeEngineError maps taxonomy codes to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errors.ErrCodeInvalidInput, errors.ErrCodeConfigInvalid, errors.ErrCodeUnsupportedProtocol:
		status = http.StatusBadRequest
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeUnknownProtocol:
		status = http.StatusBadRequest
	case errors.ErrCodeInvalidFlow, errors.ErrCodeFlowAlreadyConsumed, errors.ErrCodeFlowExpired, errors.ErrCodeConflict:
		status = http.StatusConflict
	case errors.ErrCodeUnauthorized, errors.ErrCodeMfaRequired, errors.ErrCodeMfaInvalidCode,
		errors.ErrCodeSessionExpired, errors.ErrCodeSessionRevoked:
		status = http.StatusUnauthorized
	case errors.ErrCodeForbidden, errors.ErrCodeInsufficientPermission, errors.ErrCodeRiskLockout:
		status = http.StatusForbidden
	case errors.ErrCodeUpstreamError, errors.ErrCodeProtocolError:
		status = http.StatusBadGateway
	case errors.ErrCodeRateLimitExceeded:
		status = http.StatusTooManyRequests
	}

	var details interface{}
	if appErr, ok := err.(*errors.Error); ok && len(appErr.Fields) > 0 {
		details = appErr.Fields
	}
	errors.WriteError(w, status, code, err.Error(), details)
}

func randomPendingToken() (string, error) {
	return crypto.RandomToken(32)
}

func paramFromContext(r *http.Request, name string) string {
	if ps, ok := r.Context().Value(apiContext.Params).(httprouter.Params); ok {
		return ps.ByName(name)
	}
	return ""
}

package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"

	apiContext "gatekeeper/internal/api/context"
	"gatekeeper/internal/api/handlers"
	"gatekeeper/internal/api/middleware"
	"gatekeeper/internal/pkg/errors"
	"gatekeeper/internal/platform/auth"
)

type Dependencies struct {
	SSOHandler      *handlers.SSOHandler
	MFAHandler      *handlers.MFAHandler
	SessionHandler  *handlers.SessionHandler
	DeviceHandler   *handlers.DeviceHandler
	ProviderHandler *handlers.ProviderHandler
	AuditHandler    *handlers.AuditHandler
	HealthHandler   *handlers.HealthHandler
	AuthMiddleware  *middleware.AuthMiddleware
	RateLimiter     *middleware.RateLimiter
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()

	authMid := deps.AuthMiddleware
	limit := deps.RateLimiter.Limit

	// Health
	router.GET("/health", wrap(deps.HealthHandler.Check))

	// Login flows. The callback is registered for both verbs: OAuth
	// providers redirect with GET, SAML posts the assertion form.
	router.POST("/api/v1/sso/initiate", chain(deps.SSOHandler.Initiate, limit("auth")))
	router.GET("/api/v1/sso/callback", chain(deps.SSOHandler.Callback, limit("auth")))
	router.POST("/api/v1/sso/callback", chain(deps.SSOHandler.Callback, limit("auth")))
	router.POST("/api/v1/auth/ldap/login", chain(deps.SSOHandler.LDAPLogin, limit("auth")))

	// MFA. Verify endpoints are reachable unauthenticated when carrying
	// a pending token from a risk-gated login.
	router.POST("/api/v1/mfa/totp/enroll",
		chain(deps.MFAHandler.Enroll, authMid.Handle, limit("api_write")))
	router.POST("/api/v1/mfa/totp/verify", chain(deps.MFAHandler.Verify, limit("auth")))
	router.POST("/api/v1/mfa/totp/backup/verify", chain(deps.MFAHandler.VerifyBackup, limit("auth")))
	router.GET("/api/v1/mfa/totp/qr",
		chain(deps.MFAHandler.QRCode, authMid.Handle, limit("api_read")))
	router.GET("/api/v1/mfa/methods",
		chain(deps.MFAHandler.List, authMid.Handle, limit("api_read")))
	router.DELETE("/api/v1/mfa/methods/:method_id",
		chain(deps.MFAHandler.Disable, authMid.Handle, limit("api_write")))

	// Devices
	router.GET("/api/v1/devices",
		chain(deps.DeviceHandler.List, authMid.Handle, limit("api_read")))
	router.POST("/api/v1/devices/:device_id/trust",
		chain(deps.DeviceHandler.Trust, authMid.Handle, limit("api_write")))
	router.DELETE("/api/v1/devices/:device_id",
		chain(deps.DeviceHandler.Revoke, authMid.Handle, limit("api_write")))

	// Sessions. Validate is called by resource servers holding only a
	// session id, so it authenticates with the service token like any
	// other API call.
	router.POST("/api/v1/session/validate",
		chain(deps.SessionHandler.Validate, authMid.Handle, limit("api_read")))
	router.POST("/api/v1/session/renew",
		chain(deps.SessionHandler.Renew, authMid.Handle, limit("api_write")))
	router.POST("/api/v1/session/elevate",
		chain(deps.SessionHandler.Elevate, authMid.Handle, limit("api_write")))
	router.POST("/api/v1/session/revoke",
		chain(deps.SessionHandler.Revoke, authMid.Handle, limit("api_write")))
	router.POST("/api/v1/session/revoke_all",
		chain(deps.SessionHandler.RevokeAll, authMid.Handle, limit("api_write")))
	router.GET("/api/v1/sessions",
		chain(deps.SessionHandler.List, authMid.Handle, limit("api_read")))

	// Provider administration
	router.GET("/api/v1/providers",
		chain(deps.ProviderHandler.List, authMid.Handle, requireRole("admin", "owner"), limit("api_read")))
	router.POST("/api/v1/providers",
		chain(deps.ProviderHandler.Register, authMid.Handle, requireRole("admin", "owner"), limit("api_write")))
	router.GET("/api/v1/providers/:provider_id",
		chain(deps.ProviderHandler.Get, authMid.Handle, requireRole("admin", "owner"), limit("api_read")))
	router.PATCH("/api/v1/providers/:provider_id/default",
		chain(deps.ProviderHandler.SetDefault, authMid.Handle, requireRole("admin", "owner"), limit("api_write")))
	router.DELETE("/api/v1/providers/:provider_id",
		chain(deps.ProviderHandler.Disable, authMid.Handle, requireRole("admin", "owner"), limit("api_write")))

	// Audit
	router.GET("/api/v1/audit",
		chain(deps.AuditHandler.Query, authMid.Handle, requireRole("admin", "owner"), limit("api_read")))

	return router
}

// Helper function to chain middlewares
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// Convert http.HandlerFunc to httprouter.Handle
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}

func requireRole(roles ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims := r.Context().Value(apiContext.Claims).(*auth.Claims)

			allowed := false
			for _, role := range roles {
				if claims.Role == role {
					allowed = true
					break
				}
			}

			if !allowed {
				errors.WriteError(w, http.StatusForbidden, errors.ErrCodeForbidden, "Insufficient permissions", nil)
				return
			}

			next(w, r)
		}
	}
}

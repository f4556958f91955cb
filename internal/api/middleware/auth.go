package middleware

import (
	"context"
	"net/http"
	"strings"

	apiContext "gatekeeper/internal/api/context"
	"gatekeeper/internal/engine/session"
	"gatekeeper/internal/pkg/errors"
	"gatekeeper/internal/platform/auth"
)

type AuthMiddleware struct {
	tokenSvc *auth.TokenService
	sessions *session.Manager
}

func NewAuthMiddleware(tokenSvc *auth.TokenService, sessions *session.Manager) *AuthMiddleware {
	return &AuthMiddleware{tokenSvc: tokenSvc, sessions: sessions}
}

// Handle validates the bearer token and the security session it is bound
// to. A revoked or expired session rejects the request even while the
// token itself is still within its signature lifetime.
func (m *AuthMiddleware) Handle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Missing authorization header", nil)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Invalid authorization header format", nil)
			return
		}

		claims, err := m.tokenSvc.ValidateToken(parts[1])
		if err != nil {
			errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Invalid or expired token", nil)
			return
		}

		if claims.SessionID != "" {
			v, err := m.sessions.Validate(r.Context(), claims.SessionID, "", false)
			if err != nil {
				errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Session lookup failed", nil)
				return
			}
			if !v.Valid {
				errors.WriteError(w, http.StatusUnauthorized, v.Reason, "Session is no longer valid", nil)
				return
			}
		}

		ctx := context.WithValue(r.Context(), apiContext.Claims, claims)
		next(w, r.WithContext(ctx))
	}
}

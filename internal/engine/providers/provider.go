package providers

import (
	"context"

	"gatekeeper/internal/platform/models"
)

// Redirect tells the caller where to send the browser. A nil Redirect
// from Initiate means the protocol has no redirect step.
type Redirect struct {
	URL    string `json:"url"`
	Method string `json:"method"` // GET or POST
}

// CallbackInput carries the raw provider response from the callback
// endpoint. Which fields are set depends on the protocol.
type CallbackInput struct {
	State        string // OAuth state / SAML RelayState
	Code         string // OAuth authorization code
	SAMLResponse string // base64 SAMLResponse form value
	Error        string // provider-reported error, e.g. access_denied
}

// Tokens is the result of an OAuth refresh exchange.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

// Adapter is the protocol capability set. Adapters translate transport
// and protocol failures into the error taxonomy; raw transport errors
// never cross this boundary.
type Adapter interface {
	Protocol() models.Protocol

	// Initiate builds the provider-specific authentication request and
	// fills protocol material (request ID) into the flow.
	Initiate(ctx context.Context, provider *models.SSOProvider, flow *models.AuthFlow) (*Redirect, error)

	// CompleteCallback validates the protocol artifact and returns the
	// normalized identity. The flow's correlation token has already been
	// matched by the state machine.
	CompleteCallback(ctx context.Context, provider *models.SSOProvider, flow *models.AuthFlow, input CallbackInput) (*models.ResolvedIdentity, error)

	// Refresh exchanges a refresh token; non-OAuth protocols report
	// NOT_SUPPORTED.
	Refresh(ctx context.Context, provider *models.SSOProvider, refreshToken string) (*Tokens, error)

	// Revoke is best-effort revocation at the identity provider.
	Revoke(ctx context.Context, provider *models.SSOProvider, token string) error
}

// Authenticator is implemented by synchronous bind-and-check protocols
// (LDAP/AD) that have no browser redirect step. On a failed credential
// check the resolved identity may still be non-nil so the caller can
// attribute the failure; a non-nil error always means the login must
// not proceed.
type Authenticator interface {
	Authenticate(ctx context.Context, provider *models.SSOProvider, username, password string) (*models.ResolvedIdentity, error)
}

// MapIdentity applies the provider's attribute mapping to raw protocol
// attributes, falling back to conventional names.
func MapIdentity(provider *models.SSOProvider, subject string, attrs map[string]string) *models.ResolvedIdentity {
	lookup := func(field string, fallbacks ...string) string {
		if mapped, ok := provider.AttributeMapping[field]; ok && mapped != "" {
			if v := attrs[mapped]; v != "" {
				return v
			}
		}
		for _, name := range fallbacks {
			if v := attrs[name]; v != "" {
				return v
			}
		}
		return ""
	}

	return &models.ResolvedIdentity{
		ProviderID: provider.ID,
		Protocol:   provider.Protocol,
		Subject:    subject,
		Email:      lookup("email", "email", "mail", "emailAddress", "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress"),
		Name:       lookup("name", "name", "displayName", "cn"),
		Attributes: attrs,
	}
}

package models

type Protocol string

const (
	ProtocolSAML2  Protocol = "saml2"
	ProtocolOAuth2 Protocol = "oauth2"
	ProtocolOIDC   Protocol = "oidc"
	ProtocolLDAP   Protocol = "ldap"
	ProtocolAD     Protocol = "ad"
)

func (p Protocol) Valid() bool {
	switch p {
	case ProtocolSAML2, ProtocolOAuth2, ProtocolOIDC, ProtocolLDAP, ProtocolAD:
		return true
	}
	return false
}

// SSOProvider is an administrator-configured identity source. Exactly one
// provider per tenant carries Default=true. Providers referenced by live
// sessions are soft-disabled (Active=false), never hard-deleted.
type SSOProvider struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Name     string   `json:"name"`
	Protocol Protocol `json:"protocol"`

	SAML  *SAMLProviderConfig  `json:"saml,omitempty"`
	OAuth *OAuthProviderConfig `json:"oauth,omitempty"`
	LDAP  *LDAPProviderConfig  `json:"ldap,omitempty"`

	// AttributeMapping maps normalized identity fields ("email", "name")
	// to provider attribute names.
	AttributeMapping map[string]string `json:"attribute_mapping,omitempty"`
	Settings         ProviderSettings  `json:"settings"`

	Active  bool `json:"active"`
	Default bool `json:"default"`

	LoginCount int64  `json:"login_count"`
	LastUsedAt *int64 `json:"last_used_at,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

type SAMLProviderConfig struct {
	EntityID     string `json:"entity_id"`
	SSOURL       string `json:"sso_url"`
	Certificate  string `json:"certificate"` // PEM or raw base64 DER
	NameIDFormat string `json:"name_id_format,omitempty"`
	MetadataURL  string `json:"metadata_url,omitempty"`
}

type OAuthProviderConfig struct {
	ClientID         string   `json:"client_id"`
	ClientSecret     string   `json:"client_secret"`
	AuthorizationURL string   `json:"authorization_url"`
	TokenURL         string   `json:"token_url"`
	UserInfoURL      string   `json:"userinfo_url,omitempty"`
	JWKSURL          string   `json:"jwks_url,omitempty"`
	RevocationURL    string   `json:"revocation_url,omitempty"`
	Issuer           string   `json:"issuer,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
	RedirectURL      string   `json:"redirect_url"`
}

type LDAPProviderConfig struct {
	ServerURL    string `json:"server_url"`
	BaseDN       string `json:"base_dn"`
	UserFilter   string `json:"user_filter"`
	BindDN       string `json:"bind_dn,omitempty"`
	BindPassword string `json:"bind_password,omitempty"`
	StartTLS     bool   `json:"start_tls,omitempty"`
}

type ProviderSettings struct {
	SessionTTLSeconds int64  `json:"session_ttl_seconds,omitempty"`
	AutoProvision     bool   `json:"auto_provision"`
	DefaultRole       string `json:"default_role,omitempty"`
	RequireMFA        bool   `json:"require_mfa"`
}

const (
	FlowStatusCreated          = "created"
	FlowStatusAwaitingCallback = "awaiting_callback"
	FlowStatusCompleted        = "completed"
	FlowStatusFailed           = "failed"
	FlowStatusExpired          = "expired"
)

// AuthFlow is one in-progress login attempt. Flows are consumed exactly
// once and live only for their short TTL.
type AuthFlow struct {
	ID         string   `json:"id"`
	ProviderID string   `json:"provider_id"`
	TenantID   string   `json:"tenant_id"`
	Protocol   Protocol `json:"protocol"`
	Status     string   `json:"status"`

	// State is the correlation token: OAuth state or SAML RelayState.
	State        string `json:"state"`
	Nonce        string `json:"nonce,omitempty"`
	PKCEVerifier string `json:"pkce_verifier,omitempty"`
	RequestID    string `json:"request_id,omitempty"` // SAML AuthnRequest ID

	ReturnURL string `json:"return_url"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// ResolvedIdentity is the normalized outcome of a protocol handshake.
type ResolvedIdentity struct {
	ProviderID string            `json:"provider_id"`
	Protocol   Protocol          `json:"protocol"`
	Subject    string            `json:"subject"`
	Email      string            `json:"email"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// User is the principal resolved or provisioned on flow completion.
type User struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	Email       string            `json:"email"`
	FullName    string            `json:"full_name"`
	Role        string            `json:"role"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	LastLoginAt *int64            `json:"last_login_at,omitempty"`
	CreatedAt   int64             `json:"created_at"`
	UpdatedAt   int64             `json:"updated_at"`
}

package providers

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog/log"

	"gatekeeper/internal/pkg/errors"
	"gatekeeper/internal/platform/models"
)

// LDAPAdapter authenticates against LDAP and Active Directory servers
// with a direct bind cycle: service bind, user search, rebind as the
// found entry. There is no redirect leg, so the browser-flow operations
// report UNSUPPORTED_PROTOCOL.
type LDAPAdapter struct {
	protocol models.Protocol
	timeout  time.Duration
}

func NewLDAPAdapter(protocol models.Protocol, timeout time.Duration) *LDAPAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LDAPAdapter{protocol: protocol, timeout: timeout}
}

func (a *LDAPAdapter) Protocol() models.Protocol { return a.protocol }

func (a *LDAPAdapter) Initiate(ctx context.Context, provider *models.SSOProvider, flow *models.AuthFlow) (*Redirect, error) {
	return nil, errors.New(errors.ErrCodeUnsupportedProtocol, "ldap providers authenticate with direct credentials, not a redirect flow")
}

func (a *LDAPAdapter) CompleteCallback(ctx context.Context, provider *models.SSOProvider, flow *models.AuthFlow, input CallbackInput) (*models.ResolvedIdentity, error) {
	return nil, errors.New(errors.ErrCodeUnsupportedProtocol, "ldap providers authenticate with direct credentials, not a redirect flow")
}

func (a *LDAPAdapter) Refresh(ctx context.Context, provider *models.SSOProvider, refreshToken string) (*Tokens, error) {
	return nil, errors.New(errors.ErrCodeNotSupported, "ldap sessions carry no upstream tokens")
}

func (a *LDAPAdapter) Revoke(ctx context.Context, provider *models.SSOProvider, token string) error {
	return nil
}

// Authenticate binds with the user's credentials and returns the mapped
// identity. Bad credentials and missing users both come back as a generic
// PROTOCOL_ERROR so callers cannot probe for account existence. When the
// search matched an entry but the password bind failed, the identity is
// returned with the error for failure attribution.
func (a *LDAPAdapter) Authenticate(ctx context.Context, provider *models.SSOProvider, username, password string) (*models.ResolvedIdentity, error) {
	cfg := provider.LDAP
	if password == "" {
		// An empty password triggers an unauthenticated bind on most
		// servers, which would succeed for any user.
		return nil, errors.New(errors.ErrCodeProtocolError, "authentication failed")
	}

	conn, err := ldap.DialURL(cfg.ServerURL, ldap.DialWithDialer(&net.Dialer{Timeout: a.timeout}))
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeUpstreamError, "directory server unreachable: %v", err)
	}
	defer conn.Close()
	conn.SetTimeout(a.timeout)

	if cfg.StartTLS {
		if err := conn.StartTLS(&tls.Config{ServerName: hostFromURL(cfg.ServerURL)}); err != nil {
			return nil, errors.Newf(errors.ErrCodeUpstreamError, "starttls failed: %v", err)
		}
	}

	if cfg.BindDN != "" {
		if err := conn.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
			return nil, errors.Newf(errors.ErrCodeUpstreamError, "service bind failed: %v", err)
		}
	}

	filter := strings.ReplaceAll(cfg.UserFilter, "{username}", ldap.EscapeFilter(username))
	req := ldap.NewSearchRequest(
		cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 2, int(a.timeout.Seconds()), false,
		filter,
		[]string{"dn", "mail", "cn", "displayName", "givenName", "sn", "memberOf", "sAMAccountName", "uid", "userPrincipalName"},
		nil,
	)

	result, err := conn.Search(req)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeUpstreamError, "directory search failed: %v", err)
	}
	if len(result.Entries) != 1 {
		log.Debug().Str("provider_id", provider.ID).Int("entries", len(result.Entries)).Msg("ldap search did not match exactly one entry")
		return nil, errors.New(errors.ErrCodeProtocolError, "authentication failed")
	}
	entry := result.Entries[0]

	if err := conn.Bind(entry.DN, password); err != nil {
		// The mapped identity is returned alongside the error so the
		// caller can attribute the failure to the matched account. The
		// error itself stays generic.
		return identityFromEntry(provider, entry), errors.New(errors.ErrCodeProtocolError, "authentication failed")
	}

	return identityFromEntry(provider, entry), nil
}

func identityFromEntry(provider *models.SSOProvider, entry *ldap.Entry) *models.ResolvedIdentity {
	attrs := make(map[string]string)
	for _, attr := range entry.Attributes {
		if len(attr.Values) > 0 {
			attrs[attr.Name] = attr.Values[0]
		}
	}
	if groups := entry.GetAttributeValues("memberOf"); len(groups) > 0 {
		attrs["memberOf"] = strings.Join(groups, ";")
	}
	attrs["dn"] = entry.DN

	return MapIdentity(provider, entry.DN, attrs)
}

func hostFromURL(serverURL string) string {
	rest := serverURL
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.LastIndexByte(rest, ':'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

package providers

import (
	"context"
	"testing"

	"gatekeeper/internal/pkg/errors"
	"gatekeeper/internal/platform/audit"
	"gatekeeper/internal/platform/models"
	"gatekeeper/internal/platform/store"
)

type stubAdapter struct{ protocol models.Protocol }

func (s stubAdapter) Protocol() models.Protocol { return s.protocol }
func (s stubAdapter) Initiate(ctx context.Context, p *models.SSOProvider, f *models.AuthFlow) (*Redirect, error) {
	return &Redirect{URL: "https://idp.example.com/sso", Method: "GET"}, nil
}
func (s stubAdapter) CompleteCallback(ctx context.Context, p *models.SSOProvider, f *models.AuthFlow, in CallbackInput) (*models.ResolvedIdentity, error) {
	return &models.ResolvedIdentity{Subject: "subject-1"}, nil
}
func (s stubAdapter) Refresh(ctx context.Context, p *models.SSOProvider, t string) (*Tokens, error) {
	return nil, errors.New(errors.ErrCodeNotSupported, "not supported")
}
func (s stubAdapter) Revoke(ctx context.Context, p *models.SSOProvider, t string) error { return nil }

func newTestRegistry() *Registry {
	r := NewRegistry(store.NewMemoryStore(), audit.Nop{})
	r.RegisterAdapter(stubAdapter{protocol: models.ProtocolSAML2})
	r.RegisterAdapter(stubAdapter{protocol: models.ProtocolOAuth2}, models.ProtocolOAuth2, models.ProtocolOIDC)
	r.RegisterAdapter(stubAdapter{protocol: models.ProtocolLDAP}, models.ProtocolLDAP, models.ProtocolAD)
	return r
}

func samlProvider(tenant string) *models.SSOProvider {
	return &models.SSOProvider{
		TenantID: tenant,
		Name:     "Corp IdP",
		Protocol: models.ProtocolSAML2,
		SAML: &models.SAMLProviderConfig{
			EntityID:    "https://idp.example.com/metadata",
			SSOURL:      "https://idp.example.com/sso",
			Certificate: "MIICert",
		},
	}
}

func TestValidateMissingFields(t *testing.T) {
	tests := []struct {
		name     string
		provider *models.SSOProvider
		missing  []string
	}{
		{
			name:     "unknown protocol",
			provider: &models.SSOProvider{TenantID: "tn_1", Protocol: "kerberos"},
			missing:  []string{"protocol"},
		},
		{
			name:     "saml without config block",
			provider: &models.SSOProvider{TenantID: "tn_1", Protocol: models.ProtocolSAML2},
			missing:  []string{"saml"},
		},
		{
			name: "saml missing certificate",
			provider: &models.SSOProvider{
				TenantID: "tn_1",
				Protocol: models.ProtocolSAML2,
				SAML:     &models.SAMLProviderConfig{EntityID: "e", SSOURL: "s"},
			},
			missing: []string{"saml.certificate"},
		},
		{
			name: "oidc missing endpoints",
			provider: &models.SSOProvider{
				TenantID: "tn_1",
				Protocol: models.ProtocolOIDC,
				OAuth:    &models.OAuthProviderConfig{ClientID: "cid", ClientSecret: "sec"},
			},
			missing: []string{"oauth.authorization_url", "oauth.token_url", "oauth.redirect_url"},
		},
		{
			name: "ldap missing base dn",
			provider: &models.SSOProvider{
				TenantID: "tn_1",
				Protocol: models.ProtocolLDAP,
				LDAP:     &models.LDAPProviderConfig{ServerURL: "ldap://dc1", UserFilter: "(uid={username})"},
			},
			missing: []string{"ldap.base_dn"},
		},
		{
			name:     "missing tenant",
			provider: samlProvider(""),
			missing:  []string{"tenant_id"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.provider)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			appErr, ok := err.(*errors.Error)
			if !ok || appErr.Code != errors.ErrCodeConfigInvalid {
				t.Fatalf("expected CONFIG_INVALID, got %v", err)
			}
			got := make(map[string]bool, len(appErr.Fields))
			for _, f := range appErr.Fields {
				got[f] = true
			}
			for _, want := range tt.missing {
				if !got[want] {
					t.Errorf("expected %q in missing fields, got %v", want, appErr.Fields)
				}
			}
		})
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := Validate(samlProvider("tn_1")); err != nil {
		t.Fatalf("expected valid provider, got %v", err)
	}
}

func TestRegisterPersistsNothingOnInvalidConfig(t *testing.T) {
	r := newTestRegistry()
	p := samlProvider("tn_1")
	p.SAML.Certificate = ""

	if _, err := r.Register(context.Background(), p); !errors.HasCode(err, errors.ErrCodeConfigInvalid) {
		t.Fatalf("expected CONFIG_INVALID, got %v", err)
	}
	list, err := r.List(context.Background(), "tn_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no persisted providers, got %d", len(list))
	}
}

func TestRegisterFirstProviderBecomesDefault(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	first, err := r.Register(ctx, samlProvider("tn_1"))
	if err != nil {
		t.Fatal(err)
	}
	if !first.Default {
		t.Error("first provider for a tenant should become the default")
	}

	second, err := r.Register(ctx, samlProvider("tn_1"))
	if err != nil {
		t.Fatal(err)
	}
	if second.Default {
		t.Error("second provider should not displace the default")
	}
}

func TestSetDefaultMovesExactlyOneFlag(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	first, _ := r.Register(ctx, samlProvider("tn_1"))
	second, _ := r.Register(ctx, samlProvider("tn_1"))

	if err := r.SetDefault(ctx, "tn_1", second.ID); err != nil {
		t.Fatal(err)
	}

	defaults := 0
	list, _ := r.List(ctx, "tn_1")
	for _, p := range list {
		if p.Default {
			defaults++
			if p.ID != second.ID {
				t.Errorf("default moved to %s, want %s", p.ID, second.ID)
			}
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default, got %d", defaults)
	}

	got, _ := r.Get(ctx, first.ID)
	if got.Default {
		t.Error("previous default flag was not cleared")
	}
}

func TestSetDefaultRejectsCrossTenant(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	p, _ := r.Register(ctx, samlProvider("tn_1"))
	if err := r.SetDefault(ctx, "tn_2", p.ID); !errors.HasCode(err, errors.ErrCodeForbidden) {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}

func TestResolveUnknownProtocol(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore(), audit.Nop{})
	if _, err := r.Resolve(models.ProtocolSAML2); !errors.HasCode(err, errors.ErrCodeUnknownProtocol) {
		t.Fatalf("expected UNKNOWN_PROTOCOL, got %v", err)
	}
}

func TestDisableKeepsRecord(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	p, _ := r.Register(ctx, samlProvider("tn_1"))
	if err := r.Disable(ctx, p.ID); err != nil {
		t.Fatal(err)
	}

	got, err := r.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Active {
		t.Error("disabled provider still active")
	}
}

func TestListFiltersByTenant(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	r.Register(ctx, samlProvider("tn_1"))
	r.Register(ctx, samlProvider("tn_2"))

	list, err := r.List(ctx, "tn_2")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].TenantID != "tn_2" {
		t.Fatalf("expected only tn_2 providers, got %+v", list)
	}
}

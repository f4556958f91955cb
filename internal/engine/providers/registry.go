package providers

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"gatekeeper/internal/pkg/errors"
	"gatekeeper/internal/platform/audit"
	"gatekeeper/internal/platform/models"
	"gatekeeper/internal/platform/store"
)

const (
	providerKeyPrefix = "provider:"
	defaultKeyPrefix  = "provider_default:"
)

func providerKey(id string) string      { return providerKeyPrefix + id }
func defaultKey(tenantID string) string { return defaultKeyPrefix + tenantID }

// Registry stores per-tenant provider configurations and selects the
// adapter for a protocol.
type Registry struct {
	store    store.Store
	audit    audit.Recorder
	adapters map[models.Protocol]Adapter

	// defaultMu serializes default-provider swaps so readers never
	// observe zero or two defaults for a tenant.
	defaultMu sync.Mutex
}

func NewRegistry(s store.Store, sink audit.Recorder) *Registry {
	return &Registry{
		store:    s,
		audit:    sink,
		adapters: make(map[models.Protocol]Adapter),
	}
}

// RegisterAdapter binds an adapter to every protocol it serves.
func (r *Registry) RegisterAdapter(a Adapter, protocols ...models.Protocol) {
	if len(protocols) == 0 {
		protocols = []models.Protocol{a.Protocol()}
	}
	for _, p := range protocols {
		r.adapters[p] = a
	}
}

// Resolve returns the adapter registered for protocol.
func (r *Registry) Resolve(protocol models.Protocol) (Adapter, error) {
	a, ok := r.adapters[protocol]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeUnknownProtocol, "no adapter registered for protocol %q", protocol)
	}
	return a, nil
}

// Register validates and persists a provider configuration. Validation
// failures return CONFIG_INVALID with the offending fields and nothing is
// persisted. The first provider registered for a tenant becomes the
// tenant default.
func (r *Registry) Register(ctx context.Context, p *models.SSOProvider) (*models.SSOProvider, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	if _, err := r.Resolve(p.Protocol); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	if p.ID == "" {
		p.ID = "prv_" + uuid.NewString()
	}
	p.Active = true
	p.CreatedAt = now
	p.UpdatedAt = now

	r.defaultMu.Lock()
	defer r.defaultMu.Unlock()

	var currentDefault string
	ok, err := store.GetJSON(ctx, r.store, defaultKey(p.TenantID), &currentDefault)
	if err != nil {
		return nil, err
	}
	p.Default = !ok

	if err := store.PutJSON(ctx, r.store, providerKey(p.ID), p, 0); err != nil {
		return nil, err
	}
	if p.Default {
		if err := store.PutJSON(ctx, r.store, defaultKey(p.TenantID), p.ID, 0); err != nil {
			return nil, err
		}
	}

	r.audit.Record(ctx, audit.Entry{
		TenantID: p.TenantID,
		Action:   audit.ActionProviderRegistered,
		Metadata: map[string]interface{}{"provider_id": p.ID, "protocol": p.Protocol, "name": p.Name},
	})
	return p, nil
}

// Get loads a provider by id.
func (r *Registry) Get(ctx context.Context, id string) (*models.SSOProvider, error) {
	var p models.SSOProvider
	ok, err := store.GetJSON(ctx, r.store, providerKey(id), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Newf(errors.ErrCodeNotFound, "provider %s not found", id)
	}
	return &p, nil
}

// List returns all providers for a tenant.
func (r *Registry) List(ctx context.Context, tenantID string) ([]*models.SSOProvider, error) {
	items, err := r.store.List(ctx, providerKeyPrefix)
	if err != nil {
		return nil, err
	}
	var out []*models.SSOProvider
	for _, raw := range items {
		var p models.SSOProvider
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		if tenantID == "" || p.TenantID == tenantID {
			out = append(out, &p)
		}
	}
	return out, nil
}

// SetDefault atomically moves the tenant default to providerID. No caller
// ever observes a tenant with zero or two defaults.
func (r *Registry) SetDefault(ctx context.Context, tenantID, providerID string) error {
	r.defaultMu.Lock()
	defer r.defaultMu.Unlock()

	next, err := r.Get(ctx, providerID)
	if err != nil {
		return err
	}
	if next.TenantID != tenantID {
		return errors.New(errors.ErrCodeForbidden, "provider belongs to another tenant")
	}

	var currentID string
	ok, err := store.GetJSON(ctx, r.store, defaultKey(tenantID), &currentID)
	if err != nil {
		return err
	}
	if ok && currentID != providerID {
		if prev, err := r.Get(ctx, currentID); err == nil {
			prev.Default = false
			prev.UpdatedAt = time.Now().Unix()
			if err := store.PutJSON(ctx, r.store, providerKey(prev.ID), prev, 0); err != nil {
				return err
			}
		}
	}

	next.Default = true
	next.UpdatedAt = time.Now().Unix()
	if err := store.PutJSON(ctx, r.store, providerKey(next.ID), next, 0); err != nil {
		return err
	}
	if err := store.PutJSON(ctx, r.store, defaultKey(tenantID), providerID, 0); err != nil {
		return err
	}

	r.audit.Record(ctx, audit.Entry{
		TenantID: tenantID,
		Action:   audit.ActionProviderUpdated,
		Metadata: map[string]interface{}{"provider_id": providerID, "default": true},
	})
	return nil
}

// Disable soft-disables a provider. The record stays while sessions
// reference it.
func (r *Registry) Disable(ctx context.Context, id string) error {
	p, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	p.Active = false
	p.UpdatedAt = time.Now().Unix()
	if err := store.PutJSON(ctx, r.store, providerKey(id), p, 0); err != nil {
		return err
	}

	r.audit.Record(ctx, audit.Entry{
		TenantID: p.TenantID,
		Action:   audit.ActionProviderDisabled,
		Metadata: map[string]interface{}{"provider_id": id},
	})
	return nil
}

// Touch bumps the provider usage counters after a successful login.
func (r *Registry) Touch(ctx context.Context, id string) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return
	}
	now := time.Now().Unix()
	p.LoginCount++
	p.LastUsedAt = &now
	store.PutJSON(ctx, r.store, providerKey(id), p, 0)
}

// Validate checks the protocol-specific required fields. Returns
// CONFIG_INVALID listing every missing field.
func Validate(p *models.SSOProvider) error {
	var missing []string

	if p.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if !p.Protocol.Valid() {
		missing = append(missing, "protocol")
	}

	switch p.Protocol {
	case models.ProtocolSAML2:
		if p.SAML == nil {
			missing = append(missing, "saml")
			break
		}
		if p.SAML.EntityID == "" {
			missing = append(missing, "saml.entity_id")
		}
		if p.SAML.SSOURL == "" {
			missing = append(missing, "saml.sso_url")
		}
		if p.SAML.Certificate == "" {
			missing = append(missing, "saml.certificate")
		}
	case models.ProtocolOAuth2, models.ProtocolOIDC:
		if p.OAuth == nil {
			missing = append(missing, "oauth")
			break
		}
		if p.OAuth.ClientID == "" {
			missing = append(missing, "oauth.client_id")
		}
		if p.OAuth.ClientSecret == "" {
			missing = append(missing, "oauth.client_secret")
		}
		if p.OAuth.AuthorizationURL == "" {
			missing = append(missing, "oauth.authorization_url")
		}
		if p.OAuth.TokenURL == "" {
			missing = append(missing, "oauth.token_url")
		}
		if p.OAuth.RedirectURL == "" {
			missing = append(missing, "oauth.redirect_url")
		}
	case models.ProtocolLDAP, models.ProtocolAD:
		if p.LDAP == nil {
			missing = append(missing, "ldap")
			break
		}
		if p.LDAP.ServerURL == "" {
			missing = append(missing, "ldap.server_url")
		}
		if p.LDAP.BaseDN == "" {
			missing = append(missing, "ldap.base_dn")
		}
		if p.LDAP.UserFilter == "" {
			missing = append(missing, "ldap.user_filter")
		}
	}

	if len(missing) > 0 {
		return &errors.Error{
			Code:    errors.ErrCodeConfigInvalid,
			Message: "provider configuration is missing required fields",
			Fields:  missing,
		}
	}
	return nil
}

package handlers

import (
	"encoding/json"
	"net/http"

	apiContext "gatekeeper/internal/api/context"
	"gatekeeper/internal/engine/providers"
	"gatekeeper/internal/pkg/errors"
	"gatekeeper/internal/platform/auth"
	"gatekeeper/internal/platform/models"
)

// ProviderHandler is the admin surface for identity provider
// configurations.
type ProviderHandler struct {
	registry *providers.Registry
}

func NewProviderHandler(registry *providers.Registry) *ProviderHandler {
	return &ProviderHandler{registry: registry}
}

type registerProviderRequest struct {
	Name             string                      `json:"name"`
	Protocol         models.Protocol             `json:"protocol"`
	SAML             *models.SAMLProviderConfig  `json:"saml,omitempty"`
	OAuth            *models.OAuthProviderConfig `json:"oauth,omitempty"`
	LDAP             *models.LDAPProviderConfig  `json:"ldap,omitempty"`
	AttributeMapping map[string]string           `json:"attribute_mapping,omitempty"`
	Settings         models.ProviderSettings     `json:"settings"`

	// SAMLMetadataXML, when set, fills the SAML block from the IdP's
	// metadata document instead of individual fields.
	SAMLMetadataXML string `json:"saml_metadata_xml,omitempty"`
}

// Register creates a provider for the admin's tenant. A SAML provider may
// be registered from a raw metadata blob.
func (h *ProviderHandler) Register(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(apiContext.Claims).(*auth.Claims)

	var req registerProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if req.SAMLMetadataXML != "" && req.SAML == nil {
		saml, err := providers.ParseIDPMetadata([]byte(req.SAMLMetadataXML))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		req.SAML = saml
	}

	p := &models.SSOProvider{
		TenantID:         claims.TenantID,
		Name:             req.Name,
		Protocol:         req.Protocol,
		SAML:             req.SAML,
		OAuth:            req.OAuth,
		LDAP:             req.LDAP,
		AttributeMapping: req.AttributeMapping,
		Settings:         req.Settings,
	}

	registered, err := h.registry.Register(r.Context(), p)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

// List returns the tenant's providers.
func (h *ProviderHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(apiContext.Claims).(*auth.Claims)

	list, err := h.registry.List(r.Context(), claims.TenantID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": list})
}

// Get returns one provider, tenant-scoped.
func (h *ProviderHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(apiContext.Claims).(*auth.Claims)
	providerID := paramFromContext(r, "provider_id")

	p, err := h.registry.Get(r.Context(), providerID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if p.TenantID != claims.TenantID {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Provider not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SetDefault moves the tenant default to the given provider.
func (h *ProviderHandler) SetDefault(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(apiContext.Claims).(*auth.Claims)
	providerID := paramFromContext(r, "provider_id")

	if err := h.registry.SetDefault(r.Context(), claims.TenantID, providerID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"default": providerID})
}

// Disable soft-disables a provider. Existing sessions stay valid; new
// flows against it are rejected.
func (h *ProviderHandler) Disable(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(apiContext.Claims).(*auth.Claims)
	providerID := paramFromContext(r, "provider_id")

	p, err := h.registry.Get(r.Context(), providerID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if p.TenantID != claims.TenantID {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Provider not found", nil)
		return
	}

	if err := h.registry.Disable(r.Context(), providerID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"disabled": true})
}

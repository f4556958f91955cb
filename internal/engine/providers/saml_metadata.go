package providers

import (
	"strings"

	"github.com/beevik/etree"

	"gatekeeper/internal/pkg/errors"
	"gatekeeper/internal/platform/models"
)

const redirectBinding = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"

// ParseIDPMetadata extracts a SAML provider config from an IdP metadata
// document, so administrators can register a provider from the metadata
// blob instead of typing individual fields.
func ParseIDPMetadata(metadataXML []byte) (*models.SAMLProviderConfig, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(metadataXML); err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "metadata is not well-formed XML")
	}

	root := doc.Root()
	if root == nil || root.Tag != "EntityDescriptor" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "metadata root must be EntityDescriptor")
	}

	cfg := &models.SAMLProviderConfig{
		EntityID: root.SelectAttrValue("entityID", ""),
	}

	idp := root.FindElement("./IDPSSODescriptor")
	if idp == nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "metadata has no IDPSSODescriptor")
	}

	for _, sso := range idp.FindElements("./SingleSignOnService") {
		binding := sso.SelectAttrValue("Binding", "")
		location := sso.SelectAttrValue("Location", "")
		if location == "" {
			continue
		}
		if binding == redirectBinding || cfg.SSOURL == "" {
			cfg.SSOURL = location
		}
	}

	for _, kd := range idp.FindElements("./KeyDescriptor") {
		use := kd.SelectAttrValue("use", "")
		if use != "" && use != "signing" {
			continue
		}
		if cert := kd.FindElement(".//X509Certificate"); cert != nil {
			cfg.Certificate = strings.Join(strings.Fields(cert.Text()), "")
			break
		}
	}

	var missing []string
	if cfg.EntityID == "" {
		missing = append(missing, "entityID")
	}
	if cfg.SSOURL == "" {
		missing = append(missing, "SingleSignOnService")
	}
	if cfg.Certificate == "" {
		missing = append(missing, "X509Certificate")
	}
	if len(missing) > 0 {
		return nil, &errors.Error{
			Code:    errors.ErrCodeConfigInvalid,
			Message: "metadata is missing required elements",
			Fields:  missing,
		}
	}

	return cfg, nil
}

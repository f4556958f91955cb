package providers

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/url"
	"strings"

	"github.com/crewjam/saml"
	"github.com/rs/zerolog/log"

	"gatekeeper/internal/pkg/errors"
	"gatekeeper/internal/platform/config"
	"gatekeeper/internal/platform/models"
)

// SAMLAdapter drives the SP side of the SAML2 Web Browser SSO profile.
// Assertion signature validation is delegated to crewjam/saml.
type SAMLAdapter struct {
	spEntityID string
	acsURL     string
}

func NewSAMLAdapter(cfg config.SAMLConfig) *SAMLAdapter {
	return &SAMLAdapter{
		spEntityID: cfg.SPEntityID,
		acsURL:     cfg.SPACSURL,
	}
}

func (a *SAMLAdapter) Protocol() models.Protocol { return models.ProtocolSAML2 }

func (a *SAMLAdapter) Initiate(ctx context.Context, provider *models.SSOProvider, flow *models.AuthFlow) (*Redirect, error) {
	sp, err := a.serviceProvider(provider)
	if err != nil {
		return nil, err
	}

	req, err := sp.MakeAuthenticationRequest(provider.SAML.SSOURL, saml.HTTPRedirectBinding, saml.HTTPPostBinding)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeProtocolError, "failed to build AuthnRequest: %v", err)
	}

	// The request ID is matched against InResponseTo on the callback.
	flow.RequestID = req.ID

	redirectURL, err := req.Redirect(flow.State, sp)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeProtocolError, "failed to encode redirect: %v", err)
	}

	return &Redirect{URL: redirectURL.String(), Method: "GET"}, nil
}

func (a *SAMLAdapter) CompleteCallback(ctx context.Context, provider *models.SSOProvider, flow *models.AuthFlow, input CallbackInput) (*models.ResolvedIdentity, error) {
	if input.SAMLResponse == "" {
		return nil, errors.New(errors.ErrCodeProtocolError, "missing SAMLResponse")
	}

	sp, err := a.serviceProvider(provider)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(input.SAMLResponse)
	if err != nil {
		return nil, errors.New(errors.ErrCodeProtocolError, "SAMLResponse is not valid base64")
	}

	// The ACS URL doubles as the current URL for Destination validation.
	assertion, err := sp.ParseXMLResponse(raw, []string{flow.RequestID}, sp.AcsURL)
	if err != nil {
		// Signature or assertion validation failure is fatal, not retryable.
		return nil, errors.Newf(errors.ErrCodeProtocolError, "assertion validation failed: %v", err)
	}

	subject := ""
	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		subject = assertion.Subject.NameID.Value
	}

	attrs := make(map[string]string)
	for _, stmt := range assertion.AttributeStatements {
		for _, attr := range stmt.Attributes {
			if len(attr.Values) == 0 {
				continue
			}
			if attr.FriendlyName != "" {
				attrs[attr.FriendlyName] = attr.Values[0].Value
			}
			if attr.Name != "" {
				attrs[attr.Name] = attr.Values[0].Value
			}
		}
	}

	identity := MapIdentity(provider, subject, attrs)
	if identity.Email == "" && strings.Contains(subject, "@") {
		// emailAddress NameID format
		identity.Email = subject
	}
	return identity, nil
}

func (a *SAMLAdapter) Refresh(ctx context.Context, provider *models.SSOProvider, refreshToken string) (*Tokens, error) {
	return nil, errors.New(errors.ErrCodeNotSupported, "saml2 does not support token refresh")
}

func (a *SAMLAdapter) Revoke(ctx context.Context, provider *models.SSOProvider, token string) error {
	// SAML single logout is not wired; local logout is authoritative.
	log.Debug().Str("provider_id", provider.ID).Msg("saml revoke is a no-op")
	return nil
}

func (a *SAMLAdapter) serviceProvider(provider *models.SSOProvider) (*saml.ServiceProvider, error) {
	if provider.SAML == nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "provider has no saml config")
	}

	certDER, err := decodeCertificate(provider.SAML.Certificate)
	if err != nil {
		return nil, err
	}

	acs, err := url.Parse(a.acsURL)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "invalid SP ACS URL")
	}

	idpMetadata := &saml.EntityDescriptor{
		EntityID: provider.SAML.EntityID,
		IDPSSODescriptors: []saml.IDPSSODescriptor{
			{
				SSODescriptor: saml.SSODescriptor{
					RoleDescriptor: saml.RoleDescriptor{
						KeyDescriptors: []saml.KeyDescriptor{
							{
								Use: "signing",
								KeyInfo: saml.KeyInfo{
									X509Data: saml.X509Data{
										X509Certificates: []saml.X509Certificate{
											{Data: base64.StdEncoding.EncodeToString(certDER)},
										},
									},
								},
							},
						},
					},
				},
				SingleSignOnServices: []saml.Endpoint{
					{Binding: saml.HTTPRedirectBinding, Location: provider.SAML.SSOURL},
					{Binding: saml.HTTPPostBinding, Location: provider.SAML.SSOURL},
				},
			},
		},
	}

	return &saml.ServiceProvider{
		EntityID:    a.spEntityID,
		AcsURL:      *acs,
		IDPMetadata: idpMetadata,
	}, nil
}

// decodeCertificate accepts a PEM block or raw base64 DER and returns DER
// bytes, verifying they parse as an X.509 certificate.
func decodeCertificate(cert string) ([]byte, error) {
	cert = strings.TrimSpace(cert)

	var der []byte
	if strings.Contains(cert, "-----BEGIN") {
		block, _ := pem.Decode([]byte(cert))
		if block == nil {
			return nil, errors.New(errors.ErrCodeConfigInvalid, "certificate is not valid PEM")
		}
		der = block.Bytes
	} else {
		raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(cert), ""))
		if err != nil {
			return nil, errors.New(errors.ErrCodeConfigInvalid, "certificate is not valid base64")
		}
		der = raw
	}

	if _, err := x509.ParseCertificate(der); err != nil {
		return nil, errors.Newf(errors.ErrCodeConfigInvalid, "certificate does not parse: %v", err)
	}
	return der, nil
}

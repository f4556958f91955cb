package providers

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"gatekeeper/internal/pkg/errors"
	"gatekeeper/internal/platform/models"
)

func oauthProvider(tokenURL, userInfoURL string) *models.SSOProvider {
	return &models.SSOProvider{
		ID:       "prv_test",
		TenantID: "tn_1",
		Protocol: models.ProtocolOAuth2,
		OAuth: &models.OAuthProviderConfig{
			ClientID:         "client-1",
			ClientSecret:     "secret-1",
			AuthorizationURL: "https://idp.example.com/authorize",
			TokenURL:         tokenURL,
			UserInfoURL:      userInfoURL,
			RedirectURL:      "https://app.example.com/callback",
			Scopes:           []string{"openid", "email"},
		},
	}
}

// unsignedIDToken builds a syntactically valid JWT. Signature validation
// is skipped when the provider has no JWKS endpoint configured.
func unsignedIDToken(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	header, _ := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT"})
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	return base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("sig"))
}

func TestInitiateBuildsAuthorizationURL(t *testing.T) {
	a := NewOAuthAdapter(models.ProtocolOIDC, time.Second)
	provider := oauthProvider("https://idp.example.com/token", "")
	flow := &models.AuthFlow{
		State:        "state-token",
		Nonce:        "nonce-value",
		PKCEVerifier: "verifier-string-that-is-long-enough",
	}

	redirect, err := a.Initiate(context.Background(), provider, flow)
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(redirect.URL)
	if err != nil {
		t.Fatal(err)
	}

	q := u.Query()
	checks := map[string]string{
		"response_type":         "code",
		"client_id":             "client-1",
		"redirect_uri":          "https://app.example.com/callback",
		"scope":                 "openid email",
		"state":                 "state-token",
		"nonce":                 "nonce-value",
		"code_challenge_method": "S256",
	}
	for param, want := range checks {
		if got := q.Get(param); got != want {
			t.Errorf("param %s = %q, want %q", param, got, want)
		}
	}
	if q.Get("code_challenge") == "" {
		t.Error("missing code_challenge")
	}
	if q.Get("code_challenge") == flow.PKCEVerifier {
		t.Error("code_challenge must not equal the raw verifier")
	}
}

func TestCompleteCallbackOIDC(t *testing.T) {
	now := time.Now()
	var gotForm url.Values

	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = r.PostForm
		idToken := unsignedIDToken(t, map[string]interface{}{
			"iss":   "https://idp.example.com",
			"sub":   "subject-42",
			"aud":   "client-1",
			"nonce": "nonce-value",
			"exp":   now.Add(time.Hour).Unix(),
			"email": "jdoe@example.com",
			"name":  "Jane Doe",
		})
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "at-1",
			"id_token":     idToken,
			"expires_in":   3600,
		})
	}))
	defer idp.Close()

	a := NewOAuthAdapter(models.ProtocolOIDC, time.Second)
	provider := oauthProvider(idp.URL, "")
	provider.OAuth.Issuer = "https://idp.example.com"
	flow := &models.AuthFlow{State: "state-token", Nonce: "nonce-value", PKCEVerifier: "verifier"}

	identity, err := a.CompleteCallback(context.Background(), provider, flow, CallbackInput{Code: "code-1"})
	if err != nil {
		t.Fatal(err)
	}

	if gotForm.Get("grant_type") != "authorization_code" {
		t.Errorf("grant_type = %q", gotForm.Get("grant_type"))
	}
	if gotForm.Get("code") != "code-1" {
		t.Errorf("code = %q", gotForm.Get("code"))
	}
	if gotForm.Get("code_verifier") != "verifier" {
		t.Errorf("code_verifier = %q", gotForm.Get("code_verifier"))
	}

	if identity.Subject != "subject-42" {
		t.Errorf("subject = %q", identity.Subject)
	}
	if identity.Email != "jdoe@example.com" {
		t.Errorf("email = %q", identity.Email)
	}
	if identity.Name != "Jane Doe" {
		t.Errorf("name = %q", identity.Name)
	}
}

func TestCompleteCallbackValidatesSignatureAgainstJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	signed := func(claims jwtv5.MapClaims, kid string) string {
		tok := jwtv5.NewWithClaims(jwtv5.SigningMethodRS256, claims)
		tok.Header["kid"] = kid
		s, err := tok.SignedString(key)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "key-1",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString([]byte{1, 0, 1}),
			}},
		})
	})
	var issueKid string
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		idToken := signed(jwtv5.MapClaims{
			"sub": "subject-7",
			"aud": "client-1",
			"exp": time.Now().Add(time.Hour).Unix(),
		}, issueKid)
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "at-1", "id_token": idToken})
	})
	idp := httptest.NewServer(mux)
	defer idp.Close()

	a := NewOAuthAdapter(models.ProtocolOIDC, time.Second)
	provider := oauthProvider(idp.URL+"/token", "")
	provider.OAuth.JWKSURL = idp.URL + "/jwks"

	issueKid = "key-1"
	identity, err := a.CompleteCallback(context.Background(), provider, &models.AuthFlow{}, CallbackInput{Code: "c"})
	if err != nil {
		t.Fatal(err)
	}
	if identity.Subject != "subject-7" {
		t.Errorf("subject = %q", identity.Subject)
	}

	// A token signed under a kid absent from the JWKS must be rejected.
	issueKid = "key-unknown"
	_, err = a.CompleteCallback(context.Background(), provider, &models.AuthFlow{}, CallbackInput{Code: "c"})
	if !errors.HasCode(err, errors.ErrCodeProtocolError) {
		t.Fatalf("expected PROTOCOL_ERROR for unknown kid, got %v", err)
	}
}

func TestCompleteCallbackRejectsNonceMismatch(t *testing.T) {
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idToken := unsignedIDToken(t, map[string]interface{}{
			"sub":   "subject-42",
			"aud":   "client-1",
			"nonce": "someone-elses-nonce",
			"exp":   time.Now().Add(time.Hour).Unix(),
		})
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "at-1", "id_token": idToken})
	}))
	defer idp.Close()

	a := NewOAuthAdapter(models.ProtocolOIDC, time.Second)
	flow := &models.AuthFlow{State: "state-token", Nonce: "nonce-value"}

	_, err := a.CompleteCallback(context.Background(), oauthProvider(idp.URL, ""), flow, CallbackInput{Code: "code-1"})
	if !errors.HasCode(err, errors.ErrCodeProtocolError) {
		t.Fatalf("expected PROTOCOL_ERROR, got %v", err)
	}
}

func TestCompleteCallbackRejectsAudienceMismatch(t *testing.T) {
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idToken := unsignedIDToken(t, map[string]interface{}{
			"sub": "subject-42",
			"aud": "other-client",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "at-1", "id_token": idToken})
	}))
	defer idp.Close()

	a := NewOAuthAdapter(models.ProtocolOIDC, time.Second)
	_, err := a.CompleteCallback(context.Background(), oauthProvider(idp.URL, ""), &models.AuthFlow{}, CallbackInput{Code: "code-1"})
	if !errors.HasCode(err, errors.ErrCodeProtocolError) {
		t.Fatalf("expected PROTOCOL_ERROR, got %v", err)
	}
}

func TestCompleteCallbackUserInfoFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "at-xyz"})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer at-xyz" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    float64(9912),
			"email": "dev@example.com",
			"name":  "Dev User",
		})
	})
	idp := httptest.NewServer(mux)
	defer idp.Close()

	a := NewOAuthAdapter(models.ProtocolOAuth2, time.Second)
	provider := oauthProvider(idp.URL+"/token", idp.URL+"/userinfo")

	identity, err := a.CompleteCallback(context.Background(), provider, &models.AuthFlow{}, CallbackInput{Code: "c"})
	if err != nil {
		t.Fatal(err)
	}
	if identity.Subject != "9912" {
		t.Errorf("subject = %q, want numeric id rendered as string", identity.Subject)
	}
	if identity.Email != "dev@example.com" {
		t.Errorf("email = %q", identity.Email)
	}
}

func TestCompleteCallbackUpstreamDenied(t *testing.T) {
	a := NewOAuthAdapter(models.ProtocolOAuth2, time.Second)
	_, err := a.CompleteCallback(context.Background(), oauthProvider("https://idp.example.com/token", ""), &models.AuthFlow{}, CallbackInput{Error: "access_denied"})
	if !errors.HasCode(err, errors.ErrCodeUpstreamError) {
		t.Fatalf("expected UPSTREAM_ERROR, got %v", err)
	}
}

func TestCompleteCallbackTokenEndpointFailure(t *testing.T) {
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"code expired"}`)
	}))
	defer idp.Close()

	a := NewOAuthAdapter(models.ProtocolOAuth2, time.Second)
	_, err := a.CompleteCallback(context.Background(), oauthProvider(idp.URL, ""), &models.AuthFlow{}, CallbackInput{Code: "stale"})
	if !errors.HasCode(err, errors.ErrCodeUpstreamError) {
		t.Fatalf("expected UPSTREAM_ERROR, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid_grant") {
		t.Errorf("error should carry the upstream reason: %v", err)
	}
}

func TestRefreshSendsRefreshGrant(t *testing.T) {
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "rt-old" {
			t.Errorf("refresh_token = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at-new",
			"refresh_token": "rt-new",
			"expires_in":    1800,
		})
	}))
	defer idp.Close()

	a := NewOAuthAdapter(models.ProtocolOAuth2, time.Second)
	tokens, err := a.Refresh(context.Background(), oauthProvider(idp.URL, ""), "rt-old")
	if err != nil {
		t.Fatal(err)
	}
	if tokens.AccessToken != "at-new" || tokens.RefreshToken != "rt-new" {
		t.Errorf("unexpected tokens: %+v", tokens)
	}
	if tokens.ExpiresAt <= time.Now().Unix() {
		t.Error("expected a future expiry")
	}
}

func TestRevokeSwallowsUpstreamFailure(t *testing.T) {
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer idp.Close()

	a := NewOAuthAdapter(models.ProtocolOAuth2, time.Second)
	provider := oauthProvider(idp.URL, "")
	provider.OAuth.RevocationURL = idp.URL

	if err := a.Revoke(context.Background(), provider, "at-1"); err != nil {
		t.Fatalf("revocation must be best-effort, got %v", err)
	}
}

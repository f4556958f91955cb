package crypto

import (
	"crypto/sha256"
	"encoding/base64"
)

// PKCEChallenge derives the S256 code challenge from a verifier
// (RFC 7636).
func PKCEChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

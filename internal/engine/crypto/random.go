package crypto

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
)

const totpSecretBytes = 20 // 160 bits per RFC 4226 recommendation

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewTOTPSecret returns a fresh shared secret as raw bytes plus the
// base32 form used in provisioning URIs.
func NewTOTPSecret() ([]byte, string, error) {
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	return raw, b32.EncodeToString(raw), nil
}

// DecodeTOTPSecret reverses the base32 encoding of NewTOTPSecret.
func DecodeTOTPSecret(secretBase32 string) ([]byte, error) {
	return b32.DecodeString(secretBase32)
}

// RandomToken returns n random bytes base64url-encoded without padding,
// suitable for OAuth state, nonces and PKCE verifiers.
func RandomToken(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// backupCodeAlphabet omits ambiguous characters (0/O, 1/I/L).
const backupCodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// NewBackupCodes generates count single-use codes in XXXX-XXXX form.
func NewBackupCodes(count int) ([]string, error) {
	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		raw := make([]byte, 8)
		if _, err := rand.Read(raw); err != nil {
			return nil, err
		}
		buf := make([]byte, 9)
		for j, b := range raw {
			pos := j
			if j >= 4 {
				pos = j + 1
			}
			buf[pos] = backupCodeAlphabet[int(b)%len(backupCodeAlphabet)]
		}
		buf[4] = '-'
		codes = append(codes, string(buf))
	}
	return codes, nil
}

package crypto

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// HOTP computes the RFC 4226 HMAC-SHA1 one-time code for a counter.
func HOTP(secret []byte, counter int64, digits int) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(sha1.New, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", digits, bin%mod)
}

// TOTPAt returns the code for the time step containing t (RFC 6238).
func TOTPAt(secret []byte, t time.Time, period, digits int) string {
	return HOTP(secret, t.Unix()/int64(period), digits)
}

// VerifyTOTP checks code against the current step and the skew adjacent
// steps. Steps at or below lastUsedCounter are skipped to block replay
// within the window. Returns the matched counter on success.
func VerifyTOTP(secret []byte, code string, now time.Time, period, digits, skew int, lastUsedCounter int64) (bool, int64) {
	if len(code) != digits || !isNumeric(code) {
		return false, 0
	}

	base := now.Unix() / int64(period)
	for step := -skew; step <= skew; step++ {
		counter := base + int64(step)
		if counter < 0 || counter <= lastUsedCounter {
			continue
		}
		expected := HOTP(secret, counter, digits)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return true, counter
		}
	}
	return false, 0
}

// ProvisioningURI builds the otpauth:// URI encoded into enrollment QR
// codes.
func ProvisioningURI(issuer, account, secretBase32 string, digits, period int) string {
	label := url.PathEscape(issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secretBase32)
	v.Set("issuer", issuer)
	v.Set("algorithm", "SHA1")
	v.Set("digits", strconv.Itoa(digits))
	v.Set("period", strconv.Itoa(period))

	return "otpauth://totp/" + label + "?" + v.Encode()
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

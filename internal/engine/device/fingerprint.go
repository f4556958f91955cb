package device

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"gatekeeper/internal/platform/models"
)

// Fingerprint hashes the device attributes in declaration order. The
// same client always produces the same fingerprint, so it doubles as the
// lookup key for repeat logins.
func Fingerprint(attrs models.DeviceAttributes) string {
	parts := []string{
		attrs.Platform,
		attrs.Language,
		attrs.Timezone,
		attrs.Screen,
		strconv.Itoa(attrs.HardwareConcurrency),
		attrs.UserAgent,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

package auth

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// fingerprintDomain separates credential fingerprints from any other use of the hash
const fingerprintDomain = "imagegen/credential-fingerprint/v1"

// Fingerprint derives a stable, one-way identifier for a provider credential.
// It keys rate limits, active-job counters and the circuit breaker so the raw
// credential never has to be retained.
func Fingerprint(credential string) string {
	h, _ := blake2b.New256([]byte(fingerprintDomain))
	h.Write([]byte(strings.TrimSpace(credential)))
	sum := h.Sum(nil)
	return "fp_" + hex.EncodeToString(sum[:16])
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header value
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// Package token provides the random secrets used across the service:
// session identifiers, OIDC state values, PKCE verifiers and PSK secrets.
package token

import (
	"crypto/rand"
	"math/big"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-"

// GenerateRandomString returns a cryptographically random string of n
// characters from an URL-safe alphabet. Panics if the system RNG fails,
// since no caller can meaningfully continue without entropy.
func GenerateRandomString(n int) string {
	ret := make([]byte, n)
	for i := 0; i < n; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			panic("random number generation failed")
		}
		ret[i] = alphabet[num.Int64()]
	}
	return string(ret)
}

// GenerateSessionID returns an opaque session identifier. 32 characters of
// the 64-symbol alphabet give 192 bits of entropy.
func GenerateSessionID() string {
	return GenerateRandomString(32)
}

// GenerateCodeVerifier returns a PKCE code verifier per RFC 7636
// (43..128 unreserved characters).
func GenerateCodeVerifier() string {
	return GenerateRandomString(128)
}

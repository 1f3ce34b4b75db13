package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// FingerprintEnvKey is the env var name for the fingerprint HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	FingerprintEnvKey = "SESSIOND_TOKEN_FINGERPRINT_KEY"

	// HMACEnvKey is the env var name for the at-rest refresh token HMAC secret.
	// Changing it makes every stored hash unmatchable.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "SESSIOND_TOKEN_HMAC_KEY"

	fingerprintLen = 12

	defaultOpaqueBytes = 32
)

// Equal reports whether presented matches stored byte for byte.
// No trimming or case folding is applied. The comparison runs in constant time
// for equal-length inputs.
func Equal(stored, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// HashRefreshTokenHex hashes a refresh token for storage.
// With SESSIOND_TOKEN_HMAC_KEY set it is HMAC-SHA256(token, key), otherwise
// SHA-256(token). The result is always 64 hex chars.
func HashRefreshTokenHex(tok string) string {
	key := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if key == "" {
		return HashSHA256Hex(tok)
	}
	return HashHMACSHA256Hex(tok, []byte(key))
}

// FingerprintKeyFromEnv returns the configured key bytes (trimmed), enforcing a minimum byte length.
func FingerprintKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(FingerprintEnvKey))
	if raw == "" {
		return nil, ErrFingerprintKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrFingerprintKeyTooShort
	}
	return b, nil
}

// Fingerprint returns a short, log-safe identifier for a refresh token.
// The empty token has the empty fingerprint.
func Fingerprint(tok string) string {
	if tok == "" {
		return ""
	}
	var sum string
	if key, err := FingerprintKeyFromEnv(0); err == nil {
		sum = HashHMACSHA256Hex(tok, key)
	} else {
		sum = HashSHA256Hex(tok)
	}
	return sum[:fingerprintLen]
}

// NewOpaque returns a random hex token of 2*nBytes chars.
// If nBytes <= 0, it defaults to 32 bytes.
func NewOpaque(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = defaultOpaqueBytes
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

package token

import "errors"

// Public, stable errors for callers.
var (
	ErrFingerprintKeyMissing  = errors.New("token fingerprint key missing")
	ErrFingerprintKeyTooShort = errors.New("token fingerprint key too short")
)

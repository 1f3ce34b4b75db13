// Package token holds the refresh-token primitives shared by session stores and logs.
//
// Refresh tokens are opaque strings chosen by the caller. This package never
// parses or signs them. It hashes them for storage, compares them, derives
// log-safe fingerprints and can mint random opaque tokens for tooling.
//
// Environment:
//   - SESSIOND_TOKEN_HMAC_KEY: when set, stored token hashes use HMAC-SHA256
//     with this key instead of plain SHA-256.
//   - SESSIOND_TOKEN_FINGERPRINT_KEY: when set, fingerprints use HMAC-SHA256 with
//     this key instead of plain SHA-256.
package token

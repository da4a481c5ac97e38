// Package token provides credential-digest primitives for Parley.
//
// It is the single source of truth for API-key digest behavior: digests are
// how the keyring locates a stored key record without keeping plaintext keys.
//
// Design goals:
// - Default dev/back-compat mode: SHA-256(key) when no HMAC secret is configured.
// - Production-enforced mode: HMAC-SHA256(key, secret) when policy requires it.
// - Stable 64-char hex output for storage and constant-time comparison.
//
// Environment:
// - PARLEY_TOKEN_HMAC_KEY: when set, enables HMAC mode.
// Policy:
//   - If RequireTokenHMAC=true, callers MUST enforce a minimum secret size (>= 32 bytes)
//     and MUST use HMAC (no SHA fallback).
package token

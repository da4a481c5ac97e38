// Package apikey provides API-key issuance, hashing and bearer resolution for Parley.
//
// It implements Argon2id hashing using a PHC-like encoded string format.
// A key record is located by its HMAC/SHA-256 digest (see security/token) and
// then verified against its Argon2id hash, so neither the digest table nor the
// hash alone is enough to recover or forge a key.
//
// Security notes:
// - Hash strings are treated as untrusted input during Verify and validated accordingly.
// - Verification refuses hashes with parameters that exceed reasonable bounds.
package apikey

package apikey

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"parley/cmd/security/token"
)

// Keyring resolves bearer API keys to user IDs.
//
// Records are located by the digest of the plaintext key (HMAC-SHA256 when
// PARLEY_TOKEN_HMAC_KEY is configured, SHA-256 otherwise) and then confirmed
// against their Argon2id hash. The digest lookup keeps resolution O(1); the
// argon2 verification is the authoritative check.
type Keyring struct {
	params Params

	mu      sync.RWMutex
	entries map[string]keyEntry // digest -> entry
}

type keyEntry struct {
	userID string
	hash   string
}

// NewKeyring returns an empty keyring using params for verification bounds.
func NewKeyring(params Params) *Keyring {
	return &Keyring{
		params:  params,
		entries: make(map[string]keyEntry),
	}
}

// Add registers a plaintext key for userID. The plaintext is hashed and
// discarded; only the digest and Argon2id hash are retained.
func (k *Keyring) Add(userID, key string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}

	hash, err := k.params.Hash(key)
	if err != nil {
		return err
	}

	digest := token.HashAPIKeyHex(key)

	k.mu.Lock()
	k.entries[digest] = keyEntry{userID: userID, hash: hash}
	k.mu.Unlock()
	return nil
}

// Len reports the number of registered keys.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.entries)
}

// Resolve maps a bearer API key to its user ID.
// Unknown or non-matching keys return ErrUnknownKey.
func (k *Keyring) Resolve(ctx context.Context, bearer string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return "", ErrUnknownKey
	}

	digest := token.HashAPIKeyHex(bearer)

	k.mu.RLock()
	entry, ok := k.entries[digest]
	k.mu.RUnlock()
	if !ok {
		return "", ErrUnknownKey
	}

	match, err := k.params.Verify(entry.hash, bearer)
	if err != nil {
		return "", fmt.Errorf("verify api key: %w", err)
	}
	if !match {
		return "", ErrUnknownKey
	}
	return entry.userID, nil
}

// ParseEnvKeys loads keys from an env-style spec: "user1:key1;user2:key2".
// Blank segments are skipped; a segment without a colon is an error.
func (k *Keyring) ParseEnvKeys(spec string) error {
	for _, seg := range strings.Split(spec, ";") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		userID, key, ok := strings.Cut(seg, ":")
		if !ok {
			return fmt.Errorf("%w: missing ':' in %q", ErrInvalidKey, seg)
		}
		if err := k.Add(userID, key); err != nil {
			return fmt.Errorf("key for %q: %w", strings.TrimSpace(userID), err)
		}
	}
	return nil
}

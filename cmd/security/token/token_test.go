package token

import (
	"errors"
	"testing"
)

func TestHashSHA256Hex_Deterministic(t *testing.T) {
	t.Parallel()

	a := HashSHA256Hex("pk_example")
	b := HashSHA256Hex("pk_example")
	if a != b {
		t.Fatalf("digest not deterministic: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("unexpected digest length: %d", len(a))
	}
	if a == HashSHA256Hex("pk_other") {
		t.Fatalf("distinct inputs collided")
	}
}

func TestHashAPIKeyHex_ModeSwitch(t *testing.T) {
	t.Setenv(HMACEnvKey, "")
	plain := HashAPIKeyHex("pk_example")
	if plain != HashSHA256Hex("pk_example") {
		t.Fatalf("without secret expected SHA-256 fallback")
	}

	t.Setenv(HMACEnvKey, "0123456789abcdef0123456789abcdef")
	mac := HashAPIKeyHex("pk_example")
	if mac == plain {
		t.Fatalf("HMAC mode produced the plain digest")
	}
	if mac != HashHMACSHA256Hex("pk_example", []byte("0123456789abcdef0123456789abcdef")) {
		t.Fatalf("HMAC digest mismatch")
	}
}

func TestHMACKeyFromEnv_Policy(t *testing.T) {
	t.Setenv(HMACEnvKey, "")
	if _, err := HMACKeyFromEnv(32); !errors.Is(err, ErrHMACKeyMissing) {
		t.Fatalf("missing key: err=%v want ErrHMACKeyMissing", err)
	}

	t.Setenv(HMACEnvKey, "short")
	if _, err := HMACKeyFromEnv(32); !errors.Is(err, ErrHMACKeyTooShort) {
		t.Fatalf("short key: err=%v want ErrHMACKeyTooShort", err)
	}

	t.Setenv(HMACEnvKey, "0123456789abcdef0123456789abcdef")
	key, err := HMACKeyFromEnv(32)
	if err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("key length=%d want 32", len(key))
	}
	if !HMACEnabled() {
		t.Fatalf("HMACEnabled=false with key set")
	}
}

func TestHashAPIKeyHexRequireHMAC(t *testing.T) {
	t.Setenv(HMACEnvKey, "")
	if _, err := HashAPIKeyHexRequireHMAC("pk_example", 32); !errors.Is(err, ErrHMACKeyMissing) {
		t.Fatalf("enforced mode without key: err=%v", err)
	}

	t.Setenv(HMACEnvKey, "0123456789abcdef0123456789abcdef")
	digest, err := HashAPIKeyHexRequireHMAC("pk_example", 32)
	if err != nil {
		t.Fatalf("enforced mode with key: %v", err)
	}
	if digest != HashAPIKeyHex("pk_example") {
		t.Fatalf("enforced and default digests diverged under same secret")
	}
}

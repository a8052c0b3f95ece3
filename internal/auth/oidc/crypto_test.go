package oidc

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return key
}

func TestTokenBlobRoundTrip(t *testing.T) {
	key := testKey(t)

	tokens := []string{
		"",
		"ya29.a0AfB_short",
		strings.Repeat("eyJhbGciOiJSUzI1NiJ9.", 40), // JWT-sized payload
	}
	for _, token := range tokens {
		blob, err := Encrypt(token, key)
		if err != nil {
			t.Fatalf("Encrypt(%d bytes): %v", len(token), err)
		}
		if blob == token && token != "" {
			t.Fatal("blob equals plaintext")
		}
		if _, err := base64.RawURLEncoding.DecodeString(blob); err != nil {
			t.Errorf("blob is not unpadded url-safe base64: %v", err)
		}

		got, err := Decrypt(blob, key)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != token {
			t.Errorf("round trip changed token: %d bytes in, %d out", len(token), len(got))
		}
	}
}

func TestEncrypt_NonceVaries(t *testing.T) {
	key := testKey(t)

	a, err := Encrypt("same-token", key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := Encrypt("same-token", key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Error("two seals of the same token produced identical blobs")
	}
}

func TestDecrypt_Failures(t *testing.T) {
	key := testKey(t)
	blob, err := Encrypt("secret-token", key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	tests := []struct {
		name string
		blob string
		key  []byte
		want error
	}{
		{"wrong key", blob, testKey(t), ErrDecryptionFailed},
		{"not base64", "%%%not-base64%%%", key, ErrDecryptionFailed},
		{"truncated below nonce", base64.RawURLEncoding.EncodeToString([]byte("tiny")), key, ErrDecryptionFailed},
		{"tampered ciphertext", tamper(blob), key, ErrDecryptionFailed},
		{"short key", blob, key[:16], ErrInvalidKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decrypt(tt.blob, tt.key); err != tt.want {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

// tamper flips one bit in the last byte of a blob.
func tamper(blob string) string {
	raw, _ := base64.RawURLEncoding.DecodeString(blob)
	raw[len(raw)-1] ^= 0x01
	return base64.RawURLEncoding.EncodeToString(raw)
}

func TestEncrypt_RejectsBadKeyLengths(t *testing.T) {
	for _, n := range []int{0, 16, 24, 31, 33, 64} {
		if _, err := Encrypt("token", make([]byte, n)); err != ErrInvalidKey {
			t.Errorf("key length %d: err = %v, want ErrInvalidKey", n, err)
		}
	}
}

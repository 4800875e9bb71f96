package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey derives a key from the root key material using HKDF-SHA256.
// context is used as the HKDF info parameter for domain separation.
// length specifies the output key size in bytes.
func DeriveKey(rootKey, context []byte, length int) ([]byte, error) {
	if length <= 0 || length > 64 {
		return nil, fmt.Errorf("invalid derived key length: %d (must be 1-64)", length)
	}

	r := hkdf.New(sha256.New, rootKey, nil, context)
	derived := make([]byte, length)
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return derived, nil
}

// Seal encrypts plaintext with AES-256-GCM under a key derived from secret
// and label. The output is [nonce | ciphertext | tag]; aad is bound but not
// stored.
func Seal(secret []byte, label string, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(secret, label)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal. secret, label and aad must match.
func Open(secret []byte, label string, sealed, aad []byte) ([]byte, error) {
	gcm, err := newGCM(secret, label)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ct := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("aes gcm decrypt: %w", err)
	}

	return plaintext, nil
}

func newGCM(secret []byte, label string) (cipher.AEAD, error) {
	key, err := DeriveKey(secret, []byte(label), 32)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes new cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aes gcm: %w", err)
	}
	return gcm, nil
}

package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SymmetricKeySize is the key length accepted by Seal and Open.
const SymmetricKeySize = chacha20poly1305.KeySize

// ErrDecrypt reports a ciphertext that failed authentication.
var ErrDecrypt = errors.New("crypto: decrypt failed")

// Seal encrypts plaintext with XChaCha20-Poly1305 and returns nonce||ciphertext.
func Seal(key, plaintext, additionalData []byte) ([]byte, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("invalid key length: got %d want %d", len(key), SymmetricKeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}

	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(out, out, plaintext, additionalData), nil
}

// Open reverses Seal.
func Open(key, sealed, additionalData []byte) ([]byte, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("invalid key length: got %d want %d", len(key), SymmetricKeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %w", ErrDecrypt)
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// DeriveKey expands secret into a SymmetricKeySize key bound to info.
func DeriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
)

// DefaultRSABits is the modulus size used for new encryption keys.
const DefaultRSABits = 2048

var hybridLabel = []byte("relaychat-message")

// RSAKey decrypts messages addressed to its owner.
type RSAKey struct {
	priv *rsa.PrivateKey
}

// GenerateRSAKey creates a new RSA encryption key.
func GenerateRSAKey(bits int) (*RSAKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	return &RSAKey{priv: priv}, nil
}

// ParseRSAKey loads a PKCS#1 DER private key.
func ParseRSAKey(der []byte) (*RSAKey, error) {
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse RSA key: %w", err)
	}
	return &RSAKey{priv: priv}, nil
}

// Bytes returns the PKCS#1 DER encoding of the private key.
func (k *RSAKey) Bytes() []byte {
	return x509.MarshalPKCS1PrivateKey(k.priv)
}

// PublicKey returns the PKIX DER encoding of the public key.
func (k *RSAKey) PublicKey() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal RSA public key: %w", err)
	}
	return der, nil
}

// Decrypt opens a payload produced by EncryptForRecipient.
func (k *RSAKey) Decrypt(payload []byte) ([]byte, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("payload too short: %w", ErrDecrypt)
	}
	wrappedLen := int(binary.BigEndian.Uint16(payload[:2]))
	if len(payload) < 2+wrappedLen {
		return nil, fmt.Errorf("wrapped key truncated: %w", ErrDecrypt)
	}

	key, err := rsa.DecryptOAEP(sha256.New(), nil, k.priv, payload[2:2+wrappedLen], hybridLabel)
	if err != nil {
		return nil, ErrDecrypt
	}
	defer Wipe(key)

	return Open(key, payload[2+wrappedLen:], hybridLabel)
}

// Zero clears the private exponent and primes.
func (k *RSAKey) Zero() {
	if k == nil || k.priv == nil {
		return
	}
	if k.priv.D != nil {
		k.priv.D.SetInt64(0)
	}
	for _, prime := range k.priv.Primes {
		prime.SetInt64(0)
	}
	k.priv = nil
}

// EncryptForRecipient encrypts plaintext to a PKIX DER RSA public key. A random
// content key is wrapped with RSA-OAEP and the body is sealed with Seal.
func EncryptForRecipient(publicKeyDER, plaintext []byte) ([]byte, error) {
	parsed, err := x509.ParsePKIXPublicKey(publicKeyDER)
	if err != nil {
		return nil, fmt.Errorf("parse recipient public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("recipient public key is not RSA")
	}

	key := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate content key: %w", err)
	}
	defer Wipe(key)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, hybridLabel)
	if err != nil {
		return nil, fmt.Errorf("wrap content key: %w", err)
	}
	body, err := Seal(key, plaintext, hybridLabel)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 2, 2+len(wrapped)+len(body))
	binary.BigEndian.PutUint16(out, uint16(len(wrapped)))
	out = append(out, wrapped...)
	return append(out, body...), nil
}

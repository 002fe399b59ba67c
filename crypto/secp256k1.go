package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// SigningKeySize is the length of a serialized secp256k1 private key.
const SigningKeySize = secp256k1.PrivKeyBytesLen

// SigningKey is a secp256k1 key used to authenticate relay requests.
type SigningKey struct {
	priv *secp256k1.PrivateKey
}

// GenerateSigningKey creates a random secp256k1 key.
func GenerateSigningKey() (*SigningKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	return &SigningKey{priv: priv}, nil
}

// ParseSigningKey loads a serialized secp256k1 private key.
func ParseSigningKey(raw []byte) (*SigningKey, error) {
	if len(raw) != SigningKeySize {
		return nil, fmt.Errorf("invalid secp256k1 key length: got %d want %d", len(raw), SigningKeySize)
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	if priv.Key.IsZero() {
		return nil, errors.New("invalid secp256k1 key: zero scalar")
	}
	return &SigningKey{priv: priv}, nil
}

// Bytes returns a copy of the serialized private key.
func (k *SigningKey) Bytes() []byte {
	return k.priv.Serialize()
}

// PublicKey returns the compressed public key.
func (k *SigningKey) PublicKey() []byte {
	return k.priv.PubKey().SerializeCompressed()
}

// Address returns the relay address for this key.
func (k *SigningKey) Address() string {
	return AddressFromPublicKey(k.PublicKey())
}

// Sign returns a DER ECDSA signature over SHA-256(data).
func (k *SigningKey) Sign(data []byte) []byte {
	digest := sha256.Sum256(data)
	return ecdsa.Sign(k.priv, digest[:]).Serialize()
}

// Zero clears the private scalar. The key is unusable afterwards.
func (k *SigningKey) Zero() {
	if k == nil || k.priv == nil {
		return
	}
	k.priv.Zero()
}

// VerifySignature checks a DER signature produced by SigningKey.Sign.
func VerifySignature(publicKey, data, signature []byte) bool {
	pub, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	return sig.Verify(digest[:], pub)
}

// AddressFromPublicKey derives the 0x-prefixed address of a public key.
func AddressFromPublicKey(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return "0x" + hex.EncodeToString(sum[:20])
}

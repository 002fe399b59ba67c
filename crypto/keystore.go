package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// Key file layout: a PEM block whose bytes are salt(16) || nonce(12) || AES-256-GCM ciphertext.
const (
	encryptedKeyPEMType = "RELAYCHAT ENCRYPTED KEY"
	keyKindHeader       = "Key-Kind"
	kdfHeader           = "Kdf"
	kdfArgon2id         = "argon2id"

	saltSize = 16

	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
)

var (
	// ErrKeyNotFound reports a missing key file.
	ErrKeyNotFound = errors.New("crypto: key file not found")
	// ErrWrongPassword reports a key file that failed to decrypt.
	ErrWrongPassword = errors.New("crypto: wrong password")
)

// Key kinds stored in the Key-Kind PEM header.
const (
	KeyKindSigning = "secp256k1"
	KeyKindRSA     = "rsa"
)

// SigningKeyPath returns the key file of an address's signing wallet.
func SigningKeyPath(folder, address string) string {
	return filepath.Join(folder, address+".key")
}

// RSAKeyPath returns the key file of an address's encryption wallet.
func RSAKeyPath(folder, address string) string {
	return filepath.Join(folder, address+".rsa.key")
}

// SaveEncryptedKey writes raw key material encrypted under password with 0600 permissions.
func SaveEncryptedKey(path, kind string, raw []byte, password string) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	key := passwordKey(password, salt)
	defer Wipe(key)

	aead, err := newGCM(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	body := make([]byte, 0, saltSize+len(nonce)+len(raw)+aead.Overhead())
	body = append(body, salt...)
	body = append(body, nonce...)
	body = aead.Seal(body, nonce, raw, []byte(kind))

	block := &pem.Block{
		Type: encryptedKeyPEMType,
		Headers: map[string]string{
			keyKindHeader: kind,
			kdfHeader:     kdfArgon2id,
		},
		Bytes: body,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write %s key: %w", kind, err)
	}
	return nil
}

// LoadEncryptedKey reads and decrypts a key file written by SaveEncryptedKey.
// The caller owns the returned bytes and should Wipe them after use.
func LoadEncryptedKey(path, kind, password string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s key: %w", kind, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decode %s key: no PEM block", kind)
	}
	if block.Type != encryptedKeyPEMType {
		return nil, fmt.Errorf("decode %s key: unexpected type %q", kind, block.Type)
	}
	if got := block.Headers[keyKindHeader]; got != kind {
		return nil, fmt.Errorf("decode %s key: unexpected kind %q", kind, got)
	}
	if got := block.Headers[kdfHeader]; got != kdfArgon2id {
		return nil, fmt.Errorf("decode %s key: unsupported kdf %q", kind, got)
	}

	key := passwordKey(password, block.Bytes[:min(saltSize, len(block.Bytes))])
	defer Wipe(key)

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(block.Bytes) < saltSize+aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("decode %s key: body too short", kind)
	}
	nonce := block.Bytes[saltSize : saltSize+aead.NonceSize()]
	ciphertext := block.Bytes[saltSize+aead.NonceSize():]

	raw, err := aead.Open(nil, nonce, ciphertext, []byte(kind))
	if err != nil {
		return nil, ErrWrongPassword
	}
	return raw, nil
}

func passwordKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

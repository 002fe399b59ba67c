package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"relaychat/crypto"
	"relaychat/models"
)

var (
	// ErrWalletLocked reports an operation on an address with no unlocked wallet.
	ErrWalletLocked = errors.New("wallet: locked")
	// ErrBadPassword reports a key file that failed to decrypt.
	ErrBadPassword = errors.New("wallet: bad password")
	// ErrNotFound reports a missing key file.
	ErrNotFound = errors.New("wallet: key not found")
	// ErrCryptoFailure reports a signing, encryption or decryption failure.
	ErrCryptoFailure = errors.New("wallet: crypto operation failed")
)

const selfEncryptionInfo = "relaychat self-encryption v1"

// State is the lifecycle state of the wallet manager.
type State int

const (
	// StateLocked means no key material is held in memory.
	StateLocked State = iota
	// StateUnlocked means key material is held until Lock or expiry.
	StateUnlocked
)

func (s State) String() string {
	if s == StateUnlocked {
		return "unlocked"
	}
	return "locked"
}

// Options configures a Manager.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Manager holds at most one unlocked signing wallet and one RSA wallet, and
// discards both once the unlock TTL has elapsed.
type Manager struct {
	clock  clock.Clock
	logger *slog.Logger

	mu         sync.Mutex
	address    string
	signing    *crypto.SigningKey
	rsa        *crypto.RSAKey
	unlockedAt time.Time
	ttl        time.Duration
}

// NewManager returns a locked manager.
func NewManager(opts Options) *Manager {
	cfg := opts.withDefaults()
	return &Manager{
		clock:  cfg.Clock,
		logger: cfg.Logger.With("component", "wallet"),
	}
}

// Unlock loads the signing wallet for address from folder and, when
// passwordRSA is non-empty, the RSA wallet as well. A previous session is
// discarded. A non-positive ttl keeps the wallets until Lock.
func (m *Manager) Unlock(folder, address, password, passwordRSA string, ttl time.Duration) error {
	raw, err := crypto.LoadEncryptedKey(crypto.SigningKeyPath(folder, address), crypto.KeyKindSigning, password)
	if err != nil {
		return translateKeystoreError(err)
	}
	signing, err := crypto.ParseSigningKey(raw)
	crypto.Wipe(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	if signing.Address() != address {
		signing.Zero()
		return fmt.Errorf("%w: key file does not match address %s", ErrCryptoFailure, address)
	}

	var rsaKey *crypto.RSAKey
	if passwordRSA != "" {
		rawRSA, err := crypto.LoadEncryptedKey(crypto.RSAKeyPath(folder, address), crypto.KeyKindRSA, passwordRSA)
		if err != nil {
			signing.Zero()
			return translateKeystoreError(err)
		}
		rsaKey, err = crypto.ParseRSAKey(rawRSA)
		crypto.Wipe(rawRSA)
		if err != nil {
			signing.Zero()
			return fmt.Errorf("%w: %v", ErrCryptoFailure, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.discardLocked()
	m.address = address
	m.signing = signing
	m.rsa = rsaKey
	m.unlockedAt = m.clock.Now()
	m.ttl = ttl

	m.logger.Info("wallet unlocked", "address", address, "rsa", rsaKey != nil, "ttl", ttl)
	return nil
}

// Lock discards key material. It is idempotent.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.signing != nil {
		m.logger.Info("wallet locked", "address", m.address)
	}
	m.discardLocked()
}

// Tick locks the manager once its TTL has elapsed.
func (m *Manager) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(now)
}

// State reports whether a wallet is currently unlocked.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(m.clock.Now())
	if m.signing == nil {
		return StateLocked
	}
	return StateUnlocked
}

// Address returns the unlocked address, or "" when locked.
func (m *Manager) Address() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(m.clock.Now())
	return m.address
}

// Sign signs message with the wallet of address and returns the hex public
// key and hex signature.
func (m *Manager) Sign(address, message string) (string, string, error) {
	pubkey, signs, err := m.SignBatch(address, []string{message})
	if err != nil {
		return "", "", err
	}
	return pubkey, signs[0], nil
}

// SignBatch signs every message or none.
func (m *Manager) SignBatch(address string, messages []string) (string, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, err := m.signingKeyLocked(address)
	if err != nil {
		return "", nil, err
	}

	signs := make([]string, 0, len(messages))
	for _, message := range messages {
		signs = append(signs, hex.EncodeToString(key.Sign([]byte(message))))
	}
	return hex.EncodeToString(key.PublicKey()), signs, nil
}

// EncryptWithRecipientPublicKey encrypts hex data to a hex PKIX RSA public key.
func (m *Manager) EncryptWithRecipientPublicKey(dataHex, recipientPublicKeyHex string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(m.clock.Now())
	if m.signing == nil {
		return "", ErrWalletLocked
	}

	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode data: %v", ErrCryptoFailure, err)
	}
	pub, err := hex.DecodeString(recipientPublicKeyHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode recipient key: %v", ErrCryptoFailure, err)
	}
	out, err := crypto.EncryptForRecipient(pub, data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return hex.EncodeToString(out), nil
}

// EncryptWithOwnPrivateKey encrypts hex data so that only the wallet of
// address can read it back.
func (m *Manager) EncryptWithOwnPrivateKey(dataHex, address string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, err := m.selfKeyLocked(address)
	if err != nil {
		return "", err
	}
	defer crypto.Wipe(key)

	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode data: %v", ErrCryptoFailure, err)
	}
	out, err := crypto.Seal(key, data, []byte(address))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return hex.EncodeToString(out), nil
}

// RSAPublicKey returns the hex PKIX public key of the unlocked RSA wallet.
func (m *Manager) RSAPublicKey(address string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, err := m.rsaKeyLocked(address)
	if err != nil {
		return "", err
	}
	pub, err := key.PublicKey()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return hex.EncodeToString(pub), nil
}

// DecryptMessages decrypts every encrypted message of address. Inbound
// messages are opened with the RSA wallet and outbound ones with the signing
// wallet. The first failure aborts the batch.
func (m *Manager) DecryptMessages(address string, messages []models.Message) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Message, 0, len(messages))
	for _, message := range messages {
		decrypted, err := m.decryptLocked(address, message)
		if err != nil {
			return nil, fmt.Errorf("decrypt message %d: %w", message.Counter, err)
		}
		out = append(out, decrypted)
	}
	return out, nil
}

// TryDecryptMessages decrypts what it can and leaves other messages untouched.
func (m *Manager) TryDecryptMessages(address string, messages []models.Message) []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Message, 0, len(messages))
	for _, message := range messages {
		decrypted, err := m.decryptLocked(address, message)
		if err != nil {
			m.logger.Debug("message left encrypted", "address", address, "counter", message.Counter, "error", err)
			out = append(out, message)
			continue
		}
		out = append(out, decrypted)
	}
	return out
}

func (m *Manager) decryptLocked(address string, message models.Message) (models.Message, error) {
	if !message.IsEncrypted {
		return message, nil
	}
	payload, err := hex.DecodeString(message.Payload)
	if err != nil {
		return message, fmt.Errorf("%w: decode payload: %v", ErrCryptoFailure, err)
	}

	var plaintext []byte
	if message.IsInput {
		key, err := m.rsaKeyLocked(address)
		if err != nil {
			return message, err
		}
		plaintext, err = key.Decrypt(payload)
		if err != nil {
			return message, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
		}
	} else {
		key, err := m.selfKeyLocked(address)
		if err != nil {
			return message, err
		}
		plaintext, err = crypto.Open(key, payload, []byte(address))
		crypto.Wipe(key)
		if err != nil {
			return message, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
		}
	}

	message.Payload = hex.EncodeToString(plaintext)
	message.IsEncrypted = false
	return message, nil
}

func (m *Manager) signingKeyLocked(address string) (*crypto.SigningKey, error) {
	m.expireLocked(m.clock.Now())
	if m.signing == nil || m.address != address {
		return nil, fmt.Errorf("%w: %s", ErrWalletLocked, address)
	}
	return m.signing, nil
}

func (m *Manager) rsaKeyLocked(address string) (*crypto.RSAKey, error) {
	m.expireLocked(m.clock.Now())
	if m.rsa == nil || m.address != address {
		return nil, fmt.Errorf("%w: rsa wallet for %s", ErrWalletLocked, address)
	}
	return m.rsa, nil
}

// selfKeyLocked derives the symmetric key for self-encrypted payloads. The
// caller must Wipe it.
func (m *Manager) selfKeyLocked(address string) ([]byte, error) {
	key, err := m.signingKeyLocked(address)
	if err != nil {
		return nil, err
	}
	secret := key.Bytes()
	defer crypto.Wipe(secret)

	derived, err := crypto.DeriveKey(secret, selfEncryptionInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return derived, nil
}

func (m *Manager) expireLocked(now time.Time) {
	if m.signing == nil || m.ttl <= 0 {
		return
	}
	if now.Before(m.unlockedAt.Add(m.ttl)) {
		return
	}
	m.logger.Info("wallet expired", "address", m.address, "unlocked_for", now.Sub(m.unlockedAt))
	m.discardLocked()
}

func (m *Manager) discardLocked() {
	m.signing.Zero()
	m.rsa.Zero()
	m.signing = nil
	m.rsa = nil
	m.address = ""
	m.unlockedAt = time.Time{}
	m.ttl = 0
}

func translateKeystoreError(err error) error {
	switch {
	case errors.Is(err, crypto.ErrKeyNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, crypto.ErrWrongPassword):
		return ErrBadPassword
	default:
		return fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
}

package wallet

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/crypto"
	"relaychat/models"
)

func newTestWallet(t *testing.T, withRSA bool) (string, string) {
	t.Helper()

	folder := t.TempDir()
	rsaPassword := ""
	if withRSA {
		rsaPassword = "rsa-pass"
	}
	address, err := Create(folder, "pass", rsaPassword)
	require.NoError(t, err)
	return folder, address
}

func TestUnlockSignAndLock(t *testing.T) {
	folder, address := newTestWallet(t, false)
	m := NewManager(Options{Clock: clock.NewMock()})

	require.Equal(t, StateLocked, m.State())
	require.NoError(t, m.Unlock(folder, address, "pass", "", time.Minute))
	require.Equal(t, StateUnlocked, m.State())
	require.Equal(t, address, m.Address())

	pubHex, signHex, err := m.Sign(address, "GET_MESSAGES")
	require.NoError(t, err)

	pub, err := hex.DecodeString(pubHex)
	require.NoError(t, err)
	sig, err := hex.DecodeString(signHex)
	require.NoError(t, err)
	assert.True(t, crypto.VerifySignature(pub, []byte("GET_MESSAGES"), sig))
	assert.Equal(t, address, crypto.AddressFromPublicKey(pub))

	m.Lock()
	m.Lock()
	require.Equal(t, StateLocked, m.State())
	_, _, err = m.Sign(address, "GET_MESSAGES")
	require.ErrorIs(t, err, ErrWalletLocked)
}

func TestUnlockErrors(t *testing.T) {
	folder, address := newTestWallet(t, false)
	m := NewManager(Options{Clock: clock.NewMock()})

	require.ErrorIs(t, m.Unlock(folder, address, "wrong", "", time.Minute), ErrBadPassword)
	require.ErrorIs(t, m.Unlock(folder, "0xmissing", "pass", "", time.Minute), ErrNotFound)
	require.ErrorIs(t, m.Unlock(folder, address, "pass", "rsa-pass", time.Minute), ErrNotFound)
	require.Equal(t, StateLocked, m.State())
}

func TestWalletExpiresAfterTTL(t *testing.T) {
	folder, address := newTestWallet(t, false)
	mock := clock.NewMock()
	m := NewManager(Options{Clock: mock})

	require.NoError(t, m.Unlock(folder, address, "pass", "", 2*time.Second))

	mock.Add(time.Second)
	_, _, err := m.Sign(address, "hello")
	require.NoError(t, err)

	mock.Add(2 * time.Second)
	_, _, err = m.Sign(address, "hello")
	require.ErrorIs(t, err, ErrWalletLocked)
	require.Equal(t, StateLocked, m.State())
}

func TestTickLocksExpiredWallet(t *testing.T) {
	folder, address := newTestWallet(t, false)
	mock := clock.NewMock()
	m := NewManager(Options{Clock: mock})

	require.NoError(t, m.Unlock(folder, address, "pass", "", 2*time.Second))

	m.Tick(mock.Now().Add(time.Second))
	require.Equal(t, address, m.Address())

	m.Tick(mock.Now().Add(2 * time.Second))
	require.Empty(t, m.Address())
}

func TestSignBatchIsAllOrNothing(t *testing.T) {
	folder, address := newTestWallet(t, false)
	m := NewManager(Options{Clock: clock.NewMock()})

	_, signs, err := m.SignBatch(address, []string{"a", "b"})
	require.ErrorIs(t, err, ErrWalletLocked)
	require.Nil(t, signs)

	require.NoError(t, m.Unlock(folder, address, "pass", "", 0))
	pubHex, signs, err := m.SignBatch(address, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, signs, 3)
	require.NotEmpty(t, pubHex)

	_, _, err = m.SignBatch("0xother", []string{"a"})
	require.ErrorIs(t, err, ErrWalletLocked)
}

func TestEncryptDecryptMessages(t *testing.T) {
	folder, address := newTestWallet(t, true)
	m := NewManager(Options{Clock: clock.NewMock()})
	require.NoError(t, m.Unlock(folder, address, "pass", "rsa-pass", time.Minute))

	rsaPub, err := m.RSAPublicKey(address)
	require.NoError(t, err)

	plainHex := hex.EncodeToString([]byte("hello"))
	toMe, err := m.EncryptWithRecipientPublicKey(plainHex, rsaPub)
	require.NoError(t, err)
	mine, err := m.EncryptWithOwnPrivateKey(plainHex, address)
	require.NoError(t, err)

	messages := []models.Message{
		{Owner: address, Counter: 1, Payload: toMe, IsInput: true, IsEncrypted: true},
		{Owner: address, Counter: 2, Payload: mine, IsInput: false, IsEncrypted: true},
		{Owner: address, Counter: 3, Payload: plainHex, IsEncrypted: false},
	}

	decrypted, err := m.DecryptMessages(address, messages)
	require.NoError(t, err)
	require.Len(t, decrypted, 3)
	for _, message := range decrypted {
		assert.False(t, message.IsEncrypted)
		assert.Equal(t, plainHex, message.Payload)
	}

	messages = append(messages, models.Message{Owner: address, Counter: 4, Payload: "zz", IsInput: true, IsEncrypted: true})
	_, err = m.DecryptMessages(address, messages)
	require.ErrorIs(t, err, ErrCryptoFailure)

	tried := m.TryDecryptMessages(address, messages)
	require.Len(t, tried, 4)
	assert.False(t, tried[0].IsEncrypted)
	assert.True(t, tried[3].IsEncrypted)
	assert.Equal(t, "zz", tried[3].Payload)
}

func TestOperationsRequireUnlockedWallet(t *testing.T) {
	_, address := newTestWallet(t, false)
	m := NewManager(Options{Clock: clock.NewMock()})

	_, err := m.EncryptWithOwnPrivateKey("00", address)
	require.ErrorIs(t, err, ErrWalletLocked)
	_, err = m.EncryptWithRecipientPublicKey("00", "00")
	require.ErrorIs(t, err, ErrWalletLocked)
	_, err = m.RSAPublicKey(address)
	require.ErrorIs(t, err, ErrWalletLocked)
}

func TestListWallets(t *testing.T) {
	folder, address := newTestWallet(t, true)

	addresses, err := List(folder)
	require.NoError(t, err)
	require.Equal(t, []string{address}, addresses)

	empty, err := List(t.TempDir() + "/missing")
	require.NoError(t, err)
	require.Empty(t, empty)
}

package messenger

import (
	"errors"
	"fmt"

	"relaychat/models"
	"relaychat/network"
	"relaychat/storage"
)

// Outgoing is one message to send. DataHex is the payload encrypted to the
// recipient. The local copy stores SelfEncryptedHex, or PlainHex encrypted
// with the sender's own key when SelfEncryptedHex is empty.
type Outgoing struct {
	From             string
	To               string
	DataHex          string
	SelfEncryptedHex string
	PlainHex         string
	Pubkey           string
	Sign             string
	Fee              uint64
	Timestamp        int64
}

// run executes op on the loop and hands its result to done exactly once.
func run[T any](m *Messenger, done func(T, error), op func() (T, error)) {
	if !m.submit(func() {
		value, err := op()
		done(value, err)
	}) {
		var zero T
		done(zero, ErrStopped)
	}
}

// runAsync executes op on the loop; op must eventually call finish once.
func runAsync[T any](m *Messenger, done func(T, error), op func(finish func(T, error))) {
	if !m.submit(func() { op(done) }) {
		var zero T
		done(zero, ErrStopped)
	}
}

// Connected reports whether the transport currently has a live relay connection.
func (m *Messenger) Connected(done func(bool, error)) {
	run(m, done, func() (bool, error) {
		return m.connected, nil
	})
}

// Watch adds address to the monitored set and catches up with the relay.
func (m *Messenger) Watch(address string, done func(struct{}, error)) {
	run(m, done, func() (struct{}, error) {
		if _, err := m.store.GetUserID(address); err != nil {
			return struct{}{}, err
		}
		m.requestCount(address)
		return struct{}{}, nil
	})
}

// RegisterAddress publishes address and its RSA public key to the relay.
func (m *Messenger) RegisterAddress(address, rsaPubkeyHex, pubkeyHex, signHex string, fee uint64, done func(bool, error)) {
	runAsync(m, done, func(finish func(bool, error)) {
		params := network.RegisterParams{Address: address, RSAPubkey: rsaPubkeyHex, Pubkey: pubkeyHex, Sign: signHex, Fee: fee}
		_ = m.call(network.MethodRegister, params, func(resp network.Response, err error) {
			if err != nil {
				finish(false, err)
				return
			}
			var result network.RegisterResult
			if len(resp.Result) > 0 {
				if err := network.DecodeResult(resp, &result); err != nil {
					finish(false, err)
					return
				}
			}
			if _, err := m.store.GetUserID(address); err != nil {
				finish(false, err)
				return
			}
			finish(result.IsNew, nil)
		})
	})
}

// SavePubkeyAddress fetches the RSA public key of address from the relay and
// stores it.
func (m *Messenger) SavePubkeyAddress(address, pubkeyHex, signHex string, done func(string, error)) {
	runAsync(m, done, func(finish func(string, error)) {
		params := network.GetPubkeyParams{Address: address, Pubkey: pubkeyHex, Sign: signHex}
		_ = m.call(network.MethodGetPubkey, params, func(resp network.Response, err error) {
			if err != nil {
				finish("", err)
				return
			}
			var result network.PubkeyResult
			if err := network.DecodeResult(resp, &result); err != nil {
				finish("", err)
				return
			}
			if result.Address != "" && result.Address != address {
				finish("", &network.ProtocolError{Kind: network.ErrMalformedPayload, ID: resp.ID, Method: resp.Method, Address: address, Detail: "public key for " + result.Address})
				return
			}
			if err := m.store.SetUserPublicKey(address, result.Pubkey); err != nil {
				finish("", err)
				return
			}
			m.pubkeys.Add(address, result.Pubkey)
			finish(result.Pubkey, nil)
		})
	})
}

// GetPubkeyAddress returns a previously saved RSA public key.
func (m *Messenger) GetPubkeyAddress(address string, done func(string, error)) {
	run(m, done, func() (string, error) {
		if pubkey, ok := m.pubkeys.Get(address); ok {
			return pubkey, nil
		}
		pubkey, err := m.store.GetUserPublicKey(address)
		if err != nil {
			return "", err
		}
		m.pubkeys.Add(address, pubkey)
		return pubkey, nil
	})
}

// SendMessage stores an unconfirmed local copy after the current maximum
// counter and sends the message. done receives the local counter.
func (m *Messenger) SendMessage(msg Outgoing, done func(models.Counter, error)) {
	runAsync(m, done, func(finish func(models.Counter, error)) {
		counter, err := m.storeOutgoing(msg)
		if err != nil {
			finish(0, err)
			return
		}
		params := network.SendMessageParams{
			To:        msg.To,
			Data:      msg.DataHex,
			Pubkey:    msg.Pubkey,
			Sign:      msg.Sign,
			Fee:       msg.Fee,
			Timestamp: msg.Timestamp,
		}
		_ = m.call(network.MethodSendMessage, params, func(_ network.Response, err error) {
			finish(counter, err)
		})
	})
}

func (m *Messenger) storeOutgoing(msg Outgoing) (models.Counter, error) {
	if msg.From == "" || msg.To == "" || msg.DataHex == "" {
		return 0, errors.New("sender, recipient and data are required")
	}

	local, encrypted := msg.SelfEncryptedHex, true
	if local == "" && msg.PlainHex != "" && m.signer != nil {
		sealed, err := m.signer.EncryptWithOwnPrivateKey(msg.PlainHex, msg.From)
		if err != nil {
			return 0, fmt.Errorf("encrypt local copy: %w", err)
		}
		local = sealed
	}
	if local == "" {
		local, encrypted = msg.PlainHex, false
	}

	highest, err := m.store.GetMessageMaxCounter(msg.From)
	if err != nil {
		return 0, err
	}
	counter := highest + 1
	err = m.store.AddMessage(models.Message{
		Owner:       msg.From,
		Collocutor:  msg.To,
		Payload:     local,
		Timestamp:   msg.Timestamp,
		Counter:     counter,
		IsInput:     false,
		IsConfirmed: false,
		IsEncrypted: encrypted,
		Hash:        models.ContentHash(msg.DataHex),
	})
	if err != nil {
		return 0, err
	}
	return counter, nil
}

// SignStrings signs and caches the fixed request texts for address. It needs
// an unlocked wallet.
func (m *Messenger) SignStrings(address string, done func(struct{}, error)) {
	run(m, done, func() (struct{}, error) {
		if m.signer == nil {
			return struct{}{}, errors.New("no signer configured")
		}
		texts := network.StringsForSign()
		pubkey, signs, err := m.signer.SignBatch(address, texts)
		if err != nil {
			return struct{}{}, err
		}
		entries := make([]models.SignedString, 0, len(texts))
		for i, text := range texts {
			entries = append(entries, models.SignedString{Key: text, Value: signs[i]})
		}
		return struct{}{}, m.store.SetSignedStrings(address, pubkey, entries)
	})
}

// History returns messages of address with counters in [from, to].
func (m *Messenger) History(address string, from, to models.Counter, done func([]models.Message, error)) {
	run(m, done, func() ([]models.Message, error) {
		return m.store.GetMessagesForUser(address, from, to)
	})
}

// HistoryWith returns messages exchanged with collocutor in [from, to].
func (m *Messenger) HistoryWith(address, collocutor string, from, to models.Counter, done func([]models.Message, error)) {
	run(m, done, func() ([]models.Message, error) {
		return m.store.GetMessagesForUserAndDest(address, collocutor, from, to)
	})
}

// HistoryWithCount returns the last count messages exchanged with collocutor up to to.
func (m *Messenger) HistoryWithCount(address, collocutor string, count int, to models.Counter, done func([]models.Message, error)) {
	run(m, done, func() ([]models.Message, error) {
		return m.store.GetMessagesForUserAndDestNum(address, collocutor, count, to)
	})
}

// LastCounter returns the highest stored counter of address.
func (m *Messenger) LastCounter(address string, done func(models.Counter, error)) {
	run(m, done, func() (models.Counter, error) {
		return m.store.GetMessageMaxCounter(address)
	})
}

// SavedPos returns the last position stored with SavePos.
func (m *Messenger) SavedPos(address string, done func(models.Counter, error)) {
	run(m, done, func() (models.Counter, error) {
		return m.store.GetSavedPos(address)
	})
}

// SavePos stores a read position for address.
func (m *Messenger) SavePos(address string, pos models.Counter, done func(struct{}, error)) {
	run(m, done, func() (struct{}, error) {
		return struct{}{}, m.store.SavePos(address, pos)
	})
}

// IsNotFound reports whether err means a missing local record.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

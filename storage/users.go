package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"relaychat/models"
)

// GetUserID returns the row ID for an address, creating the user when absent.
func (s *Store) GetUserID(address string) (int64, error) {
	return userID(s.db, address)
}

func userID(q queryer, address string) (int64, error) {
	if address == "" {
		return 0, errors.New("address is required")
	}
	if _, err := q.Exec(`INSERT OR IGNORE INTO users (address) VALUES (?)`, address); err != nil {
		return 0, fmt.Errorf("insert user %q: %w", address, err)
	}
	var id int64
	if err := q.QueryRow(`SELECT id FROM users WHERE address = ?`, address).Scan(&id); err != nil {
		return 0, fmt.Errorf("get user %q: %w", address, err)
	}
	return id, nil
}

// lookupUserID returns ErrNotFound instead of creating the user.
func lookupUserID(q queryer, address string) (int64, error) {
	var id int64
	err := q.QueryRow(`SELECT id FROM users WHERE address = ?`, address).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get user %q: %w", address, err)
	}
	return id, nil
}

// GetUsersList returns every known address ordered by creation.
func (s *Store) GetUsersList() ([]string, error) {
	rows, err := s.db.Query(`SELECT address FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]string, 0)
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		users = append(users, address)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user rows: %w", err)
	}
	return users, nil
}

// GetUser returns one user row.
func (s *Store) GetUser(address string) (*models.User, error) {
	var user models.User
	var savedPos int64
	err := s.db.QueryRow(
		`SELECT address, public_key, saved_pos FROM users WHERE address = ?`,
		address,
	).Scan(&user.Address, &user.PublicKey, &savedPos)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", address, err)
	}
	user.SavedPos = models.Counter(savedPos)
	return &user, nil
}

// SetUserPublicKey records the relay-reported public key for an address.
func (s *Store) SetUserPublicKey(address, publicKey string) error {
	if _, err := s.GetUserID(address); err != nil {
		return err
	}
	if _, err := s.db.Exec(`UPDATE users SET public_key = ? WHERE address = ?`, publicKey, address); err != nil {
		return fmt.Errorf("update public key for %q: %w", address, err)
	}
	return nil
}

// GetUserPublicKey returns the stored public key or ErrNotFound.
func (s *Store) GetUserPublicKey(address string) (string, error) {
	user, err := s.GetUser(address)
	if err != nil {
		return "", err
	}
	if user.PublicKey == "" {
		return "", ErrNotFound
	}
	return user.PublicKey, nil
}

// SavePos stores the last counter the UI has shown for an address.
func (s *Store) SavePos(address string, pos models.Counter) error {
	if _, err := s.GetUserID(address); err != nil {
		return err
	}
	if _, err := s.db.Exec(`UPDATE users SET saved_pos = ? WHERE address = ?`, int64(pos), address); err != nil {
		return fmt.Errorf("update saved position for %q: %w", address, err)
	}
	return nil
}

// GetSavedPos returns the stored position, zero for unknown addresses.
func (s *Store) GetSavedPos(address string) (models.Counter, error) {
	user, err := s.GetUser(address)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return user.SavedPos, nil
}

// SetSignedStrings replaces the cached request signatures for an address.
func (s *Store) SetSignedStrings(address, publicKey string, entries []models.SignedString) error {
	encoded, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode signed strings: %w", err)
	}
	if _, err := s.GetUserID(address); err != nil {
		return err
	}
	if _, err := s.db.Exec(
		`UPDATE users SET signed_strings = ?, sign_pubkey = ? WHERE address = ?`,
		string(encoded),
		publicKey,
		address,
	); err != nil {
		return fmt.Errorf("update signed strings for %q: %w", address, err)
	}
	return nil
}

// GetSignedString returns the signing public key and the cached signature for key.
func (s *Store) GetSignedString(address, key string) (string, string, error) {
	var raw, publicKey string
	err := s.db.QueryRow(
		`SELECT signed_strings, sign_pubkey FROM users WHERE address = ?`,
		address,
	).Scan(&raw, &publicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("get signed strings for %q: %w", address, err)
	}

	var entries []models.SignedString
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return "", "", fmt.Errorf("decode signed strings for %q: %w", address, err)
	}
	for _, entry := range entries {
		if entry.Key == key {
			return publicKey, entry.Value, nil
		}
	}
	return "", "", ErrNotFound
}

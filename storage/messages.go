package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"relaychat/models"
)

const messageColumns = `u.address,
			m.collocutor,
			m.payload,
			m.timestamp,
			m.counter,
			m.is_input,
			m.is_confirmed,
			m.is_encrypted,
			m.hash`

// AddMessage stores a message in its owner's log, keyed by (owner, counter).
// An unconfirmed outbound row occupying the counter of a confirmed message is
// moved past the current maximum. Any other occupant is overwritten.
func (s *Store) AddMessage(message models.Message) error {
	if message.Owner == "" {
		return errors.New("owner is required")
	}
	if message.Counter == 0 {
		return errors.New("counter is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin add message: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	uid, err := userID(tx, message.Owner)
	if err != nil {
		return err
	}

	occupant, err := messageByCounter(tx, uid, message.Counter)
	switch {
	case errors.Is(err, ErrNotFound):
		if err := insertMessage(tx, uid, message); err != nil {
			return err
		}
	case err != nil:
		return err
	case !occupant.IsConfirmed && !occupant.IsInput && message.IsConfirmed:
		if err := relocateMessage(tx, uid, occupant.Counter); err != nil {
			return err
		}
		if err := insertMessage(tx, uid, message); err != nil {
			return err
		}
	default:
		if err := updateMessage(tx, uid, message); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add message: %w", err)
	}
	return nil
}

// ConfirmMessage marks the outbound message at from as confirmed and moves it
// to the relay-assigned counter to. An unconfirmed occupant of to is relocated.
func (s *Store) ConfirmMessage(address string, from, to models.Counter) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin confirm message: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	uid, err := lookupUserID(tx, address)
	if err != nil {
		return err
	}
	if _, err := messageByCounter(tx, uid, from); err != nil {
		return err
	}

	if from != to {
		occupant, err := messageByCounter(tx, uid, to)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case occupant.IsConfirmed:
			return fmt.Errorf("confirm %q counter %d: %w", address, to, ErrCounterTaken)
		default:
			if err := relocateMessage(tx, uid, to); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec(
		`UPDATE messages SET counter = ?, is_confirmed = 1 WHERE user_id = ? AND counter = ?`,
		int64(to),
		uid,
		int64(from),
	); err != nil {
		return fmt.Errorf("confirm %q counter %d: %w", address, from, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit confirm message: %w", err)
	}
	return nil
}

// GetMessagesForUser returns messages with counters in [from, to] ordered by counter.
func (s *Store) GetMessagesForUser(address string, from, to models.Counter) ([]models.Message, error) {
	return s.queryMessages(
		`SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.user_id
		WHERE u.address = ? AND m.counter >= ? AND m.counter <= ?
		ORDER BY m.counter ASC`,
		address,
		int64(from),
		int64(to),
	)
}

// GetMessagesForUserAndDest narrows GetMessagesForUser to one collocutor.
func (s *Store) GetMessagesForUserAndDest(address, collocutor string, from, to models.Counter) ([]models.Message, error) {
	return s.queryMessages(
		`SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.user_id
		WHERE u.address = ? AND m.collocutor = ? AND m.counter >= ? AND m.counter <= ?
		ORDER BY m.counter ASC`,
		address,
		collocutor,
		int64(from),
		int64(to),
	)
}

// GetMessagesForUserAndDestNum returns the last count messages with a
// collocutor up to and including counter to, ordered by counter.
func (s *Store) GetMessagesForUserAndDestNum(address, collocutor string, count int, to models.Counter) ([]models.Message, error) {
	if count <= 0 {
		return []models.Message{}, nil
	}
	return s.queryMessages(
		`SELECT * FROM (
			SELECT `+messageColumns+`
			FROM messages m JOIN users u ON u.id = m.user_id
			WHERE u.address = ? AND m.collocutor = ? AND m.counter <= ?
			ORDER BY m.counter DESC
			LIMIT ?
		) ORDER BY counter ASC`,
		address,
		collocutor,
		int64(to),
		count,
	)
}

// GetMessageMaxCounter returns the highest stored counter, zero when none.
func (s *Store) GetMessageMaxCounter(address string) (models.Counter, error) {
	return maxCounter(s.db, address, false)
}

// GetMessageMaxConfirmedCounter returns the highest confirmed counter, zero when none.
func (s *Store) GetMessageMaxConfirmedCounter(address string) (models.Counter, error) {
	return maxCounter(s.db, address, true)
}

// GetMessageByCounter returns the message at counter or ErrNotFound.
func (s *Store) GetMessageByCounter(address string, counter models.Counter) (*models.Message, error) {
	uid, err := lookupUserID(s.db, address)
	if err != nil {
		return nil, err
	}
	return messageByCounter(s.db, uid, counter)
}

// FindUnconfirmedByHash returns the lowest unconfirmed outbound message with hash.
func (s *Store) FindUnconfirmedByHash(address, hash string) (*models.Message, error) {
	return s.queryOne(
		`SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.user_id
		WHERE u.address = ? AND m.is_input = 0 AND m.is_confirmed = 0 AND m.hash = ?
		ORDER BY m.counter ASC
		LIMIT 1`,
		address,
		hash,
	)
}

// FindLowestUnconfirmed returns the oldest unconfirmed outbound message.
func (s *Store) FindLowestUnconfirmed(address string) (*models.Message, error) {
	return s.queryOne(
		`SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.user_id
		WHERE u.address = ? AND m.is_input = 0 AND m.is_confirmed = 0
		ORDER BY m.counter ASC
		LIMIT 1`,
		address,
	)
}

// CountConfirmedInRange counts confirmed messages with counters in [from, to].
func (s *Store) CountConfirmedInRange(address string, from, to models.Counter) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(1)
		FROM messages m JOIN users u ON u.id = m.user_id
		WHERE u.address = ? AND m.is_confirmed = 1 AND m.counter >= ? AND m.counter <= ?`,
		address,
		int64(from),
		int64(to),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count confirmed messages for %q: %w", address, err)
	}
	return count, nil
}

func (s *Store) queryMessages(query string, args ...any) ([]models.Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

func (s *Store) queryOne(query string, args ...any) (*models.Message, error) {
	message, err := scanMessage(s.db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	return message, nil
}

func messageByCounter(q queryer, uid int64, counter models.Counter) (*models.Message, error) {
	message, err := scanMessage(q.QueryRow(
		`SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.user_id
		WHERE m.user_id = ? AND m.counter = ?`,
		uid,
		int64(counter),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", counter, err)
	}
	return message, nil
}

func maxCounter(q queryer, address string, confirmedOnly bool) (models.Counter, error) {
	query := `SELECT COALESCE(MAX(m.counter), 0)
		FROM messages m JOIN users u ON u.id = m.user_id
		WHERE u.address = ?`
	if confirmedOnly {
		query += ` AND m.is_confirmed = 1`
	}
	var counter int64
	if err := q.QueryRow(query, address).Scan(&counter); err != nil {
		return 0, fmt.Errorf("max counter for %q: %w", address, err)
	}
	return models.Counter(counter), nil
}

func insertMessage(q queryer, uid int64, message models.Message) error {
	_, err := q.Exec(
		`INSERT INTO messages (
			user_id,
			collocutor,
			payload,
			timestamp,
			counter,
			is_input,
			is_confirmed,
			is_encrypted,
			hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uid,
		message.Collocutor,
		message.Payload,
		message.Timestamp,
		int64(message.Counter),
		boolToInt(message.IsInput),
		boolToInt(message.IsConfirmed),
		boolToInt(message.IsEncrypted),
		message.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert message %d for %q: %w", message.Counter, message.Owner, err)
	}
	return nil
}

func updateMessage(q queryer, uid int64, message models.Message) error {
	_, err := q.Exec(
		`UPDATE messages SET
			collocutor = ?,
			payload = ?,
			timestamp = ?,
			is_input = ?,
			is_confirmed = ?,
			is_encrypted = ?,
			hash = ?
		WHERE user_id = ? AND counter = ?`,
		message.Collocutor,
		message.Payload,
		message.Timestamp,
		boolToInt(message.IsInput),
		boolToInt(message.IsConfirmed),
		boolToInt(message.IsEncrypted),
		message.Hash,
		uid,
		int64(message.Counter),
	)
	if err != nil {
		return fmt.Errorf("update message %d for %q: %w", message.Counter, message.Owner, err)
	}
	return nil
}

// relocateMessage moves the row at counter to one past the current maximum.
func relocateMessage(q queryer, uid int64, counter models.Counter) error {
	var highest int64
	if err := q.QueryRow(
		`SELECT COALESCE(MAX(counter), 0) FROM messages WHERE user_id = ?`,
		uid,
	).Scan(&highest); err != nil {
		return fmt.Errorf("max counter for relocation: %w", err)
	}
	if _, err := q.Exec(
		`UPDATE messages SET counter = ? WHERE user_id = ? AND counter = ?`,
		highest+1,
		uid,
		int64(counter),
	); err != nil {
		return fmt.Errorf("relocate message %d: %w", counter, err)
	}
	return nil
}

func scanMessage(scanner rowScanner) (*models.Message, error) {
	var (
		message     models.Message
		counter     int64
		isInput     int
		isConfirmed int
		isEncrypted int
	)
	if err := scanner.Scan(
		&message.Owner,
		&message.Collocutor,
		&message.Payload,
		&message.Timestamp,
		&counter,
		&isInput,
		&isConfirmed,
		&isEncrypted,
		&message.Hash,
	); err != nil {
		return nil, err
	}
	message.Counter = models.Counter(counter)
	message.IsInput = isInput == 1
	message.IsConfirmed = isConfirmed == 1
	message.IsEncrypted = isEncrypted == 1
	return &message, nil
}

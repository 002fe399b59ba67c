package models

import (
	"crypto/sha512"
	"encoding/hex"
)

// Counter is the relay-assigned per-address sequence number. Zero means no message.
type Counter uint64

// Message is one entry of an address's message log.
type Message struct {
	Owner       string  `json:"owner"`
	Collocutor  string  `json:"collocutor"`
	Payload     string  `json:"payload"`
	Timestamp   int64   `json:"timestamp"`
	Counter     Counter `json:"counter"`
	IsInput     bool    `json:"is_input"`
	IsConfirmed bool    `json:"is_confirmed"`
	IsEncrypted bool    `json:"is_encrypted"`
	Hash        string  `json:"hash"`
}

// ContentHash returns the hex SHA-512 of a hex payload. The relay echoes the
// same payload for outbound messages, so the hash pairs local copies with echoes.
func ContentHash(payloadHex string) string {
	sum := sha512.Sum512([]byte(payloadHex))
	return hex.EncodeToString(sum[:])
}

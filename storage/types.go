package storage

import (
	"database/sql"
	"errors"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrCounterTaken indicates a confirmed message already occupies a counter.
	ErrCounterTaken = errors.New("storage: counter already confirmed")
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

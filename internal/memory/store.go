package memory

import (
	"errors"
	"fmt"
	"time"
)

// DayFormat is the archive day key layout
const DayFormat = "20060102"

// ErrEmptyUserID is returned by stores for an empty user id
var ErrEmptyUserID = errors.New("empty user id")

// Store persists long-term memory and the daily archive
type Store interface {
	// LoadLongTerm returns the saved long-term entries, empty when none exist
	LoadLongTerm(userID string) ([]Entry, error)
	// SaveLongTerm replaces the saved long-term entries
	SaveLongTerm(userID string, entries []Entry) error

	// LoadArchive returns the archive for one day (DayFormat)
	LoadArchive(userID, day string) ([]Entry, error)
	// SaveArchive replaces the archive for one day
	SaveArchive(userID, day string, entries []Entry) error
	// CleanupArchive removes archives last written before olderThan
	CleanupArchive(olderThan time.Time) (int, error)

	Close() error
}

// StoreError describes a failed storage operation
type StoreError struct {
	Op   string // operation name
	Path string // file path or table
	Err  error
}

func (e *StoreError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("memory store %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("memory store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op, path string, err error) error {
	return &StoreError{Op: op, Path: path, Err: err}
}

// Day returns the archive key for t
func Day(t time.Time) string {
	return t.Format(DayFormat)
}

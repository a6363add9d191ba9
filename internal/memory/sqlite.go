package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore SQLite memory storage implementation
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite storage
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open database
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; serializing here avoids SQLITE_BUSY under load
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, now: time.Now}

	// Initialize tables
	if err := store.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database tables: %w", err)
	}

	return store, nil
}

// initTables initializes database tables
func (s *SQLiteStore) initTables() error {
	queries := []string{
		// Long-term memory, ordered by position
		`CREATE TABLE IF NOT EXISTS long_term (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL
		)`,
		// Daily archive
		`CREATE TABLE IF NOT EXISTS archive (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			day TEXT NOT NULL,
			position INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		// Create indexes
		`CREATE INDEX IF NOT EXISTS idx_long_term_user ON long_term(user_id, position)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_user_day ON archive(user_id, day, position)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_updated_at ON archive(updated_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute SQL: %s, error: %w", query, err)
		}
	}
	return nil
}

// LoadLongTerm loads long-term entries in saved order
func (s *SQLiteStore) LoadLongTerm(userID string) ([]Entry, error) {
	if userID == "" {
		return nil, storeErr("LoadLongTerm", "long_term", ErrEmptyUserID)
	}
	rows, err := s.db.Query(
		"SELECT role, content FROM long_term WHERE user_id = ? ORDER BY position ASC",
		userID,
	)
	if err != nil {
		return nil, storeErr("LoadLongTerm", "long_term", err)
	}
	return scanEntries("LoadLongTerm", "long_term", rows)
}

// SaveLongTerm replaces long-term entries in one transaction
func (s *SQLiteStore) SaveLongTerm(userID string, entries []Entry) error {
	if userID == "" {
		return storeErr("SaveLongTerm", "long_term", ErrEmptyUserID)
	}
	return s.replace("SaveLongTerm", "long_term",
		func(tx *sql.Tx) error {
			_, err := tx.Exec("DELETE FROM long_term WHERE user_id = ?", userID)
			return err
		},
		func(tx *sql.Tx, i int, e Entry) error {
			_, err := tx.Exec(
				"INSERT INTO long_term (user_id, position, role, content) VALUES (?, ?, ?, ?)",
				userID, i, e.Role, e.Content,
			)
			return err
		},
		entries,
	)
}

// LoadArchive loads one day of the archive
func (s *SQLiteStore) LoadArchive(userID, day string) ([]Entry, error) {
	if userID == "" {
		return nil, storeErr("LoadArchive", "archive", ErrEmptyUserID)
	}
	rows, err := s.db.Query(
		"SELECT role, content FROM archive WHERE user_id = ? AND day = ? ORDER BY position ASC",
		userID, day,
	)
	if err != nil {
		return nil, storeErr("LoadArchive", "archive", err)
	}
	return scanEntries("LoadArchive", "archive", rows)
}

// SaveArchive replaces one day of the archive in one transaction
func (s *SQLiteStore) SaveArchive(userID, day string, entries []Entry) error {
	if userID == "" {
		return storeErr("SaveArchive", "archive", ErrEmptyUserID)
	}
	now := s.now()
	return s.replace("SaveArchive", "archive",
		func(tx *sql.Tx) error {
			_, err := tx.Exec("DELETE FROM archive WHERE user_id = ? AND day = ?", userID, day)
			return err
		},
		func(tx *sql.Tx, i int, e Entry) error {
			_, err := tx.Exec(
				"INSERT INTO archive (user_id, day, position, role, content, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
				userID, day, i, e.Role, e.Content, now.Unix(),
			)
			return err
		},
		entries,
	)
}

// CleanupArchive removes archive days last written before olderThan and
// returns the number of days removed
func (s *SQLiteStore) CleanupArchive(olderThan time.Time) (int, error) {
	const stale = `SELECT user_id, day FROM archive GROUP BY user_id, day HAVING MAX(updated_at) < ?`

	tx, err := s.db.Begin()
	if err != nil {
		return 0, storeErr("CleanupArchive", "archive", err)
	}

	var days int
	if err := tx.QueryRow("SELECT COUNT(*) FROM ("+stale+")", olderThan.Unix()).Scan(&days); err != nil {
		tx.Rollback()
		return 0, storeErr("CleanupArchive", "archive", err)
	}
	if days == 0 {
		tx.Rollback()
		return 0, nil
	}

	if _, err := tx.Exec("DELETE FROM archive WHERE (user_id, day) IN ("+stale+")", olderThan.Unix()); err != nil {
		tx.Rollback()
		return 0, storeErr("CleanupArchive", "archive", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("CleanupArchive", "archive", err)
	}
	return days, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) replace(op, table string, reset func(*sql.Tx) error, insert func(*sql.Tx, int, Entry) error, entries []Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storeErr(op, table, err)
	}
	if err := reset(tx); err != nil {
		tx.Rollback()
		return storeErr(op, table, err)
	}
	for i, e := range entries {
		if err := insert(tx, i, e); err != nil {
			tx.Rollback()
			return storeErr(op, table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr(op, table, err)
	}
	return nil
}

func scanEntries(op, table string, rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Role, &e.Content); err != nil {
			return nil, storeErr(op, table, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, table, err)
	}
	return entries, nil
}

package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileStore keeps memory as JSON files:
//
//	<root>/users/<id>.json                long-term entries
//	<root>/persistent/<id>_<YYYYMMDD>.json daily archive
type FileStore struct {
	usersDir      string
	persistentDir string
}

// NewFileStore creates a file store rooted at dir
func NewFileStore(dir string) (*FileStore, error) {
	s := &FileStore{
		usersDir:      filepath.Join(dir, "users"),
		persistentDir: filepath.Join(dir, "persistent"),
	}
	for _, d := range []string{s.usersDir, s.persistentDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create memory directory: %w", err)
		}
	}
	return s, nil
}

// sanitizeID keeps ids usable as file names
func sanitizeID(userID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, userID)
}

func (s *FileStore) longTermPath(userID string) string {
	return filepath.Join(s.usersDir, sanitizeID(userID)+".json")
}

func (s *FileStore) archivePath(userID, day string) string {
	return filepath.Join(s.persistentDir, sanitizeID(userID)+"_"+day+".json")
}

// LoadLongTerm loads long-term entries
func (s *FileStore) LoadLongTerm(userID string) ([]Entry, error) {
	if userID == "" {
		return nil, storeErr("LoadLongTerm", "", ErrEmptyUserID)
	}
	return readEntries("LoadLongTerm", s.longTermPath(userID))
}

// SaveLongTerm writes long-term entries
func (s *FileStore) SaveLongTerm(userID string, entries []Entry) error {
	if userID == "" {
		return storeErr("SaveLongTerm", "", ErrEmptyUserID)
	}
	return writeEntries("SaveLongTerm", s.longTermPath(userID), entries)
}

// LoadArchive loads one day of the archive
func (s *FileStore) LoadArchive(userID, day string) ([]Entry, error) {
	if userID == "" {
		return nil, storeErr("LoadArchive", "", ErrEmptyUserID)
	}
	return readEntries("LoadArchive", s.archivePath(userID, day))
}

// SaveArchive writes one day of the archive
func (s *FileStore) SaveArchive(userID, day string, entries []Entry) error {
	if userID == "" {
		return storeErr("SaveArchive", "", ErrEmptyUserID)
	}
	return writeEntries("SaveArchive", s.archivePath(userID, day), entries)
}

// CleanupArchive removes archive files whose modification time is before olderThan
func (s *FileStore) CleanupArchive(olderThan time.Time) (int, error) {
	files, err := filepath.Glob(filepath.Join(s.persistentDir, "*.json"))
	if err != nil {
		return 0, storeErr("CleanupArchive", s.persistentDir, err)
	}

	removed := 0
	var errs []error
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if !info.ModTime().Before(olderThan) {
			continue
		}
		if err := os.Remove(path); err != nil {
			errs = append(errs, storeErr("CleanupArchive", path, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Close is a no-op for files
func (s *FileStore) Close() error {
	return nil
}

func readEntries(op, path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, storeErr(op, path, err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, storeErr(op, path, err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// writeEntries writes to a temp file in the same directory and renames it
// over the target, so readers never see a partial file
func writeEntries(op, path string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return storeErr(op, path, err)
	}

	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+uuid.New().String()+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return storeErr(op, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return storeErr(op, path, err)
	}
	return nil
}

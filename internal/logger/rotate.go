package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const filePrefix = "companion-"

// dailyFile is a zapcore.WriteSyncer that switches to a new file each day
// and keeps at most maxDays files
type dailyFile struct {
	mu      sync.Mutex
	dir     string
	prefix  string
	maxDays int
	now     func() time.Time

	date string
	f    *os.File
}

func newDailyFile(dir, prefix string, maxDays int) (*dailyFile, error) {
	// Ensure log directory exists
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	d := &dailyFile{
		dir:     dir,
		prefix:  prefix,
		maxDays: maxDays,
		now:     time.Now,
	}

	// Open initial log file
	if err := d.rotateIfNeeded(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *dailyFile) filename(date string) string {
	return filepath.Join(d.dir, d.prefix+date+".log")
}

// rotateIfNeeded opens today's file when the date changed. Caller holds mu
// or has exclusive access.
func (d *dailyFile) rotateIfNeeded() error {
	today := d.now().Format("2006-01-02")
	if d.date == today && d.f != nil {
		return nil
	}

	if d.f != nil {
		d.f.Close()
	}

	f, err := os.OpenFile(d.filename(today), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	d.f = f
	d.date = today

	go d.cleanOldLogs()
	return nil
}

// cleanOldLogs removes log files beyond the newest maxDays
func (d *dailyFile) cleanOldLogs() {
	files, err := filepath.Glob(filepath.Join(d.dir, d.prefix+"*.log"))
	if err != nil {
		return
	}
	if len(files) <= d.maxDays {
		return
	}

	// Names sort by date
	sort.Strings(files)
	for i := 0; i < len(files)-d.maxDays; i++ {
		os.Remove(files[i])
	}
}

func (d *dailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.rotateIfNeeded(); err != nil {
		errorf("Logger rotation error: %v", err)
		return 0, err
	}
	return d.f.Write(p)
}

func (d *dailyFile) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	return d.f.Sync()
}

func (d *dailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/UgoRastell/microsaas/internal/pkg/errors"
)

// DefaultJournalMaxBytes caps a journal file at 10 MiB before rotation.
const DefaultJournalMaxBytes = 10 << 20

// JournalEntry is one message as written to the journal.
type JournalEntry struct {
	Subject   string          `json:"subject"`
	Reply     string          `json:"reply,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Journal appends published messages to disk for debugging. Entries are
// JSON lines, one object per line; when the file grows past maxBytes it
// is rotated to <path>.1, keeping one previous generation. Best effort
// only: the journal makes no delivery or replay-consistency guarantee.
type Journal struct {
	path     string
	maxBytes int64
	mu       sync.Mutex
	file     *os.File
	size     int64
	enabled  bool
}

// NewJournal creates a journal at path. If enabled is false the journal
// is created but writes nothing. maxBytes <= 0 falls back to
// DefaultJournalMaxBytes.
func NewJournal(path string, enabled bool, maxBytes int64) (*Journal, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultJournalMaxBytes
	}
	j := &Journal{
		path:     path,
		maxBytes: maxBytes,
		enabled:  enabled,
	}

	if !enabled {
		return j, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat journal file: %w", err)
	}

	j.file = file
	j.size = info.Size()

	return j, nil
}

// rotatedPath is where the previous journal generation lives.
func (j *Journal) rotatedPath() string {
	return j.path + ".1"
}

// rotate moves the current file to <path>.1 and reopens a fresh one.
// Caller holds j.mu.
func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal before rotation: %w", err)
	}
	if err := os.Rename(j.path, j.rotatedPath()); err != nil {
		return fmt.Errorf("failed to rotate journal: %w", err)
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen journal after rotation: %w", err)
	}
	j.file = file
	j.size = 0
	return nil
}

// Log writes one message to the journal, rotating first when the file is
// already at capacity. No-op when disabled.
func (j *Journal) Log(m Msg) error {
	if !j.enabled {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return errors.New(errors.CodeInternal, "journal not initialized")
	}

	data := m.Data
	if !json.Valid(data) {
		// Payloads are JSON by convention; quote anything that is not so
		// the journal line stays parseable.
		quoted, err := json.Marshal(string(m.Data))
		if err != nil {
			return fmt.Errorf("failed to quote payload: %w", err)
		}
		data = quoted
	}

	entry := JournalEntry{
		Subject:   m.Subject,
		Reply:     m.Reply,
		Data:      data,
		Timestamp: time.Now(),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}
	line = append(line, '\n')

	if j.size > 0 && j.size+int64(len(line)) > j.maxBytes {
		if err := j.rotate(); err != nil {
			return err
		}
	}

	n, err := j.file.Write(line)
	j.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}

	// Flush to ensure it's written immediately (important for debugging)
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal file: %w", err)
	}

	return nil
}

// ReadSince reads entries recorded after the 'since' timestamp, in
// chronological order across the rotated and current files. If limit > 0,
// returns at most that many entries.
func (j *Journal) ReadSince(since time.Time, limit int) ([]JournalEntry, error) {
	if !j.enabled {
		return nil, errors.New(errors.CodeUnavailable, "journal is disabled")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entries := []JournalEntry{}
	for _, path := range []string{j.rotatedPath(), j.path} {
		var err error
		entries, err = appendEntries(entries, path, since, limit)
		if err != nil {
			return nil, err
		}
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

// ReadAll reads every journaled entry, oldest first. If limit > 0,
// returns at most that many entries.
func (j *Journal) ReadAll(limit int) ([]JournalEntry, error) {
	return j.ReadSince(time.Time{}, limit)
}

func appendEntries(entries []JournalEntry, path string, since time.Time, limit int) ([]JournalEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)

	// Increase buffer size for potentially large payloads
	const maxScanTokenSize = 1024 * 1024 // 1MB
	buf := make([]byte, maxScanTokenSize)
	scanner.Buffer(buf, maxScanTokenSize)

	for scanner.Scan() {
		var entry JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// Skip malformed lines
			continue
		}

		if entry.Timestamp.After(since) {
			entries = append(entries, entry)

			if limit > 0 && len(entries) >= limit {
				break
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan journal file: %w", err)
	}

	return entries, nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	if !j.enabled {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("failed to close journal file: %w", err)
		}
		j.file = nil
	}

	return nil
}

// IsEnabled returns true if the journal is enabled.
func (j *Journal) IsEnabled() bool {
	return j.enabled
}

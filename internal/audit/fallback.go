package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileFallback is an append-only JSON-lines file used when the store is
// unreachable.
type FileFallback struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenFileFallback opens (or creates) the fallback file at path.
func OpenFileFallback(path string) (*FileFallback, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("OpenFileFallback: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("OpenFileFallback: %w", err)
	}
	return &FileFallback{path: path, f: f}, nil
}

// Path returns the file location.
func (fb *FileFallback) Path() string { return fb.path }

// Append writes records as one line each, in a single write.
func (fb *FileFallback) Append(records []*ExecutionRecord) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("Append: %w", err)
		}
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.f == nil {
		return errors.New("Append: fallback file closed")
	}
	if _, err := fb.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("Append: %w", err)
	}
	return nil
}

// Find scans the file for a record. Unparseable lines are skipped.
func (fb *FileFallback) Find(correlationID string) (*ExecutionRecord, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	f, err := os.Open(fb.path)
	if err != nil {
		return nil, fmt.Errorf("Find: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	needle := []byte(correlationID)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.Contains(line, needle) {
			continue
		}
		var rec ExecutionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.CorrelationID == correlationID {
			return &rec, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("Find: %w", err)
	}
	return nil, ErrNotFound
}

// Close closes the file. Further appends fail.
func (fb *FileFallback) Close() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.f == nil {
		return nil
	}
	err := fb.f.Close()
	fb.f = nil
	return err
}

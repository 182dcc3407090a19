package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Appender writes structured events as JSON lines to a single file.
// Writes are serialized so concurrent callers never interleave lines.
// The file is opened lazily and survives process restarts (append mode).
type Appender struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewAppender creates a JSONL appender for path. The file and its parent
// directory are created on first Append.
func NewAppender(path string) *Appender {
	return &Appender{path: path}
}

// Append marshals v and writes it as one line. Marshal or write failures
// are returned so callers can decide whether the event matters.
func (a *Appender) Append(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
			return fmt.Errorf("failed to create audit directory: %w", err)
		}
		file, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open audit file: %w", err)
		}
		a.file = file
	}

	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// Close closes the underlying file if it was opened.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

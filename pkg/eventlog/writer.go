// Package eventlog journals provisioning session activity to daily rotated
// JSONL files, giving operators a replayable trace of every attempt.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"provisioner/pkg/proto"
)

// Record is one journaled observation for a session attempt.
type Record struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Generation uint64      `json:"generation"`
	Stage      proto.Stage `json:"stage"`
	Progress   int         `json:"progress"`
	Message    string      `json:"message,omitempty"`
	Detail     string      `json:"detail,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// NewRecord builds a Record with a fresh ID and UTC timestamp.
func NewRecord(sessionID string, generation uint64, stage proto.Stage, progress int, message, detail string) Record {
	return Record{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Generation: generation,
		Stage:      stage,
		Progress:   progress,
		Message:    message,
		Detail:     detail,
		Timestamp:  time.Now().UTC(),
	}
}

// Writer appends records to daily rotated JSONL files.
type Writer struct {
	logDir      string
	mu          sync.Mutex
	currentFile *os.File
	currentDate string
}

// NewWriter creates a journal writer rooted at logDir.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	w := &Writer{logDir: logDir}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize journal file: %w", err)
	}
	return w, nil
}

// Append writes one record, rotating to a new file when the day changes.
func (w *Writer) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate journal: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}
	if _, err := w.currentFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	date := time.Now().UTC().Format("2006-01-02")
	if w.currentFile != nil && w.currentDate == date {
		return nil
	}

	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close journal file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fmt.Sprintf("sessions-%s.jsonl", date))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal file %s: %w", path, err)
	}

	w.currentFile = f
	w.currentDate = date
	return nil
}

// CurrentFile returns the path of the active journal file.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fmt.Sprintf("sessions-%s.jsonl", w.currentDate))
}

// Close releases the active journal file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	if err != nil {
		return fmt.Errorf("failed to close journal file: %w", err)
	}
	return nil
}

// ReadRecords parses all records from a journal file.
func ReadRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal file: %w", err)
	}

	var records []Record
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				return nil, fmt.Errorf("failed to parse journal record: %w", err)
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

// ListFiles returns all journal files under logDir.
func ListFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "sessions-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list journal files: %w", err)
	}
	return files, nil
}

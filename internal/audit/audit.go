// Package audit implements the append-only, non-repudiable audit log. One
// JSON object per line, fields in a fixed struct order for diffability,
// flushed to disk before any state-changing API call is acknowledged.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Record is one append-only audit entry. Field order is fixed by the
// struct's json tags (Go's encoding/json preserves declaration order),
// giving every line the same canonical key order.
type Record struct {
	Instant time.Time `json:"instant"`
	Actor   string    `json:"actor"` // ae_id, or "system"
	Action  string    `json:"action"`
	Subject string    `json:"subject,omitempty"`
	Digest  string    `json:"digest,omitempty"`
	Decision string   `json:"decision"`
	Reason  string    `json:"reason,omitempty"`
}

// Log is a durable, append-only writer plus a bounded in-memory tail for
// cheap reads without re-scanning the file.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	tail     []Record
	tailMax  int
}

// Open opens (creating if necessary) the audit log file at path.
func Open(path string, tailMax int) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	if tailMax <= 0 {
		tailMax = 1000
	}
	l := &Log{
		file:    f,
		writer:  bufio.NewWriter(f),
		tailMax: tailMax,
	}
	return l, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// Append writes one record, flushing and fsyncing before returning, so a
// crash can lose at most the in-flight record. It never blocks on
// concurrent appends longer than one record's worth of I/O.
func (l *Log) Append(r Record) error {
	if r.Instant.IsZero() {
		r.Instant = time.Now().UTC()
	}
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.writer.Write(line); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush audit record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit record: %w", err)
	}

	l.tail = append(l.tail, r)
	if len(l.tail) > l.tailMax {
		l.tail = l.tail[len(l.tail)-l.tailMax:]
	}
	return nil
}

// Tail returns up to limit of the most recently appended records, oldest
// first. It never touches the filesystem.
func (l *Log) Tail(limit int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > len(l.tail) {
		limit = len(l.tail)
	}
	out := make([]Record, limit)
	copy(out, l.tail[len(l.tail)-limit:])
	return out
}

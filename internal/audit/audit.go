// Package audit appends approval decisions and mesh lifecycle events
// to a JSON-lines file. Every line carries a hash chained to the
// previous one, so trimming or editing the history is detectable.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	maxFileSize = 16 * 1024 * 1024
	genesis     = "atmosphere-audit-genesis"
)

// Entry is one audit line as read back from the file.
type Entry struct {
	TS     time.Time      `json:"ts"`
	Event  string         `json:"event"`
	Chain  string         `json:"chain"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Log is an append-only audit file.
type Log struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	size   int64
	chain  string
	logger *slog.Logger
}

// Open creates or continues the audit file at path. The hash chain
// resumes from the last line so restarts do not break verification.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("statting audit log: %w", err)
	}

	l := &Log{
		path:   path,
		f:      f,
		size:   info.Size(),
		chain:  hashData(genesis),
		logger: logger.With("component", "audit"),
	}
	if last, ok := lastChain(path); ok {
		l.chain = last
	}
	return l, nil
}

// Write appends one event. Failures are logged, never propagated: an
// unwritable audit line must not fail the operation it describes.
func (l *Log) Write(event string, fields map[string]any) {
	e := Entry{TS: time.Now().UTC(), Event: event, Fields: fields}

	l.mu.Lock()
	defer l.mu.Unlock()

	body, err := json.Marshal(struct {
		TS     time.Time      `json:"ts"`
		Event  string         `json:"event"`
		Fields map[string]any `json:"fields,omitempty"`
	}{e.TS, e.Event, e.Fields})
	if err != nil {
		l.logger.Warn("audit entry not serializable", "event", event, "error", err)
		return
	}
	l.chain = hashData(l.chain + string(body))
	e.Chain = l.chain

	line, err := json.Marshal(e)
	if err != nil {
		l.logger.Warn("audit entry not serializable", "event", event, "error", err)
		return
	}
	line = append(line, '\n')

	if l.size+int64(len(line)) > maxFileSize {
		l.rotate()
	}
	n, err := l.f.Write(line)
	if err != nil {
		l.logger.Warn("audit write failed", "error", err)
		return
	}
	l.size += int64(n)
}

// rotate moves the current file aside and starts a fresh chain that
// links to the old file's final hash.
func (l *Log) rotate() {
	l.f.Close()
	old := l.path + ".1"
	os.Remove(old)
	if err := os.Rename(l.path, old); err != nil {
		l.logger.Warn("audit rotation failed", "error", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		l.logger.Error("audit log unusable after rotation", "error", err)
		return
	}
	l.f = f
	l.size = 0
}

// Tail returns the newest n entries, oldest first.
func (l *Log) Tail(n int) ([]Entry, error) {
	l.mu.Lock()
	path := l.path
	l.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue // a torn write from a crash, skip it
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// Verify walks the file and recomputes the chain, returning the line
// number of the first mismatch, or 0 when intact.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	chain := hashData(genesis)
	lineNo := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lineNo++
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return lineNo, nil
		}
		body, err := json.Marshal(struct {
			TS     time.Time      `json:"ts"`
			Event  string         `json:"event"`
			Fields map[string]any `json:"fields,omitempty"`
		}{e.TS, e.Event, e.Fields})
		if err != nil {
			return lineNo, nil
		}
		chain = hashData(chain + string(body))
		if chain != e.Chain {
			return lineNo, nil
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("reading audit log: %w", err)
	}
	return 0, nil
}

// Close flushes and closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Fn adapts the log into the gate's audit sink signature.
func (l *Log) Fn() func(event string, fields map[string]any) {
	return l.Write
}

func hashData(data string) string {
	h := sha256.New()
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// lastChain recovers the chain tip from the newest parseable line.
func lastChain(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	last := ""
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err == nil && e.Chain != "" {
			last = e.Chain
		}
	}
	return last, last != ""
}

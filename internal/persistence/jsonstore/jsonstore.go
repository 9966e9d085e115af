// Package jsonstore implements persistence.Store as one JSON-lines file per
// table under a directory, generalizing the teacher's
// internal/store/store.go atomic tmp-file-then-rename idiom: position
// snapshots there replaced a whole file atomically on every save, because a
// position is a single current-value record. Here every table is an
// append-only log instead, so the atomic unit is a single line append
// rather than a whole-file swap, but the same crash-safety goal (a reader
// never observes a half-written record) is preserved by writing one
// newline-terminated JSON object per Append call under an exclusive lock
// and syncing before returning.
package jsonstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"arb-core/internal/persistence"
)

type line struct {
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// Store persists every table as dir/<table>.jsonl.
type Store struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// Open creates a Store backed by dir, creating it if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("jsonstore: create dir: %w", err)
	}
	return &Store{dir: dir, files: make(map[string]*os.File)}, nil
}

var _ persistence.Store = (*Store)(nil)

func (s *Store) fileFor(table string) (*os.File, error) {
	if f, ok := s.files[table]; ok {
		return f, nil
	}
	path := filepath.Join(s.dir, table+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("jsonstore: open %s: %w", table, err)
	}
	s.files[table] = f
	return f, nil
}

// Append writes one newline-terminated JSON record and syncs the file.
func (s *Store) Append(ctx context.Context, table string, ts time.Time, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileFor(table)
	if err != nil {
		return err
	}
	data, err := json.Marshal(line{Timestamp: ts, Payload: payload})
	if err != nil {
		return fmt.Errorf("jsonstore: marshal: %w", err)
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("jsonstore: write %s: %w", table, err)
	}
	return f.Sync()
}

// ReadAll reads every record from a table's file in on-disk (append) order,
// which is ascending timestamp order for a well-behaved single writer.
func (s *Store) ReadAll(ctx context.Context, table string) ([]persistence.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, table+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("jsonstore: open %s for read: %w", table, err)
	}
	defer f.Close()

	var out []persistence.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var l line
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			return nil, fmt.Errorf("jsonstore: unmarshal %s record: %w", table, err)
		}
		out = append(out, persistence.Record{Table: table, Timestamp: l.Timestamp, Payload: l.Payload})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("jsonstore: scan %s: %w", table, err)
	}
	return out, nil
}

// Close closes every open table file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for table, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("jsonstore: close %s: %w", table, err)
		}
	}
	return firstErr
}

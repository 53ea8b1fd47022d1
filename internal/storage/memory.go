package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"slackmcp/pkg/logging"
)

// sweepInterval is how often the background cleanup removes expired records.
const sweepInterval = 5 * time.Minute

// entry is a single in-memory record. A zero ExpiresAt means no expiry.
type entry struct {
	Value     []byte
	ExpiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// fileRecord is the JSONL line format for the file-mirrored backend. One JSON
// object per line; on replay the last record per key wins. ExpiresAt is a Unix
// timestamp, zero when the record does not expire.
type fileRecord struct {
	Key       string          `json:"key"`
	Record    json.RawMessage `json:"record"`
	ExpiresAt int64           `json:"expires_at,omitempty"`
}

// MemoryBackend holds records in a process-wide map, optionally mirrored to an
// append-only JSONL file for restart recovery. The file is advisory: corrupt
// lines are skipped and logged, never propagated as errors.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]entry

	// path is empty for the pure in-memory variant.
	path string

	stopSweep chan struct{}
	stopOnce  sync.Once
}

// NewMemoryBackend creates an in-memory backend with no file mirror.
func NewMemoryBackend() *MemoryBackend {
	mb := &MemoryBackend{
		records:   make(map[string]entry),
		stopSweep: make(chan struct{}),
	}
	go mb.sweepLoop()
	return mb
}

// NewFileBackend creates a memory backend mirrored to a JSONL file at path.
// Existing records are replayed on startup; the last record per key wins.
func NewFileBackend(path string) (*MemoryBackend, error) {
	mb := &MemoryBackend{
		records:   make(map[string]entry),
		path:      path,
		stopSweep: make(chan struct{}),
	}
	if err := mb.replay(); err != nil {
		return nil, err
	}
	go mb.sweepLoop()
	return mb, nil
}

// Get retrieves a record. Expired records are treated as absent but left in
// place for the sweep to collect.
func (mb *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	e, ok := mb.records[key]
	if !ok || e.expired(time.Now()) {
		return nil, false, nil
	}
	return e.Value, true, nil
}

// Put stores a record and, when mirroring, appends it to the JSONL file.
func (mb *MemoryBackend) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{Value: value}
	if ttl > NoTTL {
		e.ExpiresAt = time.Now().Add(ttl)
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()

	prev, hadPrev := mb.records[key]
	mb.records[key] = e

	if mb.path != "" {
		if err := mb.appendLine(key, e); err != nil {
			// A failed write must not be readable afterwards.
			if hadPrev {
				mb.records[key] = prev
			} else {
				delete(mb.records, key)
			}
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// Take atomically retrieves and deletes a record under the backend lock.
func (mb *MemoryBackend) Take(_ context.Context, key string) ([]byte, bool, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	e, ok := mb.records[key]
	if !ok || e.expired(time.Now()) {
		return nil, false, nil
	}
	delete(mb.records, key)

	if mb.path != "" {
		if err := mb.rewriteFile(); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return e.Value, true, nil
}

// Delete removes a record. For the file variant the mirror is rewritten
// without the deleted key so a restart does not resurrect it.
func (mb *MemoryBackend) Delete(_ context.Context, key string) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if _, ok := mb.records[key]; !ok {
		return nil
	}
	delete(mb.records, key)

	if mb.path != "" {
		if err := mb.rewriteFile(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// ListKeys returns all live keys with the given prefix.
func (mb *MemoryBackend) ListKeys(_ context.Context, prefix string) ([]string, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	now := time.Now()
	var keys []string
	for key, e := range mb.records {
		if e.expired(now) {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Stop stops the background sweep goroutine.
func (mb *MemoryBackend) Stop() {
	mb.stopOnce.Do(func() { close(mb.stopSweep) })
}

func (mb *MemoryBackend) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mb.sweep()
		case <-mb.stopSweep:
			return
		}
	}
}

// sweep removes all expired records. The file mirror is rewritten only when
// something was actually collected.
func (mb *MemoryBackend) sweep() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	now := time.Now()
	count := 0
	for key, e := range mb.records {
		if e.expired(now) {
			delete(mb.records, key)
			count++
		}
	}

	if count == 0 {
		return
	}
	logging.Debug("Storage", "Swept %d expired records", count)

	if mb.path != "" {
		if err := mb.rewriteFile(); err != nil {
			logging.Warn("Storage", "Failed to rewrite %s after sweep: %v", mb.path, err)
		}
	}
}

// replay loads the JSONL file into memory. Later lines win over earlier ones
// for the same key; unparseable lines are skipped with a warning.
func (mb *MemoryBackend) replay() error {
	f, err := os.Open(mb.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer f.Close()

	now := time.Now()
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec fileRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Key == "" {
			logging.Warn("Storage", "Skipping corrupt record at %s:%d: %v", mb.path, lineNo, err)
			continue
		}

		e := entry{Value: rec.Record}
		if rec.ExpiresAt > 0 {
			e.ExpiresAt = time.Unix(rec.ExpiresAt, 0)
		}
		if e.expired(now) {
			delete(mb.records, rec.Key)
			continue
		}
		mb.records[rec.Key] = e
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if len(mb.records) > 0 {
		logging.Info("Storage", "Recovered %d records from %s", len(mb.records), mb.path)
	}
	return nil
}

// appendLine writes one record to the mirror. Caller holds mb.mu.
func (mb *MemoryBackend) appendLine(key string, e entry) error {
	f, err := os.OpenFile(mb.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	rec := fileRecord{Key: key, Record: e.Value}
	if !e.ExpiresAt.IsZero() {
		rec.ExpiresAt = e.ExpiresAt.Unix()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// rewriteFile replaces the mirror with the current live records. Caller holds
// mb.mu.
func (mb *MemoryBackend) rewriteFile() error {
	tmp := mb.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	now := time.Now()
	for key, e := range mb.records {
		if e.expired(now) {
			continue
		}
		rec := fileRecord{Key: key, Record: e.Value}
		if !e.ExpiresAt.IsZero() {
			rec.ExpiresAt = e.ExpiresAt.Unix()
		}
		line, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, mb.path)
}

// Package store persists credential records as one JSON file per record
// under a configurable directory. It is the reference persistence adapter:
// protocol modules stay storage-agnostic and only exchange plain credential
// maps with callers.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/apirelay/apirelay/internal/protocol"
)

// Record is one persisted credential set for a protocol.
type Record struct {
	ID          string               `json:"id"`
	Name        string               `json:"name,omitempty"`
	Protocol    string               `json:"protocol"`
	Credentials protocol.Credentials `json:"credentials"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// FileStore reads and writes records under a base directory, one JSON file
// per record. Writes are atomic (temp file + rename) so a crash never leaves
// a half-written credential file behind.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: strings.TrimSpace(dir)}
}

// Dir returns the backing directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save persists the record, assigning an id and creation time on first save.
func (s *FileStore) Save(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("store: record is nil")
	}
	if rec.Protocol == "" {
		return fmt.Errorf("store: record protocol is required")
	}
	if s.dir == "" {
		return fmt.Errorf("store: directory not configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("store: create dir failed: %w", err)
	}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal record failed: %w", err)
	}

	path := s.path(rec.ID)
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file failed: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: write temp file failed: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: close temp file failed: %w", err)
	}
	if err = os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: chmod temp file failed: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: rename failed: %w", err)
	}
	return nil
}

// Load reads one record by id.
func (s *FileStore) Load(id string) (*Record, error) {
	if id == "" {
		return nil, fmt.Errorf("store: id is required")
	}
	raw, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("store: record %s not found", id)
		}
		return nil, fmt.Errorf("store: read record failed: %w", err)
	}
	var rec Record
	if err = json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("store: parse record %s failed: %w", id, err)
	}
	return &rec, nil
}

// List enumerates every record under the directory, skipping files that do
// not parse. Results are sorted by id for stable output.
func (s *FileStore) List() ([]*Record, error) {
	if s.dir == "" {
		return nil, fmt.Errorf("store: directory not configured")
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read dir failed: %w", err)
	}
	var records []*Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		rec, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			log.Warnf("store: skipping %s: %v", name, err)
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// UpdateCredentials merges a credential delta into a stored record. Used by
// callers persisting the UpdatedCredentials a module returned after a
// refresh.
func (s *FileStore) UpdateCredentials(id string, delta protocol.Credentials) (*Record, error) {
	rec, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	rec.Credentials = rec.Credentials.Merge(delta)
	if err = s.Save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes one record. Deleting a missing record is not an error.
func (s *FileStore) Delete(id string) error {
	if id == "" {
		return fmt.Errorf("store: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete record failed: %w", err)
	}
	return nil
}

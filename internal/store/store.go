// Package store persists compiled engine instances as JSON files.
//
// Each auction's instance is stored as instance_<auctionID>.json, the exact
// body sent to the optimization engine, so a solve can be replayed against
// the engine offline. Writes use atomic file replacement (write to .tmp,
// then rename) so a crash mid-save never leaves a partial file.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"batch-solver/internal/model"
)

// Store persists instances to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

func (s *Store) path(auctionID uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("instance_%d.json", auctionID))
}

// SaveInstance atomically writes the instance of an auction, replacing any
// earlier dump for the same auction.
func (s *Store) SaveInstance(auctionID uint64, m *model.BatchAuctionModel) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal instance %d: %w", auctionID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(auctionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write instance %d: %w", auctionID, err)
	}
	return os.Rename(tmp, path)
}

// LoadInstance reads a dumped instance back.
// Returns nil, nil if the auction was never dumped.
func (s *Store) LoadInstance(auctionID uint64) (*model.BatchAuctionModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(auctionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read instance %d: %w", auctionID, err)
	}

	var m model.BatchAuctionModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal instance %d: %w", auctionID, err)
	}
	return &m, nil
}

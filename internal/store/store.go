// Package store provides crash-safe persistence for OMS state.
//
// Per-symbol position snapshots are stored as pos_<symbol>.json and the
// account snapshot as account.json. Writes use atomic file replacement
// (write to .tmp, then rename) to prevent corruption from partial writes
// or crashes mid-save. main wires this to persist on a fixed cadence and
// to restore per-symbol positions on startup before the OMS starts
// taking order flow.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bo0619/hfmm-engine/pkg/types"
)

// Store persists OMS snapshots to JSON files in a designated directory.
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

// SavePosition atomically persists the current position snapshot for a symbol.
func (s *Store) SavePosition(symbol string, pos types.PositionSnapshot) error {
	return s.writeAtomic(s.positionPath(symbol), pos)
}

// LoadPosition restores a symbol's position snapshot from disk.
// Returns nil, nil if no saved position exists.
func (s *Store) LoadPosition(symbol string) (*types.PositionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pos types.PositionSnapshot
	ok, err := s.readInto(s.positionPath(symbol), &pos)
	if err != nil || !ok {
		return nil, err
	}
	return &pos, nil
}

// SaveAccount atomically persists the account snapshot.
func (s *Store) SaveAccount(acc types.AccountSnapshot) error {
	return s.writeAtomic(s.accountPath(), acc)
}

// LoadAccount restores the account snapshot from disk.
// Returns nil, nil if no saved snapshot exists.
func (s *Store) LoadAccount() (*types.AccountSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var acc types.AccountSnapshot
	ok, err := s.readInto(s.accountPath(), &acc)
	if err != nil || !ok {
		return nil, err
	}
	return &acc, nil
}

func (s *Store) positionPath(symbol string) string {
	return filepath.Join(s.dir, "pos_"+symbol+".json")
}

func (s *Store) accountPath() string {
	return filepath.Join(s.dir, "account.json")
}

func (s *Store) writeAtomic(path string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return os.Rename(tmp, path)
}

func (s *Store) readInto(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal: %w", err)
	}
	return true, nil
}

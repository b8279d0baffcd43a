package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"deribit-grid-bot/internal/grid"
)

// ErrCorruptState marks a persisted file that exists but cannot be decoded.
// The process must refuse to run on top of ambiguous order state.
var ErrCorruptState = errors.New("corrupt state file")

// ErrNotFound is returned when removing an order id the store does not hold.
var ErrNotFound = errors.New("order not found")

type fileState struct {
	ActiveOrders []grid.ActiveOrder `json:"activeOrders"`
	FilledOrders []grid.FilledOrder `json:"filledOrders"`
	LastCheck    int64              `json:"lastCheck"`
}

// Snapshot is a read-only copy of the store contents for diffing.
type Snapshot struct {
	Active []grid.ActiveOrder
	Filled []grid.FilledOrder
}

// Store is the authoritative record of active and filled orders. Every
// mutation rewrites the backing file atomically before returning. Callers
// are expected to be a single writer (the reconciliation engine).
type Store struct {
	path string

	mu     sync.Mutex
	active []grid.ActiveOrder
	filled []grid.FilledOrder
}

// Load reads the state file at path. A missing file yields an empty store;
// an unreadable or malformed file fails with ErrCorruptState.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	var fs fileState
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	s.active = fs.ActiveOrders
	s.filled = fs.FilledOrders
	return s, nil
}

// Put records a newly placed order and persists.
func (s *Store) Put(order grid.ActiveOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = append(s.active, order)
	return s.persistLocked()
}

// Remove drops the order with the given venue id and persists, returning
// the removed order. ErrNotFound means the store never held it.
func (s *Store) Remove(orderID string) (grid.ActiveOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.active {
		if o.VenueOrderID == orderID {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return o, s.persistLocked()
		}
	}
	return grid.ActiveOrder{}, ErrNotFound
}

// AppendFilled appends to the fill history and persists. History is
// append-only and never truncated.
func (s *Store) AppendFilled(order grid.FilledOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filled = append(s.filled, order)
	return s.persistLocked()
}

// Snapshot returns a deep copy the caller may inspect freely.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Active: append([]grid.ActiveOrder(nil), s.active...),
		Filled: append([]grid.FilledOrder(nil), s.filled...),
	}
}

// ActiveByID returns the active order with the given venue id, if held.
func (s *Store) ActiveByID(orderID string) (grid.ActiveOrder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.active {
		if o.VenueOrderID == orderID {
			return o, true
		}
	}
	return grid.ActiveOrder{}, false
}

func (s *Store) persistLocked() error {
	fs := fileState{
		ActiveOrders: s.active,
		FilledOrders: s.filled,
		LastCheck:    time.Now().UnixMilli(),
	}
	if fs.ActiveOrders == nil {
		fs.ActiveOrders = []grid.ActiveOrder{}
	}
	if fs.FilledOrders == nil {
		fs.FilledOrders = []grid.FilledOrder{}
	}
	data, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

package dol

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
)

// DataStore maps tag ids to raw values. Every entry is reachable both
// by numeric id and by its canonical hex name (two or four or six hex
// digits by natural size); both keys are written in one step.
type DataStore struct {
	mu    sync.RWMutex
	byID  map[uint32][]byte
	byHex map[string][]byte
}

// NewDataStore returns an empty store.
func NewDataStore() *DataStore {
	return &DataStore{
		byID:  make(map[uint32][]byte),
		byHex: make(map[string][]byte),
	}
}

// HexKey is the canonical hex name of a tag id.
func HexKey(id uint32) string {
	switch {
	case id > 0xFFFF:
		return fmt.Sprintf("%06X", id)
	case id > 0xFF:
		return fmt.Sprintf("%04X", id)
	default:
		return fmt.Sprintf("%02X", id)
	}
}

// Put stores value under both keys.
func (s *DataStore) Put(id uint32, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := append([]byte(nil), value...)
	s.byID[id] = v
	s.byHex[HexKey(id)] = v
}

// Get fetches by id.
func (s *DataStore) Get(id uint32) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.byID[id]
	return v, ok
}

// GetHex fetches by canonical hex name.
func (s *DataStore) GetHex(name string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.byHex[name]
	return v, ok
}

// Delete removes both keys.
func (s *DataStore) Delete(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	delete(s.byHex, HexKey(id))
}

// Has reports presence by id.
func (s *DataStore) Has(id uint32) bool {
	_, ok := s.Get(id)
	return ok
}

// Snapshot copies the id-keyed view, for logging and assembly work
// that must not race with kernel writes.
func (s *DataStore) Snapshot() map[uint32][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.byID)
}

// Merge copies every entry of other into the store.
func (s *DataStore) Merge(other *DataStore) {
	for id, v := range other.Snapshot() {
		s.Put(id, v)
	}
}

// Package store is an encrypted key-value store with atomic per-key
// updates. Values are sealed with ChaCha20-Poly1305 under a key
// derived from a master secret; the backing map is injectable so the
// same cipher layer can sit over any flat persistence.
package store

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var ErrNotFound = errors.New("store: key not found")

// Backend persists sealed records. Implementations only see
// ciphertext. Store serializes access per key, so a Backend needs no
// locking of its own beyond whole-map safety.
type Backend interface {
	Load(key string) ([]byte, bool)
	Save(key string, sealed []byte)
	Remove(key string)
	Keys() []string
}

// MemBackend keeps sealed records in process memory.
type MemBackend struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func NewMemBackend() *MemBackend {
	return &MemBackend{m: make(map[string][]byte)}
}

func (b *MemBackend) Load(key string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.m[key]
	return v, ok
}

func (b *MemBackend) Save(key string, sealed []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[key] = sealed
}

func (b *MemBackend) Remove(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, key)
}

func (b *MemBackend) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.m))
	for k := range b.m {
		out = append(out, k)
	}
	return out
}

// Store seals values before they reach the backend.
type Store struct {
	aead    interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
	backend Backend

	locks sync.Map // key -> *sync.Mutex
}

// Open derives the sealing key from master via HKDF-SHA256 and wraps
// backend. The master secret is the caller's to protect.
func Open(master []byte, backend Backend) (*Store, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte("softpos/store/v1")), key); err != nil {
		return nil, fmt.Errorf("store: derive key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("store: init cipher: %w", err)
	}
	return &Store{aead: aead, backend: backend}, nil
}

func (s *Store) keyLock(key string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Put seals value under key. The write is atomic per key: readers see
// either the previous record or the new one.
func (s *Store) Put(key string, value []byte) error {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("store: nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, value, []byte(key))
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()
	s.backend.Save(key, sealed)
	return nil
}

// Get opens the record under key.
func (s *Store) Get(key string) ([]byte, error) {
	mu := s.keyLock(key)
	mu.Lock()
	sealed, ok := s.backend.Load(key)
	mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	if len(sealed) < chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("store: sealed record too short for %q", key)
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:]
	value, err := s.aead.Open(nil, nonce, ct, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", key, err)
	}
	return value, nil
}

// Delete removes the record under key. Deleting an absent key is not
// an error.
func (s *Store) Delete(key string) {
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()
	s.backend.Remove(key)
}

// Entries opens every record whose key starts with prefix.
func (s *Store) Entries(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, key := range s.backend.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		value, err := s.Get(key)
		if err != nil {
			if errors.Is(err, ErrNotFound) { // deleted between Keys and Get
				continue
			}
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

// Package storage provides the byte-level read/write/delete primitive the
// queue snapshot and identity state are persisted through.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrNotFound        = errors.New("storage location not found")
	ErrInvalidLocation = errors.New("invalid storage location")
	ErrUnknownBackend  = errors.New("unknown storage backend")
)

// Storage reads and writes opaque blobs by location name. Write must be
// atomic: a reader observes either the previous or the new content.
type Storage interface {
	Read(location string) ([]byte, error)
	Write(location string, data []byte) error
	Delete(location string) error
}

const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Backend string
	// Dir holds one file per location for the file backend.
	Dir string
	// Path is the sqlite database file.
	Path string
	// DSN is the postgres connection string.
	DSN string
}

// Closer is implemented by backends holding a connection.
type Closer interface {
	Close() error
}

// Open returns the backend selected by cfg.Backend.
func Open(cfg Config) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendFile, "":
		return NewFileStorage(cfg.Dir)
	case BackendSQLite:
		return NewSQLiteStorage(cfg.Path)
	case BackendPostgres:
		return NewPostgresStorage(cfg.DSN)
	case BackendMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// Close releases backend resources when s holds any.
func Close(s Storage) error {
	if c, ok := s.(Closer); ok {
		return c.Close()
	}
	return nil
}

func validateLocation(location string) error {
	if strings.TrimSpace(location) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidLocation)
	}
	if strings.ContainsAny(location, `/\`) || location == "." || location == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	return nil
}

// MemoryStorage keeps blobs in process memory.
type MemoryStorage struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{blobs: make(map[string][]byte)}
}

func (m *MemoryStorage) Read(location string) ([]byte, error) {
	if err := validateLocation(location); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[location]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *MemoryStorage) Write(location string, data []byte) error {
	if err := validateLocation(location); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[location] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStorage) Delete(location string) error {
	if err := validateLocation(location); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, location)
	return nil
}

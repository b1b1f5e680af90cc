// Package storage provides the durable key/value backing used for local
// state that must survive a restart: the triggered-disbursement set and the
// confirmed escrow records.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNotFound is returned by Get for keys that were never set.
var ErrNotFound = errors.New("storage: key not found")

// KV stores opaque values under string keys.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Config selects and configures a backend.
type Config struct {
	Driver string // memory, file, sqlite or postgres
	Path   string
	DSN    string
	Logger *slog.Logger
}

// Open builds the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (KV, error) {
	switch cfg.Driver {
	case "", "file":
		return NewFileKV(cfg.Path, WithLogger(cfg.Logger))
	case "memory":
		return NewMemoryKV(), nil
	case "sqlite":
		return NewSQLiteKV(cfg.Path)
	case "postgres":
		return NewPostgresKV(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// MemoryKV is mostly for testing. Values are copied on the way in and out.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

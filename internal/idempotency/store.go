package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"remitrails/internal/storage"
)

const (
	// TriggeredKey is the fixed storage name of the triggered-disbursement set.
	TriggeredKey = "remit:triggered-disbursements"
	// MaxTriggered bounds the set; the oldest IDs are evicted first.
	MaxTriggered = 100
)

// Store answers whether a side-effecting action was already attempted for an ID.
type Store interface {
	Has(ctx context.Context, id string) bool
	Add(ctx context.Context, id string)
}

// TriggeredSet is a durable, order-preserving, bounded set of IDs. Storage
// failures degrade to an empty set instead of failing the caller. IDs added
// by this process are also remembered in memory, so neither a failed write
// nor eviction from the persisted window makes an ID look absent again for
// the lifetime of the set. The in-memory mirror is not bounded.
type TriggeredSet struct {
	kv     storage.KV
	key    string
	limit  int
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

type Option func(*TriggeredSet)

func WithKey(key string) Option {
	return func(s *TriggeredSet) { s.key = key }
}

func WithLimit(n int) Option {
	return func(s *TriggeredSet) {
		if n > 0 {
			s.limit = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *TriggeredSet) { s.logger = l }
}

func NewTriggeredSet(kv storage.KV, opts ...Option) *TriggeredSet {
	s := &TriggeredSet{
		kv:     kv,
		key:    TriggeredKey,
		limit:  MaxTriggered,
		logger: slog.Default(),
		seen:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TriggeredSet) Has(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasLocked(ctx, id)
}

// Add records id. Callers add before issuing the guarded call.
func (s *TriggeredSet) Add(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(ctx, id)
}

// MarkIfAbsent adds id and reports true, or reports false if id was already
// present. The check and the add happen in one critical section.
func (s *TriggeredSet) MarkIfAbsent(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasLocked(ctx, id) {
		return false
	}
	s.addLocked(ctx, id)
	return true
}

// IDs returns the persisted IDs, oldest first.
func (s *TriggeredSet) IDs(ctx context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(ctx)
}

func (s *TriggeredSet) hasLocked(ctx context.Context, id string) bool {
	if _, ok := s.seen[id]; ok {
		return true
	}
	for _, existing := range s.read(ctx) {
		if existing == id {
			return true
		}
	}
	return false
}

func (s *TriggeredSet) addLocked(ctx context.Context, id string) {
	s.seen[id] = struct{}{}

	ids := s.read(ctx)
	out := make([]string, 0, len(ids)+1)
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	out = append(out, id)
	if len(out) > s.limit {
		out = out[len(out)-s.limit:]
	}

	blob, err := json.Marshal(out)
	if err != nil {
		s.logger.Warn("encode triggered set", "error", err)
		return
	}
	if err := s.kv.Set(ctx, s.key, blob); err != nil {
		s.logger.Warn("persist triggered set", "key", s.key, "error", err)
	}
}

func (s *TriggeredSet) read(ctx context.Context) []string {
	blob, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.logger.Warn("read triggered set", "key", s.key, "error", err)
		return nil
	}
	var ids []string
	if err := json.Unmarshal(blob, &ids); err != nil {
		s.logger.Warn("decode triggered set", "key", s.key, "error", err)
		return nil
	}
	return ids
}

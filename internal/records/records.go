// Package records keeps durable local copies of server-issued entities such as
// confirmed escrows and submitted disbursements, newest first.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"remitrails/internal/storage"
)

const (
	EscrowsKey       = "remit:escrows"
	DisbursementsKey = "remit:disbursements"
)

const (
	KindEscrow       = "escrow"
	KindDisbursement = "disbursement"
)

// Record is one locally persisted entity, keyed by its server-issued ID.
type Record struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	CreatedAt time.Time       `json:"createdAt"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Store lists and appends records under one storage key.
type Store struct {
	kv  storage.KV
	key string
	mu  sync.Mutex
}

func NewStore(kv storage.KV, key string) *Store {
	return &Store{kv: kv, key: key}
}

// List returns records newest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(ctx)
}

// Get returns the record with id, if present.
func (s *Store) Get(ctx context.Context, id string) (Record, bool, error) {
	list, err := s.List(ctx)
	if err != nil {
		return Record{}, false, err
	}
	for _, rec := range list {
		if rec.ID == id {
			return rec, true, nil
		}
	}
	return Record{}, false, nil
}

// Append puts rec at the front, replacing any earlier record with the same ID.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return errors.New("record id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.read(ctx)
	if err != nil {
		return err
	}
	out := make([]Record, 0, len(list)+1)
	out = append(out, rec)
	for _, existing := range list {
		if existing.ID != rec.ID {
			out = append(out, existing)
		}
	}

	blob, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	return s.kv.Set(ctx, s.key, blob)
}

func (s *Store) read(ctx context.Context) ([]Record, error) {
	blob, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var list []Record
	if err := json.Unmarshal(blob, &list); err != nil {
		return nil, fmt.Errorf("decode records %s: %w", s.key, err)
	}
	return list, nil
}

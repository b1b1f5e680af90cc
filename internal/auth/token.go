package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"remitrails/internal/storage"
)

// TokenKey is where the bearer token is persisted.
const TokenKey = "remit:auth-token"

// TokenStore holds the backend bearer token. When a storage.KV is attached
// the token survives restarts and Clear removes it there too.
type TokenStore struct {
	mu     sync.RWMutex
	token  string
	kv     storage.KV
	logger *slog.Logger
}

// NewTokenStore seeds the store with token, falling back to a persisted one.
func NewTokenStore(ctx context.Context, kv storage.KV, token string) *TokenStore {
	s := &TokenStore{token: token, kv: kv, logger: slog.Default()}
	if token == "" && kv != nil {
		blob, err := kv.Get(ctx, TokenKey)
		switch {
		case err == nil:
			if uerr := json.Unmarshal(blob, &s.token); uerr != nil {
				s.logger.Warn("decode stored token", "error", uerr)
			}
		case !errors.Is(err, storage.ErrNotFound):
			s.logger.Warn("read stored token", "error", err)
		}
	}
	return s
}

func (s *TokenStore) Token() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *TokenStore) Set(ctx context.Context, token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	s.persist(ctx, token)
}

// Clear drops the token. It satisfies apperr.CredentialClearer.
func (s *TokenStore) Clear() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	s.persist(context.Background(), "")
}

func (s *TokenStore) persist(ctx context.Context, token string) {
	if s.kv == nil {
		return
	}
	blob, _ := json.Marshal(token)
	if err := s.kv.Set(ctx, TokenKey, blob); err != nil {
		s.logger.Warn("persist token", "error", err)
	}
}

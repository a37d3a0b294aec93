package memory

import (
	"context"
	"sync"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

// TokenStore is an in-process record store used when no database is configured.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]models.Token
}

func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string]models.Token)}
}

func (s *TokenStore) Create(_ context.Context, token models.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[token.TokenID]; ok {
		return store.ErrTokenExists
	}
	s.tokens[token.TokenID] = token
	return nil
}

func (s *TokenStore) FindByID(_ context.Context, tokenID string) (models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[tokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	return token, nil
}

func (s *TokenStore) Transition(_ context.Context, tokenID, action string) (models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[tokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	if !store.ValidTransition(action, token.Status) {
		return models.Token{}, store.ErrInvalidState
	}
	status, ok := store.TargetStatus(action)
	if !ok {
		return models.Token{}, store.ErrInvalidState
	}
	token.Status = status
	s.tokens[tokenID] = token
	return token, nil
}

func (s *TokenStore) MarkArrived(_ context.Context, tokenID string, at time.Time) (models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[tokenID]
	if !ok {
		return models.Token{}, store.ErrTokenNotFound
	}
	if !store.ValidTransition("check_in", token.Status) {
		return models.Token{}, store.ErrInvalidState
	}
	if !token.Arrived() {
		token = token.CheckIn(at)
		s.tokens[tokenID] = token
	}
	return token, nil
}

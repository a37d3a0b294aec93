package memory

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

const tokenLockStripes = 64

// QueueStore keeps every branch queue in process memory. Each branch has its
// own mutex, so work on one branch never waits on another.
type QueueStore struct {
	mu       sync.RWMutex
	branches map[string]*branchQueue

	// tokenBranch maps token id to the branch currently holding it.
	tokenBranch sync.Map
	tokenLocks  [tokenLockStripes]sync.Mutex
}

type branchQueue struct {
	mu      sync.Mutex
	entries map[string]store.Entry
}

func NewQueueStore() *QueueStore {
	return &QueueStore{branches: make(map[string]*branchQueue)}
}

func (s *QueueStore) Upsert(_ context.Context, branchID string, token models.Token, score float64) error {
	lock := s.tokenLock(token.TokenID)
	lock.Lock()
	defer lock.Unlock()

	if prev, ok := s.tokenBranch.Load(token.TokenID); ok && prev.(string) != branchID {
		if old := s.branch(prev.(string), false); old != nil {
			old.mu.Lock()
			delete(old.entries, token.TokenID)
			s.tokenBranch.CompareAndDelete(token.TokenID, prev)
			old.mu.Unlock()
		}
	}

	q := s.branch(branchID, true)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[token.TokenID] = store.Entry{Token: token, Score: score}
	s.tokenBranch.Store(token.TokenID, branchID)
	return nil
}

func (s *QueueStore) PopMax(_ context.Context, branchID string) (store.Entry, bool, error) {
	q := s.branch(branchID, false)
	if q == nil {
		return store.Entry{}, false, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var best store.Entry
	found := false
	for _, e := range q.entries {
		if !found || store.Ranks(e, best) {
			best = e
			found = true
		}
	}
	if !found {
		return store.Entry{}, false, nil
	}
	delete(q.entries, best.Token.TokenID)
	s.tokenBranch.CompareAndDelete(best.Token.TokenID, branchID)
	return best, true, nil
}

func (s *QueueStore) Remove(_ context.Context, branchID, tokenID string) (bool, error) {
	q := s.branch(branchID, false)
	if q == nil {
		return false, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[tokenID]; !ok {
		return false, nil
	}
	delete(q.entries, tokenID)
	s.tokenBranch.CompareAndDelete(tokenID, branchID)
	return true, nil
}

func (s *QueueStore) UpdateScore(_ context.Context, branchID, tokenID string, score float64) (bool, error) {
	q := s.branch(branchID, false)
	if q == nil {
		return false, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[tokenID]
	if !ok {
		return false, nil
	}
	e.Score = score
	q.entries[tokenID] = e
	return true, nil
}

func (s *QueueStore) List(_ context.Context, branchID string) ([]store.Entry, error) {
	q := s.branch(branchID, false)
	if q == nil {
		return []store.Entry{}, nil
	}
	q.mu.Lock()
	entries := make([]store.Entry, 0, len(q.entries))
	for _, e := range q.entries {
		entries = append(entries, e)
	}
	q.mu.Unlock()

	store.SortEntries(entries)
	return entries, nil
}

func (s *QueueStore) Branches(_ context.Context) ([]string, error) {
	s.mu.RLock()
	queues := make(map[string]*branchQueue, len(s.branches))
	for id, q := range s.branches {
		queues[id] = q
	}
	s.mu.RUnlock()

	var ids []string
	for id, q := range queues {
		q.mu.Lock()
		n := len(q.entries)
		q.mu.Unlock()
		if n > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *QueueStore) branch(branchID string, create bool) *branchQueue {
	s.mu.RLock()
	q, ok := s.branches[branchID]
	s.mu.RUnlock()
	if ok || !create {
		return q
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok = s.branches[branchID]; ok {
		return q
	}
	q = &branchQueue{entries: make(map[string]store.Entry)}
	s.branches[branchID] = q
	return q
}

func (s *QueueStore) tokenLock(tokenID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tokenID))
	return &s.tokenLocks[h.Sum32()%tokenLockStripes]
}

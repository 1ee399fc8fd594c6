// Package memstore is an in-memory store.Store implementation used by
// component tests that need a real lock/journal/cache surface without a
// Postgres instance. It is not used by cmd/leadengine; production wiring
// always uses internal/store/postgres.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/leadengine/searchengine/internal/store"
)

type Store struct {
	mu sync.Mutex

	userLocksMu sync.Mutex
	userLocks   map[string]*sync.Mutex

	users     map[string]*store.User
	journal   []store.JournalEntry
	tasksByID map[string]store.TaskRow
	tokenToID map[string]string
	results   map[string][]store.ResultRow
	cache     map[string]store.CacheRow
	apiLog    []store.ApiLogRow
	activity  []store.ActivityLogRow
}

func New() *Store {
	return &Store{
		userLocks: make(map[string]*sync.Mutex),
		users:     make(map[string]*store.User),
		tasksByID: make(map[string]store.TaskRow),
		tokenToID: make(map[string]string),
		results:   make(map[string][]store.ResultRow),
		cache:     make(map[string]store.CacheRow),
	}
}

// SeedUser is a test helper to preload a user balance.
func (s *Store) SeedUser(u store.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := u
	s.users[u.ID] = &cp
}

func (s *Store) GetUser(ctx context.Context, userID string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// WithUserLock holds a per-user mutex for the duration of fn, mirroring
// Postgres's SELECT ... FOR UPDATE row lock held across a transaction: no
// two callers for the same userID ever observe the same pre-image balance
// concurrently. The lock is distinct from the map-protecting mutex so fn
// can call back into SetUserBalance/AppendJournal without deadlocking.
func (s *Store) WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context, u *store.User) error) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	u, ok := s.users[userID]
	var cp store.User
	if ok {
		cp = *u
	}
	s.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	return fn(ctx, &cp)
}

func (s *Store) userLock(userID string) *sync.Mutex {
	s.userLocksMu.Lock()
	defer s.userLocksMu.Unlock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}

func (s *Store) SetUserBalance(ctx context.Context, userID string, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.Balance = balance
	return nil
}

func (s *Store) AppendJournal(ctx context.Context, e store.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, e)
	return nil
}

func (s *Store) CreateTask(ctx context.Context, t store.TaskRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasksByID[t.ID] = t
	s.tokenToID[t.Token] = t.ID
	return nil
}

func (s *Store) GetTaskByToken(ctx context.Context, token string) (*store.TaskRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokenToID[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	t := s.tasksByID[id]
	return &t, nil
}

func (s *Store) UpdateTask(ctx context.Context, t store.TaskRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasksByID[t.ID]
	if !ok {
		return store.ErrNotFound
	}
	if isTerminal(existing.Status) {
		return nil
	}
	s.tasksByID[t.ID] = t
	return nil
}

func isTerminal(status string) bool {
	switch status {
	case "completed", "failed", "stopped", "insufficient-credits":
		return true
	}
	return false
}

func (s *Store) ListTasks(ctx context.Context, userID string, limit, offset int) ([]store.TaskRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.TaskRow
	for _, t := range s.tasksByID {
		if t.SubmitterID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	end := offset + limit
	if end > len(out) || limit <= 0 {
		end = len(out)
	}
	return out[offset:end], nil
}

func (s *Store) InsertResult(ctx context.Context, r store.ResultRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.TaskID] = append(s.results[r.TaskID], r)
	return nil
}

func (s *Store) ListResults(ctx context.Context, taskID string, page, pageSize int) ([]store.ResultRow, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.results[taskID]
	total := len(all)
	start := (page - 1) * pageSize
	if start < 0 || start >= total {
		return nil, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (s *Store) GetCache(ctx context.Context, key string) (*store.CacheRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.cache[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &row, nil
}

func (s *Store) PutCache(ctx context.Context, row store.CacheRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[row.Key] = row
	return nil
}

func (s *Store) IncrementCacheHit(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.cache[key]
	if !ok {
		return store.ErrNotFound
	}
	row.HitCount++
	s.cache[key] = row
	return nil
}

func (s *Store) PurgeExpiredCache(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, row := range s.cache {
		if row.ExpiresAt.Before(before) {
			delete(s.cache, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) AppendApiLog(ctx context.Context, row store.ApiLogRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiLog = append(s.apiLog, row)
	return nil
}

func (s *Store) AppendActivityLog(ctx context.Context, row store.ActivityLogRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, row)
	return nil
}

func (s *Store) Close() {}

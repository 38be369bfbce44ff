package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

// LockManager is an in-process domain.LockManager. Locks expire after their
// TTL like the redis implementation.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]lease
	now   func() time.Time
	token uint64
}

type lease struct {
	token   uint64
	expires time.Time
}

// NewLockManager returns a lock manager using the wall clock.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]lease), now: time.Now}
}

func (m *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.held[key]; ok && now.Before(l.expires) {
		return nil, domain.ErrLockHeld
	}
	m.token++
	token := m.token
	m.held[key] = lease{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if l, ok := m.held[key]; ok && l.token == token {
				delete(m.held, key)
			}
			m.mu.Unlock()
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)

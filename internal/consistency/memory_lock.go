package consistency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-scheduling/internal/scheduling"
)

// MemoryLockService is the in-process LockService used by tests, the
// simulator and single-process deployments.
type MemoryLockService struct {
	mu     sync.Mutex
	owners map[string]string // key -> token
}

func NewMemoryLockService() *MemoryLockService {
	return &MemoryLockService{owners: make(map[string]string)}
}

func (l *MemoryLockService) Acquire(ctx context.Context, key string, timeout time.Duration) (*scheduling.LockHandle, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)

	for {
		l.mu.Lock()
		if _, held := l.owners[key]; !held {
			l.owners[key] = token
			l.mu.Unlock()
			return &scheduling.LockHandle{Key: key, Token: token}, nil
		}
		l.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, scheduling.ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, scheduling.ErrLockTimeout
		case <-time.After(time.Millisecond):
		}
	}
}

func (l *MemoryLockService) Release(_ context.Context, h *scheduling.LockHandle) error {
	if h == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners[h.Key] == h.Token {
		delete(l.owners, h.Key)
	}
	return nil
}

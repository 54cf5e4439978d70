package service

import (
	"context"
	"sync"
)

// ChapterLocker guarantees at most one running pipeline per chapter. The Redis backed
// implementation lives in internal/database/redis. Refresh extends a lock owner still
// holds and reports false once it is gone.
type ChapterLocker interface {
	Acquire(ctx context.Context, projectID, chapterID, owner string) (bool, error)
	Refresh(ctx context.Context, projectID, chapterID, owner string) (bool, error)
	Release(ctx context.Context, projectID, chapterID, owner string) error
}

// MemoryLocker is a process-local ChapterLocker.
type MemoryLocker struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{owners: make(map[string]string)}
}

func (l *MemoryLocker) Acquire(_ context.Context, projectID, chapterID, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := projectID + "\x00" + chapterID
	if _, held := l.owners[key]; held {
		return false, nil
	}
	l.owners[key] = owner
	return true, nil
}

func (l *MemoryLocker) Refresh(_ context.Context, projectID, chapterID, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owners[projectID+"\x00"+chapterID] == owner, nil
}

func (l *MemoryLocker) Release(_ context.Context, projectID, chapterID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := projectID + "\x00" + chapterID
	if l.owners[key] == owner {
		delete(l.owners, key)
	}
	return nil
}

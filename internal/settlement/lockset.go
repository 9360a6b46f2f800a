package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mandi/auction/internal/domain"
)

// lockSet serialises commits per lot. Entries are reference counted and
// dropped once nobody holds or waits for them.
type lockSet struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func newLockSet() *lockSet {
	return &lockSet{locks: make(map[string]*keyLock)}
}

// acquire waits up to timeout for key. A timeout is reported as
// ErrLotModifiedConcurrently so the caller can back off and retry.
func (s *lockSet) acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			s.unref(key, l)
		}, nil
	case <-timer.C:
		s.unref(key, l)
		return nil, fmt.Errorf("lot %s busy after %s: %w", key, timeout, domain.ErrLotModifiedConcurrently)
	case <-ctx.Done():
		s.unref(key, l)
		return nil, ctx.Err()
	}
}

func (s *lockSet) unref(key string, l *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
}

func (s *lockSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

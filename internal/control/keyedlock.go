package control

import (
	"context"
	"sync"
)

// keyedLock serializes work per key. Waiters on the same key acquire in
// arrival order; distinct keys never contend.
type keyedLock struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{tails: make(map[string]chan struct{})}
}

// acquire blocks until the caller holds key or ctx is done. On success the
// returned release func must be called on every code path.
func (l *keyedLock) acquire(ctx context.Context, key string) (func(), error) {
	gate := make(chan struct{})
	l.mu.Lock()
	prev := l.tails[key]
	l.tails[key] = gate
	l.mu.Unlock()

	release := func() {
		close(gate)
		l.mu.Lock()
		if l.tails[key] == gate {
			delete(l.tails, key)
		}
		l.mu.Unlock()
	}

	if prev == nil {
		return release, nil
	}
	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		// Whoever queued behind us is waiting on our gate. Pass the turn
		// through once the predecessor finishes so the chain stays live.
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}

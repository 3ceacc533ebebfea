package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// lockTable serializes mutating operations per aggregate id. Acquisition
// waits at most the configured bound and then surfaces ErrBusy, so no ledger
// operation blocks indefinitely.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
	wait  time.Duration
}

func newLockTable(wait time.Duration) *lockTable {
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &lockTable{
		locks: make(map[string]chan struct{}),
		wait:  wait,
	}
}

func (t *lockTable) slot(key string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[key] = ch
	}
	return ch
}

// acquire takes the lock for key, failing with ErrBusy after the bounded wait.
func (t *lockTable) acquire(ctx context.Context, key string) error {
	timer := time.NewTimer(t.wait)
	defer timer.Stop()
	select {
	case t.slot(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrBusy
	}
}

func (t *lockTable) release(key string) {
	<-t.slot(key)
}

// acquireAll takes multiple aggregate locks in ascending id order, so two
// transfers moving funds in opposite directions cannot deadlock. The returned
// release function is safe to defer and releases in reverse order.
func (t *lockTable) acquireAll(ctx context.Context, keys ...string) (func(), error) {
	ordered := append([]string(nil), keys...)
	sort.Strings(ordered)

	held := make([]string, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			t.release(held[i])
		}
	}
	for _, k := range ordered {
		if err := t.acquire(ctx, k); err != nil {
			release()
			return nil, err
		}
		held = append(held, k)
	}
	return release, nil
}

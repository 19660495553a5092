package wg

import (
	"context"
	"sync"
)

// nameLocks serialises work per interface name. Entries are dropped once
// nobody holds or waits for them.
type nameLocks struct {
	mu    sync.Mutex
	locks map[string]*nameLock
}

type nameLock struct {
	ch   chan struct{}
	refs int
}

// lock blocks until name is free or ctx is done.
func (n *nameLocks) lock(ctx context.Context, name string) (func(), error) {
	n.mu.Lock()
	if n.locks == nil {
		n.locks = make(map[string]*nameLock)
	}
	l, ok := n.locks[name]
	if !ok {
		l = &nameLock{ch: make(chan struct{}, 1)}
		n.locks[name] = l
	}
	l.refs++
	n.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		n.release(name, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			n.release(name, l)
		})
	}, nil
}

func (n *nameLocks) release(name string, l *nameLock) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(n.locks, name)
	}
}

// held returns the number of names with a holder or waiter.
func (n *nameLocks) held() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.locks)
}

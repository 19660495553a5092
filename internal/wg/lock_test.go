package wg

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNameLocks_SerialisesSameName(t *testing.T) {
	var (
		locks  nameLocks
		active atomic.Int32
		peak   atomic.Int32
		done   sync.WaitGroup
	)
	for range 8 {
		done.Add(1)
		go func() {
			defer done.Done()
			unlock, err := locks.lock(context.Background(), "wg0")
			if err != nil {
				t.Error(err)
				return
			}
			n := active.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			unlock()
		}()
	}
	done.Wait()

	if peak.Load() != 1 {
		t.Errorf("peak concurrent holders = %d, want 1", peak.Load())
	}
	if n := locks.held(); n != 0 {
		t.Errorf("%d lock entries left after release", n)
	}
}

func TestNameLocks_DistinctNamesIndependent(t *testing.T) {
	var locks nameLocks
	unlock0, err := locks.lock(context.Background(), "wg0")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock0()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock1, err := locks.lock(ctx, "wg1")
	if err != nil {
		t.Fatalf("lock on a different name blocked: %v", err)
	}
	unlock1()
}

func TestNameLocks_ContextCancelWhileWaiting(t *testing.T) {
	var locks nameLocks
	unlock, err := locks.lock(context.Background(), "wg0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locks.lock(ctx, "wg0"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("waiting lock error = %v, want deadline exceeded", err)
	}

	unlock()
	unlock()
	if n := locks.held(); n != 0 {
		t.Errorf("%d lock entries left after release", n)
	}
}

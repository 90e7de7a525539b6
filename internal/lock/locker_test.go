// Package lock_test provides tests for the in-process locker.
package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/regime-trader/internal/lock"
)

func TestMemoryLockerSerializes(t *testing.T) {
	locker := lock.NewMemoryLocker()
	ctx := context.Background()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(ctx, "asset")
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			defer release()
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("Expected 50 increments under the lock, got %d", counter)
	}
}

func TestMemoryLockerContextCancel(t *testing.T) {
	locker := lock.NewMemoryLocker()

	release, err := locker.Acquire(context.Background(), "asset")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(ctx, "asset"); err == nil {
		t.Error("Expected context error while the lock is held")
	}

	release()

	// The key must not be wedged after a cancelled waiter.
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	release2, err := locker.Acquire(ctx2, "asset")
	if err != nil {
		t.Fatalf("Acquire after cancel failed: %v", err)
	}
	release2()
}

func TestMemoryLockerIndependentKeys(t *testing.T) {
	locker := lock.NewMemoryLocker()
	ctx := context.Background()

	releaseA, err := locker.Acquire(ctx, "asset-a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer releaseA()

	// Holding one asset's lock must not block another's.
	ctxB, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	releaseB, err := locker.Acquire(ctxB, "asset-b")
	if err != nil {
		t.Fatalf("Acquire on independent key failed: %v", err)
	}
	releaseB()
}

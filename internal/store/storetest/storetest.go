// Package storetest checks that a store.Provider honors the contract the
// append engine relies on. Driver packages call Run from their tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jensholdgaard/streamstore/internal/store"
)

// Run exercises p against the store.Conn contract. Each subtest uses its
// own key, so p may be shared.
func Run(t *testing.T, p store.Provider) {
	t.Helper()

	t.Run("MissingKeyHasZeroLength", func(t *testing.T) { testMissingKey(t, p) })
	t.Run("CommitAppendsInOrder", func(t *testing.T) { testCommitInOrder(t, p) })
	t.Run("GuardRejectsInterveningWrite", func(t *testing.T) { testGuard(t, p) })
	t.Run("UnwatchAllowsCommit", func(t *testing.T) { testUnwatch(t, p) })
	t.Run("OtherKeysDoNotInterfere", func(t *testing.T) { testOtherKey(t, p) })
	t.Run("ConcurrentWritersOneWins", func(t *testing.T) { testConcurrent(t, p) })
	t.Run("Range", func(t *testing.T) { testRange(t, p) })
}

func acquire(t *testing.T, p store.Provider) store.Conn {
	t.Helper()
	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func key(t *testing.T) string {
	return "Test:" + t.Name()
}

func length(t *testing.T, c store.Conn, k string) int64 {
	t.Helper()
	n, err := c.Len(context.Background(), k)
	if err != nil {
		t.Fatalf("Len(%q): %v", k, err)
	}
	return n
}

// appendGuarded performs the watch, len, commit sequence and returns the
// commit error.
func appendGuarded(ctx context.Context, c store.Conn, k string, payloads ...string) error {
	if err := c.Watch(ctx, k); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if _, err := c.Len(ctx, k); err != nil {
		return fmt.Errorf("len: %w", err)
	}
	tx, err := c.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, p := range payloads {
		tx.Push(k, []byte(p))
	}
	return tx.Commit(ctx)
}

func testMissingKey(t *testing.T, p store.Provider) {
	c := acquire(t, p)
	if n := length(t, c, key(t)); n != 0 {
		t.Errorf("Len(missing) = %d, want 0", n)
	}
}

func testCommitInOrder(t *testing.T, p store.Provider) {
	ctx := context.Background()
	c := acquire(t, p)
	k := key(t)

	if err := appendGuarded(ctx, c, k, "a", "b", "c"); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := appendGuarded(ctx, c, k, "d"); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	got, err := c.Range(ctx, k, 0, -1)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("Range returned %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if string(got[i]) != want[i] {
			t.Errorf("entry[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func testGuard(t *testing.T, p store.Provider) {
	ctx := context.Background()
	c1 := acquire(t, p)
	c2 := acquire(t, p)
	k := key(t)

	if err := c1.Watch(ctx, k); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if n := length(t, c1, k); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}

	// A second writer sneaks in between the length read and the commit.
	if err := appendGuarded(ctx, c2, k, "winner"); err != nil {
		t.Fatalf("intervening commit: %v", err)
	}

	tx, err := c1.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	tx.Push(k, []byte("loser-1"))
	tx.Push(k, []byte("loser-2"))
	if err := tx.Commit(ctx); !errors.Is(err, store.ErrGuardViolated) {
		t.Fatalf("Commit error = %v, want %v", err, store.ErrGuardViolated)
	}

	if n := length(t, c1, k); n != 1 {
		t.Errorf("Len after rejected commit = %d, want 1", n)
	}
}

func testUnwatch(t *testing.T, p store.Provider) {
	ctx := context.Background()
	c := acquire(t, p)
	k := key(t)

	if err := c.Watch(ctx, k); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := c.Unwatch(ctx); err != nil {
		t.Fatalf("Unwatch: %v", err)
	}
	// The connection stays usable for a fresh guarded append.
	if err := appendGuarded(ctx, c, k, "x"); err != nil {
		t.Fatalf("commit after unwatch: %v", err)
	}
	if n := length(t, c, k); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

func testOtherKey(t *testing.T, p store.Provider) {
	ctx := context.Background()
	c1 := acquire(t, p)
	c2 := acquire(t, p)
	k := key(t)

	if err := c1.Watch(ctx, k+"-a"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := appendGuarded(ctx, c2, k+"-b", "other"); err != nil {
		t.Fatalf("commit on other key: %v", err)
	}
	tx, err := c1.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	tx.Push(k+"-a", []byte("mine"))
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit after unrelated write: %v", err)
	}
}

func testConcurrent(t *testing.T, p store.Provider) {
	ctx := context.Background()
	k := key(t)
	const writers = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
		rejected  int
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		c := acquire(t, p)
		if err := c.Watch(ctx, k); err != nil {
			t.Fatalf("Watch: %v", err)
		}
		if n := length(t, c, k); n != 0 {
			t.Fatalf("Len = %d, want 0", n)
		}
		wg.Add(1)
		go func(i int, c store.Conn) {
			defer wg.Done()
			<-start
			tx, err := c.Begin(ctx)
			if err != nil {
				t.Errorf("Begin: %v", err)
				return
			}
			tx.Push(k, []byte(fmt.Sprintf("w%d-0", i)))
			tx.Push(k, []byte(fmt.Sprintf("w%d-1", i)))
			err = tx.Commit(ctx)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				committed++
			case errors.Is(err, store.ErrGuardViolated):
				rejected++
			default:
				t.Errorf("Commit: %v", err)
			}
		}(i, c)
	}
	close(start)
	wg.Wait()

	if committed != 1 || rejected != writers-1 {
		t.Fatalf("committed=%d rejected=%d, want 1 and %d", committed, rejected, writers-1)
	}
	c := acquire(t, p)
	if n := length(t, c, k); n != 2 {
		t.Fatalf("Len = %d, want 2", n)
	}
	got, err := c.Range(ctx, k, 0, -1)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	// Both entries come from the same writer.
	if string(got[0][:2]) != string(got[1][:2]) {
		t.Errorf("interleaved batch: %q, %q", got[0], got[1])
	}
}

func testRange(t *testing.T, p store.Provider) {
	ctx := context.Background()
	c := acquire(t, p)
	k := key(t)

	if err := appendGuarded(ctx, c, k, "0", "1", "2", "3"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, err := c.Range(ctx, k, 1, 2)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != 2 || string(got[0]) != "1" || string(got[1]) != "2" {
		t.Errorf("Range(1, 2) = %q, want [1 2]", got)
	}
	empty, err := c.Range(ctx, k+"-missing", 0, -1)
	if err != nil {
		t.Fatalf("Range(missing): %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Range(missing) returned %d entries, want 0", len(empty))
	}
}

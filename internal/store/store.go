package store

import (
	"context"
	"errors"
)

// ErrGuardViolated is returned by Tx.Commit when a watched key was
// mutated after Conn.Watch. Nothing from the transaction is applied.
var ErrGuardViolated = errors.New("watched key modified before commit")

// Provider hands out connections to the backing ordered log.
type Provider interface {
	// Acquire returns a connection for exclusive use by the caller. The
	// caller must Close it.
	Acquire(ctx context.Context) (Conn, error)
	// Ping checks the underlying connection health.
	Ping(ctx context.Context) error
	// Close releases the provider's resources.
	Close() error
}

// Conn is a scoped handle to the store. It is not safe for concurrent use.
type Conn interface {
	// Watch asks the store to track mutations of key until the next
	// Commit, Unwatch or Close.
	Watch(ctx context.Context, key string) error
	// Unwatch drops every watch held by the connection.
	Unwatch(ctx context.Context) error
	// Len returns the number of entries in key's log. A missing key has
	// length 0.
	Len(ctx context.Context, key string) (int64, error)
	// Range returns the entries of key's log between start and stop
	// inclusive, zero-based. A negative stop counts from the end.
	Range(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	// Begin opens a transaction guarded by the connection's watches.
	Begin(ctx context.Context) (Tx, error)
	// Close releases the connection.
	Close() error
}

// Tx queues appends that are applied all at once by Commit.
type Tx interface {
	// Push queues payload for appending to key's log.
	Push(key string, payload []byte)
	// Commit applies every queued append atomically. It returns
	// ErrGuardViolated if a watched key changed since it was watched.
	Commit(ctx context.Context) error
	// Discard drops the queued appends.
	Discard()
}

// RangeBounds resolves Range's start and stop against a log of length n,
// returning a half-open [lo, hi) interval.
func RangeBounds(n, start, stop int64) (lo, hi int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return 0, 0
	}
	return start, stop + 1
}

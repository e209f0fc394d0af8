// Package memstore provides an in-process store.Provider. Every mutation of
// a key bumps its version, so watches behave like Redis WATCH: a commit is
// rejected if any watched key changed, whoever changed it.
package memstore

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jensholdgaard/streamstore/internal/config"
	"github.com/jensholdgaard/streamstore/internal/store"
)

var errClosed = errors.New("memstore: closed")

func init() {
	store.Register("memory", func(_ context.Context, _ config.StoreConfig, _ *slog.Logger) (store.Provider, error) {
		return New(), nil
	})
}

// Store is an in-memory ordered log keyed by stream key.
type Store struct {
	mu       sync.Mutex
	logs     map[string][][]byte
	versions map[string]uint64
	closed   bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		logs:     make(map[string][][]byte),
		versions: make(map[string]uint64),
	}
}

func (s *Store) Acquire(ctx context.Context) (store.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	return &conn{s: s, watched: make(map[string]uint64)}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	return ctx.Err()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type conn struct {
	s       *Store
	watched map[string]uint64
	closed  bool
}

func (c *conn) Watch(ctx context.Context, key string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.watched[key] = c.s.versions[key]
	return nil
}

func (c *conn) Unwatch(ctx context.Context) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	clear(c.watched)
	return nil
}

func (c *conn) Len(ctx context.Context, key string) (int64, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return int64(len(c.s.logs[key])), nil
}

func (c *conn) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	log := c.s.logs[key]
	lo, hi := store.RangeBounds(int64(len(log)), start, stop)
	out := make([][]byte, 0, hi-lo)
	for _, p := range log[lo:hi] {
		out = append(out, append([]byte(nil), p...))
	}
	return out, nil
}

func (c *conn) Begin(ctx context.Context) (store.Tx, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return &tx{c: c}, nil
}

func (c *conn) Close() error {
	c.closed = true
	clear(c.watched)
	return nil
}

func (c *conn) check(ctx context.Context) error {
	if c.closed {
		return errClosed
	}
	return ctx.Err()
}

type entry struct {
	key     string
	payload []byte
}

type tx struct {
	c       *conn
	entries []entry
}

func (t *tx) Push(key string, payload []byte) {
	t.entries = append(t.entries, entry{key: key, payload: append([]byte(nil), payload...)})
}

func (t *tx) Commit(ctx context.Context) error {
	// Like EXEC, a commit attempt ends every watch.
	defer func() {
		clear(t.c.watched)
		t.Discard()
	}()

	if err := t.c.check(ctx); err != nil {
		return err
	}

	s := t.c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	for key, v := range t.c.watched {
		if s.versions[key] != v {
			return store.ErrGuardViolated
		}
	}
	for _, e := range t.entries {
		s.logs[e.key] = append(s.logs[e.key], e.payload)
		s.versions[e.key]++
	}
	return nil
}

func (t *tx) Discard() {
	t.entries = nil
}

// Package pebblestore provides a store.Provider on an embedded Pebble
// database. A stream is a head key holding its length plus one key per
// entry; commits re-check watched lengths under the store's commit lock
// and write through a single synced batch.
package pebblestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/jensholdgaard/streamstore/internal/config"
	"github.com/jensholdgaard/streamstore/internal/store"
)

func init() {
	store.Register("pebble", open)
}

// open is the store.Driver for the "pebble" backend.
func open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Provider, error) {
	p, err := Open(cfg.Pebble.Dir)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "opened pebble store", slog.String("dir", cfg.Pebble.Dir))
	return p, nil
}

// Provider implements store.Provider on a Pebble database.
type Provider struct {
	db *pebble.DB
	// commitMu serializes guard checks and batch commits.
	commitMu sync.Mutex
}

// Open opens (creating if needed) the database in dir.
func Open(dir string) (*Provider, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble store: %w", err)
	}
	return &Provider{db: db}, nil
}

func (p *Provider) Acquire(ctx context.Context) (store.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &conn{p: p, watched: make(map[string]int64)}, nil
}

func (p *Provider) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.length(headKey("ping"))
	return err
}

func (p *Provider) Close() error {
	return p.db.Close()
}

// headKey: "h/" + stream key.
func headKey(key string) []byte {
	return append([]byte("h/"), key...)
}

// entryPrefix: "e/" + 4-byte length of key + key. Entry keys append the
// 8-byte big-endian position, so entries sort by position.
func entryPrefix(key string) []byte {
	b := make([]byte, 0, 2+4+len(key)+8)
	b = append(b, "e/"...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(key)))
	return append(b, key...)
}

func entryKey(prefix []byte, pos int64) []byte {
	b := make([]byte, len(prefix), len(prefix)+8)
	copy(b, prefix)
	return binary.BigEndian.AppendUint64(b, uint64(pos))
}

func (p *Provider) length(head []byte) (int64, error) {
	val, closer, err := p.db.Get(head)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading head: %w", err)
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("corrupt head %q: %d bytes", head, len(val))
	}
	return int64(binary.BigEndian.Uint64(val)), nil
}

type conn struct {
	p       *Provider
	watched map[string]int64
	closed  bool
}

var errClosed = errors.New("pebblestore: connection closed")

func (c *conn) check(ctx context.Context) error {
	if c.closed {
		return errClosed
	}
	return ctx.Err()
}

func (c *conn) Watch(ctx context.Context, key string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	n, err := c.p.length(headKey(key))
	if err != nil {
		return fmt.Errorf("watching %s: %w", key, err)
	}
	c.watched[key] = n
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
	return c.p.length(headKey(key))
}

func (c *conn) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	n, err := c.p.length(headKey(key))
	if err != nil {
		return nil, err
	}
	lo, hi := store.RangeBounds(n, start, stop)
	out := make([][]byte, 0, hi-lo)
	if lo == hi {
		return out, nil
	}

	prefix := entryPrefix(key)
	iter, err := c.p.db.NewIter(&pebble.IterOptions{
		LowerBound: entryKey(prefix, lo),
		UpperBound: entryKey(prefix, hi),
	})
	if err != nil {
		return nil, fmt.Errorf("reading range of %s: %w", key, err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		out = append(out, append([]byte(nil), iter.Value()...))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("reading range of %s: %w", key, err)
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

type entry struct {
	key     string
	payload []byte
}

type tx struct {
	c       *conn
	entries []entry
}

func (t *tx) Push(key string, payload []byte) {
	t.entries = append(t.entries, entry{key: key, payload: payload})
}

func (t *tx) Discard() {
	t.entries = nil
}

func (t *tx) Commit(ctx context.Context) error {
	defer func() {
		clear(t.c.watched)
		t.Discard()
	}()
	if err := t.c.check(ctx); err != nil {
		return err
	}

	p := t.c.p
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	for key, want := range t.c.watched {
		got, err := p.length(headKey(key))
		if err != nil {
			return err
		}
		if got != want {
			return store.ErrGuardViolated
		}
	}

	b := p.db.NewBatch()
	defer b.Close()

	next := make(map[string]int64)
	for _, e := range t.entries {
		pos, ok := next[e.key]
		if !ok {
			n, err := p.length(headKey(e.key))
			if err != nil {
				return err
			}
			pos = n
		}
		if err := b.Set(entryKey(entryPrefix(e.key), pos), e.payload, nil); err != nil {
			return fmt.Errorf("staging entry: %w", err)
		}
		next[e.key] = pos + 1
	}
	for key, n := range next {
		if err := b.Set(headKey(key), binary.BigEndian.AppendUint64(nil, uint64(n)), nil); err != nil {
			return fmt.Errorf("staging head: %w", err)
		}
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jensholdgaard/streamstore/internal/store"
)

// Provider implements store.Provider on a pooled *sqlx.DB.
type Provider struct {
	db *sqlx.DB
}

// NewProvider returns a new Provider.
func NewProvider(db *sqlx.DB) *Provider {
	return &Provider{db: db}
}

func (p *Provider) Acquire(ctx context.Context) (store.Conn, error) {
	cn, err := p.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring database connection: %w", err)
	}
	return &conn{cn: cn, watched: make(map[string]head)}, nil
}

func (p *Provider) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Provider) Close() error {
	return p.db.Close()
}

// head is a stream's length as observed at watch time.
type head struct {
	length int64
	exists bool
}

type querier interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func readHead(ctx context.Context, q querier, query, key string) (head, error) {
	var n int64
	err := q.GetContext(ctx, &n, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return head{}, nil
	}
	if err != nil {
		return head{}, fmt.Errorf("reading head of %s: %w", key, err)
	}
	return head{length: n, exists: true}, nil
}

const (
	selectHead          = `SELECT length FROM streams WHERE stream_key = $1`
	selectHeadForUpdate = `SELECT length FROM streams WHERE stream_key = $1 FOR UPDATE`
	selectHeadForShare  = `SELECT length FROM streams WHERE stream_key = $1 FOR SHARE`
)

type conn struct {
	cn      *sqlx.Conn
	watched map[string]head
}

// Watch records the stream's current length. The commit only succeeds if
// the length is still the same, which holds exactly when nobody appended
// to the stream in between.
func (c *conn) Watch(ctx context.Context, key string) error {
	h, err := readHead(ctx, c.cn, selectHead, key)
	if err != nil {
		return err
	}
	c.watched[key] = h
	return nil
}

func (c *conn) Unwatch(_ context.Context) error {
	clear(c.watched)
	return nil
}

func (c *conn) Len(ctx context.Context, key string) (int64, error) {
	h, err := readHead(ctx, c.cn, selectHead, key)
	if err != nil {
		return 0, err
	}
	return h.length, nil
}

func (c *conn) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	n, err := c.Len(ctx, key)
	if err != nil {
		return nil, err
	}
	lo, hi := store.RangeBounds(n, start, stop)
	if lo == hi {
		return [][]byte{}, nil
	}

	var payloads [][]byte
	err = c.cn.SelectContext(ctx, &payloads,
		`SELECT payload FROM stream_entries
		 WHERE stream_key = $1 AND position >= $2 AND position < $3
		 ORDER BY position ASC`, key, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("reading range of %s: %w", key, err)
	}
	return payloads, nil
}

func (c *conn) Begin(_ context.Context) (store.Tx, error) {
	return &tx{c: c}, nil
}

func (c *conn) Close() error {
	clear(c.watched)
	return c.cn.Close()
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

	dbtx, err := t.c.cn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	// Group pushes per key, keeping their order.
	var keys []string
	byKey := make(map[string][][]byte)
	for _, e := range t.entries {
		if _, ok := byKey[e.key]; !ok {
			keys = append(keys, e.key)
		}
		byKey[e.key] = append(byKey[e.key], e.payload)
	}

	// Watched keys that receive no appends must still be unchanged.
	for key, want := range t.c.watched {
		if _, ok := byKey[key]; ok {
			continue
		}
		got, err := readHead(ctx, dbtx, selectHeadForShare, key)
		if err != nil {
			return err
		}
		if got != want {
			return store.ErrGuardViolated
		}
	}

	stmt, err := dbtx.PreparexContext(ctx,
		`INSERT INTO stream_entries (stream_key, position, payload) VALUES ($1, $2, $3)`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, key := range keys {
		h, ok := t.c.watched[key]
		if !ok {
			if h, err = readHead(ctx, dbtx, selectHeadForUpdate, key); err != nil {
				return err
			}
		}
		payloads := byKey[key]
		if err := advanceHead(ctx, dbtx, key, h, int64(len(payloads))); err != nil {
			return err
		}
		for i, p := range payloads {
			pos := h.length + int64(i)
			if _, err := stmt.ExecContext(ctx, key, pos, p); err != nil {
				if isUniqueViolation(err) {
					return store.ErrGuardViolated
				}
				return fmt.Errorf("inserting entry (key=%s, position=%d): %w", key, pos, err)
			}
		}
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// advanceHead moves key's length from h.length to h.length+n, failing with
// store.ErrGuardViolated if the head no longer matches h.
func advanceHead(ctx context.Context, dbtx *sqlx.Tx, key string, h head, n int64) error {
	var (
		res sql.Result
		err error
	)
	if h.exists {
		res, err = dbtx.ExecContext(ctx,
			`UPDATE streams SET length = $1, updated_at = now()
			 WHERE stream_key = $2 AND length = $3`,
			h.length+n, key, h.length)
	} else {
		res, err = dbtx.ExecContext(ctx,
			`INSERT INTO streams (stream_key, length) VALUES ($1, $2)
			 ON CONFLICT (stream_key) DO NOTHING`,
			key, n)
	}
	if err != nil {
		return fmt.Errorf("advancing head of %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advancing head of %s: %w", key, err)
	}
	if affected != 1 {
		return store.ErrGuardViolated
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

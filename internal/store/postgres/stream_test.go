package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jensholdgaard/streamstore/internal/store"
	"github.com/jensholdgaard/streamstore/internal/store/postgres"
	"github.com/jensholdgaard/streamstore/internal/store/storetest"
)

func TestProvider_Contract(t *testing.T) {
	db := newTestDB(t)
	storetest.Run(t, postgres.NewProvider(db))
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	if err := postgres.Migrate(context.Background(), db); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestCommit_HeadMatchesEntries(t *testing.T) {
	db := newTestDB(t)
	p := postgres.NewProvider(db)
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer c.Close()

	for _, batch := range [][]string{{"a", "b"}, {"c"}} {
		if err := c.Watch(ctx, "Account:A-1"); err != nil {
			t.Fatalf("Watch: %v", err)
		}
		tx, err := c.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		for _, s := range batch {
			tx.Push("Account:A-1", []byte(s))
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	var length, entries int64
	if err := db.GetContext(ctx, &length, `SELECT length FROM streams WHERE stream_key = $1`, "Account:A-1"); err != nil {
		t.Fatalf("reading head: %v", err)
	}
	if err := db.GetContext(ctx, &entries, `SELECT count(*) FROM stream_entries WHERE stream_key = $1`, "Account:A-1"); err != nil {
		t.Fatalf("counting entries: %v", err)
	}
	if length != 3 || entries != 3 {
		t.Errorf("head length = %d, entries = %d, want 3 and 3", length, entries)
	}
}

func TestCommit_StaleWatchOnExistingStream(t *testing.T) {
	db := newTestDB(t)
	p := postgres.NewProvider(db)
	ctx := context.Background()

	seed, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer seed.Close()
	tx, _ := seed.Begin(ctx)
	tx.Push("Account:A-2", []byte("opened"))
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("seed Commit: %v", err)
	}

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer c.Close()
	if err := c.Watch(ctx, "Account:A-2"); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	tx, _ = seed.Begin(ctx)
	tx.Push("Account:A-2", []byte("deposited"))
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("intervening Commit: %v", err)
	}

	tx, _ = c.Begin(ctx)
	tx.Push("Account:A-2", []byte("withdrawn"))
	if err := tx.Commit(ctx); !errors.Is(err, store.ErrGuardViolated) {
		t.Fatalf("Commit error = %v, want %v", err, store.ErrGuardViolated)
	}
}

package pebblestore_test

import (
	"context"
	"testing"

	"github.com/jensholdgaard/streamstore/internal/store/pebblestore"
	"github.com/jensholdgaard/streamstore/internal/store/storetest"
)

func newTestProvider(t *testing.T, dir string) *pebblestore.Provider {
	t.Helper()
	p, err := pebblestore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return p
}

func TestProvider_Contract(t *testing.T) {
	p := newTestProvider(t, t.TempDir())
	defer p.Close()
	storetest.Run(t, p)
}

func TestProvider_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	p := newTestProvider(t, dir)
	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	tx, _ := c.Begin(ctx)
	tx.Push("Account:A-1", []byte("opened"))
	tx.Push("Account:A-1", []byte("deposited"))
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	c.Close()
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p = newTestProvider(t, dir)
	defer p.Close()
	c, err = p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer c.Close()

	n, err := c.Len(ctx, "Account:A-1")
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 2 {
		t.Errorf("Len after reopen = %d, want 2", n)
	}
	got, err := c.Range(ctx, "Account:A-1", 0, -1)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != 2 || string(got[1]) != "deposited" {
		t.Errorf("Range = %q, want [opened deposited]", got)
	}
}

func TestProvider_Ping(t *testing.T) {
	p := newTestProvider(t, t.TempDir())
	defer p.Close()
	if err := p.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

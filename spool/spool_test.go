package spool

import (
	"context"
	"testing"

	"m365proxy/vault"
)

func newTestSpool(t *testing.T) *Spool {
	t.Helper()
	storage, err := vault.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	return New(storage)
}

func TestEnqueue_AssignsIncrementingStems(t *testing.T) {
	sp := newTestSpool(t)
	ctx := context.Background()

	if err := sp.Enqueue(ctx, "a@x.test", []string{"b@y.test"}, []byte("msg1")); err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	if err := sp.Enqueue(ctx, "a@x.test", []string{"c@y.test"}, []byte("msg2")); err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}

	stems, err := sp.pendingStems(ctx)
	if err != nil {
		t.Fatalf("pendingStems: %v", err)
	}
	if len(stems) != 2 {
		t.Fatalf("expected 2 pending entries, got %d: %v", len(stems), stems)
	}
	if stems[0] != "mail_0000" || stems[1] != "mail_0001" {
		t.Errorf("expected ascending mail_0000/mail_0001 stems, got %v", stems)
	}
}

func TestEnqueue_PairIsReadableTogether(t *testing.T) {
	sp := newTestSpool(t)
	ctx := context.Background()
	if err := sp.Enqueue(ctx, "a@x.test", []string{"b@y.test", "c@y.test"}, []byte("raw-bytes")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	raw, err := sp.storage.Get(ctx, "mail_0000.eml")
	if err != nil || string(raw) != "raw-bytes" {
		t.Errorf("eml content: got %q, err %v", raw, err)
	}

	meta, err := sp.storage.Get(ctx, "mail_0000.meta.json")
	if err != nil {
		t.Fatalf("Get meta: %v", err)
	}
	if string(meta) == "" {
		t.Error("expected non-empty metadata")
	}
}

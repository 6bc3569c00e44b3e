package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay-test.db")
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteAccountsCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	rec := &AccountRecord{
		ID:          "a1",
		Platform:    "console",
		Name:        "primary",
		APIURL:      "https://api.anthropic.com",
		Priority:    10,
		Schedulable: true,
		IsActive:    true,
		Status:      "active",
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateAccount(ctx, rec); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	got, err := s.FindByID(ctx, "console", "a1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Name != "primary" || got.Priority != 10 || !got.Schedulable {
		t.Fatalf("got %+v", got)
	}

	status := "rate_limited"
	now := time.Now().UTC().Truncate(time.Second)
	if err := s.UpdateAccount(ctx, "console", "a1", AccountPatch{Status: &status, RateLimitedAt: &now}); err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}
	got, _ = s.FindByID(ctx, "console", "a1")
	if got.Status != "rate_limited" || got.RateLimitedAt == nil {
		t.Fatalf("got %+v", got)
	}

	all, err := s.FindAll(ctx, "console")
	if err != nil || len(all) != 1 {
		t.Fatalf("FindAll: %v, %d results", err, len(all))
	}

	if err := s.DeleteAccount(ctx, "console", "a1"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, err := s.FindByID(ctx, "console", "a1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteUpdateAccountMissingRowReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	status := "active"
	err := s.UpdateAccount(ctx, "console", "does-not-exist", AccountPatch{Status: &status})
	if err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestSQLiteAPIKeysCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	rec := &APIKeyRecord{
		ID:          "k1",
		Fingerprint: "fp-hash",
		Name:        "ci key",
		Scope:       "console",
		IsActive:    true,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateKey(ctx, rec); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	got, err := s.FindKeyByFingerprint(ctx, "fp-hash")
	if err != nil || got.ID != "k1" {
		t.Fatalf("FindKeyByFingerprint: %v, %+v", err, got)
	}

	byID, err := s.FindKeyByID(ctx, "k1")
	if err != nil || byID.Fingerprint != "fp-hash" {
		t.Fatalf("FindKeyByID: %v, %+v", err, byID)
	}

	deleted := true
	deletedAt := time.Now().UTC().Truncate(time.Second)
	if err := s.UpdateKey(ctx, "k1", APIKeyPatch{IsDeleted: &deleted, DeletedAt: &deletedAt}); err != nil {
		t.Fatalf("UpdateKey: %v", err)
	}
	got, _ = s.FindKeyByFingerprint(ctx, "fp-hash")
	if !got.IsDeleted || got.DeletedAt == nil {
		t.Fatalf("got %+v", got)
	}

	keys, err := s.ListKeys(ctx)
	if err != nil || len(keys) != 1 {
		t.Fatalf("ListKeys: %v, %d results", err, len(keys))
	}

	if _, err := s.FindKeyByFingerprint(ctx, "no-such-fingerprint"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

package store

import (
	"context"
	"testing"
	"time"
)

var (
	_ Accounts     = (*Memory)(nil)
	_ Sessions     = (*Memory)(nil)
	_ Usage        = (*Memory)(nil)
	_ HeadersCache = (*Memory)(nil)
	_ APIKeys      = (*Memory)(nil)
)

func TestMemoryAccountsCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rec := &AccountRecord{ID: "a1", Platform: "console", Status: "active", Priority: 10}
	if err := m.CreateAccount(ctx, rec); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	got, err := m.FindByID(ctx, "console", "a1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Status != "active" || got.Priority != 10 {
		t.Fatalf("got %+v", got)
	}

	status := "error"
	if err := m.UpdateAccount(ctx, "console", "a1", AccountPatch{Status: &status}); err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}
	got, _ = m.FindByID(ctx, "console", "a1")
	if got.Status != "error" {
		t.Fatalf("expected patched status, got %q", got.Status)
	}

	all, err := m.FindAll(ctx, "console")
	if err != nil || len(all) != 1 {
		t.Fatalf("FindAll: %v, %d results", err, len(all))
	}

	if err := m.DeleteAccount(ctx, "console", "a1"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, err := m.FindByID(ctx, "console", "a1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemorySessionsTTLAndExtend(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.SetSession(ctx, "fp1", "acc-1", "console", time.Hour); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	b, err := m.GetSession(ctx, "fp1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if b.AccountID != "acc-1" || b.Platform != "console" {
		t.Fatalf("got %+v", b)
	}

	renewed, err := m.ExtendSessionIfNeeded(ctx, "fp1", 15*24*time.Hour, 14*24*time.Hour)
	if err != nil || !renewed {
		t.Fatalf("ExtendSessionIfNeeded: renewed=%v err=%v", renewed, err)
	}

	if err := m.DeleteSession(ctx, "fp1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := m.GetSession(ctx, "fp1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemorySessionExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.SetSession(ctx, "fp1", "acc-1", "console", time.Millisecond); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := m.GetSession(ctx, "fp1"); err != ErrNotFound {
		t.Fatalf("expected session to have expired, got err=%v", err)
	}
}

func TestMemoryUsageAccumulates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	buckets := BucketKeys{DayKey: "2026-07-31", MonthKey: "2026-07", HourKey: "2026-07-31:12"}
	if err := m.IncrementUsage(ctx, "key-1", buckets, UsageIncrement{InputTokens: 10, OutputTokens: 5, Requests: 1}); err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}
	if err := m.IncrementUsage(ctx, "key-1", buckets, UsageIncrement{InputTokens: 3, OutputTokens: 2, Requests: 1}); err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}

	got, err := m.GetUsage(ctx, "key-1", "lifetime")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if got.InputTokens != 13 || got.OutputTokens != 7 || got.Requests != 2 {
		t.Fatalf("got %+v", got)
	}

	dayGot, err := m.GetUsage(ctx, "key-1", "day:2026-07-31")
	if err != nil {
		t.Fatalf("GetUsage day: %v", err)
	}
	if dayGot.InputTokens != 13 {
		t.Fatalf("expected the day bucket to accumulate alongside lifetime, got %+v", dayGot)
	}
}

func TestMemoryHeadersCache(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	snap := HeadersSnapshot{Headers: map[string]string{"user-agent": "claude-cli/1.0.0"}, Version: "1.0.0"}
	if err := m.SetHeaders(ctx, "acc-1", snap, 7*24*time.Hour); err != nil {
		t.Fatalf("SetHeaders: %v", err)
	}
	got, err := m.GetHeaders(ctx, "acc-1")
	if err != nil {
		t.Fatalf("GetHeaders: %v", err)
	}
	if got.Version != "1.0.0" {
		t.Fatalf("got %+v", got)
	}

	if _, err := m.GetHeaders(ctx, "no-such-account"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryAPIKeysCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rec := &APIKeyRecord{ID: "k1", Fingerprint: "fp-hash", Scope: "all", IsActive: true}
	if err := m.CreateKey(ctx, rec); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	got, err := m.FindKeyByFingerprint(ctx, "fp-hash")
	if err != nil || got.ID != "k1" {
		t.Fatalf("FindKeyByFingerprint: %v, %+v", err, got)
	}

	byID, err := m.FindKeyByID(ctx, "k1")
	if err != nil || byID.Fingerprint != "fp-hash" {
		t.Fatalf("FindKeyByID: %v, %+v", err, byID)
	}

	deleted := true
	if err := m.UpdateKey(ctx, "k1", APIKeyPatch{IsDeleted: &deleted}); err != nil {
		t.Fatalf("UpdateKey: %v", err)
	}
	got, _ = m.FindKeyByFingerprint(ctx, "fp-hash")
	if !got.IsDeleted {
		t.Fatal("expected IsDeleted to be patched to true")
	}

	keys, err := m.ListKeys(ctx)
	if err != nil || len(keys) != 1 {
		t.Fatalf("ListKeys: %v, %d results", err, len(keys))
	}

	if _, err := m.FindKeyByFingerprint(ctx, "no-such-key"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

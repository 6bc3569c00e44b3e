package headercache

import (
	"context"
	"testing"

	"github.com/relaycore/apirelay/internal/store"
)

func TestStoreRejectsUnrecognizableUserAgent(t *testing.T) {
	c := New(store.NewMemory())
	replaced, err := c.Store(context.Background(), "acc-1", map[string]string{"user-agent": "curl/8.0"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if replaced {
		t.Fatal("expected no-op for an unrecognizable user-agent")
	}
}

func TestStoreFiltersToAllowList(t *testing.T) {
	ctx := context.Background()
	c := New(store.NewMemory())

	headers := map[string]string{
		"user-agent":         "claude-cli/1.0.50 (external, cli)",
		"anthropic-version":  "2023-06-01",
		"x-stainless-os":     "MacOS",
		"x-some-secret-token": "should-not-be-stored",
		"cookie":              "should-not-be-stored-either",
	}
	replaced, err := c.Store(ctx, "acc-1", headers)
	if err != nil || !replaced {
		t.Fatalf("Store: replaced=%v err=%v", replaced, err)
	}

	got, err := c.Get(ctx, "acc-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := got["x-some-secret-token"]; ok {
		t.Fatal("non-allow-listed header leaked into the stored snapshot")
	}
	if got["anthropic-version"] != "2023-06-01" {
		t.Fatalf("got %+v", got)
	}
}

func TestStoreReplacesOnlyOnStrictlyNewerVersion(t *testing.T) {
	ctx := context.Background()
	c := New(store.NewMemory())

	c.Store(ctx, "acc-1", map[string]string{"user-agent": "claude-cli/1.2.0 (external, cli)", "x-app": "v1"})

	// Equal version: no-op.
	replaced, err := c.Store(ctx, "acc-1", map[string]string{"user-agent": "claude-cli/1.2.0 (external, cli)", "x-app": "v2"})
	if err != nil || replaced {
		t.Fatalf("equal version: replaced=%v err=%v, want no-op", replaced, err)
	}
	got, _ := c.Get(ctx, "acc-1")
	if got["x-app"] != "v1" {
		t.Fatalf("equal-version write must not have replaced the snapshot, got %+v", got)
	}

	// Lower version: no-op.
	replaced, err = c.Store(ctx, "acc-1", map[string]string{"user-agent": "claude-cli/1.1.9 (external, cli)", "x-app": "v3"})
	if err != nil || replaced {
		t.Fatalf("lower version: replaced=%v err=%v, want no-op", replaced, err)
	}

	// Strictly newer version: replaces.
	replaced, err = c.Store(ctx, "acc-1", map[string]string{"user-agent": "claude-cli/1.3.0 (external, cli)", "x-app": "v4"})
	if err != nil || !replaced {
		t.Fatalf("newer version: replaced=%v err=%v, want replaced", replaced, err)
	}
	got, _ = c.Get(ctx, "acc-1")
	if got["x-app"] != "v4" {
		t.Fatalf("expected the newer snapshot to win, got %+v", got)
	}
}

func TestGetReturnsFallbackWhenNeverStored(t *testing.T) {
	c := New(store.NewMemory())
	got, err := c.Get(context.Background(), "never-seen-account")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got["user-agent"] == "" {
		t.Fatal("expected a non-empty static fallback user-agent")
	}
}

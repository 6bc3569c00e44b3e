package apikey

import (
	"testing"
	"time"
)

func TestUsableFalseWhenSoftDeleted(t *testing.T) {
	k := &Key{IsActive: true}
	k.SoftDelete(time.Now())
	if k.Usable(time.Now()) {
		t.Fatal("a soft-deleted key must not be usable")
	}
	if !k.IsDeleted || k.IsActive {
		t.Fatal("SoftDelete must set isDeleted=true and isActive=false")
	}
	if k.DeletedAt == nil {
		t.Fatal("SoftDelete must record a timestamp")
	}
}

func TestUsableFalseWhenInactive(t *testing.T) {
	k := &Key{IsActive: false}
	if k.Usable(time.Now()) {
		t.Fatal("an inactive key must not be usable")
	}
}

func TestExpiredFixedMode(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	k := &Key{IsActive: true, ExpirationMode: ExpirationFixed, ExpiresAt: &past}
	if !k.Expired(now) {
		t.Fatal("expected key with past fixed expiry to be expired")
	}

	k.ExpiresAt = &future
	if k.Expired(now) {
		t.Fatal("expected key with future fixed expiry to be unexpired")
	}
	if !k.Usable(now) {
		t.Fatal("an active, unexpired key should be usable")
	}
}

func TestExpiredActivationMode(t *testing.T) {
	now := time.Now()
	activatedLongAgo := now.Add(-48 * time.Hour)

	k := &Key{
		IsActive:           true,
		ExpirationMode:     ExpirationActivation,
		ActivatedAt:        &activatedLongAgo,
		ActivationDuration: 24 * time.Hour,
	}
	if !k.Expired(now) {
		t.Fatal("expected activation-mode key past its duration to be expired")
	}

	recentlyActivated := now.Add(-time.Hour)
	k.ActivatedAt = &recentlyActivated
	if k.Expired(now) {
		t.Fatal("expected activation-mode key within its duration to be unexpired")
	}
}

func TestExpiredActivationModeNotYetActivated(t *testing.T) {
	k := &Key{
		IsActive:           true,
		ExpirationMode:     ExpirationActivation,
		ActivationDuration: 24 * time.Hour,
	}
	if k.Expired(time.Now()) {
		t.Fatal("a key never activated has not started its expiry window")
	}
}

func TestAllowsPlatform(t *testing.T) {
	cases := []struct {
		scope    Scope
		platform string
		want     bool
	}{
		{ScopeAll, "console", true},
		{ScopeAll, "codex", true},
		{"", "codex", true},
		{ScopeConsole, "console", true},
		{ScopeConsole, "codex", false},
		{ScopeCodex, "codex", true},
		{ScopeCodex, "console", false},
	}
	for _, c := range cases {
		k := &Key{Scope: c.scope}
		if got := k.AllowsPlatform(c.platform); got != c.want {
			t.Errorf("scope=%q platform=%q: got %v, want %v", c.scope, c.platform, got, c.want)
		}
	}
}

func TestDedicatedAccountID(t *testing.T) {
	k := &Key{ConsoleAccountID: "acc-console-1"}
	if id, ok := k.DedicatedAccountID("console"); !ok || id != "acc-console-1" {
		t.Fatalf("got (%q, %v)", id, ok)
	}
	if _, ok := k.DedicatedAccountID("codex"); ok {
		t.Fatal("no codex binding set, expected ok=false")
	}
	if _, ok := k.DedicatedAccountID("unknown-platform"); ok {
		t.Fatal("unknown platform must not resolve a binding")
	}
}

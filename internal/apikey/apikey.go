// Package apikey defines the inbound-caller credential record: a deterministic
// fingerprint of a cleartext key mapped to scope, dedicated-account bindings,
// and lifecycle state.
package apikey

import (
	"time"

	"github.com/relaycore/apirelay/internal/store"
)

// Scope limits which platform(s) a key may schedule requests against.
type Scope string

const (
	ScopeAll     Scope = "all"
	ScopeConsole Scope = "console"
	ScopeCodex   Scope = "codex"
)

// ExpirationMode selects how Key.ExpiresAt is computed.
type ExpirationMode string

const (
	// ExpirationFixed means the key expires at a caller-specified instant.
	ExpirationFixed ExpirationMode = "fixed"
	// ExpirationActivation means the expiry window starts at first use
	// (ActivatedAt) and runs for ActivationDuration.
	ExpirationActivation ExpirationMode = "activation"
)

// Key is the opaque record an inbound API key fingerprint resolves to.
type Key struct {
	ID          string
	Fingerprint string // SHA-256(cleartext + process secret), hex
	Name        string

	Scope Scope

	// Dedicated routing: when set, requests on this key bypass the
	// shared scheduling pool and bind to exactly this account.
	ConsoleAccountID string
	CodexAccountID   string

	// Soft delete.
	IsDeleted bool
	IsActive  bool
	DeletedAt *time.Time

	// Optional gates, not exercised by the core request path.
	RateLimitRequests int // requests per window, 0 = unlimited
	RateLimitWindow   time.Duration
	CostLimit         float64 // 0 = unlimited

	ExpirationMode      ExpirationMode
	ExpiresAt           *time.Time // used when ExpirationMode == ExpirationFixed
	ActivatedAt         *time.Time
	ActivationDuration  time.Duration // used when ExpirationMode == ExpirationActivation

	CreatedAt time.Time
}

// FromRecord decodes a stored APIKeyRecord into the domain type.
func FromRecord(rec *store.APIKeyRecord) *Key {
	return &Key{
		ID:                 rec.ID,
		Fingerprint:        rec.Fingerprint,
		Name:               rec.Name,
		Scope:              Scope(rec.Scope),
		ConsoleAccountID:   rec.ConsoleAccountID,
		CodexAccountID:     rec.CodexAccountID,
		IsDeleted:          rec.IsDeleted,
		IsActive:           rec.IsActive,
		DeletedAt:          rec.DeletedAt,
		RateLimitRequests:  rec.RateLimitRequests,
		RateLimitWindow:    time.Duration(rec.RateLimitWindowSec) * time.Second,
		CostLimit:          rec.CostLimit,
		ExpirationMode:     ExpirationMode(rec.ExpirationMode),
		ExpiresAt:          rec.ExpiresAt,
		ActivatedAt:        rec.ActivatedAt,
		ActivationDuration: time.Duration(rec.ActivationSeconds) * time.Second,
		CreatedAt:          rec.CreatedAt,
	}
}

// Usable reports whether this key may authenticate an inbound request at
// instant now: not soft-deleted, active, and unexpired.
func (k *Key) Usable(now time.Time) bool {
	if k.IsDeleted || !k.IsActive {
		return false
	}
	return !k.Expired(now)
}

// Expired reports whether the key's expiration window has elapsed.
func (k *Key) Expired(now time.Time) bool {
	switch k.ExpirationMode {
	case ExpirationFixed:
		return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
	case ExpirationActivation:
		if k.ActivatedAt == nil || k.ActivationDuration <= 0 {
			return false
		}
		return now.After(k.ActivatedAt.Add(k.ActivationDuration))
	default:
		return false
	}
}

// DedicatedAccountID returns the account this key is bound to for the given
// platform, if any. Scope must also permit the platform for the binding to
// be honored by the scheduler.
func (k *Key) DedicatedAccountID(platform string) (id string, ok bool) {
	switch platform {
	case "console":
		return k.ConsoleAccountID, k.ConsoleAccountID != ""
	case "codex":
		return k.CodexAccountID, k.CodexAccountID != ""
	default:
		return "", false
	}
}

// AllowsPlatform reports whether the key's scope permits scheduling against
// the given platform.
func (k *Key) AllowsPlatform(platform string) bool {
	switch k.Scope {
	case ScopeAll, "":
		return true
	case ScopeConsole:
		return platform == "console"
	case ScopeCodex:
		return platform == "codex"
	default:
		return false
	}
}

// SoftDelete marks the key as deleted and inactive, recoverable until a
// physical purge.
func (k *Key) SoftDelete(now time.Time) {
	k.IsDeleted = true
	k.IsActive = false
	k.DeletedAt = &now
}

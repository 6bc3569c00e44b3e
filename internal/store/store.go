// Package store defines the backing-store interfaces the request path
// consumes, plus three interchangeable implementations: Redis for
// ephemeral/TTL state, SQLite for persistent entities, and an in-memory
// backend for tests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by a Get-style lookup that finds nothing.
var ErrNotFound = errors.New("store: not found")

// Accounts persists upstream credentials, keyed by platform then ID.
type Accounts interface {
	FindByID(ctx context.Context, platform, id string) (*AccountRecord, error)
	FindAll(ctx context.Context, platform string) ([]*AccountRecord, error)
	UpdateAccount(ctx context.Context, platform, id string, patch AccountPatch) error
	CreateAccount(ctx context.Context, rec *AccountRecord) error
	DeleteAccount(ctx context.Context, platform, id string) error
}

// AccountRecord is the wire/storage shape of an account.Account.
// EncryptedAPIKey holds ciphertext at rest; callers decrypt via cryptoutil
// before use.
type AccountRecord struct {
	ID                  string
	Platform            string
	Name                string
	Description         string
	APIURL              string
	UserAgent           string
	ProxyJSON           string // json-encoded account.Proxy, empty if none
	EncryptedAPIKey     string
	Priority            int
	Schedulable         bool
	AccountType         string
	SupportedModelsJSON string // json-encoded map[string]string
	IsActive            bool
	Status              string
	ErrorMessage        string
	RateLimitedAt       *time.Time
	RateLimitMinutes    int
	DailyQuota          float64
	DailyUsage          float64
	QuotaResetTime      string
	QuotaStoppedAt      *time.Time
	LastUsedAt          *time.Time
	CreatedAt           time.Time
}

// AccountPatch is a partial update to an account record; nil fields are
// left unmodified. At minimum the request path patches Status,
// ErrorMessage and LastUsedAt per the error-handling table.
type AccountPatch struct {
	Status        *string
	ErrorMessage  *string
	LastUsedAt    *time.Time
	RateLimitedAt *time.Time
	DailyUsage    *float64
	Schedulable   *bool
}

// Sessions persists fingerprint -> account bindings with sliding TTL.
type Sessions interface {
	GetSession(ctx context.Context, fingerprint string) (*SessionBinding, error)
	SetSession(ctx context.Context, fingerprint, accountID, platform string, ttl time.Duration) error
	// ExtendSessionIfNeeded resets the TTL to ttl when the remaining TTL
	// has fallen below deadband, reporting whether it renewed.
	ExtendSessionIfNeeded(ctx context.Context, fingerprint string, ttl, deadband time.Duration) (bool, error)
	DeleteSession(ctx context.Context, fingerprint string) error
}

// SessionBinding is a resolved fingerprint -> account mapping.
type SessionBinding struct {
	AccountID string
	Platform  string
}

// UsageIncrement is one request's token/cost delta, applied to each of the
// four resolution buckets. The Redis backend pipelines those updates
// without a transaction, so a reader may see some buckets updated before
// others.
type UsageIncrement struct {
	InputTokens             int64
	OutputTokens            int64
	CacheCreateTokens       int64
	CacheReadTokens         int64
	Requests                int64
	Ephemeral5mTokens       int64
	Ephemeral1hTokens       int64
	LongContextInputTokens  int64
	LongContextOutputTokens int64
	LongContextRequests     int64
	Cost                    float64
}

// BucketKeys names the three clock-derived resolution buckets an increment
// lands in, alongside the retention TTL for each (lifetime has no TTL).
type BucketKeys struct {
	DayKey   string
	MonthKey string
	HourKey  string
	DayTTL   time.Duration
	MonthTTL time.Duration
	HourTTL  time.Duration
}

// Usage records per-key token accounting at four resolutions: lifetime
// plus the three buckets named by BucketKeys.
type Usage interface {
	IncrementUsage(ctx context.Context, keyID string, buckets BucketKeys, inc UsageIncrement) error
	GetUsage(ctx context.Context, keyID, bucket string) (UsageIncrement, error)
}

// HeadersSnapshot is the most recently observed CLI header set for an
// account, plus the semver that produced it.
type HeadersSnapshot struct {
	Headers   map[string]string
	Version   string
	UpdatedAt time.Time
}

// HeadersCache persists the most recent CLI header snapshot per account.
type HeadersCache interface {
	GetHeaders(ctx context.Context, accountID string) (*HeadersSnapshot, error)
	SetHeaders(ctx context.Context, accountID string, snap HeadersSnapshot, ttl time.Duration) error
}

// APIKeys persists inbound-caller key records, looked up by fingerprint.
type APIKeys interface {
	FindKeyByFingerprint(ctx context.Context, fingerprint string) (*APIKeyRecord, error)
	FindKeyByID(ctx context.Context, id string) (*APIKeyRecord, error)
	CreateKey(ctx context.Context, rec *APIKeyRecord) error
	UpdateKey(ctx context.Context, id string, patch APIKeyPatch) error
	ListKeys(ctx context.Context) ([]*APIKeyRecord, error)
}

// APIKeyRecord is the storage shape of an apikey.Key.
type APIKeyRecord struct {
	ID                 string
	Fingerprint        string
	Name               string
	Scope              string
	ConsoleAccountID   string
	CodexAccountID     string
	IsDeleted          bool
	IsActive           bool
	DeletedAt          *time.Time
	RateLimitRequests  int
	RateLimitWindowSec int
	CostLimit          float64
	ExpirationMode     string
	ExpiresAt          *time.Time
	ActivatedAt        *time.Time
	ActivationSeconds  int
	CreatedAt          time.Time
}

// APIKeyPatch is a partial update to an API key record.
type APIKeyPatch struct {
	IsDeleted   *bool
	IsActive    *bool
	DeletedAt   *time.Time
	ActivatedAt *time.Time
}

// Package account defines the upstream-credential domain type and its
// availability invariant.
package account

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/relaycore/apirelay/internal/store"
)

// Platform identifies which upstream protocol family an account serves.
type Platform string

const (
	PlatformConsole Platform = "console"
	PlatformCodex   Platform = "codex"
)

// Status is the account health state.
type Status string

const (
	StatusActive        Status = "active"
	StatusError         Status = "error"
	StatusRateLimited   Status = "rate_limited"
	StatusUnauthorized  Status = "unauthorized"
	StatusOverloaded    Status = "overloaded"
	StatusBlocked       Status = "blocked"
	StatusQuotaExceeded Status = "quota_exceeded"
	StatusTempError     Status = "temp_error"
)

// AccountType distinguishes accounts reserved for a specific API key
// (dedicated) from the shared scheduling pool.
type AccountType string

const (
	AccountTypeDedicated AccountType = "dedicated"
	AccountTypeShared    AccountType = "shared"
)

// ProxyProtocol enumerates the supported outbound proxy schemes.
type ProxyProtocol string

const (
	ProxyHTTP   ProxyProtocol = "http"
	ProxyHTTPS  ProxyProtocol = "https"
	ProxySocks5 ProxyProtocol = "socks5"
)

// ProxyAuth carries optional proxy credentials.
type ProxyAuth struct {
	Username string
	Password string
}

// Proxy describes an outbound proxy an account's traffic is routed through.
type Proxy struct {
	Protocol ProxyProtocol
	Host     string
	Port     int
	Auth     *ProxyAuth
}

// Valid reports whether the proxy's port is in the legal TCP range.
func (p *Proxy) Valid() bool {
	if p == nil {
		return true
	}
	return p.Port >= 1 && p.Port <= 65535
}

// Account is an upstream credential the scheduler can hand out to a request.
type Account struct {
	ID          string
	Platform    Platform
	Name        string
	Description string

	APIURL      string
	UserAgent   string // optional override
	Proxy       *Proxy

	// APIKey is the cleartext upstream credential. The store layer is
	// responsible for encrypting it at rest via cryptoutil; by the time
	// a *Account reaches request-path code it holds cleartext.
	APIKey string

	Priority        int // 1..100, smaller = higher priority
	Schedulable     bool
	AccountType     AccountType
	SupportedModels map[string]string // requested model -> upstream model; empty = supports all

	IsActive          bool
	Status            Status
	ErrorMessage      string
	RateLimitedAt     *time.Time
	RateLimitDuration time.Duration // minutes, stored as a Duration for arithmetic convenience
	DailyQuota        float64
	DailyUsage        float64
	QuotaResetTime    string // "HH:MM"
	QuotaStoppedAt    *time.Time
	LastUsedAt        *time.Time
}

// AuthHeader returns the header name and value used to authenticate to the
// upstream with this account's API key. Keys beginning with "sk-ant-" use
// the console x-api-key scheme; everything else is bearer-token auth.
func (a *Account) AuthHeader() (name, value string) {
	if strings.HasPrefix(a.APIKey, "sk-ant-") {
		return "x-api-key", a.APIKey
	}
	return "Authorization", "Bearer " + a.APIKey
}

// SupportsModel reports whether this account can serve the requested model
// and returns the upstream model name to substitute. An empty
// SupportedModels map means the account supports every model unmodified.
func (a *Account) SupportsModel(requested string) (upstream string, ok bool) {
	if len(a.SupportedModels) == 0 {
		return requested, true
	}
	target, exists := a.SupportedModels[requested]
	return target, exists
}

// IsRateLimited reports whether the account is currently within its
// rate-limit cooldown window at instant now.
func (a *Account) IsRateLimited(now time.Time) bool {
	if a.Status != StatusRateLimited || a.RateLimitedAt == nil {
		return false
	}
	return now.Sub(*a.RateLimitedAt) < a.RateLimitDuration
}

// FromRecord decodes a stored AccountRecord into the domain type used by
// the request path. It never returns an error: malformed JSON in
// ProxyJSON or SupportedModelsJSON is treated as absent rather than
// failing the whole conversion. APIKey is left empty — ciphertext lives
// in rec.EncryptedAPIKey and decryption is the caller's concern, done
// only for the one account a request actually dispatches to.
func FromRecord(rec *store.AccountRecord) *Account {
	a := &Account{
		ID:                rec.ID,
		Platform:          Platform(rec.Platform),
		Name:              rec.Name,
		Description:       rec.Description,
		APIURL:            rec.APIURL,
		UserAgent:         rec.UserAgent,
		Priority:          rec.Priority,
		Schedulable:       rec.Schedulable,
		AccountType:       AccountType(rec.AccountType),
		IsActive:          rec.IsActive,
		Status:            Status(rec.Status),
		ErrorMessage:      rec.ErrorMessage,
		RateLimitedAt:     rec.RateLimitedAt,
		RateLimitDuration: time.Duration(rec.RateLimitMinutes) * time.Minute,
		DailyQuota:        rec.DailyQuota,
		DailyUsage:        rec.DailyUsage,
		QuotaResetTime:    rec.QuotaResetTime,
		QuotaStoppedAt:    rec.QuotaStoppedAt,
		LastUsedAt:        rec.LastUsedAt,
	}
	if rec.SupportedModelsJSON != "" {
		var models map[string]string
		if err := json.Unmarshal([]byte(rec.SupportedModelsJSON), &models); err == nil {
			a.SupportedModels = models
		}
	}
	if rec.ProxyJSON != "" {
		var p Proxy
		if err := json.Unmarshal([]byte(rec.ProxyJSON), &p); err == nil {
			a.Proxy = &p
		}
	}
	return a
}

// Available reports whether the account may be handed to a new request:
// active, schedulable, status active, not currently rate-limited, and
// under its daily quota (a zero quota means unlimited).
func (a *Account) Available(now time.Time) bool {
	if !a.IsActive || !a.Schedulable || a.Status != StatusActive {
		return false
	}
	if a.IsRateLimited(now) {
		return false
	}
	if a.DailyQuota > 0 && a.DailyUsage >= a.DailyQuota {
		return false
	}
	return true
}

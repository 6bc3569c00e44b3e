package store

import (
	"context"
	"sync"
	"time"
)

// Memory implements Accounts, Sessions, Usage, HeadersCache and APIKeys
// entirely in-process. It backs unit tests and a single-process deployment
// with no external dependencies.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]*AccountRecord // platform + ":" + id
	apiKeys  map[string]*APIKeyRecord  // by fingerprint

	sessions *TTLMap[SessionBinding]
	headers  *TTLMap[HeadersSnapshot]

	usageMu sync.Mutex
	usage   map[string]UsageIncrement // keyID + ":" + bucket
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*AccountRecord),
		apiKeys:  make(map[string]*APIKeyRecord),
		sessions: NewTTLMap[SessionBinding](),
		headers:  NewTTLMap[HeadersSnapshot](),
		usage:    make(map[string]UsageIncrement),
	}
}

func acctKey(platform, id string) string { return platform + ":" + id }

// --- Accounts ---

func (m *Memory) FindByID(_ context.Context, platform, id string) (*AccountRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.accounts[acctKey(platform, id)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) FindAll(_ context.Context, platform string) ([]*AccountRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AccountRecord
	for _, rec := range m.accounts {
		if rec.Platform == platform {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) CreateAccount(_ context.Context, rec *AccountRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.accounts[acctKey(rec.Platform, rec.ID)] = &cp
	return nil
}

func (m *Memory) UpdateAccount(_ context.Context, platform, id string, patch AccountPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.accounts[acctKey(platform, id)]
	if !ok {
		return ErrNotFound
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.ErrorMessage != nil {
		rec.ErrorMessage = *patch.ErrorMessage
	}
	if patch.LastUsedAt != nil {
		rec.LastUsedAt = patch.LastUsedAt
	}
	if patch.RateLimitedAt != nil {
		rec.RateLimitedAt = patch.RateLimitedAt
	}
	if patch.DailyUsage != nil {
		rec.DailyUsage = *patch.DailyUsage
	}
	if patch.Schedulable != nil {
		rec.Schedulable = *patch.Schedulable
	}
	return nil
}

func (m *Memory) DeleteAccount(_ context.Context, platform, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, acctKey(platform, id))
	return nil
}

// --- Sessions ---

func (m *Memory) GetSession(_ context.Context, fingerprint string) (*SessionBinding, error) {
	b, ok := m.sessions.Get(fingerprint)
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (m *Memory) SetSession(_ context.Context, fingerprint, accountID, platform string, ttl time.Duration) error {
	m.sessions.Set(fingerprint, SessionBinding{AccountID: accountID, Platform: platform}, ttl)
	return nil
}

// ExtendSessionIfNeeded always renews on success: TTLMap does not expose
// remaining TTL cheaply, and unconditional renewal on every touched
// session is a safe (if slightly eager) superset of the deadband rule the
// Redis backend implements precisely.
func (m *Memory) ExtendSessionIfNeeded(_ context.Context, fingerprint string, ttl, deadband time.Duration) (bool, error) {
	_ = deadband
	ok := m.sessions.Update(fingerprint, func(*SessionBinding) {}, ttl)
	if !ok {
		return false, ErrNotFound
	}
	return true, nil
}

func (m *Memory) DeleteSession(_ context.Context, fingerprint string) error {
	m.sessions.Delete(fingerprint)
	return nil
}

// --- Usage ---

// IncrementUsage applies inc to the lifetime bucket plus the three
// clock-derived buckets named by buckets. The in-memory backend has no
// TTL sweep for usage counters: it is a test/single-process affordance,
// not a substitute for Redis retention in a long-lived deployment.
func (m *Memory) IncrementUsage(_ context.Context, keyID string, buckets BucketKeys, inc UsageIncrement) error {
	m.usageMu.Lock()
	defer m.usageMu.Unlock()
	bucketedInc := inc
	bucketedInc.LongContextInputTokens = 0
	bucketedInc.LongContextOutputTokens = 0
	bucketedInc.LongContextRequests = 0
	for _, bucket := range []string{
		"day:" + buckets.DayKey,
		"month:" + buckets.MonthKey,
		"hour:" + buckets.HourKey,
	} {
		key := keyID + ":" + bucket
		m.usage[key] = addUsage(m.usage[key], bucketedInc)
	}
	lifetimeKey := keyID + ":lifetime"
	m.usage[lifetimeKey] = addUsage(m.usage[lifetimeKey], inc)
	return nil
}

func (m *Memory) GetUsage(_ context.Context, keyID, bucket string) (UsageIncrement, error) {
	m.usageMu.Lock()
	defer m.usageMu.Unlock()
	return m.usage[keyID+":"+bucket], nil
}

func addUsage(a, b UsageIncrement) UsageIncrement {
	return UsageIncrement{
		InputTokens:             a.InputTokens + b.InputTokens,
		OutputTokens:            a.OutputTokens + b.OutputTokens,
		CacheCreateTokens:       a.CacheCreateTokens + b.CacheCreateTokens,
		CacheReadTokens:         a.CacheReadTokens + b.CacheReadTokens,
		Requests:                a.Requests + b.Requests,
		Ephemeral5mTokens:       a.Ephemeral5mTokens + b.Ephemeral5mTokens,
		Ephemeral1hTokens:       a.Ephemeral1hTokens + b.Ephemeral1hTokens,
		LongContextInputTokens:  a.LongContextInputTokens + b.LongContextInputTokens,
		LongContextOutputTokens: a.LongContextOutputTokens + b.LongContextOutputTokens,
		LongContextRequests:     a.LongContextRequests + b.LongContextRequests,
		Cost:                    a.Cost + b.Cost,
	}
}

// --- Headers cache ---

func (m *Memory) GetHeaders(_ context.Context, accountID string) (*HeadersSnapshot, error) {
	s, ok := m.headers.Get(accountID)
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *Memory) SetHeaders(_ context.Context, accountID string, snap HeadersSnapshot, ttl time.Duration) error {
	m.headers.Set(accountID, snap, ttl)
	return nil
}

// --- API keys ---

func (m *Memory) FindKeyByFingerprint(_ context.Context, fingerprint string) (*APIKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.apiKeys[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) FindKeyByID(_ context.Context, id string) (*APIKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.apiKeys {
		if rec.ID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CreateKey(_ context.Context, rec *APIKeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.apiKeys[rec.Fingerprint] = &cp
	return nil
}

func (m *Memory) UpdateKey(_ context.Context, id string, patch APIKeyPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.apiKeys {
		if rec.ID != id {
			continue
		}
		if patch.IsDeleted != nil {
			rec.IsDeleted = *patch.IsDeleted
		}
		if patch.IsActive != nil {
			rec.IsActive = *patch.IsActive
		}
		if patch.DeletedAt != nil {
			rec.DeletedAt = patch.DeletedAt
		}
		if patch.ActivatedAt != nil {
			rec.ActivatedAt = patch.ActivatedAt
		}
		return nil
	}
	return ErrNotFound
}

func (m *Memory) ListKeys(_ context.Context) ([]*APIKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*APIKeyRecord, 0, len(m.apiKeys))
	for _, rec := range m.apiKeys {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

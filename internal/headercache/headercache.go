// Package headercache remembers the most recent CLI-identifying headers
// seen from each account, so the relayer can replay a consistent device
// fingerprint across turns of the same conversation even when the
// inbound headers vary request to request.
package headercache

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/relaycore/apirelay/internal/store"
	"github.com/relaycore/apirelay/internal/validate"
)

// allowedHeaders is the fixed 13-header allow-list of CLI-identifying
// headers this cache will ever store: seven named headers plus the six
// bound x-stainless-* SDK fingerprint headers.
var allowedHeaders = map[string]bool{
	"accept":            true,
	"content-type":      true,
	"user-agent":        true,
	"anthropic-version": true,
	"anthropic-beta":    true,
	"anthropic-dangerous-direct-browser-access": true,
	"x-app": true,

	"x-stainless-os":              true,
	"x-stainless-arch":            true,
	"x-stainless-runtime":         true,
	"x-stainless-runtime-version": true,
	"x-stainless-lang":            true,
	"x-stainless-package-version": true,
}

const ttl = 7 * 24 * time.Hour

// ccUserAgent matches a recognizable CLI user-agent and captures its
// leading dot-separated version, e.g. "claude-cli/1.0.110 (external, cli)".
var ccUserAgent = regexp.MustCompile(`^claude-cli/([\d.]+)`)

// fallbackHeaders is returned by Get when no snapshot has ever been
// stored for an account: a last-resort static header set that keeps
// upstream requests CLI-shaped even for a brand-new account.
var fallbackHeaders = map[string]string{
	"accept":             "application/json",
	"content-type":       "application/json",
	"user-agent":         "claude-cli/1.0.69 (external, cli)",
	"anthropic-version":  "2023-06-01",
	"x-stainless-lang":   "js",
	"x-stainless-os":     "MacOS",
	"x-stainless-arch":   "arm64",
	"x-stainless-runtime": "node",
}

// Cache stores and serves header snapshots per account.
type Cache struct {
	backend store.HeadersCache
}

// New builds a Cache over a backend store.HeadersCache implementation.
func New(backend store.HeadersCache) *Cache {
	return &Cache{backend: backend}
}

// Store filters clientHeaders down to the allow-list, requires a
// recognizable CLI user-agent, and replaces the stored snapshot only when
// the UA's semver is strictly greater than what's on file. Returns
// (false, nil) both when the UA isn't recognizable and when an existing,
// equal-or-newer snapshot made this call a no-op.
func (c *Cache) Store(ctx context.Context, accountID string, clientHeaders map[string]string) (replaced bool, err error) {
	ua := lookupCaseInsensitive(clientHeaders, "user-agent")
	version, ok := extractVersion(ua)
	if !ok {
		return false, nil
	}

	existing, err := c.backend.GetHeaders(ctx, accountID)
	if err != nil && err != store.ErrNotFound {
		return false, err
	}
	if existing != nil && !validate.IsNewerVersion(version, existing.Version) {
		return false, nil
	}

	filtered := filterAllowed(clientHeaders)
	snap := store.HeadersSnapshot{Headers: filtered, Version: version}
	if err := c.backend.SetHeaders(ctx, accountID, snap, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the stored snapshot for accountID, or the static fallback
// table if none has ever been recorded.
func (c *Cache) Get(ctx context.Context, accountID string) (map[string]string, error) {
	snap, err := c.backend.GetHeaders(ctx, accountID)
	if err == store.ErrNotFound {
		return fallbackHeaders, nil
	}
	if err != nil {
		return nil, err
	}
	return snap.Headers, nil
}

func filterAllowed(headers map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range headers {
		if allowedHeaders[strings.ToLower(k)] {
			out[strings.ToLower(k)] = v
		}
	}
	return out
}

func lookupCaseInsensitive(headers map[string]string, key string) string {
	key = strings.ToLower(key)
	for k, v := range headers {
		if strings.ToLower(k) == key {
			return v
		}
	}
	return ""
}

func extractVersion(ua string) (string, bool) {
	m := ccUserAgent.FindStringSubmatch(ua)
	if m == nil {
		return "", false
	}
	return m[1], true
}

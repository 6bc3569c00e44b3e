// Package auth resolves an inbound request's bearer token to its managed
// API key record, via the deterministic fingerprint cryptoutil computes.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/relaycore/apirelay/internal/apikey"
	"github.com/relaycore/apirelay/internal/cryptoutil"
	"github.com/relaycore/apirelay/internal/store"
)

// ErrMissingToken is returned when no request credential can be extracted.
var ErrMissingToken = errors.New("auth: missing API key")

// ErrUnusable is returned when a key resolves but is soft-deleted,
// inactive, or expired.
var ErrUnusable = errors.New("auth: API key is deleted, inactive, or expired")

// Authenticator resolves an inbound request's token to its apikey.Key.
type Authenticator struct {
	crypto *cryptoutil.Crypto
	keys   store.APIKeys
}

// New builds an Authenticator over the given key repository.
func New(crypto *cryptoutil.Crypto, keys store.APIKeys) *Authenticator {
	return &Authenticator{crypto: crypto, keys: keys}
}

// ExtractToken pulls the caller's cleartext key out of the inbound request:
// x-api-key first, then a Bearer Authorization header.
func ExtractToken(headers map[string]string) string {
	if key := lookupCaseInsensitive(headers, "x-api-key"); key != "" {
		return key
	}
	if auth := lookupCaseInsensitive(headers, "authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// Resolve fingerprints token and looks up the matching, currently usable
// API key.
func (a *Authenticator) Resolve(ctx context.Context, token string) (*apikey.Key, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	fp := a.crypto.FingerprintAPIKey(token)
	rec, err := a.keys.FindKeyByFingerprint(ctx, fp)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnusable
		}
		return nil, err
	}
	key := apikey.FromRecord(rec)
	if !key.Usable(time.Now()) {
		return nil, ErrUnusable
	}
	return key, nil
}

func lookupCaseInsensitive(headers map[string]string, target string) string {
	target = strings.ToLower(target)
	for k, v := range headers {
		if strings.ToLower(k) == target {
			return v
		}
	}
	return ""
}

// HeadersFromRequest builds the case-preserving header map the rest of the
// request path expects from a net/http request.
func HeadersFromRequest(r *http.Request) map[string]string {
	out := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

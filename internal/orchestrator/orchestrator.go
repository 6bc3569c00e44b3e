// Package orchestrator implements the single inbound relay endpoint:
// authenticate the caller, validate the calling CLI, pick an upstream
// account, dispatch, and meter usage. Account selection and the first
// upstream byte are retried across a bounded number of accounts; once a
// stream has started, failures surface to the client instead.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaycore/apirelay/internal/account"
	"github.com/relaycore/apirelay/internal/apikey"
	"github.com/relaycore/apirelay/internal/auth"
	"github.com/relaycore/apirelay/internal/config"
	"github.com/relaycore/apirelay/internal/cryptoutil"
	"github.com/relaycore/apirelay/internal/fingerprint"
	"github.com/relaycore/apirelay/internal/headercache"
	"github.com/relaycore/apirelay/internal/relay"
	"github.com/relaycore/apirelay/internal/scheduler"
	"github.com/relaycore/apirelay/internal/store"
	"github.com/relaycore/apirelay/internal/usage"
	"github.com/relaycore/apirelay/internal/validate"
)

var validationFailedBody = []byte(`{"error":"Client validation failed. Only Claude Code and Codex clients are allowed."}`)

// Orchestrator is the relay endpoint's request handler.
type Orchestrator struct {
	authn      *auth.Authenticator
	accounts   store.Accounts
	headers    *headercache.Cache
	sched      *scheduler.Scheduler
	relay      *relay.Relay
	meter      *usage.Meter
	crypto     *cryptoutil.Crypto
	maxRetries int
}

// New wires every dependency the request path needs.
func New(authn *auth.Authenticator, accounts store.Accounts, headers *headercache.Cache, sched *scheduler.Scheduler, rel *relay.Relay, meter *usage.Meter, crypto *cryptoutil.Crypto, cfg *config.Config) *Orchestrator {
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Orchestrator{
		authn:      authn,
		accounts:   accounts,
		headers:    headers,
		sched:      sched,
		relay:      rel,
		meter:      meter,
		crypto:     crypto,
		maxRetries: maxRetries,
	}
}

// ServeHTTP implements POST /api/v1/messages.
func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	headers := auth.HeadersFromRequest(r)

	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	key, err := o.authn.Resolve(ctx, auth.ExtractToken(headers))
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "Invalid or missing API key")
		return
	}

	vh := validate.NewHeaders(r.Header)
	result := validate.ValidateCodeCLI(vh, body, r.URL.Path)
	if !result.Valid {
		result = validate.ValidateCodex(vh, body, r.URL.Path)
	}

	platform := account.PlatformConsole
	if result.ClientType == validate.ClientCodexCLI {
		platform = account.PlatformCodex
	}

	if !result.Valid || !key.AllowsPlatform(string(platform)) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write(validationFailedBody)
		return
	}

	sessionFingerprint := fingerprint.Compute(body)
	o.dispatch(ctx, w, key, platform, result.ClientType, body, headers, sessionFingerprint)
}

// dispatch runs the attempt loop: select an account, update its headers
// snapshot for a code-assistant caller, decrypt its credential, and
// dispatch. A failed selection ends the request immediately (excluding
// more IDs cannot change pool exhaustion); a failed pre-first-byte
// dispatch excludes the account and retries up to maxRetries attempts.
func (o *Orchestrator) dispatch(ctx context.Context, w http.ResponseWriter, key *apikey.Key, platform account.Platform, clientType validate.ClientType, body map[string]interface{}, headers map[string]string, sessionFingerprint string) {
	excluded := make(map[string]bool)
	dedicatedID, dedicated := key.DedicatedAccountID(string(platform))

	var lastErr error
	for attempt := 1; attempt <= o.maxRetries; attempt++ {
		acct, err := o.selectAccount(ctx, dedicated, dedicatedID, platform, body, sessionFingerprint, excluded)
		if err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "No available accounts for this request")
			return
		}

		if clientType == validate.ClientCodeCLI {
			if _, err := o.headers.Store(ctx, acct.ID, headers); err != nil {
				slog.Warn("headers cache store failed", "accountId", acct.ID, "error", err)
			}
		}

		if err := o.decryptAccountKey(ctx, acct); err != nil {
			slog.Error("account key decrypt failed", "accountId", acct.ID, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "Internal error")
			return
		}

		stream, _ := body["stream"].(bool)
		var dispatchErr error
		var terminal bool
		if stream {
			terminal, dispatchErr = o.dispatchStream(ctx, w, acct, body, headers, key.ID)
		} else {
			terminal, dispatchErr = o.dispatchUnary(ctx, w, acct, body, headers, key.ID)
		}

		if dispatchErr == nil {
			return
		}
		if terminal {
			// Bytes already reached the client; nothing left to retry.
			return
		}

		excluded[acct.ID] = true
		lastErr = dispatchErr
	}

	writeJSONError(w, http.StatusInternalServerError, lastErr.Error())
}

func (o *Orchestrator) selectAccount(ctx context.Context, dedicated bool, dedicatedID string, platform account.Platform, body map[string]interface{}, sessionFingerprint string, excluded map[string]bool) (*account.Account, error) {
	if dedicated {
		if excluded[dedicatedID] {
			return nil, &scheduler.NoCandidatesError{Platform: platform}
		}
		rec, err := o.accounts.FindByID(ctx, string(platform), dedicatedID)
		if err != nil {
			return nil, err
		}
		a := account.FromRecord(rec)
		if !a.Available(time.Now()) {
			return nil, &scheduler.NoCandidatesError{Platform: platform}
		}
		return a, nil
	}

	model, _ := body["model"].(string)
	req := scheduler.Request{Platform: platform, Model: model, SessionFingerprint: sessionFingerprint}
	res, err := o.sched.SelectAccount(ctx, req, scheduler.Options{ExcludeIDs: excluded})
	if err != nil {
		return nil, err
	}
	return res.Account, nil
}

// decryptAccountKey populates acct.APIKey with the account's cleartext
// upstream credential, decrypted just for this one dispatch.
func (o *Orchestrator) decryptAccountKey(ctx context.Context, acct *account.Account) error {
	rec, err := o.accounts.FindByID(ctx, string(acct.Platform), acct.ID)
	if err != nil {
		return err
	}
	plain, err := o.crypto.Decrypt(rec.EncryptedAPIKey)
	if err != nil {
		return err
	}
	acct.APIKey = plain
	return nil
}

// dispatchUnary awaits the full upstream response and replies once. A
// non-nil error is always pre-first-byte here: nothing has been written
// to w yet, so terminal is always false.
func (o *Orchestrator) dispatchUnary(ctx context.Context, w http.ResponseWriter, acct *account.Account, body map[string]interface{}, headers map[string]string, keyID string) (terminal bool, err error) {
	result, err := o.relay.RelayUnary(ctx, acct, body, headers, relay.Options{})
	if err != nil {
		return false, err
	}
	if result.Usage != nil {
		o.recordUsage(ctx, keyID, *result.Usage)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Body)
	return false, nil
}

// dispatchStream pipes the upstream stream straight to w. The response
// status and SSE headers are committed only once the upstream 200 is
// confirmed, via onConnected; any error observed after that point is
// terminal, since bytes have already reached the client.
func (o *Orchestrator) dispatchStream(ctx context.Context, w http.ResponseWriter, acct *account.Account, body map[string]interface{}, headers map[string]string, keyID string) (terminal bool, err error) {
	connected := false
	onConnected := func() {
		connected = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
	onUsage := func(u relay.Usage) {
		o.recordUsage(ctx, keyID, u)
	}

	status, streamErr := o.relay.RelayStream(ctx, acct, body, headers, relay.Options{}, w, onConnected, onUsage)
	if streamErr == nil {
		return false, nil
	}
	if connected {
		slog.Error("stream interrupted after dispatch began", "accountId", acct.ID, "error", streamErr)
		return true, streamErr
	}

	var dispatchErr *relay.DispatchError
	if status == 0 || errors.As(streamErr, &dispatchErr) {
		return false, streamErr
	}
	return true, streamErr
}

func (o *Orchestrator) recordUsage(ctx context.Context, keyID string, u relay.Usage) {
	rec := usage.Record{
		InputTokens:       u.InputTokens,
		OutputTokens:      u.OutputTokens,
		CacheCreateTokens: u.CacheCreateTokens,
		CacheReadTokens:   u.CacheReadTokens,
		Ephemeral5mTokens: u.Ephemeral5mTokens,
		Ephemeral1hTokens: u.Ephemeral1hTokens,
	}
	if err := o.meter.Increment(ctx, keyID, rec); err != nil {
		slog.Error("usage increment failed", "keyId", keyID, "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

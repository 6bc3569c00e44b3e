// Package relay forwards a request body to one account's upstream and
// extracts usage, unary or streamed, per the header-construction and
// error-to-account-state rules that make every upstream look identical to
// the two approved downstream CLIs.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaycore/apirelay/internal/account"
	"github.com/relaycore/apirelay/internal/headercache"
	"github.com/relaycore/apirelay/internal/store"
)

// DefaultTimeout is the per-dispatch upstream timeout absent an override.
const DefaultTimeout = 300 * time.Second

// DefaultBetaHeader is the canonical anthropic-beta value sent when the
// caller supplies none.
const DefaultBetaHeader = "claude-code-20250219,oauth-2025-04-20,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"

// AnthropicVersion is the canonical anthropic-version header value.
const AnthropicVersion = "2023-06-01"

// excludedHeaders are stripped from clientHeaders before forwarding
// upstream: anything caller-identifying, auth-bearing, or hop-specific.
var excludedHeaders = map[string]bool{
	"authorization":       true,
	"x-api-key":           true,
	"cookie":              true,
	"anthropic-version":   true,
	"anthropic-beta":      true,
	"anthropic-client-id": true,
	"x-claude-trace-id":   true,
	"x-request-id":        true,
	"referer":             true,
	"origin":              true,
	"host":                true,
}

// TransportProvider supplies the per-account HTTP client the relay
// dispatches through (utls fingerprint, optional proxy).
type TransportProvider interface {
	GetClient(acct *account.Account) *http.Client
}

// Options tunes one relay dispatch.
type Options struct {
	CustomPath string // replaces the default "/v1/messages" suffix when set
	BetaHeader string // overrides DefaultBetaHeader when set
	Timeout    time.Duration
}

// Relay forwards requests to one account's upstream and extracts usage.
type Relay struct {
	accounts  store.Accounts
	headers   *headercache.Cache
	transport TransportProvider
}

// New builds a Relay over the given account repository, header cache, and
// transport provider.
func New(accounts store.Accounts, headers *headercache.Cache, transport TransportProvider) *Relay {
	return &Relay{accounts: accounts, headers: headers, transport: transport}
}

// UnaryResult is the outcome of a successful non-streaming dispatch.
type UnaryResult struct {
	StatusCode int
	Body       []byte
	Usage      *Usage
}

// RelayUnary issues one POST to the account's upstream and returns the
// parsed JSON body plus parsed usage. On any upstream status other than 200 it
// patches the account's stored state per the error table and returns a
// *DispatchError.
func (r *Relay) RelayUnary(ctx context.Context, acct *account.Account, body map[string]interface{}, clientHeaders map[string]string, opts Options) (*UnaryResult, error) {
	req, cancel, err := r.buildRequest(ctx, acct, body, clientHeaders, opts, false)
	if err != nil {
		return nil, err
	}
	defer cancel()

	resp, err := r.transport.GetClient(acct).Do(req)
	r.bookkeep(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("relay: dispatch: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("relay: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		r.applyErrorState(ctx, acct, resp.StatusCode)
		return nil, &DispatchError{StatusCode: resp.StatusCode}
	}

	result := &UnaryResult{StatusCode: resp.StatusCode, Body: respBody}
	if u, ok := parseUnaryUsage(respBody); ok {
		u.AccountID = acct.ID
		result.Usage = &u
	}
	return result, nil
}

// RelayStream issues the same request in streaming mode, piping every
// upstream byte to w unmodified while a parser sniffs for the usage
// events; onUsage fires at most once, when message_stop arrives. Returns
// the upstream status code; a status other than 200 streams nothing to w
// and instead returns a *DispatchError after patching account state.
// onConnected, if non-nil, fires exactly once, after the upstream 200 is
// confirmed and before the first byte is copied to w — the caller's only
// safe point to commit its own response status and headers, since nothing
// has been written to w before then.
func (r *Relay) RelayStream(ctx context.Context, acct *account.Account, body map[string]interface{}, clientHeaders map[string]string, opts Options, w io.Writer, onConnected func(), onUsage func(Usage)) (statusCode int, err error) {
	req, cancel, err := r.buildRequest(ctx, acct, body, clientHeaders, opts, true)
	if err != nil {
		return 0, err
	}
	defer cancel()

	resp, err := r.transport.GetClient(acct).Do(req)
	r.bookkeep(ctx, acct)
	if err != nil {
		return 0, fmt.Errorf("relay: dispatch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.applyErrorState(ctx, acct, resp.StatusCode)
		return resp.StatusCode, &DispatchError{StatusCode: resp.StatusCode}
	}

	if onConnected != nil {
		onConnected()
	}

	parser := newSSEParser(func(u Usage) {
		u.AccountID = acct.ID
		onUsage(u)
	})
	completed, err := copyAndParse(ctx, w, resp.Body, parser)
	if !completed {
		slog.Debug("stream interrupted before message_stop", "accountId", acct.ID)
	}
	return resp.StatusCode, err
}

func (r *Relay) buildRequest(ctx context.Context, acct *account.Account, body map[string]interface{}, clientHeaders map[string]string, opts Options, stream bool) (*http.Request, context.CancelFunc, error) {
	dispatchBody := applyModelMapping(acct, body)
	encoded, err := json.Marshal(dispatchBody)
	if err != nil {
		return nil, nil, fmt.Errorf("relay: encode body: %w", err)
	}

	path := "/v1/messages"
	if opts.CustomPath != "" {
		path = opts.CustomPath
	}
	url := strings.TrimRight(acct.APIURL, "/") + path

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(dctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("relay: build request: %w", err)
	}

	snapshot, _ := r.headers.Get(ctx, acct.ID)
	r.buildHeaders(req.Header, clientHeaders, snapshot, acct, opts)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, cancel, nil
}

// buildHeaders implements the header construction order exactly: filtered
// client headers, then the CLI snapshot overlay, then auth, then the two
// canonical anthropic-* headers, then an account user-agent override.
func (r *Relay) buildHeaders(dst http.Header, clientHeaders, snapshot map[string]string, acct *account.Account, opts Options) {
	for k, v := range clientHeaders {
		if excludedHeaders[strings.ToLower(k)] {
			continue
		}
		dst.Set(k, v)
	}

	for k, v := range snapshot {
		dst.Set(k, v)
	}

	authName, authValue := acct.AuthHeader()
	dst.Set(authName, authValue)

	dst.Set("anthropic-version", AnthropicVersion)

	beta := opts.BetaHeader
	if beta == "" {
		beta = DefaultBetaHeader
	}
	dst.Set("anthropic-beta", beta)

	if acct.UserAgent != "" {
		dst.Set("User-Agent", acct.UserAgent)
	}
}

// applyModelMapping returns body unmodified, or a shallow copy with
// "model" replaced by the account's upstream alias when one is mapped.
func applyModelMapping(acct *account.Account, body map[string]interface{}) map[string]interface{} {
	model, _ := body["model"].(string)
	if model == "" {
		return body
	}
	upstream, ok := acct.SupportsModel(model)
	if !ok || upstream == model {
		return body
	}
	cp := make(map[string]interface{}, len(body))
	for k, v := range body {
		cp[k] = v
	}
	cp["model"] = upstream
	return cp
}

func (r *Relay) applyErrorState(ctx context.Context, acct *account.Account, status int) {
	patch, ok := statePatchForStatus(status)
	if !ok {
		return
	}
	if err := r.accounts.UpdateAccount(ctx, string(acct.Platform), acct.ID, patch); err != nil {
		slog.Error("failed to patch account state after upstream error", "accountId", acct.ID, "status", status, "error", err)
	}
}

func (r *Relay) bookkeep(ctx context.Context, acct *account.Account) {
	now := time.Now().UTC()
	patch := store.AccountPatch{LastUsedAt: &now}
	if err := r.accounts.UpdateAccount(ctx, string(acct.Platform), acct.ID, patch); err != nil {
		slog.Debug("failed to update lastUsedAt", "accountId", acct.ID, "error", err)
	}
}

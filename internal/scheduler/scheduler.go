// Package scheduler chooses which account serves a request: a sticky
// session binding when one exists and still qualifies, otherwise a
// round-robin pick among the eligible accounts that share the smallest
// priority value for the platform.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/relaycore/apirelay/internal/account"
	"github.com/relaycore/apirelay/internal/balancer"
	"github.com/relaycore/apirelay/internal/store"
)

// StickyTTL is how long a fingerprint -> account binding survives without
// a renewing request.
const StickyTTL = 15 * 24 * time.Hour

// StickyDeadband is the remaining-TTL threshold below which a sticky hit
// renews the binding back to StickyTTL: renew whenever less than 14 days
// remain, i.e. once a day has elapsed since the last renewal.
const StickyDeadband = 14 * 24 * time.Hour

// NoCandidatesError reports that no account for platform passed filtering.
type NoCandidatesError struct {
	Platform account.Platform
}

func (e *NoCandidatesError) Error() string {
	return fmt.Sprintf("scheduler: no available account for platform %q", e.Platform)
}

// NoModelSupportError reports that filtering was depleted specifically by
// the requested model not being supported by any otherwise-eligible account.
type NoModelSupportError struct {
	Model string
}

func (e *NoModelSupportError) Error() string {
	return fmt.Sprintf("scheduler: no account supports model %q", e.Model)
}

// RetryExhaustedError wraps the last failure once SelectWithRetry gives
// up, either after its attempt budget is used or early on a pool-exhaustion
// error. Attempts is the number of attempts actually made.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("scheduler: retries exhausted after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// Request describes what the caller needs an account for.
type Request struct {
	Platform           account.Platform
	Model              string
	SessionFingerprint string // empty disables sticky-session behavior
}

// Options tunes a single SelectAccount (or SelectWithRetry) invocation.
type Options struct {
	ExcludeIDs map[string]bool
	MaxRetries int // used only by SelectWithRetry; must be >= 1
}

// Result is the outcome of one scheduling decision, owned by the request
// that produced it for the remainder of its lifetime.
type Result struct {
	Account      *account.Account
	IsSticky     bool
	AttemptCount int
}

// Scheduler selects accounts for requests, preferring sticky session
// bindings and falling back to load-balanced selection from the filtered
// pool.
type Scheduler struct {
	accounts store.Accounts
	sessions store.Sessions
	balancer *balancer.Balancer
	now      func() time.Time

	stickyTTL      time.Duration
	stickyDeadband time.Duration
}

// New builds a Scheduler over the given account and session stores, using
// the package's default sticky TTL and renewal deadband.
func New(accounts store.Accounts, sessions store.Sessions, bal *balancer.Balancer) *Scheduler {
	return &Scheduler{
		accounts:       accounts,
		sessions:       sessions,
		balancer:       bal,
		now:            time.Now,
		stickyTTL:      StickyTTL,
		stickyDeadband: StickyDeadband,
	}
}

// NewWithTTL builds a Scheduler with an explicit sticky TTL and renewal
// deadband, for deployments that override the defaults via config.
func NewWithTTL(accounts store.Accounts, sessions store.Sessions, bal *balancer.Balancer, stickyTTL, stickyDeadband time.Duration) *Scheduler {
	s := New(accounts, sessions, bal)
	s.stickyTTL = stickyTTL
	s.stickyDeadband = stickyDeadband
	return s
}

// SelectAccount implements the scheduling algorithm for a single attempt:
// sticky-fast-path, then filter-balance-attach over the pool.
func (s *Scheduler) SelectAccount(ctx context.Context, req Request, opts Options) (Result, error) {
	now := s.now()

	if req.SessionFingerprint != "" {
		if res, ok, err := s.trySticky(ctx, req, opts, now); err != nil {
			return Result{}, err
		} else if ok {
			return res, nil
		}
	}

	records, err := s.accounts.FindAll(ctx, string(req.Platform))
	if err != nil {
		return Result{}, err
	}

	candidates := make([]*account.Account, 0, len(records))
	modelFiltered := false
	for _, rec := range records {
		if opts.ExcludeIDs[rec.ID] {
			continue
		}
		a := account.FromRecord(rec)
		if !a.Available(now) {
			continue
		}
		if req.Model != "" {
			if _, ok := a.SupportsModel(req.Model); !ok {
				modelFiltered = true
				continue
			}
		}
		candidates = append(candidates, a)
	}

	if len(candidates) == 0 {
		if req.Model != "" && modelFiltered {
			return Result{}, &NoModelSupportError{Model: req.Model}
		}
		return Result{}, &NoCandidatesError{Platform: req.Platform}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Priority < candidates[j].Priority })
	chosen := s.balancer.Pick(candidates)

	if req.SessionFingerprint != "" {
		if err := s.sessions.SetSession(ctx, req.SessionFingerprint, chosen.ID, string(req.Platform), s.stickyTTL); err != nil {
			return Result{}, err
		}
	}

	return Result{Account: chosen, IsSticky: false, AttemptCount: 1}, nil
}

// trySticky attempts the sticky-session fast path. The bool return
// indicates whether a (possibly negative, error-free) sticky decision was
// reached; false means "fall through to pool selection".
func (s *Scheduler) trySticky(ctx context.Context, req Request, opts Options, now time.Time) (Result, bool, error) {
	binding, err := s.sessions.GetSession(ctx, req.SessionFingerprint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, false, nil
		}
		return Result{}, false, err
	}

	if opts.ExcludeIDs[binding.AccountID] {
		_ = s.sessions.DeleteSession(ctx, req.SessionFingerprint)
		return Result{}, false, nil
	}

	rec, err := s.accounts.FindByID(ctx, binding.Platform, binding.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = s.sessions.DeleteSession(ctx, req.SessionFingerprint)
			return Result{}, false, nil
		}
		return Result{}, false, err
	}

	a := account.FromRecord(rec)
	if !a.Available(now) {
		_ = s.sessions.DeleteSession(ctx, req.SessionFingerprint)
		return Result{}, false, nil
	}
	if req.Model != "" {
		if _, ok := a.SupportsModel(req.Model); !ok {
			_ = s.sessions.DeleteSession(ctx, req.SessionFingerprint)
			return Result{}, false, nil
		}
	}

	if _, err := s.sessions.ExtendSessionIfNeeded(ctx, req.SessionFingerprint, s.stickyTTL, s.stickyDeadband); err != nil {
		return Result{}, false, err
	}

	return Result{Account: a, IsSticky: true, AttemptCount: 1}, true, nil
}

// SelectWithRetry invokes SelectAccount up to opts.MaxRetries times
// (minimum 1). The caller-owned excludeIDs set is never mutated by the
// wrapper itself; after each failed attempt, onFailure is asked for the
// offending account ID (if any) to add to a private working copy before
// retrying. It reports RetryExhaustedError wrapping the final failure once
// attempts run out, or immediately on a NoCandidates/NoModelSupport error
// since excluding further IDs cannot change that outcome.
func (s *Scheduler) SelectWithRetry(ctx context.Context, req Request, opts Options, onFailure func(err error) (accountID string)) (Result, error) {
	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	working := make(map[string]bool, len(opts.ExcludeIDs))
	for id := range opts.ExcludeIDs {
		working[id] = true
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxRetries; attempt++ {
		attempts = attempt
		res, err := s.SelectAccount(ctx, req, Options{ExcludeIDs: working})
		if err == nil {
			res.AttemptCount = attempt
			return res, nil
		}
		lastErr = err

		var noCand *NoCandidatesError
		var noModel *NoModelSupportError
		if errors.As(err, &noCand) || errors.As(err, &noModel) {
			break
		}
		if onFailure != nil {
			if id := onFailure(err); id != "" {
				working[id] = true
			}
		}
	}

	return Result{}, &RetryExhaustedError{Attempts: attempts, Last: lastErr}
}


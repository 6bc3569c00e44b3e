package relay

import (
	"fmt"

	"github.com/relaycore/apirelay/internal/account"
	"github.com/relaycore/apirelay/internal/store"
)

// DispatchError is raised after any upstream status other than 200 so the
// orchestrator can exclude the account and retry. Any state patch the
// status maps to has already been applied by the time this is returned.
type DispatchError struct {
	StatusCode int
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("relay: upstream returned status %d", e.StatusCode)
}

// statePatchForStatus maps an upstream HTTP status to the account-state
// patch it produces, per the error -> state table. ok is false for
// statuses that carry no state transition (including 200).
func statePatchForStatus(status int) (patch store.AccountPatch, ok bool) {
	switch {
	case status == 401:
		st := string(account.StatusUnauthorized)
		msg := "API key is invalid or expired"
		return store.AccountPatch{Status: &st, ErrorMessage: &msg}, true

	case status == 429:
		// rateLimitedAt is deliberately left unset here: that timestamp is
		// the domain of a separate admin action, not the relayer.
		st := string(account.StatusRateLimited)
		msg := "Rate limit exceeded"
		return store.AccountPatch{Status: &st, ErrorMessage: &msg}, true

	case status == 529:
		st := string(account.StatusOverloaded)
		return store.AccountPatch{Status: &st}, true

	case status >= 500:
		st := string(account.StatusTempError)
		msg := fmt.Sprintf("Server error: %d", status)
		return store.AccountPatch{Status: &st, ErrorMessage: &msg}, true

	default:
		return store.AccountPatch{}, false
	}
}

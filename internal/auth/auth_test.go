package auth

import (
	"context"
	"testing"

	"github.com/relaycore/apirelay/internal/cryptoutil"
	"github.com/relaycore/apirelay/internal/store"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, *store.Memory, *cryptoutil.Crypto) {
	t.Helper()
	crypto := cryptoutil.New("test-process-secret")
	mem := store.NewMemory()
	return New(crypto, mem), mem, crypto
}

func TestExtractTokenPrefersXAPIKey(t *testing.T) {
	token := ExtractToken(map[string]string{
		"x-api-key":     "key-1",
		"Authorization": "Bearer key-2",
	})
	if token != "key-1" {
		t.Fatalf("got %q, want key-1", token)
	}
}

func TestExtractTokenFallsBackToBearer(t *testing.T) {
	token := ExtractToken(map[string]string{"Authorization": "Bearer key-2"})
	if token != "key-2" {
		t.Fatalf("got %q, want key-2", token)
	}
}

func TestExtractTokenEmptyWhenAbsent(t *testing.T) {
	if got := ExtractToken(map[string]string{}); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestResolveMissingTokenIsError(t *testing.T) {
	a, _, _ := newTestAuthenticator(t)
	if _, err := a.Resolve(context.Background(), ""); err != ErrMissingToken {
		t.Fatalf("got %v, want ErrMissingToken", err)
	}
}

func TestResolveUnknownFingerprintIsUnusable(t *testing.T) {
	a, _, _ := newTestAuthenticator(t)
	if _, err := a.Resolve(context.Background(), "nonexistent"); err != ErrUnusable {
		t.Fatalf("got %v, want ErrUnusable", err)
	}
}

func TestResolveReturnsUsableKey(t *testing.T) {
	a, mem, crypto := newTestAuthenticator(t)
	fp := crypto.FingerprintAPIKey("sk-test-123")
	if err := mem.CreateKey(context.Background(), &store.APIKeyRecord{
		ID: "key-1", Fingerprint: fp, Scope: "all", IsActive: true,
	}); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	key, err := a.Resolve(context.Background(), "sk-test-123")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if key.ID != "key-1" {
		t.Fatalf("got key %q, want key-1", key.ID)
	}
}

func TestResolveSoftDeletedKeyIsUnusable(t *testing.T) {
	a, mem, crypto := newTestAuthenticator(t)
	fp := crypto.FingerprintAPIKey("sk-deleted")
	if err := mem.CreateKey(context.Background(), &store.APIKeyRecord{
		ID: "key-2", Fingerprint: fp, Scope: "all", IsActive: false, IsDeleted: true,
	}); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	if _, err := a.Resolve(context.Background(), "sk-deleted"); err != ErrUnusable {
		t.Fatalf("got %v, want ErrUnusable", err)
	}
}

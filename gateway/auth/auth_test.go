package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"blockbatch/crypto"
)

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func signedRequest(t *testing.T, key *crypto.PrivateKey, now time.Time, nonce string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://escrow.test/v1/escrows/ab/release?b=2&a=1", bytes.NewReader(body))
	if err := SignRequest(req, body, key, now, nonce); err != nil {
		t.Fatalf("sign request: %v", err)
	}
	return req
}

func TestNonceStoreCapacityEviction(t *testing.T) {
	store := newNonceStore(5*time.Minute, 3)
	base := time.Unix(1700000000, 0).UTC()

	for i := 0; i < 4; i++ {
		store.Add(fmt.Sprintf("nonce-%d", i), base)
	}
	if got := store.Len(); got != 3 {
		t.Fatalf("expected capacity to remain at 3, got %d", got)
	}
	if store.Contains("nonce-0", base) {
		t.Fatalf("expected oldest nonce to be evicted when capacity exceeded")
	}
	if !store.Contains("nonce-3", base) {
		t.Fatalf("expected newest nonce to be retained")
	}
}

func TestNonceStoreExpiresOldEntries(t *testing.T) {
	store := newNonceStore(30*time.Second, 5)
	base := time.Unix(1700000000, 0).UTC()
	store.Add("nonce-a", base)
	store.Add("nonce-b", base.Add(5*time.Second))

	future := base.Add(time.Minute)
	if store.Contains("nonce-a", future) || store.Contains("nonce-b", future) {
		t.Fatalf("expected expired nonces to be pruned")
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store after expiry")
	}
}

func TestNewAuthenticatorClampsSecurityParameters(t *testing.T) {
	auth := NewAuthenticator(Config{TimestampSkew: 15 * time.Minute, NonceTTL: 30 * time.Minute, NonceCapacity: 1_000_000}, time.Now, nil)
	if auth.allowedTimestampSkew != maxAllowedTimestampSkew {
		t.Fatalf("expected timestamp skew to clamp to %s, got %s", maxAllowedTimestampSkew, auth.allowedTimestampSkew)
	}
	if auth.nonceTTL != maxNonceWindow {
		t.Fatalf("expected nonce TTL to clamp to %s, got %s", maxNonceWindow, auth.nonceTTL)
	}
	if auth.nonceCapacity != maxNonceCapacity {
		t.Fatalf("expected nonce capacity to clamp to %d, got %d", maxNonceCapacity, auth.nonceCapacity)
	}
}

func TestAuthenticateRecoversSigner(t *testing.T) {
	key := mustKey(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := NewAuthenticator(Config{}, func() time.Time { return now }, nil)
	body := []byte(`{"reason":"late"}`)

	principal, err := auth.Authenticate(signedRequest(t, key, now, "n-1", body), body)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.Address != key.PubKey().Address().Array() {
		t.Fatalf("recovered wrong signer")
	}

	if _, err := auth.Authenticate(signedRequest(t, key, now, "n-1", body), body); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected nonce replay, got %v", err)
	}

	tampered := signedRequest(t, key, now, "n-2", body)
	principal, err = auth.Authenticate(tampered, []byte(`{"reason":"early"}`))
	if err == nil && principal.Address == key.PubKey().Address().Array() {
		t.Fatalf("tampered body must not authenticate as the signer")
	}
}

func TestAuthenticateRejectsBadHeaders(t *testing.T) {
	key := mustKey(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := NewAuthenticator(Config{TimestampSkew: time.Minute}, func() time.Time { return now }, nil)

	stale := signedRequest(t, key, now.Add(-2*time.Minute), "stale", nil)
	if _, err := auth.Authenticate(stale, nil); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected skew rejection, got %v", err)
	}

	for _, header := range []string{HeaderTimestamp, HeaderNonce, HeaderSignature} {
		req := signedRequest(t, key, now, "missing-"+header, nil)
		req.Header.Del(header)
		if _, err := auth.Authenticate(req, nil); !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("%s: expected missing credentials, got %v", header, err)
		}
	}

	req := signedRequest(t, key, now, "short", nil)
	req.Header.Set(HeaderSignature, "abcd")
	if _, err := auth.Authenticate(req, nil); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func TestAuthenticateRejectsRewoundTimestamp(t *testing.T) {
	key := mustKey(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := NewAuthenticator(Config{}, func() time.Time { return now }, nil)

	if _, err := auth.Authenticate(signedRequest(t, key, now, "a", nil), nil); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := auth.Authenticate(signedRequest(t, key, now, "b", nil), nil); err != nil {
		t.Fatalf("same-second request with fresh nonce: %v", err)
	}
	if _, err := auth.Authenticate(signedRequest(t, key, now.Add(-10*time.Second), "c", nil), nil); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected rewound timestamp rejection, got %v", err)
	}
}

func TestGateAcceptsOnlyTheSigner(t *testing.T) {
	signer := [20]byte{1}
	ctx := WithPrincipal(context.Background(), &Principal{Address: signer})
	if !(Gate{}).HasAddress(ctx, signer) {
		t.Fatalf("expected signer to be accepted")
	}
	if (Gate{}).HasAddress(ctx, [20]byte{2}) {
		t.Fatalf("expected other address to be rejected")
	}
	if (Gate{}).HasAddress(context.Background(), signer) {
		t.Fatalf("expected unauthenticated context to be rejected")
	}
}

func TestAuthenticatorPersistsNonceUsage(t *testing.T) {
	backend := newFakePersistence()
	key := mustKey(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	clock := func() time.Time { return now }
	cutoff := now.Add(-5 * time.Minute)

	auth := NewAuthenticator(Config{NonceTTL: 5 * time.Minute}, clock, backend)
	if _, err := auth.Authenticate(signedRequest(t, key, now, "nonce-42", nil), nil); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if count := backend.Count(); count != 1 {
		t.Fatalf("unexpected persisted nonce count: %d", count)
	}

	restart := NewAuthenticator(Config{NonceTTL: 5 * time.Minute}, clock, backend)
	if err := restart.HydrateNonces(context.Background(), cutoff); err != nil {
		t.Fatalf("hydrate restart: %v", err)
	}
	if _, err := restart.Authenticate(signedRequest(t, key, now, "nonce-42", nil), nil); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected nonce replay after hydration, got %v", err)
	}

	cold := NewAuthenticator(Config{NonceTTL: 5 * time.Minute}, clock, backend)
	if _, err := cold.Authenticate(signedRequest(t, key, now, "nonce-42", nil), nil); !errors.Is(err, ErrReplay) {
		t.Fatalf("expected nonce replay via persistence, got %v", err)
	}
}

type fakePersistence struct {
	mu      sync.Mutex
	records map[string]NonceRecord
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{records: make(map[string]NonceRecord)}
}

func (f *fakePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%x|%d|%s", record.Signer, record.Timestamp, record.Nonce)
	if _, ok := f.records[key]; ok {
		return true, nil
	}
	f.records[key] = record
	return false, nil
}

func (f *fakePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]NonceRecord, 0, len(f.records))
	for _, rec := range f.records {
		if rec.ObservedAt.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, rec := range f.records {
		if rec.ObservedAt.Before(cutoff) {
			delete(f.records, key)
		}
	}
	return nil
}

func (f *fakePersistence) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

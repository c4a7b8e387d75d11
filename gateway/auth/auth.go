package auth

import (
	"container/list"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"blockbatch/crypto"
)

const (
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded 65-byte secp256k1 signature.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size we will hash when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	maxAllowedTimestampSkew  = 2 * time.Minute
	defaultTimestampSkew     = maxAllowedTimestampSkew
	maxNonceWindow           = 10 * time.Minute
	defaultNonceWindow       = maxNonceWindow
	defaultNonceCapacity     = 4096
	maxNonceCapacity         = 65536
	persistencePruneInterval = time.Minute
	maxNonceLength           = 128
)

var (
	// ErrMissingCredentials is returned when a signing header is absent.
	ErrMissingCredentials = errors.New("auth: missing credentials")
	// ErrInvalidSignature covers malformed or unverifiable signatures.
	ErrInvalidSignature = errors.New("auth: invalid signature")
	// ErrReplay is returned for reused nonces and stale timestamps.
	ErrReplay = errors.New("auth: replayed request")
)

// Principal is the identity recovered from a request signature.
type Principal struct {
	Address [20]byte
}

// NonceRecord is one signer's use of a nonce at a signing timestamp.
type NonceRecord struct {
	Signer     [20]byte
	Timestamp  int64
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence provides durable storage for signer nonce usage.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Config tunes replay protection.
type Config struct {
	TimestampSkew time.Duration
	NonceTTL      time.Duration
	NonceCapacity int
}

// Authenticator verifies secp256k1 request signatures and recovers the signer.
type Authenticator struct {
	allowedTimestampSkew time.Duration
	nonceTTL             time.Duration
	nonceCapacity        int
	nowFn                func() time.Time

	nonceMu sync.Mutex
	nonces  map[[20]byte]*nonceStore

	lastSeenMu sync.Mutex
	lastSeen   map[[20]byte]int64

	persistence NoncePersistence
	pruneMu     sync.Mutex
	lastPruned  time.Time
}

// NewAuthenticator builds an Authenticator. Out-of-range parameters are
// clamped to safe bounds.
func NewAuthenticator(cfg Config, nowFn func() time.Time, persistence NoncePersistence) *Authenticator {
	if nowFn == nil {
		nowFn = time.Now
	}
	skew := cfg.TimestampSkew
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if skew > maxAllowedTimestampSkew {
		skew = maxAllowedTimestampSkew
	}
	nonceTTL := cfg.NonceTTL
	if nonceTTL <= 0 {
		nonceTTL = defaultNonceWindow
	}
	if nonceTTL > maxNonceWindow {
		nonceTTL = maxNonceWindow
	}
	capacity := cfg.NonceCapacity
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	if capacity > maxNonceCapacity {
		capacity = maxNonceCapacity
	}
	return &Authenticator{
		allowedTimestampSkew: skew,
		nonceTTL:             nonceTTL,
		nonceCapacity:        capacity,
		nowFn:                nowFn,
		nonces:               make(map[[20]byte]*nonceStore),
		lastSeen:             make(map[[20]byte]int64),
		persistence:          persistence,
	}
}

// Authenticate validates headers and signature, returning the signer.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestampHeader == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrMissingCredentials, HeaderTimestamp)
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.allowedTimestampSkew {
		return nil, fmt.Errorf("%w: timestamp outside allowed skew of %s", ErrReplay, a.allowedTimestampSkew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrMissingCredentials, HeaderNonce)
	}
	if len(nonce) > maxNonceLength || strings.ContainsAny(nonce, "|\n") {
		return nil, fmt.Errorf("%w: malformed nonce", ErrInvalidSignature)
	}
	providedSig := strings.TrimPrefix(strings.TrimSpace(r.Header.Get(HeaderSignature)), "0x")
	if providedSig == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrMissingCredentials, HeaderSignature)
	}
	sig, err := hex.DecodeString(providedSig)
	if err != nil {
		return nil, fmt.Errorf("%w: signature encoding: %v", ErrInvalidSignature, err)
	}
	digest := SigningDigest(timestampHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	signer, err := crypto.RecoverAddress(digest, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	duplicate, err := a.registerNonce(r.Context(), signer, ts.Unix(), nonce, now)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, fmt.Errorf("%w: nonce already used", ErrReplay)
	}
	if a.isTimestampReplay(signer, ts, now) {
		return nil, fmt.Errorf("%w: timestamp not increasing", ErrReplay)
	}
	return &Principal{Address: signer}, nil
}

// HydrateNonces warms the in-memory cache with persisted nonce usage records.
func (a *Authenticator) HydrateNonces(ctx context.Context, cutoff time.Time) error {
	if a == nil || a.persistence == nil {
		return nil
	}
	records, err := a.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persistent nonces: %w", err)
	}
	for _, rec := range records {
		if rec.Nonce == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.nonceStore(rec.Signer).Add(nonceCacheKey(rec.Timestamp, rec.Nonce), observed)
	}
	return nil
}

func nonceCacheKey(timestamp int64, nonce string) string {
	return strconv.FormatInt(timestamp, 10) + "|" + nonce
}

func (a *Authenticator) registerNonce(ctx context.Context, signer [20]byte, timestamp int64, nonce string, now time.Time) (bool, error) {
	cache := a.nonceStore(signer)
	composite := nonceCacheKey(timestamp, nonce)
	if cache.Contains(composite, now) {
		return true, nil
	}
	if a.persistence != nil {
		if err := a.prunePersistent(ctx, now); err != nil {
			return false, err
		}
		record := NonceRecord{
			Signer:     signer,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		}
		existed, err := a.persistence.EnsureNonce(ctx, record)
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			cache.Add(composite, now)
			return true, nil
		}
	}
	cache.Add(composite, now)
	return false, nil
}

func (a *Authenticator) prunePersistent(ctx context.Context, now time.Time) error {
	a.pruneMu.Lock()
	defer a.pruneMu.Unlock()
	if a.lastPruned.IsZero() || now.Sub(a.lastPruned) >= persistencePruneInterval {
		if err := a.persistence.PruneNonces(ctx, now.Add(-a.nonceTTL)); err != nil {
			return fmt.Errorf("prune persistent nonces: %w", err)
		}
		a.lastPruned = now
	}
	return nil
}

// isTimestampReplay rejects timestamps that go backwards for a signer within
// the skew window. Equal timestamps are allowed since the nonce already
// distinguishes them.
func (a *Authenticator) isTimestampReplay(signer [20]byte, ts time.Time, now time.Time) bool {
	cutoff := now.Add(-a.allowedTimestampSkew)
	current := ts.Unix()

	a.lastSeenMu.Lock()
	defer a.lastSeenMu.Unlock()

	last, ok := a.lastSeen[signer]
	if ok {
		if time.Unix(last, 0).UTC().After(cutoff) {
			if current < last {
				return true
			}
		} else {
			delete(a.lastSeen, signer)
			ok = false
		}
	}
	if !ok || current > last {
		a.lastSeen[signer] = current
	}
	return false
}

func (a *Authenticator) nonceStore(signer [20]byte) *nonceStore {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	cache, ok := a.nonces[signer]
	if ok {
		return cache
	}
	cache = newNonceStore(a.nonceTTL, a.nonceCapacity)
	a.nonces[signer] = cache
	return cache
}

// CanonicalRequestPath normalises URL paths and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery normalises raw query strings for stable signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// SigningDigest is the keccak256 hash a client signs for a request.
func SigningDigest(timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	return crypto.Keccak256([]byte(payload))
}

// SignRequest attaches signing headers to r using key. The body must be the
// exact bytes that will be sent.
func SignRequest(r *http.Request, body []byte, key *crypto.PrivateKey, now time.Time, nonce string) error {
	timestamp := strconv.FormatInt(now.Unix(), 10)
	digest := SigningDigest(timestamp, nonce, r.Method, CanonicalRequestPath(r), body)
	sig, err := key.Sign(digest)
	if err != nil {
		return err
	}
	r.Header.Set(HeaderTimestamp, timestamp)
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return nil
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

type nonceStore struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceStore(ttl time.Duration, capacity int) *nonceStore {
	if ttl <= 0 {
		ttl = defaultNonceWindow
	}
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	return &nonceStore{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Contains reports whether the nonce has been observed without mutating the cache when new.
func (n *nonceStore) Contains(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	_, exists := n.entries[key]
	return exists
}

// Add registers a nonce in the cache, evicting the oldest entries at capacity.
func (n *nonceStore) Add(key string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	if elem, exists := n.entries[key]; exists {
		elem.Value = nonceEntry{key: key, ts: now}
		n.order.MoveToBack(elem)
		return
	}
	for n.order.Len() >= n.capacity {
		front := n.order.Front()
		n.order.Remove(front)
		delete(n.entries, front.Value.(nonceEntry).key)
	}
	n.entries[key] = n.order.PushBack(nonceEntry{key: key, ts: now})
}

func (n *nonceStore) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.order.Len()
}

func (n *nonceStore) evictExpired(cutoff time.Time) {
	for {
		front := n.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(nonceEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		n.order.Remove(front)
		delete(n.entries, entry.key)
	}
}

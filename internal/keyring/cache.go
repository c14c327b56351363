package keyring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/sync/semaphore"

	"github.com/nexuscore/homeserver/internal/eventcrypto"
)

// cacheKey identifies one (server, key_id) verify key in the ristretto
// cache. ristretto wants a comparable key; a string concatenation is the
// simplest one and matches the plain string keys used by
// internal/caching elsewhere in this tree.
func cacheKey(serverName, keyID string) string {
	return serverName + "\x00" + keyID
}

// nowFunc is overridden in tests so validity clamping is deterministic.
var nowFunc = time.Now

// KeyRing is the C2 server-key cache. It answers "is this the key server X
// currently uses for key_id Y" by cache lookup, falling back to a
// configured Fetcher (direct or notary) on a miss, with at most one fetch
// in flight per origin server at a time so a burst of events from the same
// server doesn't cause a fetch storm (§4.2, §5).
type KeyRing struct {
	cache     *ristretto.Cache
	fetchers  []Fetcher // tried in order; first success wins
	inflight  map[string]*semaphore.Weighted
	inflightL sync.Mutex
	log       *logrus.Entry
}

// NewKeyRing builds a KeyRing that tries each fetcher in order (typically
// a DirectFetcher first, then one or more NotaryFetchers) until one
// produces the requested key_id, matching the "direct first, notary as
// fallback" strategy described in §4.2.
func NewKeyRing(fetchers ...Fetcher) (*KeyRing, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("keyring: create cache: %w", err)
	}
	return &KeyRing{
		cache:    c,
		fetchers: fetchers,
		inflight: make(map[string]*semaphore.Weighted),
		log:      logrus.WithField("component", "keyring"),
	}, nil
}

func (k *KeyRing) sem(serverName string) *semaphore.Weighted {
	k.inflightL.Lock()
	defer k.inflightL.Unlock()
	s, ok := k.inflight[serverName]
	if !ok {
		s = semaphore.NewWeighted(1)
		k.inflight[serverName] = s
	}
	return s
}

// KeyFor returns the verify key for (serverName, keyID), valid as of now.
// A key past its (clamped) valid_until_ts is treated as a cache miss and
// re-fetched; callers needing a key valid at a point in the past (e.g.
// checking an old event's signature) should use KeyForAt.
func (k *KeyRing) KeyFor(ctx context.Context, serverName, keyID string) (VerifyKey, bool, error) {
	return k.KeyForAt(ctx, serverName, keyID, nowFunc())
}

// KeyForAt returns the verify key for (serverName, keyID) that was valid
// at instant at, fetching on a cache miss or expiry.
func (k *KeyRing) KeyForAt(ctx context.Context, serverName, keyID string, at time.Time) (VerifyKey, bool, error) {
	if vk, ok := k.lookup(serverName, keyID); ok && !at.After(vk.ValidUntil) {
		return vk, true, nil
	}

	sem := k.sem(serverName)
	if err := sem.Acquire(ctx, 1); err != nil {
		return VerifyKey{}, false, fmt.Errorf("keyring: acquire fetch slot for %s: %w", serverName, err)
	}
	defer sem.Release(1)

	// Re-check: another caller may have populated the cache for us while
	// we waited on the semaphore.
	if vk, ok := k.lookup(serverName, keyID); ok && !at.After(vk.ValidUntil) {
		return vk, true, nil
	}

	fetchedAt := nowFunc()
	var lastErr error
	for _, f := range k.fetchers {
		keys, err := f.FetchKeys(ctx, serverName)
		if err != nil {
			lastErr = err
			k.log.WithError(err).WithField("server_name", serverName).Warn("key fetch attempt failed")
			continue
		}
		for id, vk := range keys {
			vk.ValidUntil = clampValidity(vk.ValidUntil, fetchedAt)
			k.store(serverName, id, vk)
		}
		if vk, ok := keys[keyID]; ok {
			vk.ValidUntil = clampValidity(vk.ValidUntil, fetchedAt)
			return vk, true, nil
		}
	}
	if lastErr != nil {
		return VerifyKey{}, false, fmt.Errorf("keyring: no fetcher produced key %s for %s: %w", keyID, serverName, lastErr)
	}
	return VerifyKey{}, false, nil
}

func (k *KeyRing) lookup(serverName, keyID string) (VerifyKey, bool) {
	v, ok := k.cache.Get(cacheKey(serverName, keyID))
	if !ok {
		return VerifyKey{}, false
	}
	vk, ok := v.(VerifyKey)
	return vk, ok
}

func (k *KeyRing) store(serverName, keyID string, vk VerifyKey) {
	ttl := time.Until(vk.ValidUntil)
	if ttl <= 0 {
		return
	}
	k.cache.SetWithTTL(cacheKey(serverName, keyID), vk, 1, ttl)
}

// PublicKeyLookup adapts KeyFor to eventcrypto.PublicKeyLookup's signature,
// so a KeyRing can be passed straight to eventcrypto.Verify. Fetch errors
// and cache misses are both reported as "key not found", matching
// eventcrypto's expectation that a missing key fails verification rather
// than propagating a fetch error up through event processing.
func (k *KeyRing) PublicKeyLookup(ctx context.Context) eventcrypto.PublicKeyLookup {
	return func(serverName, keyID string) (ed25519.PublicKey, bool) {
		vk, ok, err := k.KeyFor(ctx, serverName, keyID)
		if err != nil || !ok {
			return nil, false
		}
		return vk.PublicKey, true
	}
}

// Package caching provides the process-local caches shared by the
// roomserver, federation sender and sync builder: room metadata, NID
// interning tables, auth-chain closures, and the short-TTL maps used by
// the retry/backoff and long-poll paths.
package caching

import (
	"fmt"
	"reflect"
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/patrickmn/go-cache"
)

// Partition is a typed view over one slice of a shared ristretto cache,
// namespaced by prefix so unrelated partitions sharing the same
// underlying cache never collide on key bytes. Mirrors the
// Caches.<Field>.Get/Set/Unset calling convention used throughout the
// roomserver and syncapi packages.
type Partition[K comparable, V any] struct {
	cache     *ristretto.Cache
	prefix    string
	ttl       time.Duration
	immutable bool
}

func newPartition[K comparable, V any](c *ristretto.Cache, prefix string, ttl time.Duration, immutable bool) *Partition[K, V] {
	return &Partition[K, V]{cache: c, prefix: prefix, ttl: ttl, immutable: immutable}
}

func (p *Partition[K, V]) key(k K) string {
	return p.prefix + "\x00" + toKeyString(k)
}

// toKeyString renders any comparable key as a cache key string. Every key
// type this package actually uses (string, int64, and small named integer
// types) formats sanely via fmt, so we lean on it rather than requiring
// callers to implement a Stringer.
func toKeyString[K comparable](k K) string {
	return fmt.Sprintf("%v", k)
}

// equalAny compares two values of the same type parameter for equality
// without requiring V itself to satisfy comparable (RoomInfos stores
// `any`, which isn't comparable at the type-system level even though the
// concrete values it holds usually are).
func equalAny(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// Get returns the cached value for k, if present and unexpired.
func (p *Partition[K, V]) Get(k K) (V, bool) {
	v, ok := p.cache.Get(p.key(k))
	if !ok {
		var zero V
		return zero, false
	}
	val, ok := v.(V)
	if !ok {
		var zero V
		return zero, false
	}
	return val, true
}

// Set stores v for k. Immutable partitions panic if a different value is
// already stored for the same key, matching the teacher's guarantee that
// things like room version never change once observed (a room changing
// version after creation would indicate a bug worth surfacing loudly
// rather than silently overwriting a cache entry).
func (p *Partition[K, V]) Set(k K, v V) {
	if p.immutable {
		if existing, ok := p.Get(k); ok && !equalAny(existing, v) {
			panic("caching: attempt to change immutable cache value")
		}
	}
	if p.ttl > 0 {
		p.cache.SetWithTTL(p.key(k), v, 1, p.ttl)
	} else {
		p.cache.Set(p.key(k), v, 1)
	}
}

// Unset removes the cached value for k. Panics on immutable partitions.
func (p *Partition[K, V]) Unset(k K) {
	if p.immutable {
		panic("caching: attempt to unset immutable cache value")
	}
	p.cache.Del(p.key(k))
}

// Caches bundles every named cache partition used across the server.
// Components take the fields they need rather than the whole struct
// where practical, but construction happens once at startup.
type Caches struct {
	// RoomVersions caches the negotiated room version per room_id.
	// Immutable: a room's version is fixed at creation.
	RoomVersions *Partition[string, string]

	// RoomInfos caches lightweight room metadata (current depth,
	// forward extremities count, etc.) per room_id. Mutable: updated on
	// every accepted event.
	RoomInfos *Partition[string, any]

	// AuthChains memoizes the auth-chain closure (C5) for an event ID,
	// since recomputing the BFS over auth_events for a deep room is the
	// single most expensive part of admission control.
	AuthChains *Partition[string, []string]

	// EventTypeNIDs / EventTypes intern event "type" strings to small
	// integers and back, the same bidirectional-interning idiom the
	// state compressor (C4) uses to keep state snapshots compact.
	EventTypeNIDs *Partition[string, int64]
	EventTypes    *Partition[int64, string]

	// StateKeyNIDs / StateKeys intern state_key strings the same way.
	StateKeyNIDs *Partition[string, int64]
	StateKeys    *Partition[int64, string]

	// SpaceHierarchy caches a room's computed space-child hierarchy
	// (mirrors the teacher's cache_space_rooms.go). Invalidated whenever
	// a m.space.child event lands on the room (§4.8 step 7).
	SpaceHierarchy *Partition[string, any]

	cache *ristretto.Cache
}

// NewCaches builds a Caches backed by a single ristretto.Cache sized by
// maxCost (ristretto's cost units, typically bytes), with authChainTTL
// bounding how long a memoized auth chain is trusted before recomputation
// (state changes invalidate chains far less often than events arrive, so
// this can be generous).
func NewCaches(maxCost int64, authChainTTL time.Duration) (*Caches, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost / 100,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Caches{
		cache:         c,
		RoomVersions:  newPartition[string, string](c, "room_version", 0, true),
		RoomInfos:     newPartition[string, any](c, "room_info", time.Hour, false),
		AuthChains:    newPartition[string, []string](c, "auth_chain", authChainTTL, false),
		EventTypeNIDs: newPartition[string, int64](c, "event_type_nid", 0, true),
		EventTypes:    newPartition[int64, string](c, "event_type", 0, true),
		StateKeyNIDs:  newPartition[string, int64](c, "state_key_nid", 0, true),
		StateKeys:     newPartition[int64, string](c, "state_key", 0, true),
		SpaceHierarchy: newPartition[string, any](c, "space_hierarchy", time.Hour, false),
	}, nil
}

// BadEventCache tracks (event_id, server_name) pairs we've recently
// failed to validate, backing off further fetch attempts from that server
// for that event without poisoning retries from a different origin that
// might actually have a good copy (§4.7, supplemented from
// original_source's bl/event/handler.rs bad_event_rate_limiter).
type BadEventCache struct {
	c *gocache.Cache
}

func NewBadEventCache(ttl time.Duration) *BadEventCache {
	return &BadEventCache{c: gocache.New(ttl, ttl*2)}
}

func badEventKey(eventID, serverName string) string {
	return eventID + "\x00" + serverName
}

func (b *BadEventCache) MarkBad(eventID, serverName string) {
	b.c.SetDefault(badEventKey(eventID, serverName), struct{}{})
}

func (b *BadEventCache) IsBad(eventID, serverName string) bool {
	_, ok := b.c.Get(badEventKey(eventID, serverName))
	return ok
}

// typingEntry is one room's current typing set plus the sn it last changed
// at, so the sync builder (§4.10 step 2) can tell "typing changed since
// since_sn" apart from "typing unchanged, still non-empty".
type typingEntry struct {
	userIDs []string
	sn      int64
}

// TypingCache holds the ephemeral m.typing EDU state per room: who is
// currently typing, reset automatically after ttl with no refresh, the
// same short-lived-without-persistence treatment BadEventCache gives
// recently-failed fetches.
type TypingCache struct {
	c *gocache.Cache
}

func NewTypingCache(ttl time.Duration) *TypingCache {
	return &TypingCache{c: gocache.New(ttl, ttl*2)}
}

// SetTyping replaces the typing set for roomID, stamped at sn.
func (t *TypingCache) SetTyping(roomID string, userIDs []string, sn int64) {
	if len(userIDs) == 0 {
		t.c.Delete(roomID)
		return
	}
	t.c.SetDefault(roomID, typingEntry{userIDs: userIDs, sn: sn})
}

// Since returns the room's current typing set and whether it changed at or
// after sinceSN. An empty, unset room reports no change.
func (t *TypingCache) Since(roomID string, sinceSN int64) (userIDs []string, changed bool) {
	v, ok := t.c.Get(roomID)
	if !ok {
		return nil, false
	}
	e := v.(typingEntry)
	return e.userIDs, e.sn >= sinceSN
}

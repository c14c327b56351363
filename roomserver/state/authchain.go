package state

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nexuscore/homeserver/roomserver/storage"
	"github.com/nexuscore/homeserver/roomserver/types"
)

// AuthChainIndex implements the auth-chain index (C5): auth_chain_ids,
// the transitive closure of an event's auth_events, computed by BFS and
// memoized at the seed-set level (§4.5).
type AuthChainIndex struct {
	db storage.Database
}

// NewAuthChainIndex builds an AuthChainIndex over db.
func NewAuthChainIndex(db storage.Database) *AuthChainIndex {
	return &AuthChainIndex{db: db}
}

// authEventsLookup fetches the declared auth_events for an event, given its
// event_nid, as a list of event NIDs. It is supplied by the caller (rather
// than read directly from storage here) because the auth-event graph walk
// needs event_id <-> event_nid translation that already lives in the event
// store's Events table; auth_chain_ids itself only needs the NIDs.
type AuthEventsLookup func(ctx context.Context, eventNID types.EventNID) ([]types.EventNID, error)

// ChainIDs computes auth_chain_ids(room, seeds): the union, over every
// seed event, of that event's own auth chain (the seed itself, its
// auth_events, their auth_events, and so on), via BFS with a memoization
// cache keyed by the
// sorted seed set (§4.5's "cache key is the sorted set of seed event_sns").
func (a *AuthChainIndex) ChainIDs(ctx context.Context, roomNID types.RoomNID, seeds []types.EventNID, lookup AuthEventsLookup) ([]types.EventNID, error) {
	key := cacheKeyForSeeds(seeds)

	if cached, ok, err := a.db.SelectAuthChain(ctx, nil, key); err != nil {
		return nil, err
	} else if ok {
		return cached, nil
	}

	visited := make(map[types.EventNID]bool)
	queue := append([]types.EventNID{}, seeds...)
	for _, s := range seeds {
		visited[s] = true
	}

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		parents, err := lookup(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("state: auth chain lookup for %d: %w", next, err)
		}
		for _, p := range parents {
			if visited[p] {
				continue
			}
			visited[p] = true
			queue = append(queue, p)
		}
	}

	chain := make([]types.EventNID, 0, len(visited))
	for nid := range visited {
		chain = append(chain, nid)
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i] < chain[j] })

	if err := a.db.InsertAuthChain(ctx, nil, key, chain); err != nil {
		return nil, err
	}
	return chain, nil
}

// cacheKeyForSeeds renders the sorted seed set as a stable cache key.
func cacheKeyForSeeds(seeds []types.EventNID) string {
	sorted := append([]types.EventNID{}, seeds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, s := range sorted {
		parts[i] = strconv.FormatInt(int64(s), 10)
	}
	return strings.Join(parts, ",")
}

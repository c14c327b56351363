package state

import (
	"context"
	"sort"

	"github.com/tidwall/gjson"

	roomauth "github.com/nexuscore/homeserver/roomserver/auth"
	"github.com/nexuscore/homeserver/roomserver/types"
)

// EventFetcher resolves an event_id to its PDU, the "resolver callback"
// §4.6 passes state resolution so it can walk auth chains without the
// resolver itself knowing how events are stored.
type EventFetcher func(ctx context.Context, eventID string) (*types.HeaderedEvent, error)

// Resolver implements Matrix state resolution v2 (C6): given a set of
// fork states, produces the single resolved state map.
type Resolver struct{}

// NewResolver builds a Resolver. It is stateless; the whole algorithm is
// parameterized by its arguments, so one Resolver serves every room.
func NewResolver() *Resolver { return &Resolver{} }

// Resolve implements the four-step algorithm from §4.6:
//  1. partition unconflicted/conflicted state
//  2. reverse-topological power ordering of the conflicted power events and
//     every power event in the conflicted events' combined auth chains (the
//     full union, not narrowed to the auth-chain difference), auth-checking
//     each into a working state
//  3. mainline ordering of the remaining conflicted events, auth-checking
//     each in turn
//  4. overlay the unconflicted pairs
func (r *Resolver) Resolve(ctx context.Context, forks []roomauth.StateMap, fetch EventFetcher) (roomauth.StateMap, error) {
	switch len(forks) {
	case 0:
		return roomauth.StateMap{}, nil
	case 1:
		return forks[0].Clone(), nil
	}

	unconflicted, conflicted := partitionForks(forks)

	authChain, err := unionAuthChains(ctx, conflicted, fetch)
	if err != nil {
		return nil, err
	}

	powerEvents := selectPowerEvents(ctx, conflicted, authChain, fetch)
	orderedPower, err := reverseTopologicalPowerOrder(ctx, powerEvents, fetch)
	if err != nil {
		return nil, err
	}

	working := unconflicted.Clone()
	applyInOrder(ctx, working, orderedPower, fetch)

	remaining := remainingConflicted(conflicted, powerEvents)
	mainlineOrdered, err := mainlineOrder(ctx, remaining, working, fetch)
	if err != nil {
		return nil, err
	}
	applyInOrder(ctx, working, mainlineOrdered, fetch)

	for k, ev := range unconflicted {
		working[k] = ev
	}
	return working, nil
}

// applyInOrder auth-checks each event id against the accumulating working
// state and folds it in on success, silently dropping events that fail
// auth (they simply lose the conflict and don't appear in the resolved
// state) or that can't be fetched.
func applyInOrder(ctx context.Context, working roomauth.StateMap, ids []string, fetch EventFetcher) {
	for _, id := range ids {
		ev, err := fetch(ctx, id)
		if err != nil || ev == nil {
			continue
		}
		sk := ev.StateKey()
		if sk == nil {
			continue
		}
		if err := roomauth.Allowed(ev, working); err == nil {
			working[roomauth.StateKey{EventType: ev.Type(), StateKey: *sk}] = ev
		}
	}
}

// partitionForks splits state keys into unconflicted (the same event in
// every fork that has the key) and conflicted (everything else): disagreeing
// values, or present in some forks and not others.
func partitionForks(forks []roomauth.StateMap) (roomauth.StateMap, map[roomauth.StateKey][]*types.HeaderedEvent) {
	keys := map[roomauth.StateKey]bool{}
	for _, f := range forks {
		for k := range f {
			keys[k] = true
		}
	}

	unconflicted := roomauth.StateMap{}
	conflicted := map[roomauth.StateKey][]*types.HeaderedEvent{}

	for k := range keys {
		distinct := map[string]*types.HeaderedEvent{}
		presentCount := 0
		for _, f := range forks {
			if ev, ok := f[k]; ok {
				presentCount++
				distinct[ev.EventID()] = ev
			}
		}
		if presentCount == len(forks) && len(distinct) == 1 {
			for _, ev := range distinct {
				unconflicted[k] = ev
			}
			continue
		}
		var list []*types.HeaderedEvent
		for _, ev := range distinct {
			list = append(list, ev)
		}
		conflicted[k] = list
	}
	return unconflicted, conflicted
}

// unionAuthChains returns the event IDs of the union of every conflicted
// event's auth chain, walked directly by event_id via fetch (the full
// NID-based AuthChainIndex memoization is used at the ingestion layer,
// which already has NIDs on hand; here we only need the id set once per
// resolution call).
func unionAuthChains(ctx context.Context, conflicted map[roomauth.StateKey][]*types.HeaderedEvent, fetch EventFetcher) (map[string]*types.HeaderedEvent, error) {
	visited := map[string]*types.HeaderedEvent{}
	var queue []*types.HeaderedEvent
	for _, list := range conflicted {
		queue = append(queue, list...)
	}
	for _, ev := range queue {
		visited[ev.EventID()] = ev
	}

	for len(queue) > 0 {
		ev := queue[0]
		queue = queue[1:]
		for _, authID := range ev.AuthEvents() {
			if _, ok := visited[authID]; ok {
				continue
			}
			authEv, err := fetch(ctx, authID)
			if err != nil || authEv == nil {
				continue
			}
			visited[authID] = authEv
			queue = append(queue, authEv)
		}
	}
	return visited, nil
}

// isPowerEvent reports whether ev is a "power event" per the Matrix state
// resolution v2 definition: a m.room.power_levels or m.room.join_rules
// state event, or a m.room.member event that leaves or bans someone other
// than its own sender.
func isPowerEvent(ev *types.HeaderedEvent) bool {
	switch ev.Type() {
	case "m.room.power_levels", "m.room.join_rules":
		return true
	case "m.room.member":
		sk := ev.StateKey()
		if sk == nil || *sk == ev.Sender() {
			return false
		}
		membership := gjson.GetBytes(ev.Content(), "membership").String()
		return membership == "leave" || membership == "ban"
	default:
		return false
	}
}

// selectPowerEvents is the conflicted power events plus every power event
// in the conflicted set's combined auth chains (§4.6 step 2). The set is
// the whole union of those chains; it is not narrowed to the auth-chain
// difference, so power events common to every fork's chain are included.
func selectPowerEvents(ctx context.Context, conflicted map[roomauth.StateKey][]*types.HeaderedEvent, authChain map[string]*types.HeaderedEvent, fetch EventFetcher) []*types.HeaderedEvent {
	seen := map[string]bool{}
	var out []*types.HeaderedEvent
	add := func(ev *types.HeaderedEvent) {
		if ev == nil || seen[ev.EventID()] || !isPowerEvent(ev) {
			return
		}
		seen[ev.EventID()] = true
		out = append(out, ev)
	}
	for _, list := range conflicted {
		for _, ev := range list {
			add(ev)
		}
	}
	for _, ev := range authChain {
		add(ev)
	}
	return out
}

// reverseTopologicalPowerOrder orders power events so that every event's
// auth_events (restricted to other power events in the candidate set)
// precede it, breaking ties by descending estimatePowerLevel (a weight by
// event type; the sender's power level is not consulted), then ascending
// origin_server_ts, then ascending event_id.
func reverseTopologicalPowerOrder(ctx context.Context, events []*types.HeaderedEvent, fetch EventFetcher) ([]string, error) {
	byID := make(map[string]*types.HeaderedEvent, len(events))
	for _, ev := range events {
		byID[ev.EventID()] = ev
	}

	inDegree := make(map[string]int, len(events))
	dependents := make(map[string][]string)
	for _, ev := range events {
		inDegree[ev.EventID()] = 0
	}
	for _, ev := range events {
		for _, a := range ev.AuthEvents() {
			if _, ok := byID[a]; !ok {
				continue
			}
			inDegree[ev.EventID()]++
			dependents[a] = append(dependents[a], ev.EventID())
		}
	}

	less := func(a, b string) bool {
		ea, eb := byID[a], byID[b]
		pa, pb := estimatePowerLevel(ea), estimatePowerLevel(eb)
		if pa != pb {
			return pa > pb
		}
		if ea.OriginServerTS() != eb.OriginServerTS() {
			return ea.OriginServerTS() < eb.OriginServerTS()
		}
		return a < b
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })

	var order []string
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		var newlyReady []string
		for _, dep := range dependents[next] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				newlyReady = append(newlyReady, dep)
			}
		}
		sort.Slice(newlyReady, func(i, j int) bool { return less(newlyReady[i], newlyReady[j]) })
		ready = mergeSorted(ready, newlyReady, less)
	}
	return order, nil
}

func mergeSorted(a, b []string, less func(x, y string) bool) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if less(a[i], b[j]) {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// estimatePowerLevel gives a rough per-event ordering weight: power_levels
// and join_rules events always lead m.room.member leave/ban events in a
// tie, since they were required to authorize the latter.
func estimatePowerLevel(ev *types.HeaderedEvent) int64 {
	switch ev.Type() {
	case "m.room.power_levels":
		return 100
	case "m.room.join_rules":
		return 50
	default:
		return 0
	}
}

// remainingConflicted is every conflicted event not already consumed as a
// power event, deduplicated by event_id.
func remainingConflicted(conflicted map[roomauth.StateKey][]*types.HeaderedEvent, powerEvents []*types.HeaderedEvent) []string {
	consumed := map[string]bool{}
	for _, ev := range powerEvents {
		consumed[ev.EventID()] = true
	}
	seen := map[string]bool{}
	var out []string
	for _, list := range conflicted {
		for _, ev := range list {
			if consumed[ev.EventID()] || seen[ev.EventID()] {
				continue
			}
			seen[ev.EventID()] = true
			out = append(out, ev.EventID())
		}
	}
	return out
}

// mainlineOrder implements §4.6 step 3: build the mainline (the chain of
// m.room.power_levels events reachable from the working state's current
// power-levels event via auth_events), then for each remaining event find
// its nearest mainline ancestor by walking its own auth chain, and sort by
// (mainline depth ascending, origin_server_ts ascending, event_id
// ascending).
func mainlineOrder(ctx context.Context, ids []string, working roomauth.StateMap, fetch EventFetcher) ([]string, error) {
	mainline := buildMainline(ctx, working, fetch)

	type scored struct {
		id    string
		depth int
		ts    int64
	}
	var list []scored
	for _, id := range ids {
		ev, err := fetch(ctx, id)
		if err != nil || ev == nil {
			continue
		}
		depth := nearestMainlineDepth(ctx, ev, mainline, fetch)
		list = append(list, scored{id: id, depth: depth, ts: ev.OriginServerTS()})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].depth != list[j].depth {
			return list[i].depth < list[j].depth
		}
		if list[i].ts != list[j].ts {
			return list[i].ts < list[j].ts
		}
		return list[i].id < list[j].id
	})
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.id
	}
	return out, nil
}

// buildMainline returns a map of power-levels event_id -> position in the
// chain (0 = most recent), walking auth_events back from the current
// power-levels event.
func buildMainline(ctx context.Context, working roomauth.StateMap, fetch EventFetcher) map[string]int {
	mainline := map[string]int{}
	cur := working.Get("m.room.power_levels", "")
	depth := 0
	for cur != nil {
		if _, ok := mainline[cur.EventID()]; ok {
			break
		}
		mainline[cur.EventID()] = depth
		depth++
		var next *types.HeaderedEvent
		for _, a := range cur.AuthEvents() {
			ev, err := fetch(ctx, a)
			if err != nil || ev == nil {
				continue
			}
			if ev.Type() == "m.room.power_levels" {
				next = ev
				break
			}
		}
		cur = next
	}
	return mainline
}

// nearestMainlineDepth walks ev's own auth chain until it hits a mainline
// event, returning that event's depth (or one past the end of the
// mainline if none is found, so such events sort last).
func nearestMainlineDepth(ctx context.Context, ev *types.HeaderedEvent, mainline map[string]int, fetch EventFetcher) int {
	visited := map[string]bool{}
	queue := []*types.HeaderedEvent{ev}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur.EventID()] {
			continue
		}
		visited[cur.EventID()] = true
		if d, ok := mainline[cur.EventID()]; ok {
			return d
		}
		for _, a := range cur.AuthEvents() {
			authEv, err := fetch(ctx, a)
			if err != nil || authEv == nil {
				continue
			}
			queue = append(queue, authEv)
		}
	}
	return len(mainline) + 1
}

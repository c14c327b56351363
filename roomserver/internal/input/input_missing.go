package input

import (
	"context"
	"fmt"

	"github.com/nexuscore/homeserver/internal/eventcrypto"
	"github.com/nexuscore/homeserver/internal/logging"
	"github.com/nexuscore/homeserver/roomserver/types"
)

// maxMissingFetchDepth bounds how far back the recursive auth/prev-event
// fetch will walk before giving up on a branch, so a malicious or broken
// peer can't make a single PDU pull in an unbounded chain of dependency
// requests.
const maxMissingFetchDepth = 20

// fetchAndStoreOutlier resolves a single missing event_id from the given
// candidate servers, verifies it, stores it as an outlier, and recurses
// into its own declared auth/prev events up to maxMissingFetchDepth.
func (r *Inputer) fetchAndStoreOutlier(ctx context.Context, roomID, eventID string, servers []string, depth int) (*types.HeaderedEvent, error) {
	logger := logging.Logger(ctx)
	if depth > maxMissingFetchDepth {
		return nil, fmt.Errorf("input: %s exceeds max missing-dependency fetch depth", eventID)
	}

	var usable []string
	for _, s := range servers {
		if !r.BadEvents.IsBad(eventID, s) {
			usable = append(usable, s)
		}
	}
	if len(usable) == 0 || r.FetchEvent == nil {
		return nil, nil
	}

	ev, err := r.FetchEvent(ctx, roomID, eventID, usable)
	if err != nil || ev == nil {
		for _, s := range usable {
			r.BadEvents.MarkBad(eventID, s)
		}
		return nil, err
	}

	result, err := eventcrypto.Verify(ev.JSON, ev.RoomVersion, r.KeyLookup)
	if err != nil || result == eventcrypto.Fail {
		logger.WithField("event_id", eventID).Warn("input: fetched dependency failed verification")
		for _, s := range usable {
			r.BadEvents.MarkBad(eventID, s)
		}
		return nil, nil
	}

	for _, dep := range append(append([]string{}, ev.AuthEvents()...), ev.PrevEvents()...) {
		if _, err := r.ensureKnown(ctx, roomID, dep, servers, depth+1); err != nil {
			logger.WithField("event_id", dep).WithError(err).Debug("input: could not resolve nested dependency")
		}
	}

	if err := r.storeOutlier(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// ensureKnown returns the event for id, fetching and storing it as an
// outlier via fetchAndStoreOutlier if it isn't already known locally.
func (r *Inputer) ensureKnown(ctx context.Context, roomID, id string, servers []string, depth int) (*types.HeaderedEvent, error) {
	nid, ok, err := r.DB.SelectEventNID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if ok {
		raw, err := r.DB.SelectEventJSON(ctx, nil, nid)
		if err != nil {
			return nil, err
		}
		info, err := r.DB.SelectEventInfo(ctx, nil, nid)
		if err != nil {
			return nil, err
		}
		roomInfo, err := r.DB.SelectRoomInfo(ctx, nil, info.RoomNID)
		if err != nil {
			return nil, err
		}
		return &types.HeaderedEvent{RoomVersion: roomInfo.RoomVersion, JSON: raw}, nil
	}
	return r.fetchAndStoreOutlier(ctx, roomID, id, servers, depth)
}

package internal

import (
	"context"

	"github.com/nexuscore/homeserver/roomserver/types"
)

// applyLazyLoad implements §4.10 step 2's lazy-loading clause: with lazy
// loading enabled, a joined room's state section only carries member
// events for senders that appear in this response's timeline slice (or,
// if IncludeRedundantMember is set, every sender regardless of whether
// they were already delivered). The lazy-load ledger records what has
// already been sent to this (user, device, room) so unrelated member
// events aren't resent sync after sync.
func (b *Builder) applyLazyLoad(ctx context.Context, req Request, roomID string, delta []*types.HeaderedEvent, timelineSenders map[string]bool, currentState stateMap) ([]*types.HeaderedEvent, error) {
	if !req.Filter.LazyLoadMembers {
		return delta, nil
	}

	// Keep every non-membership change, and the member events in the delta
	// only for users who sent something in the timeline slice.
	out := make([]*types.HeaderedEvent, 0, len(delta))
	alreadyIncluded := make(map[string]bool, len(delta))
	for _, ev := range delta {
		if sk := ev.StateKey(); ev.Type() == "m.room.member" && sk != nil {
			if !timelineSenders[*sk] {
				continue
			}
			alreadyIncluded[*sk] = true
		}
		out = append(out, ev)
	}

	for sender := range timelineSenders {
		if alreadyIncluded[sender] {
			continue
		}
		sent, err := b.SyncDB.WasSent(ctx, nil, req.UserID, req.DeviceID, roomID, sender)
		if err != nil {
			return nil, err
		}
		if sent && !req.Filter.IncludeRedundantMember {
			continue
		}
		member := currentState[stateKey{EventType: "m.room.member", StateKey: sender}]
		if member == nil {
			continue
		}
		out = append(out, member)
		alreadyIncluded[sender] = true
	}
	return out, nil
}

// markLazyLoadSent records every member event actually delivered this
// response so a later sync can skip resending it, per §4.10 step 2's
// "the lazy-load ledger ... is consulted and updated with next_batch".
func (b *Builder) markLazyLoadSent(ctx context.Context, req Request, roomID string, nextBatch types.EventNID, delta []*types.HeaderedEvent) error {
	if !req.Filter.LazyLoadMembers {
		return nil
	}
	for _, ev := range delta {
		if ev.Type() != "m.room.member" || ev.StateKey() == nil {
			continue
		}
		if err := b.SyncDB.MarkSent(ctx, nil, req.UserID, req.DeviceID, roomID, *ev.StateKey(), nextBatch); err != nil {
			return err
		}
	}
	return nil
}

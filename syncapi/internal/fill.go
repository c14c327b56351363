package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/nexuscore/homeserver/internal/caching"
	"github.com/nexuscore/homeserver/roomserver/types"
)

// fillGlobalAccountData implements §4.10 step 6.
func (b *Builder) fillGlobalAccountData(ctx context.Context, req Request, resp *Response) error {
	data, err := b.SyncDB.SelectGlobalAccountDataSince(ctx, nil, req.UserID, req.Since)
	if err != nil {
		return fmt.Errorf("syncapi: select global account data: %w", err)
	}
	resp.AccountData.Events = accountDataToEvents(data)
	return nil
}

// fillToDevice implements §4.10 step 9: messages with sn in
// (since_sn, next_batch]. Delivery to a previous since_sn is treated as
// acknowledged once the client has moved past it, so those rows are
// pruned before the new slice is read rather than after it's returned —
// a client that never comes back for its next_batch simply leaves its
// queue capped at filter.limit-independent growth until it does.
func (b *Builder) fillToDevice(ctx context.Context, req Request, resp *Response, currSN types.EventNID) error {
	if req.Since > 0 {
		if err := b.SyncDB.DeleteUpTo(ctx, nil, req.UserID, req.DeviceID, req.Since); err != nil {
			return fmt.Errorf("syncapi: prune acked to-device messages: %w", err)
		}
	}
	rows, err := b.SyncDB.SelectToDeviceMessagesSince(ctx, nil, req.UserID, req.DeviceID, req.Since, currSN)
	if err != nil {
		return fmt.Errorf("syncapi: select to-device messages: %w", err)
	}
	events := make([]SyncEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, SyncEvent{Sender: r.Sender, Type: r.EventType, Content: r.Content})
	}
	resp.ToDevice.Events = events
	return nil
}

// fillOneTimeKeyCounts implements §4.10 step 10. A nil OneTimeKeys
// collaborator (the common case — key management is explicitly out of
// scope per §1) leaves the field unset.
func (b *Builder) fillOneTimeKeyCounts(ctx context.Context, req Request, resp *Response) error {
	if b.OneTimeKeys == nil {
		return nil
	}
	counts, err := b.OneTimeKeys.CountsForDevice(ctx, req.UserID, req.DeviceID)
	if err != nil {
		return fmt.Errorf("syncapi: select one-time key counts: %w", err)
	}
	resp.DeviceOneTimeKeysCount = counts
	return nil
}

// fillDeviceLists implements §4.10 step 8. A device-list change is
// reported under "changed" when the changed user still shares a
// currently-joined room with the syncing user, and under "left" when
// they no longer do — the simplest correct reading of "users who just
// joined an encrypted room" and "users who left" without a dedicated
// per-room encryption-state and membership-history index.
func (b *Builder) fillDeviceLists(ctx context.Context, req Request, resp *Response, sharedUsers map[string]bool) error {
	if req.Since == 0 {
		// Initial syncs don't report deltas; the full state already
		// reflects every current member's latest device list.
		return nil
	}
	changedUsers, err := b.SyncDB.SelectChangedSince(ctx, nil, req.Since)
	if err != nil {
		return fmt.Errorf("syncapi: select changed device lists: %w", err)
	}
	for _, u := range changedUsers {
		if u == req.UserID {
			continue
		}
		if sharedUsers[u] {
			resp.DeviceLists.Changed = append(resp.DeviceLists.Changed, u)
		} else {
			resp.DeviceLists.Left = append(resp.DeviceLists.Left, u)
		}
	}
	return nil
}

// fillPresence implements §4.10 step 7 for every user sharing a room with
// the syncing user.
func (b *Builder) fillPresence(ctx context.Context, req Request, resp *Response, sharedUsers map[string]bool) error {
	userIDs := make([]string, 0, len(sharedUsers))
	for u := range sharedUsers {
		userIDs = append(userIDs, u)
	}
	events, err := b.Presence.PresenceSince(ctx, userIDs, req.Since)
	if err != nil {
		return fmt.Errorf("syncapi: select presence: %w", err)
	}
	resp.Presence.Events = events
	return nil
}

// waitForUpdate blocks until either watchers wakes (user, device), the
// timeout elapses, or ctx is cancelled, capped by the caller at
// maxLongPollWaitMillis (§4.10's implicit long-poll ceiling).
func waitForUpdate(ctx context.Context, watchers *caching.SyncWatchers, userID, deviceID string, timeoutMillis int64) (bool, error) {
	ch := watchers.Wait(userID, deviceID)
	timer := time.NewTimer(time.Duration(timeoutMillis) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ch:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

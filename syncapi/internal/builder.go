package internal

import (
	"context"
	"fmt"
	"strconv"

	"github.com/opentracing/opentracing-go"

	"github.com/nexuscore/homeserver/internal/caching"
	"github.com/nexuscore/homeserver/internal/logging"
	"github.com/nexuscore/homeserver/roomserver/state"
	"github.com/nexuscore/homeserver/roomserver/storage"
	"github.com/nexuscore/homeserver/roomserver/types"
	syncstorage "github.com/nexuscore/homeserver/syncapi/storage"
)

// LocalDevices resolves a user's currently registered device ids, the
// same narrow interface roomserver/internal/perform.LocalDevices
// exposes; kept as a separate declaration here so this package doesn't
// depend on the perform package for a one-method interface.
type LocalDevices interface {
	DevicesForUser(ctx context.Context, userID string) ([]string, error)
}

// OneTimeKeyCounts resolves a device's remaining one-time-key counts per
// algorithm, §4.10 step 10. Implemented by the (out-of-scope, §1) opaque
// user/device store; when unset, Builder leaves DeviceOneTimeKeysCount nil.
type OneTimeKeyCounts interface {
	CountsForDevice(ctx context.Context, userID, deviceID string) (map[string]int, error)
}

// PresenceSource supplies presence updates for users sharing a room with
// the syncing user, §4.10 step 7. Explicitly optional: the spec allows
// local presence to be disabled entirely.
type PresenceSource interface {
	PresenceSince(ctx context.Context, userIDs []string, sinceSN types.EventNID) ([]SyncEvent, error)
}

// Builder is the C10 sync response builder: it owns read access to the
// roomserver's event store and state compressor plus the sync API's own
// ephemeral/account-data/lazy-load tables, and produces one Response per
// call to Build.
type Builder struct {
	RoomDB     storage.Database
	Compressor *state.Compressor
	SyncDB     syncstorage.Database
	Watchers   *caching.SyncWatchers
	Devices    LocalDevices
	Typing     *caching.TypingCache

	OneTimeKeys OneTimeKeyCounts
	Presence    PresenceSource
}

// NewBuilder wires a Builder over the roomserver's storage/compressor and
// the sync API's own storage.
func NewBuilder(roomDB storage.Database, compressor *state.Compressor, syncDB syncstorage.Database, watchers *caching.SyncWatchers, devices LocalDevices) *Builder {
	return &Builder{RoomDB: roomDB, Compressor: compressor, SyncDB: syncDB, Watchers: watchers, Devices: devices}
}

// Sync implements the full §4.10 algorithm, long-polling when the
// resulting response is empty and the caller allowed a nonzero timeout.
func (b *Builder) Sync(ctx context.Context, req Request) (*Response, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Sync")
	defer span.Finish()
	span.SetTag("user_id", req.UserID)

	if req.Filter.Limit <= 0 {
		req.Filter.Limit = DefaultFilter().Limit
	}

	resp, err := b.build(ctx, req)
	if err != nil {
		return nil, err
	}
	if !isEmpty(resp) || req.TimeoutMillis <= 0 || b.Watchers == nil {
		return resp, nil
	}

	wait := req.TimeoutMillis
	if wait > maxLongPollWaitMillis {
		wait = maxLongPollWaitMillis
	}
	woken, err := waitForUpdate(ctx, b.Watchers, req.UserID, req.DeviceID, wait)
	if err != nil {
		return nil, err
	}
	if !woken {
		return resp, nil
	}
	return b.build(ctx, req)
}

// build runs §4.10 steps 1-10 once, without long-polling.
func (b *Builder) build(ctx context.Context, req Request) (*Response, error) {
	// A since token is an earlier next_batch (that sync's curr_sn + 1), so
	// the event whose sn equals it has not been delivered yet; every
	// "since" comparison below is made against the last delivered sn.
	if req.Since > 0 {
		req.Since--
	}

	currSN, err := b.RoomDB.SelectMaxEventNID(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("syncapi: select max event nid: %w", err)
	}
	nextBatch := currSN + 1

	resp := &Response{
		NextBatch: strconv.FormatInt(int64(nextBatch), 10),
		Rooms: RoomsResponse{
			Join:   map[string]*JoinedRoom{},
			Invite: map[string]*InvitedRoom{},
			Leave:  map[string]*LeftRoom{},
			Knock:  map[string]*KnockedRoom{},
		},
	}

	joined, err := b.RoomDB.SelectMembershipsForUser(ctx, nil, req.UserID, "join")
	if err != nil {
		return nil, fmt.Errorf("syncapi: select joined rooms: %w", err)
	}
	sharedUsers := map[string]bool{}
	for _, roomNID := range joined {
		members, err := b.RoomDB.SelectRoomMembers(ctx, nil, roomNID, "join")
		if err != nil {
			return nil, fmt.Errorf("syncapi: select room members: %w", err)
		}
		for _, u := range members {
			if u != req.UserID {
				sharedUsers[u] = true
			}
		}

		jr, _, err := b.buildJoinedRoom(ctx, req, roomNID, currSN, nextBatch)
		if err != nil {
			return nil, err
		}
		if jr == nil {
			continue
		}
		info, err := b.RoomDB.SelectRoomInfo(ctx, nil, roomNID)
		if err != nil {
			return nil, err
		}
		resp.Rooms.Join[info.RoomID] = jr
	}

	if err := b.buildInviteRooms(ctx, req, resp); err != nil {
		return nil, err
	}
	if err := b.buildKnockRooms(ctx, req, resp); err != nil {
		return nil, err
	}
	if err := b.buildLeftRooms(ctx, req, resp, currSN); err != nil {
		return nil, err
	}

	if err := b.fillGlobalAccountData(ctx, req, resp); err != nil {
		return nil, err
	}
	if err := b.fillToDevice(ctx, req, resp, currSN); err != nil {
		return nil, err
	}
	if err := b.fillOneTimeKeyCounts(ctx, req, resp); err != nil {
		return nil, err
	}
	if err := b.fillDeviceLists(ctx, req, resp, sharedUsers); err != nil {
		return nil, err
	}
	if b.Presence != nil {
		if err := b.fillPresence(ctx, req, resp, sharedUsers); err != nil {
			return nil, err
		}
	}

	logging.Logger(ctx).WithFields(map[string]interface{}{
		"user_id": req.UserID, "device_id": req.DeviceID, "since": req.Since, "next_batch": nextBatch,
	}).Debug("syncapi: built sync response")

	return resp, nil
}

// isEmpty reports whether resp has nothing worth returning early for,
// the condition that triggers the long-poll wait in Sync.
func isEmpty(resp *Response) bool {
	if len(resp.Rooms.Join) > 0 || len(resp.Rooms.Invite) > 0 || len(resp.Rooms.Leave) > 0 || len(resp.Rooms.Knock) > 0 {
		for _, jr := range resp.Rooms.Join {
			if len(jr.Timeline.Events) > 0 || len(jr.State.Events) > 0 || len(jr.Ephemeral.Events) > 0 || len(jr.AccountData.Events) > 0 {
				return false
			}
		}
		if len(resp.Rooms.Invite) > 0 || len(resp.Rooms.Leave) > 0 || len(resp.Rooms.Knock) > 0 {
			return false
		}
	}
	if len(resp.AccountData.Events) > 0 || len(resp.ToDevice.Events) > 0 {
		return false
	}
	if len(resp.DeviceLists.Changed) > 0 || len(resp.DeviceLists.Left) > 0 {
		return false
	}
	return true
}

package input

import (
	"context"

	"github.com/nexuscore/homeserver/roomserver/types"
)

// HandleInvite accepts a federation invite for a room that may be entirely
// unknown locally: it stores the event as an outlier rather than trying to
// resolve it into the room's timeline, the same treatment any other
// as-yet-unconnected PDU gets via ProcessRoomEvent's KindOutlier path.
func (r *Inputer) HandleInvite(ctx context.Context, event *types.HeaderedEvent) error {
	return r.ProcessRoomEvent(ctx, &InputRoomEvent{
		Event: event,
		Kind:  KindOutlier,
	})
}

package perform

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nexuscore/homeserver/internal/eventbus"
	"github.com/nexuscore/homeserver/internal/eventcrypto"
	"github.com/nexuscore/homeserver/internal/logging"
	"github.com/nexuscore/homeserver/pushrules"
	"github.com/nexuscore/homeserver/roomserver/types"
)

// AppendPDU runs the full append_pdu side-effect chain (§4.8) for an
// event the ingestion pipeline has already accepted onto the room's
// timeline (ProcessRoomEvent must have returned successfully and the
// event must not be soft-failed or rejected). Inputer.appendToTimeline
// already did the state-mutating half (steps 1-3: event row, forward
// extremities, current frame); everything here is the rest of §4.8.
func (p *Performer) AppendPDU(ctx context.Context, ev *types.HeaderedEvent) error {
	roomNID, ok, err := p.DB.SelectRoomNID(ctx, nil, ev.RoomID())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("perform: room %s not known", ev.RoomID())
	}
	eventNID, ok, err := p.DB.SelectEventNID(ctx, nil, ev.EventID())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("perform: event %s not stored", ev.EventID())
	}
	info, err := p.DB.SelectEventInfo(ctx, nil, eventNID)
	if err != nil {
		return err
	}
	if info.SoftFailed || info.RejectionReason != nil {
		// §4.7: soft-failed and rejected events never reach the timeline,
		// so none of append_pdu's side effects apply to them.
		return nil
	}

	logger := logging.Logger(ctx).WithFields(map[string]interface{}{
		"room_id": ev.RoomID(), "event_id": ev.EventID(), "type": ev.Type(),
	})

	if err := p.runContentHooks(ctx, roomNID, ev, logger); err != nil {
		return err
	}
	if err := p.indexRelations(ctx, roomNID, ev); err != nil {
		logger.WithError(err).Warn("perform: relation indexing failed")
	}
	if err := p.resetSenderNotifications(ctx, ev); err != nil {
		logger.WithError(err).Warn("perform: reset sender notifications failed")
	}
	if err := p.evaluatePushRules(ctx, roomNID, ev); err != nil {
		logger.WithError(err).Warn("perform: push rule evaluation failed")
	}
	if err := p.fanOut(ctx, roomNID, ev); err != nil {
		logger.WithError(err).Warn("perform: federation/appservice fan-out failed")
	}
	p.wakeWatchers(ctx, roomNID, eventNID, ev)
	return nil
}

// runContentHooks implements §4.8 step 7: the handful of event types that
// drive an extra side effect beyond the generic timeline append.
func (p *Performer) runContentHooks(ctx context.Context, roomNID types.RoomNID, ev *types.HeaderedEvent, logger interface{ Warn(...interface{}) }) error {
	switch ev.Type() {
	case "m.room.member":
		return p.handleMembership(ctx, roomNID, ev)
	case "m.room.redaction":
		redactsInContent, err := ev.RoomVersion.RedactsInContent()
		if err != nil {
			return err
		}
		return p.handleRedaction(ctx, ev, redactsInContent)
	case "m.room.message":
		if p.AdminRoom != nil && p.AdminRoom.IsAdminRoom(ev.RoomID()) {
			logger.Warn("perform: admin command received")
		}
	case "m.space.child":
		if p.Caches != nil {
			p.Caches.SpaceHierarchy.Unset(ev.RoomID())
		}
	}

	if ev.Type() != "m.room.redaction" {
		info, err := p.DB.SelectRoomInfo(ctx, nil, roomNID)
		if err == nil {
			if redactsInContent, verr := info.RoomVersion.RedactsInContent(); verr == nil && redactsInContent {
				if target := ev.Redacts(true); target != "" {
					return p.handleRedaction(ctx, ev, true)
				}
			}
		}
	}
	return nil
}

// handleMembership updates the membership record and, for invites,
// leaves the stripped invite-state computation to the sync builder (C10
// reads the invited user's state directly off the room's current frame,
// so no separate stripped-state storage is needed here).
func (p *Performer) handleMembership(ctx context.Context, roomNID types.RoomNID, ev *types.HeaderedEvent) error {
	sk := ev.StateKey()
	if sk == nil {
		return nil
	}
	eventNID, _, err := p.DB.SelectEventNID(ctx, nil, ev.EventID())
	if err != nil {
		return err
	}
	membership := gjson.GetBytes(ev.Content(), "membership").String()
	return p.DB.UpsertMembership(ctx, nil, roomNID, *sk, membership, ev.EventID(), eventNID)
}

// handleRedaction applies a redaction in place: the target event's JSON
// is overwritten with its redacted form, retaining event_id and dropping
// every key the room version's redaction rules don't allow. fromContent
// is true when the redaction target comes from content.redacts (v11+)
// rather than the top-level "redacts" key.
func (p *Performer) handleRedaction(ctx context.Context, ev *types.HeaderedEvent, fromContent bool) error {
	targetID := ev.Redacts(fromContent)
	if targetID == "" {
		return nil
	}
	targetNID, ok, err := p.DB.SelectEventNID(ctx, nil, targetID)
	if err != nil || !ok {
		return err
	}
	raw, err := p.DB.SelectEventJSON(ctx, nil, targetNID)
	if err != nil {
		return err
	}
	redacted, err := eventcrypto.Redact(raw, ev.RoomVersion)
	if err != nil {
		return err
	}
	if err := p.DB.UpdateEventJSON(ctx, nil, targetNID, redacted); err != nil {
		return err
	}
	return p.DB.MarkRedacted(ctx, nil, targetNID)
}

// indexRelations records reply/thread/annotation bookkeeping off
// content.m.relates_to (§4.8 step 8), and, for threads, refreshes the
// per-thread latest-event/count summary the SPEC_FULL C8 addition tracks
// (the sync API does not read it).
func (p *Performer) indexRelations(ctx context.Context, roomNID types.RoomNID, ev *types.HeaderedEvent) error {
	relatesTo := gjson.GetBytes(ev.Content(), "m\\.relates_to")
	if !relatesTo.Exists() {
		return nil
	}
	parentID := relatesTo.Get("event_id").String()
	relType := relatesTo.Get("rel_type").String()
	if relType == "" {
		if replyTo := relatesTo.Get("m\\.in_reply_to.event_id").String(); replyTo != "" {
			relType = "m.in_reply_to"
			parentID = replyTo
		}
	}
	if relType == "" || parentID == "" {
		return nil
	}

	if err := p.DB.InsertRelation(ctx, nil, roomNID, parentID, ev.EventID(), relType, ev.Type()); err != nil {
		return err
	}

	if relType == "m.thread" {
		existing, ok, err := p.DB.SelectThreadSummary(ctx, nil, parentID)
		if err != nil {
			return err
		}
		count := 1
		if ok {
			count = existing.Count + 1
		}
		return p.DB.UpdateThreadLatest(ctx, nil, roomNID, parentID, ev.EventID(), count)
	}
	return nil
}

// resetSenderNotifications implements §4.8 step 5.
func (p *Performer) resetSenderNotifications(ctx context.Context, ev *types.HeaderedEvent) error {
	if p.Notifications == nil {
		return nil
	}
	return p.Notifications.ResetCounts(ctx, ev.RoomID(), ev.Sender())
}

// evaluatePushRules implements §4.8 step 6: for each local, joined user
// other than the sender, evaluate their push rules and bump the
// notification/highlight counters Notifications tracks. Actual delivery
// to a push gateway is explicitly out of scope (§1).
func (p *Performer) evaluatePushRules(ctx context.Context, roomNID types.RoomNID, ev *types.HeaderedEvent) error {
	if p.PushRules == nil || p.Notifications == nil {
		return nil
	}
	members, err := p.DB.SelectRoomMembers(ctx, nil, roomNID, "join")
	if err != nil {
		return err
	}
	memberCount := len(members)
	for _, userID := range members {
		if userID == ev.Sender() || !p.isLocalUser(userID) {
			continue
		}
		ruleset, err := p.PushRules.RuleSetFor(ctx, userID)
		if err != nil {
			continue
		}
		result := pushrules.Evaluate(ruleset, pushrules.EventContext{
			RoomID:          ev.RoomID(),
			Sender:          ev.Sender(),
			EventType:       ev.Type(),
			StateKey:        ev.StateKey(),
			Content:         ev.Content(),
			RoomMemberCount: memberCount,
			Recipient:       userID,
		})
		if result.Matched && result.Notify {
			if err := p.Notifications.IncrementCounts(ctx, ev.RoomID(), userID, result.Highlight); err != nil {
				return err
			}
		}
	}
	return nil
}

// fanOut implements §4.8 step 9: hand the event to the federation sender
// for every remote server with a joined member in the room, and notify
// any interested application services.
func (p *Performer) fanOut(ctx context.Context, roomNID types.RoomNID, ev *types.HeaderedEvent) error {
	if p.Federation != nil {
		members, err := p.DB.SelectRoomMembers(ctx, nil, roomNID, "join")
		if err != nil {
			return err
		}
		seen := map[string]bool{}
		for _, userID := range members {
			server := serverOf(userID)
			if server == "" || server == p.ServerName || seen[server] {
				continue
			}
			seen[server] = true
			if p.ACLs != nil && !p.ACLs.IsAllowed(ev.RoomID(), server) {
				continue
			}
			if err := p.Federation.EnqueuePDU(ctx, server, ev); err != nil {
				return err
			}
		}
	}
	if p.AppServices != nil {
		return p.AppServices.NotifyAppServices(ctx, ev)
	}
	return nil
}

// wakeWatchers nudges every local joined user's /sync long-poll so the
// new event is delivered without waiting out the poll timeout, and, if a
// Bus is wired, publishes the same update for any sync API replicas
// running in another process.
func (p *Performer) wakeWatchers(ctx context.Context, roomNID types.RoomNID, eventNID types.EventNID, ev *types.HeaderedEvent) {
	if p.Watchers == nil || p.Devices == nil {
		return
	}
	members, err := p.DB.SelectRoomMembers(ctx, nil, roomNID, "join")
	if err != nil {
		return
	}
	var localUsers []string
	for _, userID := range members {
		if !p.isLocalUser(userID) {
			continue
		}
		devices, err := p.Devices.DevicesForUser(ctx, userID)
		if err != nil {
			continue
		}
		p.Watchers.NotifyUser(userID, devices)
		localUsers = append(localUsers, userID)
	}
	if p.Bus != nil && len(localUsers) > 0 {
		if err := p.Bus.PublishRoomUpdate(eventbus.RoomUpdate{RoomID: ev.RoomID(), UserIDs: localUsers, SN: int64(eventNID)}); err != nil {
			logging.Logger(ctx).WithError(err).Warn("perform: publish room update failed")
		}
	}
}

func (p *Performer) isLocalUser(userID string) bool {
	return serverOf(userID) == p.ServerName
}

// serverOf extracts the server name from a Matrix user ID ("@user:server").
func serverOf(userID string) string {
	_, server, ok := strings.Cut(userID, ":")
	if !ok {
		return ""
	}
	return server
}

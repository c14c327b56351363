package input

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"

	"github.com/nexuscore/homeserver/internal/eventcrypto"
	"github.com/nexuscore/homeserver/internal/logging"
	roomauth "github.com/nexuscore/homeserver/roomserver/auth"
	"github.com/nexuscore/homeserver/roomserver/types"
)

// ProcessRoomEvent is the single entry point every PDU — local or
// federated, outlier or timeline — passes through before it can affect a
// room's accepted state, mirroring the teacher's processRoomEvent: a
// hard deadline, a per-event metrics observation, then in order: the
// server-ACL check, the idempotency short-circuit, signature/hash
// verification, dependency resolution, the room-disabled check, auth-rule
// checking, and (for timeline events) state computation under the room's
// write lock.
func (r *Inputer) ProcessRoomEvent(inctx context.Context, input *InputRoomEvent) (err error) {
	select {
	case <-inctx.Done():
		return context.DeadlineExceeded
	default:
	}

	ctx, cancel := context.WithTimeout(inctx, MaximumProcessingTime)
	defer cancel()

	span, ctx := opentracing.StartSpanFromContext(ctx, "ProcessRoomEvent")
	defer span.Finish()

	started := time.Now()
	ev := input.Event
	defer func() {
		processRoomEventDuration.With(map[string]string{"room_id": ev.RoomID()}).
			Observe(float64(time.Since(started).Milliseconds()))
	}()

	span.SetTag("room_id", ev.RoomID())
	span.SetTag("event_id", ev.EventID())

	logger := logging.Logger(ctx).WithFields(logrus.Fields{
		"event_id": ev.EventID(),
		"room_id":  ev.RoomID(),
		"type":     ev.Type(),
	})

	// §4.7 step 2: the room's server ACL applies to both the transaction
	// origin and the event's sender server, regardless of idempotency or
	// signature checks below.
	if input.Origin != "" && !r.ACLs.IsAllowed(ev.RoomID(), input.Origin) {
		logger.WithField("origin", input.Origin).Warn("input: rejecting event, origin denied by server ACL")
		return fmt.Errorf("input: origin %s denied by server ACL for room %s", input.Origin, ev.RoomID())
	}
	if sender := serverOf(ev.Sender()); sender != "" && !r.ACLs.IsAllowed(ev.RoomID(), sender) {
		logger.WithField("sender_server", sender).Warn("input: rejecting event, sender denied by server ACL")
		return fmt.Errorf("input: sender server %s denied by server ACL for room %s", sender, ev.RoomID())
	}

	if nid, ok, err := r.DB.SelectEventNID(ctx, nil, ev.EventID()); err == nil && ok {
		if input.Kind == KindOutlier {
			logger.Debug("input: already processed outlier, ignoring")
			return nil
		}
		// A duplicate delivery of an already-accepted timeline event (the
		// same PDU arriving from two federation peers, say) must be
		// tolerated as a no-op rather than re-run through auth checking
		// and appendToTimeline.
		if info, err := r.DB.SelectEventInfo(ctx, nil, nid); err == nil && !info.IsOutlier {
			logger.Debug("input: already a timeline event, ignoring duplicate")
			return nil
		}
	}

	result, err := eventcrypto.Verify(ev.JSON, ev.RoomVersion, r.KeyLookup)
	if err != nil {
		return fmt.Errorf("input: verify %s: %w", ev.EventID(), err)
	}
	if result == eventcrypto.Fail {
		logger.Warn("input: rejecting event with invalid or missing signature")
		return fmt.Errorf("input: %s failed signature verification", ev.EventID())
	}
	if result == eventcrypto.SignaturesOnlyValid {
		redacted, err := eventcrypto.Redact(ev.JSON, ev.RoomVersion)
		if err != nil {
			return fmt.Errorf("input: redact %s after hash mismatch: %w", ev.EventID(), err)
		}
		ev = &types.HeaderedEvent{RoomVersion: ev.RoomVersion, JSON: redacted}
	}

	servers := append([]string{}, input.Servers...)
	if input.Origin != "" {
		servers = append(servers, input.Origin)
	}

	for _, dep := range append(append([]string{}, ev.AuthEvents()...), ev.PrevEvents()...) {
		if _, err := r.ensureKnown(ctx, ev.RoomID(), dep, servers, 0); err != nil {
			logger.WithField("event_id", dep).WithError(err).Debug("input: dependency unresolved")
		}
	}

	authEvents, err := r.loadDeclaredAuthEvents(ctx, ev)
	if err != nil {
		return fmt.Errorf("input: load auth events for %s: %w", ev.EventID(), err)
	}

	roomNID, err := r.roomNIDFor(ctx, ev)
	if err != nil {
		return err
	}

	// §4.7 step 1: a room an administrator has disabled locally rejects
	// every further PDU, even ones that would otherwise be valid.
	if info, err := r.DB.SelectRoomInfo(ctx, nil, roomNID); err == nil && info.Disabled {
		logger.Warn("input: rejecting event, room disabled locally")
		return fmt.Errorf("input: room %s is disabled", ev.RoomID())
	}

	if err := roomauth.Allowed(ev, authEvents); err != nil {
		logger.WithError(err).Info("input: rejecting event, auth check failed")
		if err := r.storeEventRow(ctx, roomNID, ev, true); err != nil {
			return err
		}
		nid, _, selErr := r.DB.SelectEventNID(ctx, nil, ev.EventID())
		if selErr == nil {
			_ = r.DB.MarkRejected(ctx, nil, nid, err.Error())
		}
		return nil
	}

	if input.Kind == KindOutlier {
		return r.storeEventRow(ctx, roomNID, ev, true)
	}

	return r.appendToTimeline(ctx, roomNID, ev, logger)
}

// serverOf extracts the server name from a Matrix user ID (@user:server).
func serverOf(userID string) string {
	_, server, ok := strings.Cut(userID, ":")
	if !ok {
		return ""
	}
	return server
}

// loadDeclaredAuthEvents builds the StateMap roomauth.Allowed needs from
// ev's own declared auth_events, reading whichever of them are known
// locally (ProcessRoomEvent's ensureKnown loop has already tried to fill
// in any gaps;
// an auth event that still can't be found simply isn't available to the
// check, which will then reject for a missing m.room.create/member/etc.
// the same way the Matrix spec requires).
func (r *Inputer) loadDeclaredAuthEvents(ctx context.Context, ev *types.HeaderedEvent) (roomauth.StateMap, error) {
	out := roomauth.StateMap{}
	for _, id := range ev.AuthEvents() {
		he, err := r.fetchHeadered(ctx, ev.RoomVersion, id)
		if err != nil || he == nil {
			continue
		}
		sk := he.StateKey()
		if sk == nil {
			continue
		}
		out[roomauth.StateKey{EventType: he.Type(), StateKey: *sk}] = he
	}
	return out, nil
}

package auth

import "github.com/nexuscore/homeserver/roomserver/types"

// BuilderInput is the slice of a not-yet-built event that auth-event
// selection needs: enough to know which state slots the Matrix
// server-server spec requires as this event's auth_events, without
// requiring a fully signed/hashed event to exist yet (§4.8's
// build_and_append_pdu step 2, "Selects auth_events from the current room
// state per the Matrix auth-events selection rules").
type BuilderInput struct {
	EventType string
	StateKey  *string // nil for message-like events
	Sender    string
	Content   []byte
}

// SelectAuthEventIDs resolves the set of event_ids a locally-built event
// must declare as auth_events, reading them out of currentState (the
// room's state StateMap): m.room.create and m.room.power_levels always (if
// present — create never has one to point to, since it authorizes itself);
// the sender's own m.room.member always; and, for m.room.member events
// specifically, the join_rules event, the target's own existing membership
// event, and, for invites, the m.room.third_party_invite event keyed by the
// content's third-party token.
// Restricted-join "authorising" auth events are intentionally not added
// here — see the simplification noted in DESIGN.md for
// restrictedJoinAllowed.
func SelectAuthEventIDs(in BuilderInput, currentState StateMap) []string {
	var ids []string
	add := func(ev *types.HeaderedEvent) {
		if ev == nil {
			return
		}
		id := ev.EventID()
		for _, existing := range ids {
			if existing == id {
				return
			}
		}
		ids = append(ids, id)
	}

	if in.EventType == "m.room.create" {
		return nil
	}

	add(currentState.Get("m.room.create", ""))
	add(currentState.Get("m.room.power_levels", ""))
	add(currentState.Get("m.room.member", in.Sender))

	if in.EventType == "m.room.member" && in.StateKey != nil {
		add(currentState.Get("m.room.join_rules", ""))
		add(currentState.Get("m.room.member", *in.StateKey))
		if membershipContentOf(in.Content) == "invite" {
			add(currentState.Get("m.room.third_party_invite", thirdPartyTokenOf(in.Content)))
		}
	}

	return ids
}

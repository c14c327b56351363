package auth

import "github.com/nexuscore/homeserver/roomserver/types"

// checkMembership validates a m.room.member event's state transition,
// following the Matrix server-server spec's membership event rules: who
// may invite, join, leave, kick, ban, unban, and (v7+) knock, and under
// what existing-membership preconditions.
func checkMembership(event *types.HeaderedEvent, authEvents StateMap, create *types.HeaderedEvent) error {
	stateKey := event.StateKey()
	if stateKey == nil {
		return reject("m.room.member must have a state_key")
	}
	target := *stateKey
	newMembership := membershipOf(event)

	senderMember := authEvents.Get("m.room.member", event.Sender())
	senderMembership := "leave"
	if senderMember != nil {
		senderMembership = membershipOf(senderMember)
	}

	targetMember := authEvents.Get("m.room.member", target)
	targetMembership := "leave"
	if targetMember != nil {
		targetMembership = membershipOf(targetMember)
	}

	pl := powerLevelsFor(authEvents, create)
	joinRule := "invite"
	if jr := authEvents.Get("m.room.join_rules", ""); jr != nil {
		if v := contentString(jr, "join_rule"); v != "" {
			joinRule = v
		}
	}

	switch newMembership {
	case "join":
		return checkJoin(event, target, senderMembership, targetMembership, joinRule, pl, create, authEvents)
	case "invite":
		if thirdPartyInviteIsValid(event, authEvents) {
			return nil
		}
		if senderMembership != "join" {
			return reject("only joined members may invite")
		}
		if targetMembership == "join" || targetMembership == "ban" {
			return reject("cannot invite a member who is already joined or banned")
		}
		if pl.UserLevel(event.Sender()) < pl.Invite {
			return reject("sender %s lacks power to invite", event.Sender())
		}
		return nil
	case "leave":
		return checkLeave(event, target, senderMembership, targetMembership, pl)
	case "ban":
		if pl.UserLevel(event.Sender()) < pl.Ban {
			return reject("sender %s lacks power to ban", event.Sender())
		}
		if pl.UserLevel(event.Sender()) <= pl.UserLevel(target) && targetMembership != "leave" {
			return reject("cannot ban a user with an equal or higher power level")
		}
		return nil
	case "knock":
		if joinRule != "knock" && joinRule != "knock_restricted" {
			return reject("join_rule %s does not permit knocking", joinRule)
		}
		if event.Sender() != target {
			return reject("knock sender must match target")
		}
		if targetMembership == "ban" || targetMembership == "join" {
			return reject("cannot knock while banned or already joined")
		}
		return nil
	default:
		return reject("unknown membership %q", newMembership)
	}
}

func checkJoin(event *types.HeaderedEvent, target, senderMembership, targetMembership, joinRule string, pl PowerLevels, create *types.HeaderedEvent, authEvents StateMap) error {
	if event.Sender() != target {
		return reject("join event sender must match state_key")
	}

	// The room creator's own join, as the very first membership event, is
	// always allowed (there is no prior state to check against).
	if len(authEvents) == 1 && create != nil {
		if create.Sender() == target {
			return nil
		}
	}

	if targetMembership == "ban" {
		return reject("banned users cannot join")
	}

	switch joinRule {
	case "public":
		return nil
	case "invite":
		if targetMembership != "invite" && targetMembership != "join" {
			return reject("join_rule invite requires a prior invite")
		}
		return nil
	case "knock", "knock_restricted":
		if targetMembership == "invite" || targetMembership == "join" {
			return nil
		}
		if joinRule == "knock_restricted" && restrictedJoinAllowed(authEvents, pl) {
			return nil
		}
		return reject("join_rule %s requires an invite or successful knock", joinRule)
	case "restricted":
		if targetMembership == "invite" || targetMembership == "join" {
			return nil
		}
		if restrictedJoinAllowed(authEvents, pl) {
			return nil
		}
		return reject("join_rule restricted requires membership in an allowed room")
	default:
		return reject("unknown join_rule %q", joinRule)
	}
}

// restrictedJoinAllowed reports whether a restricted/knock_restricted join
// is permitted on the strength of the event's auth_events (a simplified
// form of MSC3083's "join authorised via users server"): it holds whenever
// any m.room.member event among them is a join by a user whose power level
// reaches the invite level. The content's join_authorised_via_users_server
// is not read, membership of the rooms in the join rule's allow list is not
// checked, and ingestion (C7) requires no signature from the authorising
// user's server.
func restrictedJoinAllowed(authEvents StateMap, pl PowerLevels) bool {
	for k, ev := range authEvents {
		if k.EventType != "m.room.member" {
			continue
		}
		if membershipOf(ev) == "join" && pl.UserLevel(k.StateKey) >= pl.Invite {
			return true
		}
	}
	return false
}

func checkLeave(event *types.HeaderedEvent, target, senderMembership, targetMembership string, pl PowerLevels) error {
	if event.Sender() == target {
		// Voluntary leave, declining an invite or retracting a knock:
		// allowed while the target is invited, joined or knocking.
		if targetMembership == "invite" || targetMembership == "join" || targetMembership == "knock" {
			return nil
		}
		return reject("cannot leave a room without a prior membership")
	}

	// Kick.
	if senderMembership != "join" {
		return reject("only joined members may kick")
	}
	if pl.UserLevel(event.Sender()) < pl.Kick {
		return reject("sender %s lacks power to kick", event.Sender())
	}
	if pl.UserLevel(event.Sender()) <= pl.UserLevel(target) {
		return reject("cannot kick a user with an equal or higher power level")
	}
	if targetMembership != "invite" && targetMembership != "join" && targetMembership != "knock" {
		return reject("target is not in a kickable membership state")
	}
	return nil
}

// thirdPartyInviteIsValid reports whether an invite event is actually the
// automatic invite issued on completion of a third-party invite exchange,
// which bypasses the normal inviter-power-level check per the Matrix spec.
func thirdPartyInviteIsValid(event *types.HeaderedEvent, authEvents StateMap) bool {
	token := contentString(event, "third_party_invite.signed.token")
	if token == "" {
		return false
	}
	return authEvents.Get("m.room.third_party_invite", token) != nil
}

package auth

import "github.com/nexuscore/homeserver/roomserver/types"

// checkGenericPowerLevel applies the Matrix spec's default event-send rule
// to any event type that doesn't have bespoke handling (everything except
// m.room.create, m.room.member, and m.room.power_levels): the sender must
// have at least the power level required for this event type.
func checkGenericPowerLevel(event *types.HeaderedEvent, authEvents StateMap) error {
	create := authEvents.Get("m.room.create", "")
	pl := powerLevelsFor(authEvents, create)

	required := pl.EventLevel(event.Type(), event.IsState())
	sender := pl.UserLevel(event.Sender())
	if sender < required {
		return reject("sender %s power level %d below required %d for %s", event.Sender(), sender, required, event.Type())
	}
	return nil
}

// checkPowerLevels additionally requires that a m.room.power_levels event
// never grants more power than the sender already holds, and never raises
// any existing user's level above the sender's own — the anti-escalation
// rule from the Matrix spec.
func checkPowerLevels(event *types.HeaderedEvent, authEvents StateMap) error {
	if err := checkSenderInRoom(event, authEvents); err != nil {
		return err
	}
	if err := checkGenericPowerLevel(event, authEvents); err != nil {
		return err
	}

	create := authEvents.Get("m.room.create", "")
	oldPL := powerLevelsFor(authEvents, create)
	newPL := ParsePowerLevels(event, contentString(create, "creator"))
	senderLevel := oldPL.UserLevel(event.Sender())

	for user, newLevel := range newPL.Users {
		oldLevel := oldPL.UserLevel(user)
		if (newLevel > oldLevel || oldLevel > newLevel) && oldLevel > senderLevel {
			return reject("cannot change power level of %s (currently %d) above own level %d", user, oldLevel, senderLevel)
		}
		if newLevel > senderLevel {
			return reject("cannot grant %s power level %d above own level %d", user, newLevel, senderLevel)
		}
	}

	for _, pair := range [][2]int64{
		{newPL.Ban, oldPL.Ban}, {newPL.Kick, oldPL.Kick}, {newPL.Redact, oldPL.Redact},
		{newPL.Invite, oldPL.Invite}, {newPL.StateDefault, oldPL.StateDefault},
		{newPL.EventsDefault, oldPL.EventsDefault}, {newPL.UsersDefault, oldPL.UsersDefault},
	} {
		if pair[0] != pair[1] && senderLevel < pair[1] {
			return reject("sender %s may not change a power level field it does not itself meet", event.Sender())
		}
	}

	return nil
}

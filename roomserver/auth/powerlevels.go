package auth

import (
	"github.com/tidwall/gjson"

	"github.com/nexuscore/homeserver/roomserver/types"
)

// PowerLevels is the parsed, defaulted content of a room's m.room.power_levels
// event (or the implied defaults when one has never been sent).
type PowerLevels struct {
	Users          map[string]int64
	UsersDefault   int64
	Events         map[string]int64
	EventsDefault  int64
	StateDefault   int64
	Ban            int64
	Kick           int64
	Redact         int64
	Invite         int64
	NotifyRoom     int64
}

// DefaultPowerLevels returns the power levels in effect for a room that has
// never sent a m.room.power_levels event: the room creator at 100, everyone
// else at 0, state changes requiring 50, per the Matrix spec's defaults.
func DefaultPowerLevels(creator string) PowerLevels {
	return PowerLevels{
		Users:         map[string]int64{creator: 100},
		UsersDefault:  0,
		Events:        map[string]int64{},
		EventsDefault: 0,
		StateDefault:  50,
		Ban:           50,
		Kick:          50,
		Redact:        50,
		Invite:        0,
		NotifyRoom:    50,
	}
}

// ParsePowerLevels reads a m.room.power_levels event's content into a
// PowerLevels, substituting the Matrix spec's defaults for any field that
// is absent or not an integer.
func ParsePowerLevels(event *types.HeaderedEvent, creator string) PowerLevels {
	pl := DefaultPowerLevels(creator)
	content := event.Content()

	if res := gjson.GetBytes(content, "users_default"); res.Exists() {
		pl.UsersDefault = res.Int()
	}
	if res := gjson.GetBytes(content, "events_default"); res.Exists() {
		pl.EventsDefault = res.Int()
	}
	if res := gjson.GetBytes(content, "state_default"); res.Exists() {
		pl.StateDefault = res.Int()
	}
	if res := gjson.GetBytes(content, "ban"); res.Exists() {
		pl.Ban = res.Int()
	}
	if res := gjson.GetBytes(content, "kick"); res.Exists() {
		pl.Kick = res.Int()
	}
	if res := gjson.GetBytes(content, "redact"); res.Exists() {
		pl.Redact = res.Int()
	}
	if res := gjson.GetBytes(content, "invite"); res.Exists() {
		pl.Invite = res.Int()
	}
	if res := gjson.GetBytes(content, "notifications.room"); res.Exists() {
		pl.NotifyRoom = res.Int()
	}

	pl.Users = map[string]int64{}
	gjson.GetBytes(content, "users").ForEach(func(key, value gjson.Result) bool {
		pl.Users[key.String()] = value.Int()
		return true
	})
	if len(pl.Users) == 0 {
		pl.Users[creator] = 100
	}

	pl.Events = map[string]int64{}
	gjson.GetBytes(content, "events").ForEach(func(key, value gjson.Result) bool {
		pl.Events[key.String()] = value.Int()
		return true
	})

	return pl
}

// UserLevel returns the effective power level for a user: their explicit
// entry in users, or users_default.
func (pl PowerLevels) UserLevel(userID string) int64 {
	if lvl, ok := pl.Users[userID]; ok {
		return lvl
	}
	return pl.UsersDefault
}

// EventLevel returns the power level required to send an event of this
// type: events[type] if set, else state_default for state events or
// events_default for message events.
func (pl PowerLevels) EventLevel(eventType string, isState bool) int64 {
	if lvl, ok := pl.Events[eventType]; ok {
		return lvl
	}
	if isState {
		return pl.StateDefault
	}
	return pl.EventsDefault
}

// powerLevelsFor resolves the effective PowerLevels for an auth-check:
// the room's m.room.power_levels event if one exists in authEvents, else
// the room's defaults derived from its m.room.create event.
func powerLevelsFor(authEvents StateMap, create *types.HeaderedEvent) PowerLevels {
	creator := contentString(create, "creator")
	if creator == "" {
		// Room version 11+ drop content.creator; the sender of m.room.create
		// is the creator.
		creator = create.Sender()
	}
	if plEvent := authEvents.Get("m.room.power_levels", ""); plEvent != nil {
		return ParsePowerLevels(plEvent, creator)
	}
	return DefaultPowerLevels(creator)
}

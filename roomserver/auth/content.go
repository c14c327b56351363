package auth

import (
	"github.com/tidwall/gjson"

	"github.com/nexuscore/homeserver/roomserver/types"
)

// membershipOf reads content.membership off a m.room.member event, cheaply
// via gjson the same way roomserver/types reads top-level fields, since
// auth rules only ever need a handful of content keys and a full unmarshal
// would be wasted work on the hot auth-check path.
func membershipOf(event *types.HeaderedEvent) string {
	return contentString(event, "membership")
}

func contentString(event *types.HeaderedEvent, field string) string {
	return gjson.GetBytes(event.Content(), field).String()
}

func contentInt(event *types.HeaderedEvent, field string, def int64) int64 {
	res := gjson.GetBytes(event.Content(), field)
	if !res.Exists() {
		return def
	}
	return res.Int()
}

// membershipContentOf and thirdPartyTokenOf read the same fields as
// membershipOf/contentString, but off a not-yet-built event's raw content
// bytes rather than a stored HeaderedEvent, for the builder-side auth-event
// selection in auth_events.go.
func membershipContentOf(content []byte) string {
	return gjson.GetBytes(content, "membership").String()
}

func thirdPartyTokenOf(content []byte) string {
	return gjson.GetBytes(content, "third_party_invite.signed.token").String()
}

package eventcrypto

// RoomVersion identifies the set of event-format and authorization rules
// in effect for a room, per https://spec.matrix.org/latest/rooms/.
type RoomVersion string

const (
	RoomVersionV1  RoomVersion = "1"
	RoomVersionV2  RoomVersion = "2"
	RoomVersionV3  RoomVersion = "3"
	RoomVersionV4  RoomVersion = "4"
	RoomVersionV5  RoomVersion = "5"
	RoomVersionV6  RoomVersion = "6"
	RoomVersionV7  RoomVersion = "7"
	RoomVersionV8  RoomVersion = "8"
	RoomVersionV9  RoomVersion = "9"
	RoomVersionV10 RoomVersion = "10"
	RoomVersionV11 RoomVersion = "11"
)

// EventIDFormat distinguishes the two ways a room version derives an
// event's event_id.
type EventIDFormat int

const (
	// EventIDFormatOpaque is used by room versions 1 and 2: the event_id is
	// chosen by the sending server and travels with the event rather than
	// being derived from its content.
	EventIDFormatOpaque EventIDFormat = iota
	// EventIDFormatHash is used by room versions 3+: the event_id is the
	// base64url-no-padding encoding of the reference hash.
	EventIDFormatHash
)

// knownRoomVersions enumerates every version this server understands along
// with the behavioural switches that differ between them. Unknown versions
// are a Validation-kind error at every call site per spec §7.
var knownRoomVersions = map[RoomVersion]versionRules{
	RoomVersionV1:  {idFormat: EventIDFormatOpaque, stateResV2: false, restrictedJoinRules: false, redactsInContent: false},
	RoomVersionV2:  {idFormat: EventIDFormatOpaque, stateResV2: true, restrictedJoinRules: false, redactsInContent: false},
	RoomVersionV3:  {idFormat: EventIDFormatHash, stateResV2: true, restrictedJoinRules: false, redactsInContent: false},
	RoomVersionV4:  {idFormat: EventIDFormatHash, stateResV2: true, restrictedJoinRules: false, redactsInContent: false},
	RoomVersionV5:  {idFormat: EventIDFormatHash, stateResV2: true, restrictedJoinRules: false, redactsInContent: false},
	RoomVersionV6:  {idFormat: EventIDFormatHash, stateResV2: true, restrictedJoinRules: false, redactsInContent: false},
	RoomVersionV7:  {idFormat: EventIDFormatHash, stateResV2: true, restrictedJoinRules: false, redactsInContent: false},
	RoomVersionV8:  {idFormat: EventIDFormatHash, stateResV2: true, restrictedJoinRules: true, redactsInContent: false},
	RoomVersionV9:  {idFormat: EventIDFormatHash, stateResV2: true, restrictedJoinRules: true, redactsInContent: false},
	RoomVersionV10: {idFormat: EventIDFormatHash, stateResV2: true, restrictedJoinRules: true, redactsInContent: false},
	RoomVersionV11: {idFormat: EventIDFormatHash, stateResV2: true, restrictedJoinRules: true, redactsInContent: true},
}

type versionRules struct {
	idFormat            EventIDFormat
	stateResV2          bool
	restrictedJoinRules bool
	// redactsInContent is true from v11 onwards: the "redacts" key moves
	// from the top level of the event into content.redacts.
	redactsInContent bool
}

// ErrUnknownRoomVersion is returned by every RoomVersion method when the
// version string isn't one this server supports.
type ErrUnknownRoomVersion struct{ Version RoomVersion }

func (e ErrUnknownRoomVersion) Error() string {
	return "eventcrypto: unknown room version " + string(e.Version)
}

func rulesFor(v RoomVersion) (versionRules, error) {
	r, ok := knownRoomVersions[v]
	if !ok {
		return versionRules{}, ErrUnknownRoomVersion{Version: v}
	}
	return r, nil
}

// EventIDFormat reports how event_id is derived for this room version.
func (v RoomVersion) EventIDFormat() (EventIDFormat, error) {
	r, err := rulesFor(v)
	if err != nil {
		return 0, err
	}
	return r.idFormat, nil
}

// UsesStateResV2 reports whether this room version's rules call for state
// resolution v2: true for every supported version except v1. The state
// resolver does not consult it and runs the v2 algorithm for every room,
// v1 rooms included.
func (v RoomVersion) UsesStateResV2() (bool, error) {
	r, err := rulesFor(v)
	if err != nil {
		return false, err
	}
	return r.stateResV2, nil
}

// AllowsRestrictedJoinRule reports whether "restricted"/"knock_restricted"
// join rules (MSC3083/MSC3289) are valid for this room version.
func (v RoomVersion) AllowsRestrictedJoinRule() (bool, error) {
	r, err := rulesFor(v)
	if err != nil {
		return false, err
	}
	return r.restrictedJoinRules, nil
}

// RedactsInContent reports whether the redaction target lives at
// content.redacts (v11+) rather than the top-level "redacts" key.
func (v RoomVersion) RedactsInContent() (bool, error) {
	r, err := rulesFor(v)
	if err != nil {
		return false, err
	}
	return r.redactsInContent, nil
}

// Known reports whether v is a room version this server can authorize and
// resolve state for.
func (v RoomVersion) Known() bool {
	_, ok := knownRoomVersions[v]
	return ok
}

package eventcrypto

import (
	"encoding/json"
	"fmt"
)

// rawJSON is json.RawMessage but usable as a value (not pointer) field so
// that an omitted/zero field round-trips through the allowlist structs
// below without extra plumbing.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (r *rawJSON) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

func (r rawJSON) isNull() bool {
	return len(r) == 0 || string(r) == "null"
}

// contentAllowlist is the set of content keys preserved under redaction
// for one event type, as defined by the room version's redaction rules.
// Keys not present in the map for a given type are dropped.
type contentAllowlist map[string][]string

// redactionRulesFor returns the content-key allowlist per event type for a
// room version. Versions with restricted join rules (v8+) also keep "allow"
// in m.room.join_rules and "join_authorised_via_users_server" in
// m.room.member; v11 adds "redacts" to m.room.redaction content (since the
// redaction target itself moved there).
func redactionRulesFor(version RoomVersion) (contentAllowlist, error) {
	if !version.Known() {
		return nil, ErrUnknownRoomVersion{Version: version}
	}
	redactsInContent, _ := version.RedactsInContent()
	allowRestricted, _ := version.AllowsRestrictedJoinRule()

	rules := contentAllowlist{
		"m.room.create":             {"creator"},
		"m.room.member":             {"membership"},
		"m.room.join_rules":         {"join_rule"},
		"m.room.power_levels": {
			"users", "users_default", "events", "events_default",
			"state_default", "ban", "kick", "redact",
		},
		"m.room.history_visibility": {"history_visibility"},
		"m.room.aliases":            {"aliases"},
	}
	if allowRestricted {
		rules["m.room.join_rules"] = append(rules["m.room.join_rules"], "allow")
		rules["m.room.member"] = append(rules["m.room.member"], "join_authorised_via_users_server")
	}
	if redactsInContent {
		rules["m.room.redaction"] = []string{"redacts"}
	}
	return rules, nil
}

// topLevelAllowlist is the set of top-level event keys preserved under
// redaction, per spec §6 ("Redaction keeps the following top-level keys").
// "redacts" is handled separately in Redact: it belongs here only for room
// versions that keep the redaction target at the top level (pre-v11).
var topLevelAllowlist = []string{
	"event_id", "type", "room_id", "sender", "state_key", "content",
	"hashes", "signatures", "depth", "prev_events", "auth_events",
	"origin", "origin_server_ts", "membership",
}

// Redact returns a new JSON object keeping only the keys the room version's
// redaction algorithm preserves: the top-level allowlist, plus the
// per-event-type content allowlist. The event_id is never altered — a
// redacted PDU always retains its original identity (spec §3).
func Redact(eventJSON []byte, version RoomVersion) ([]byte, error) {
	rules, err := redactionRulesFor(version)
	if err != nil {
		return nil, err
	}
	redactsInContent, _ := version.RedactsInContent()

	var full map[string]rawJSON
	if err := json.Unmarshal(eventJSON, &full); err != nil {
		return nil, fmt.Errorf("eventcrypto: parse event for redaction: %w", err)
	}

	var eventType string
	if t, ok := full["type"]; ok {
		if err := json.Unmarshal(t, &eventType); err != nil {
			return nil, fmt.Errorf("eventcrypto: parse event type: %w", err)
		}
	}

	kept := make(map[string]rawJSON, len(topLevelAllowlist)+1)
	for _, k := range topLevelAllowlist {
		if v, ok := full[k]; ok && !v.isNull() {
			kept[k] = v
		}
	}
	if !redactsInContent {
		if v, ok := full["redacts"]; ok && !v.isNull() {
			kept["redacts"] = v
		}
	}

	contentKeys := rules[eventType]
	var rawContent map[string]rawJSON
	if c, ok := full["content"]; ok && !c.isNull() {
		_ = json.Unmarshal(c, &rawContent)
	}
	newContent := make(map[string]rawJSON, len(contentKeys))
	for _, k := range contentKeys {
		if v, ok := rawContent[k]; ok {
			newContent[k] = v
		}
	}
	contentJSON, err := json.Marshal(newContent)
	if err != nil {
		return nil, fmt.Errorf("eventcrypto: marshal redacted content: %w", err)
	}
	kept["content"] = rawJSON(contentJSON)

	out, err := json.Marshal(kept)
	if err != nil {
		return nil, fmt.Errorf("eventcrypto: marshal redacted event: %w", err)
	}
	return out, nil
}

package types

import "github.com/tidwall/gjson"

// fieldString reads one top-level string field from raw event JSON
// without a full unmarshal, matching the gjson-based cheap-field-access
// idiom used for event inspection elsewhere in this codebase.
func fieldString(eventJSON []byte, field string) string {
	return gjson.GetBytes(eventJSON, field).String()
}

// fieldStringSlice reads a top-level array-of-string field, e.g.
// prev_events/auth_events (which in their de-sugared form, after
// stripping the old (event_id, hash) tuple encoding some room versions
// used on the wire, are plain event_id strings).
func fieldStringSlice(eventJSON []byte, field string) []string {
	res := gjson.GetBytes(eventJSON, field)
	if !res.IsArray() {
		return nil
	}
	arr := res.Array()
	out := make([]string, len(arr))
	for i, v := range arr {
		out[i] = v.String()
	}
	return out
}

// fieldInt reads a top-level integer field.
func fieldInt(eventJSON []byte, field string) int64 {
	return gjson.GetBytes(eventJSON, field).Int()
}

// gjsonGet exposes the raw gjson.Result for callers that need to
// distinguish "field absent" from "field present but empty", e.g.
// state_key (nil for message events) and content (defaults to {}).
func gjsonGet(eventJSON []byte, field string) gjson.Result {
	return gjson.GetBytes(eventJSON, field)
}

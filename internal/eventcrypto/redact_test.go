package eventcrypto_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/homeserver/internal/eventcrypto"
)

func TestRedactKeepsOnlyAllowlistedContentForCreate(t *testing.T) {
	input := `{
		"event_id": "$abc:test", "type": "m.room.create", "room_id": "!room:test",
		"sender": "@alice:test", "state_key": "",
		"content": {"creator": "@alice:test", "room_version": "10", "m.federate": true},
		"depth": 1, "prev_events": [], "auth_events": [],
		"origin_server_ts": 1000, "unsigned": {"age": 5}
	}`
	out, err := eventcrypto.Redact([]byte(input), eventcrypto.RoomVersionV10)
	require.NoError(t, err)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &parsed))

	assert.Equal(t, "$abc:test", parsed["event_id"])
	assert.NotContains(t, parsed, "unsigned")
	content := parsed["content"].(map[string]interface{})
	assert.Equal(t, "@alice:test", content["creator"])
	assert.NotContains(t, content, "room_version")
	assert.NotContains(t, content, "m.federate")
}

func TestRedactPreservesEventIdentity(t *testing.T) {
	input := `{"event_id":"$abc:test","type":"m.room.message","room_id":"!room:test","sender":"@alice:test","content":{"body":"hi","msgtype":"m.text"},"depth":1,"prev_events":[],"auth_events":[],"origin_server_ts":1000}`
	out, err := eventcrypto.Redact([]byte(input), eventcrypto.RoomVersionV10)
	require.NoError(t, err)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &parsed))
	assert.Equal(t, "$abc:test", parsed["event_id"])
	content := parsed["content"].(map[string]interface{})
	assert.Empty(t, content, "m.room.message has no allowlisted content keys")
}

func TestRedactMovesRedactsIntoContentForV11(t *testing.T) {
	input := `{"event_id":"$abc:test","type":"m.room.redaction","room_id":"!room:test","sender":"@alice:test","redacts":"$target:test","content":{"redacts":"$target:test"},"depth":1,"prev_events":[],"auth_events":[],"origin_server_ts":1000}`

	outV10, err := eventcrypto.Redact([]byte(input), eventcrypto.RoomVersionV10)
	require.NoError(t, err)
	var parsedV10 map[string]interface{}
	require.NoError(t, json.Unmarshal(outV10, &parsedV10))
	assert.Equal(t, "$target:test", parsedV10["redacts"], "pre-v11 redaction target stays a preserved top-level key")
	contentV10 := parsedV10["content"].(map[string]interface{})
	assert.NotContains(t, contentV10, "redacts")

	outV11, err := eventcrypto.Redact([]byte(input), eventcrypto.RoomVersionV11)
	require.NoError(t, err)
	var parsedV11 map[string]interface{}
	require.NoError(t, json.Unmarshal(outV11, &parsedV11))
	assert.NotContains(t, parsedV11, "redacts", "v11 moves the redaction target into content instead")
	contentV11 := parsedV11["content"].(map[string]interface{})
	assert.Equal(t, "$target:test", contentV11["redacts"])
}

func TestRedactRejectsUnknownRoomVersion(t *testing.T) {
	_, err := eventcrypto.Redact([]byte(`{"type":"m.room.message"}`), eventcrypto.RoomVersion("99"))
	require.Error(t, err)
	var unknown eventcrypto.ErrUnknownRoomVersion
	assert.ErrorAs(t, err, &unknown)
}

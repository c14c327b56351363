package eventcrypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/homeserver/internal/eventcrypto"
)

func TestRoomVersionEventIDFormat(t *testing.T) {
	f1, err := eventcrypto.RoomVersionV1.EventIDFormat()
	require.NoError(t, err)
	assert.Equal(t, eventcrypto.EventIDFormatOpaque, f1)

	f10, err := eventcrypto.RoomVersionV10.EventIDFormat()
	require.NoError(t, err)
	assert.Equal(t, eventcrypto.EventIDFormatHash, f10)
}

func TestRoomVersionRestrictedJoinRules(t *testing.T) {
	allowed7, err := eventcrypto.RoomVersionV7.AllowsRestrictedJoinRule()
	require.NoError(t, err)
	assert.False(t, allowed7)

	allowed8, err := eventcrypto.RoomVersionV8.AllowsRestrictedJoinRule()
	require.NoError(t, err)
	assert.True(t, allowed8)
}

func TestRoomVersionRedactsInContentOnlyFromV11(t *testing.T) {
	v10, err := eventcrypto.RoomVersionV10.RedactsInContent()
	require.NoError(t, err)
	assert.False(t, v10)

	v11, err := eventcrypto.RoomVersionV11.RedactsInContent()
	require.NoError(t, err)
	assert.True(t, v11)
}

func TestRoomVersionUnknownReturnsError(t *testing.T) {
	_, err := eventcrypto.RoomVersion("99").EventIDFormat()
	require.Error(t, err)
	assert.False(t, eventcrypto.RoomVersion("99").Known())
}

func TestRoomVersionKnownForAllDefinedConstants(t *testing.T) {
	versions := []eventcrypto.RoomVersion{
		eventcrypto.RoomVersionV1, eventcrypto.RoomVersionV2, eventcrypto.RoomVersionV3,
		eventcrypto.RoomVersionV4, eventcrypto.RoomVersionV5, eventcrypto.RoomVersionV6,
		eventcrypto.RoomVersionV7, eventcrypto.RoomVersionV8, eventcrypto.RoomVersionV9,
		eventcrypto.RoomVersionV10, eventcrypto.RoomVersionV11,
	}
	for _, v := range versions {
		assert.True(t, v.Known(), "expected room version %s to be known", v)
	}
}

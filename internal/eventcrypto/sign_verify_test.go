package eventcrypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"

	"github.com/nexuscore/homeserver/internal/eventcrypto"
)

func TestSignThenVerifySucceeds(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	body := `{"type":"m.room.message","room_id":"!room:test","sender":"@alice:test","origin":"test","content":{"body":"hi","msgtype":"m.text"},"depth":1,"prev_events":[],"auth_events":[],"origin_server_ts":1000}`
	withHash, err := eventcrypto.AddContentHash([]byte(body))
	require.NoError(t, err)
	// Hash before sign: hashes.sha256 must already be in place before the
	// signature that covers it is produced.
	signed, err := eventcrypto.Sign(withHash, "test", "ed25519:1", priv)
	require.NoError(t, err)

	lookup := func(serverName, keyID string) (ed25519.PublicKey, bool) {
		if serverName == "test" && keyID == "ed25519:1" {
			return pub, true
		}
		return nil, false
	}

	result, err := eventcrypto.Verify(signed, eventcrypto.RoomVersionV10, lookup)
	require.NoError(t, err)
	assert.Equal(t, eventcrypto.AllHashesAndSigsValid, result)
}

func TestVerifyFailsWithWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	body := `{"type":"m.room.message","room_id":"!room:test","sender":"@alice:test","origin":"test","content":{},"depth":1,"prev_events":[],"auth_events":[],"origin_server_ts":1000}`
	signed, err := eventcrypto.Sign([]byte(body), "test", "ed25519:1", priv)
	require.NoError(t, err)

	lookup := func(serverName, keyID string) (ed25519.PublicKey, bool) {
		return otherPub, true
	}

	result, err := eventcrypto.Verify(signed, eventcrypto.RoomVersionV10, lookup)
	require.NoError(t, err)
	assert.Equal(t, eventcrypto.Fail, result)
}

func TestVerifyFailsWhenNoKeyAvailable(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	body := `{"type":"m.room.message","room_id":"!room:test","sender":"@alice:test","origin":"test","content":{},"depth":1,"prev_events":[],"auth_events":[],"origin_server_ts":1000}`
	signed, err := eventcrypto.Sign([]byte(body), "test", "ed25519:1", priv)
	require.NoError(t, err)

	lookup := func(serverName, keyID string) (ed25519.PublicKey, bool) { return nil, false }

	result, err := eventcrypto.Verify(signed, eventcrypto.RoomVersionV10, lookup)
	require.NoError(t, err)
	assert.Equal(t, eventcrypto.Fail, result)
}

func TestVerifyReturnsSignaturesOnlyValidOnHashMismatch(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	body := `{"type":"m.room.message","room_id":"!room:test","sender":"@alice:test","origin":"test","content":{"body":"hi"},"depth":1,"prev_events":[],"auth_events":[],"origin_server_ts":1000,"hashes":{"sha256":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"}}`
	signed, err := eventcrypto.Sign([]byte(body), "test", "ed25519:1", priv)
	require.NoError(t, err)

	lookup := func(serverName, keyID string) (ed25519.PublicKey, bool) {
		if serverName == "test" && keyID == "ed25519:1" {
			return pub, true
		}
		return nil, false
	}

	result, err := eventcrypto.Verify(signed, eventcrypto.RoomVersionV10, lookup)
	require.NoError(t, err)
	assert.Equal(t, eventcrypto.SignaturesOnlyValid, result)
}

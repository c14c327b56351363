package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsAndWiresMatrixPointer(t *testing.T) {
	input := `
global:
  server_name: example.test
  private_key_path: /etc/homeserver/matrix_key.pem
room_server:
  database:
    connection_string: file:roomserver.db
federation_api:
  database:
    connection_string: file:federationsender.db
sync_api:
  database:
    connection_string: file:syncapi.db
`
	c, err := Load([]byte(input), DefaultOpts{})
	require.NoError(t, err)

	assert.Equal(t, "example.test", c.Global.ServerName)
	assert.Equal(t, "ed25519:auto", c.Global.KeyID, "KeyID defaults when unset")
	assert.Equal(t, []string{"nats://localhost:4222"}, c.Global.JetStream.Addresses)

	require.Same(t, &c.Global, c.RoomServer.Matrix)
	require.Same(t, &c.Global, c.FederationAPI.Matrix)
	require.Same(t, &c.Global, c.SyncAPI.Matrix)

	assert.Equal(t, 10, c.RoomServer.Database.MaxOpenConns, "pool size defaults when unset")
	assert.Equal(t, 16, c.FederationAPI.SendMaxRetries)
}

func TestLoadReportsAllMissingRequiredFieldsAtOnce(t *testing.T) {
	_, err := Load([]byte(`{}`), DefaultOpts{})
	require.Error(t, err)
	configErrs, ok := err.(ConfigErrors)
	require.True(t, ok)

	assert.Contains(t, configErrs, "global.server_name is required")
	assert.Contains(t, configErrs, "global.private_key_path is required")
	assert.Contains(t, configErrs, "database.connection_string is required")
}

func TestJetStreamPrefixedNamespacesSubject(t *testing.T) {
	j := JetStream{TopicPrefix: "Test_"}
	assert.Equal(t, "Test_OutputRoomEvent", j.Prefixed("OutputRoomEvent"))

	bare := JetStream{}
	assert.Equal(t, "OutputRoomEvent", bare.Prefixed("OutputRoomEvent"))
}

func TestDatabaseOptionsDefaultsOnlyFillsUnsetFields(t *testing.T) {
	d := DatabaseOptions{MaxOpenConns: 5}
	d.Defaults()
	assert.Equal(t, 5, d.MaxOpenConns, "an explicitly set value is not overwritten")
	assert.Equal(t, 2, d.MaxIdleConns, "an unset value picks up the default")
}

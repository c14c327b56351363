package eventbus_test

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/homeserver/internal/eventbus"
)

func TestEmbeddedServerPublishSubscribeRoundTrips(t *testing.T) {
	srv, err := eventbus.StartEmbeddedServer(t.TempDir())
	require.NoError(t, err)
	defer srv.Shutdown()

	bus, err := srv.Connect()
	require.NoError(t, err)
	defer bus.Close()

	received := make(chan []byte, 1)
	_, err = bus.Subscribe("room.update", func(msg *nats.Msg) {
		received <- msg.Data
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish("room.update", []byte("!room:test")))

	select {
	case data := <-received:
		require.Equal(t, "!room:test", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

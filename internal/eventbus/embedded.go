package eventbus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer runs a NATS server in-process, the same way Dendrite's
// monolith deployment avoids requiring operators to stand up a separate
// NATS process for a single-binary install.
type EmbeddedServer struct {
	srv *server.Server
}

// StartEmbeddedServer starts an in-process NATS server with JetStream
// enabled, storing its state under storageDir.
func StartEmbeddedServer(storageDir string) (*EmbeddedServer, error) {
	opts := &server.Options{
		JetStream: true,
		StoreDir:  storageDir,
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		NoLog:     true,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("eventbus: new embedded server: %w", err)
	}
	srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("eventbus: embedded server did not become ready")
	}
	return &EmbeddedServer{srv: srv}, nil
}

// ClientURL returns the address to pass to Connect.
func (e *EmbeddedServer) ClientURL() string {
	return e.srv.ClientURL()
}

// Shutdown stops the embedded server, waiting for it to fully exit.
func (e *EmbeddedServer) Shutdown() {
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
}

// Connect dials this embedded server at its ClientURL, the same way
// Connect(url) dials an external NATS server.
func (e *EmbeddedServer) Connect() (*Bus, error) {
	nc, err := nats.Connect(e.ClientURL())
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect to embedded server: %w", err)
	}
	return &Bus{nc: nc}, nil
}

package natsclient

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// RunTestServer starts an in-process NATS server with JetStream enabled and
// returns its client URL. The server shuts down with the test.
func RunTestServer(t *testing.T) string {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("start embedded NATS server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		t.Fatal("embedded NATS server never became ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

package tlsbridge

import (
	"context"
	"crypto/tls"
	"sync"
	"testing"

	"github.com/ha1tch/tdscore/internal/tlstest"
	"github.com/ha1tch/tdscore/tdserr"
	"github.com/ha1tch/tdscore/wire"
)

// serverHandshake drives the server side of a handshake directly with
// crypto/tls (this package only implements the client role), over the
// same prelogin-wrapped Coordinator transport the client side uses.
func serverHandshake(coord *Coordinator, config *tls.Config) error {
	return tls.Server(coord, config).HandshakeContext(context.Background())
}

// TestHandshakeWithoutTLSConfigFailsWithExactMessage checks scenario C:
// encryption was negotiated but no TLS configuration was supplied.
func TestHandshakeWithoutTLSConfigFailsWithExactMessage(t *testing.T) {
	coord := NewCoordinator(1, nil, func(wire.Packet) error { return nil })
	_, err := Handshake(coord, nil)
	if err == nil {
		t.Fatalf("expected an error when config is nil")
	}
	const want = "protocol_error: Encryption was requested but a TLS Configuration was not provided."
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
	e, ok := err.(*tdserr.Error)
	if !ok || e.Kind != tdserr.ProtocolError {
		t.Fatalf("expected a ProtocolError, got %T", err)
	}
}

// pairedCoordinators wires two Coordinators back to back, each one's
// writePacket feeding the other's Feed, so a real client/server
// crypto/tls handshake can run entirely in-process over the
// prelogin-wrapped transport.
func pairedCoordinators() (*Coordinator, *Coordinator) {
	var a, b *Coordinator
	a = NewCoordinator(1, nil, func(pkt wire.Packet) error {
		b.Feed(pkt.Payload)
		return nil
	})
	b = NewCoordinator(1, nil, func(pkt wire.Packet) error {
		a.Feed(pkt.Payload)
		return nil
	})
	return a, b
}

func TestHandshakeSucceedsOverPairedCoordinators(t *testing.T) {
	pair, err := tlstest.Generate()
	if err != nil {
		t.Fatalf("tlstest.Generate: %v", err)
	}

	clientCoord, serverCoord := pairedCoordinators()

	var wg sync.WaitGroup
	wg.Add(1)
	var serverErr error
	go func() {
		defer wg.Done()
		serverErr = serverHandshake(serverCoord, pair.ServerConfig)
	}()

	bridge, err := Handshake(clientCoord, pair.ClientConfig)
	wg.Wait()
	if serverErr != nil {
		t.Fatalf("server handshake: %v", serverErr)
	}
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if bridge == nil {
		t.Fatalf("expected a non-nil bridge")
	}
	defer bridge.Close()

	if bridge.ConnectionState().Version == 0 {
		t.Fatalf("expected a negotiated TLS version")
	}
}

package tdsconn

import (
	"net"

	"github.com/ha1tch/tdscore/tdserr"
	"github.com/ha1tch/tdscore/tdslog"
	"github.com/ha1tch/tdscore/tlsbridge"
	"github.com/ha1tch/tdscore/wire"
)

// Dial connects to addr over TCP and wires a Conn around it. Separate
// from New so tests can drive a Conn over net.Pipe() or any other
// net.Conn without touching the network, matching the teacher's split
// between dialing (cmd/aul/main.go) and the transport-agnostic tds.Conn.
func Dial(network, addr string, cfg Config, logger *tdslog.Logger, metrics *Metrics) (*Conn, error) {
	transport, err := net.Dial(network, addr)
	if err != nil {
		return nil, tdserr.Transport("dialing transport", err)
	}
	return New(transport, cfg, logger, metrics), nil
}

// runRawPump owns the raw transport for the connection's whole life.
// Before the TLS handshake completes, every byte it reads is still
// TDS-framed (ordinary packets, or prelogin packets wrapping handshake
// records) so it hands chunks to c.readCh for run() to decode as
// usual. Once the coordinator reports established (spec.md §4.2's
// second reconfiguration half), the raw bytes are themselves a TLS
// record stream with no further TDS framing, so the pump feeds them
// straight to the coordinator instead, where the TLS engine consumes
// them via runBridgePump. The goroutine exits on its own read error,
// which is also how a closed transport is noticed.
func (c *Conn) runRawPump() {
	buf := make([]byte, 4096)
	for {
		c.applyReadDeadline()
		n, err := c.transport.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if coord := c.coordinator.Load(); coord != nil && coord.Established() {
				coord.Feed(data)
			} else {
				select {
				case c.readCh <- readChunk{data: data}:
				case <-c.closeCh:
					return
				}
			}
		}
		if err != nil {
			select {
			case c.readCh <- readChunk{err: err}:
			case <-c.closeCh:
			}
			return
		}
	}
}

// runBridgePump reads decrypted TDS packet bytes out of bridge and
// hands them to c.readCh, same as runRawPump does pre-handshake. It
// only starts once the handshake completes, and never races
// runRawPump over the raw socket: by then runRawPump has switched to
// feeding the coordinator directly instead of reading TDS frames
// itself.
func (c *Conn) runBridgePump(bridge *tlsbridge.Bridge) {
	buf := make([]byte, 4096)
	for {
		n, err := bridge.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case c.readCh <- readChunk{data: data}:
			case <-c.closeCh:
				return
			}
		}
		if err != nil {
			select {
			case c.readCh <- readChunk{err: err}:
			case <-c.closeCh:
			}
			return
		}
	}
}

// beginTLSUpgrade implements the first half of spec.md §4.2's
// pipeline reconfiguration: a Coordinator is spliced in ahead of the
// raw transport so the TLS handshake's ClientHello/ServerHello bytes
// travel wrapped in ordinary prelogin packets, and the handshake runs
// on its own goroutine since crypto/tls's HandshakeContext blocks
// until the handshake finishes or fails.
func (c *Conn) beginTLSUpgrade() error {
	next, ok := c.state.onTLSUpgradeRequested()
	if !ok {
		return tdserr.Protocolf("TLS upgrade requested from state %s", c.state)
	}
	c.state = next
	c.metrics.setState(c.state)

	transport := c.transport
	coord := tlsbridge.NewCoordinator(c.spid, transport, func(pkt wire.Packet) error {
		c.applyWriteDeadline()
		_, err := transport.Write(pkt.Encode())
		return err
	})
	c.coordinator.Store(coord)
	c.handshakeCh = make(chan handshakeResult, 1)

	tlsConfig := c.cfg.TLS
	go func() {
		bridge, err := tlsbridge.Handshake(coord, tlsConfig)
		c.handshakeCh <- handshakeResult{bridge: bridge, err: err}
	}()
	return nil
}

// completeHandshake implements the second half of spec.md §4.2's
// reconfiguration: the coordinator switches to passthrough mode
// instead of being torn down (it stays underneath the Bridge for the
// rest of the connection's life), a fresh Decoder is installed for
// the now-decrypted byte stream, and all subsequent writes go through
// the TLS Bridge instead of the raw transport directly. These
// mutations happen without yielding to another run() iteration, so no
// packet can be read or written through a half-swapped pipeline
// (spec.md §4.2: "must be atomic with respect to the dispatcher").
func (c *Conn) completeHandshake(bridge *tlsbridge.Bridge) {
	c.coordinator.Load().MarkEstablished()
	c.writer = bridge
	c.decoder = wire.NewDecoder(c.decoder.MaxPacketSize())
	c.state = c.state.onTLSHandshakeCompleted()
	c.metrics.setState(c.state)

	go c.runBridgePump(bridge)

	// The prelogin request's Respond returned the sslKickoff sentinel
	// instead of done=true (spec.md §6.1); the dispatcher finishes it
	// now that encryption is actually in place.
	c.completeHead(nil)
}

// Package tlsbridge implements the TDS-peculiar TLS upgrade: during
// the handshake window, TLS records travel wrapped as the payload of
// prelogin-typed TDS packets; once the handshake completes, TDS
// packets travel as plaintext that the TLS engine encrypts into
// ordinary TLS application-data records (spec.md §4.2).
//
// This mirrors the teacher's tds/tls.go (UpgradeToTLS and
// tlsHandshakeConn), generalized from the server's "accept a
// handshake" role to the client's "initiate a handshake" role, and
// reworked so the wrap/unwrap step is a standalone Coordinator the
// connection pipeline switches to passthrough after the handshake
// (spec.md's Pipeline Coordinator) instead of being inlined into the
// connection type.
package tlsbridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/cryptobyte"

	"github.com/ha1tch/tdscore/tdserr"
	"github.com/ha1tch/tdscore/wire"
)

// recordHeaderSize is the size of a TLS record header: type(1) +
// version(2) + length(2).
const recordHeaderSize = 5

// Coordinator wraps outbound TLS handshake bytes as prelogin TDS
// packets and unwraps inbound prelogin packets back into TLS
// handshake bytes, for the duration of the handshake window. It
// implements net.Conn so it can sit underneath crypto/tls.Client: the
// TLS engine thinks it is talking directly to the wire, while in fact
// every record is framed as a prelogin packet (spec.md §4.2: "before
// handshake it reads/writes TLS records wrapped as TDS prelogin
// packet payloads").
//
// A Coordinator serves one handshake; after MarkEstablished it stays
// underneath the TLS engine as a passthrough to the raw transport for
// the rest of the connection (see tdsconn.Conn.completeHandshake).
type Coordinator struct {
	mu sync.Mutex

	// transport is the raw connection underneath the wrapping, used
	// directly once established switches the Coordinator to
	// passthrough mode.
	transport net.Conn

	// writePacket is how the coordinator hands wrapped prelogin packets
	// to the connection's normal write path, before establishment.
	writePacket func(wire.Packet) error

	// established flips once the handshake completes: writes stop
	// being wrapped as prelogin packets and go straight to transport,
	// matching spec.md §4.2's "afterwards, TDS packets travel as
	// plaintext that the TLS engine encrypts into ordinary TLS
	// application-data records" (no further prelogin framing).
	established atomic.Bool

	// inbound delivers raw TLS record bytes, either unwrapped from
	// incoming prelogin packets (pre-establishment) or fed straight
	// from the raw transport (post-establishment). Before establishment
	// Feed is called by the dispatcher's I/O goroutine, afterwards by
	// its raw transport reader.
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	spid      uint16
	packetSeq uint8

	readBuf []byte
}

// NewCoordinator builds a Coordinator that writes wrapped handshake
// packets via writePacket (typically the dispatcher's own packet
// writer) and SPID/packet-id sequencing matching the connection's.
// transport is kept for the passthrough writes MarkEstablished
// switches on.
func NewCoordinator(spid uint16, transport net.Conn, writePacket func(wire.Packet) error) *Coordinator {
	return &Coordinator{
		transport:   transport,
		writePacket: writePacket,
		inbound:     make(chan []byte, 4),
		closed:      make(chan struct{}),
		spid:        spid,
		packetSeq:   1,
	}
}

// MarkEstablished switches the Coordinator from wrapping every write
// in a prelogin packet to writing straight through to the transport:
// the second half of spec.md §4.2's atomic reconfiguration.
func (c *Coordinator) MarkEstablished() {
	c.established.Store(true)
}

// Established reports whether MarkEstablished has been called.
func (c *Coordinator) Established() bool {
	return c.established.Load()
}

// Feed delivers inbound TLS bytes to the engine's side of the
// Coordinator. During the handshake window these are the payloads of
// inbound prelogin packets, which the dispatcher routes here instead
// of to the active request; once established they are raw bytes read
// straight from the transport. It blocks while the inbound buffer is
// full, until Read drains it or the Coordinator is closed.
func (c *Coordinator) Feed(payload []byte) {
	select {
	case c.inbound <- payload:
	case <-c.closed:
	}
}

// Read implements net.Conn for the TLS engine: it blocks until the
// next chunk passed to Feed arrives.
func (c *Coordinator) Read(b []byte) (int, error) {
	if len(c.readBuf) == 0 {
		select {
		case payload, ok := <-c.inbound:
			if !ok {
				return 0, io.EOF
			}
			c.readBuf = payload
		case <-c.closed:
			return 0, io.EOF
		}
	}
	n := copy(b, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

// Write implements net.Conn for the TLS engine. Before
// MarkEstablished, each TLS record in b is wrapped as its own prelogin
// packet with EndOfMessage set, the record boundaries being read from
// the record headers via cryptobyte (§4.2.1 of SPEC_FULL.md); a
// trailing partial record in b goes out as one packet of its own.
// After MarkEstablished, b is written straight to the transport.
func (c *Coordinator) Write(b []byte) (int, error) {
	if c.established.Load() {
		return c.transport.Write(b)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	total := len(b)
	for len(b) > 0 {
		recLen, err := recordLength(b)
		if err != nil {
			return total - len(b), err
		}
		if recLen > len(b) {
			recLen = len(b)
		}
		chunk := b[:recLen]
		b = b[recLen:]

		pkt := wire.NewPacket(wire.HeaderTypePrelogin, c.spid, c.packetSeq, true, chunk)
		c.packetSeq++
		if c.packetSeq == 0 {
			c.packetSeq = 1
		}
		if err := c.writePacket(pkt); err != nil {
			return total - len(b) - len(chunk), err
		}
	}
	return total, nil
}

// recordLength reads the 5-byte TLS record header with cryptobyte and
// returns the total length (header + body) of the first record in b.
// If b is shorter than a record header it returns len(b). Write wraps
// whatever part of a record b holds as one packet and keeps no state
// between calls, so the bytes of the next Write are again read as
// starting with a record header.
func recordLength(b []byte) (int, error) {
	if len(b) < recordHeaderSize {
		return len(b), nil
	}
	s := cryptobyte.String(b)
	var recordType uint8
	var version uint16
	var bodyLen uint16
	if !s.ReadUint8(&recordType) || !s.ReadUint16(&version) || !s.ReadUint16(&bodyLen) {
		return 0, fmt.Errorf("tlsbridge: malformed TLS record header")
	}
	return recordHeaderSize + int(bodyLen), nil
}

func (c *Coordinator) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *Coordinator) LocalAddr() net.Addr                { return coordinatorAddr{} }
func (c *Coordinator) RemoteAddr() net.Addr               { return coordinatorAddr{} }
func (c *Coordinator) SetDeadline(t time.Time) error      { return nil }
func (c *Coordinator) SetReadDeadline(t time.Time) error  { return nil }
func (c *Coordinator) SetWriteDeadline(t time.Time) error { return nil }

type coordinatorAddr struct{}

func (coordinatorAddr) Network() string { return "tds-prelogin" }
func (coordinatorAddr) String() string  { return "tds-prelogin-handshake" }

// Bridge owns the TLS engine across both phases of its life: during
// the handshake it runs over a Coordinator, and afterwards it is the
// thing that encrypts/decrypts every ordinary TDS packet's bytes.
type Bridge struct {
	conn *tls.Conn
}

// Handshake drives a client-side TLS handshake over coord using
// config, and returns a Bridge wrapping the resulting *tls.Conn. The
// caller (tdsconn.Conn) is responsible for the pipeline
// reconfiguration once this returns: switching coord to passthrough
// (MarkEstablished), installing a fresh decoder for the decrypted
// stream read from the returned Bridge, and sending all later writes
// through the Bridge (spec.md §4.2, "atomic reconfiguration").
func Handshake(coord *Coordinator, config *tls.Config) (*Bridge, error) {
	if config == nil {
		return nil, tdserr.Protocol("Encryption was requested but a TLS Configuration was not provided.")
	}
	tlsConn := tls.Client(coord, config)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, tdserr.TLS("TLS handshake failed", err)
	}
	return &Bridge{conn: tlsConn}, nil
}

// Read decrypts bytes from the underlying TLS record stream.
func (b *Bridge) Read(p []byte) (int, error) { return b.conn.Read(p) }

// Write encrypts p as TLS application data.
func (b *Bridge) Write(p []byte) (int, error) { return b.conn.Write(p) }

// Close closes the TLS connection (and the transport beneath it).
func (b *Bridge) Close() error { return b.conn.Close() }

// ConnectionState exposes the negotiated TLS connection state, mostly
// useful for logging/diagnostics.
func (b *Bridge) ConnectionState() tls.ConnectionState { return b.conn.ConnectionState() }

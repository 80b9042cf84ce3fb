// Package wire implements the TDS packet framing layer: the 8-byte
// header, the fixed set of wire-level header types, and the
// decoder/encoder that translate between a byte stream and a sequence
// of Packet values.
//
// The package has no notion of login, prelogin, or TLS — it only
// knows how to cut a byte stream into packets and glue packets back
// into a stream. Everything above that (what a packet *means*) lives
// in the requests package; everything below it (how bytes actually
// move) lives in tdsconn and tlsbridge.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderType identifies the wire-level type of a TDS packet. Only the
// values below are ever serialized on the wire; HeaderTypeSSLKickoff
// is a dispatcher-internal sentinel that never reaches the codec.
type HeaderType uint8

const (
	HeaderTypeSQLBatch                 HeaderType = 0x01
	HeaderTypeRPC                      HeaderType = 0x03
	HeaderTypeTabularResult            HeaderType = 0x04
	HeaderTypeAttention                HeaderType = 0x06
	HeaderTypeBulkLoad                 HeaderType = 0x07
	HeaderTypeTransactionManagerRequest HeaderType = 0x0E
	HeaderTypeLogin7                   HeaderType = 0x10
	HeaderTypeSSPI                     HeaderType = 0x11
	HeaderTypePrelogin                 HeaderType = 0x12

	// HeaderTypeSSLKickoff is a pseudo-type, never written to the
	// wire. A Request's Respond may return a single packet of this
	// type to tell the dispatcher to install the TLS bridge (see
	// tdsconn.Conn and tlsbridge.Coordinator).
	HeaderTypeSSLKickoff HeaderType = 0xFE
)

func (t HeaderType) String() string {
	switch t {
	case HeaderTypeSQLBatch:
		return "SQL_BATCH"
	case HeaderTypeRPC:
		return "RPC"
	case HeaderTypeTabularResult:
		return "TABULAR_RESULT"
	case HeaderTypeAttention:
		return "ATTENTION"
	case HeaderTypeBulkLoad:
		return "BULK_LOAD"
	case HeaderTypeTransactionManagerRequest:
		return "TRANSACTION_MANAGER_REQUEST"
	case HeaderTypeLogin7:
		return "LOGIN7"
	case HeaderTypeSSPI:
		return "SSPI"
	case HeaderTypePrelogin:
		return "PRELOGIN"
	case HeaderTypeSSLKickoff:
		return "SSL_KICKOFF(internal)"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// Status holds the packet-header status bit flags.
type Status uint8

const (
	StatusNormal                  Status = 0x00
	StatusEndOfMessage             Status = 0x01
	StatusIgnoreThisEvent          Status = 0x02
	StatusResetConnection          Status = 0x08
	StatusResetConnectionSkipTran Status = 0x10
)

// EndOfMessage reports whether the EOM bit is set.
func (s Status) EndOfMessage() bool { return s&StatusEndOfMessage != 0 }

// ResetConnection reports whether the client requested a connection reset.
func (s Status) ResetConnection() bool { return s&StatusResetConnection != 0 }

// Wire format constants (spec.md §6).
const (
	HeaderSize        = 8
	DefaultPacketSize = 4096
	MinPacketSize     = 512
	MaxPacketSize     = 32767
)

// Header is the fixed 8-byte prefix of every TDS packet.
type Header struct {
	Type     HeaderType
	Status   Status
	Length   uint16 // total packet length, header included
	SPID     uint16
	PacketID uint8
	Window   uint8 // reserved, always 0
}

// PayloadLength returns the number of payload bytes the header claims.
func (h Header) PayloadLength() int {
	if h.Length <= HeaderSize {
		return 0
	}
	return int(h.Length) - HeaderSize
}

func (h Header) encode(buf []byte) {
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Status)
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], h.SPID)
	buf[6] = h.PacketID
	buf[7] = h.Window
}

func decodeHeader(buf []byte) Header {
	return Header{
		Type:     HeaderType(buf[0]),
		Status:   Status(buf[1]),
		Length:   binary.BigEndian.Uint16(buf[2:4]),
		SPID:     binary.BigEndian.Uint16(buf[4:6]),
		PacketID: buf[6],
		Window:   buf[7],
	}
}

// Packet is one TDS wire packet: header plus payload. A logical
// message may span several packets; the last one has
// Status.EndOfMessage() true.
type Packet struct {
	Header  Header
	Payload []byte
}

// NewPacket builds a packet with the given type, SPID and packet
// sequence number. Callers that need to split a message across
// several packets should call this once per chunk and set eom only on
// the last one.
func NewPacket(typ HeaderType, spid uint16, packetID uint8, eom bool, payload []byte) Packet {
	status := StatusNormal
	if eom {
		status = StatusEndOfMessage
	}
	return Packet{
		Header: Header{
			Type:     typ,
			Status:   status,
			Length:   uint16(HeaderSize + len(payload)),
			SPID:     spid,
			PacketID: packetID,
			Window:   0,
		},
		Payload: payload,
	}
}

// Encode serializes p as header+payload.
func (p Packet) Encode() []byte {
	out := make([]byte, HeaderSize+len(p.Payload))
	p.Header.encode(out)
	copy(out[HeaderSize:], p.Payload)
	return out
}

// Decoder re-assembles packets from an arbitrarily fragmented byte
// stream. It owns no I/O; callers feed it bytes via Feed and drain
// complete packets via Next. This separation is what lets the
// pipeline swap codec instances during the TLS upgrade: the
// connection installs a fresh, empty Decoder for the decrypted stream
// and bytes still held by the old one are not carried over (see
// tdsconn.Conn.completeHandshake).
type Decoder struct {
	buf        []byte
	maxPacket  int
}

// NewDecoder creates a Decoder that rejects packets larger than
// maxPacketSize (0 means DefaultPacketSize).
func NewDecoder(maxPacketSize int) *Decoder {
	if maxPacketSize <= 0 {
		maxPacketSize = DefaultPacketSize
	}
	return &Decoder{maxPacket: maxPacketSize}
}

// Feed appends newly-read bytes to the decoder's internal buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next extracts one complete packet from the buffered bytes, if one
// is available. It returns ok == false (with err == nil) when more
// bytes are needed; it never blocks.
func (d *Decoder) Next() (pkt Packet, ok bool, err error) {
	if len(d.buf) < HeaderSize {
		return Packet{}, false, nil
	}

	hdr := decodeHeader(d.buf)
	if hdr.Length < HeaderSize {
		return Packet{}, false, fmt.Errorf("invalid packet length: %d", hdr.Length)
	}
	if int(hdr.Length) > d.maxPacket {
		return Packet{}, false, fmt.Errorf("invalid packet length: %d exceeds configured maximum %d", hdr.Length, d.maxPacket)
	}
	if len(d.buf) < int(hdr.Length) {
		return Packet{}, false, nil
	}

	payload := make([]byte, hdr.PayloadLength())
	copy(payload, d.buf[HeaderSize:hdr.Length])

	// Slide the consumed bytes out. Copies the remainder down rather
	// than re-slicing so the backing array doesn't grow unbounded
	// across a long-lived connection.
	remaining := len(d.buf) - int(hdr.Length)
	copy(d.buf, d.buf[hdr.Length:])
	d.buf = d.buf[:remaining]

	return Packet{Header: hdr, Payload: payload}, true, nil
}

// Buffered returns the number of bytes currently held but not yet
// consumed into a Packet. Exposed for tests asserting the
// fragmentation invariant (spec.md §8 invariant 1 and scenario E).
func (d *Decoder) Buffered() int { return len(d.buf) }

// SetMaxPacketSize updates the maximum accepted packet length.
func (d *Decoder) SetMaxPacketSize(n int) { d.maxPacket = n }

// MaxPacketSize returns the decoder's configured maximum packet length.
func (d *Decoder) MaxPacketSize() int { return d.maxPacket }

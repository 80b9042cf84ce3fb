// Package requests holds the concrete wire.Request implementations
// this core ships: the two handshake requests (Prelogin, Login) and
// two general-purpose ones (Raw, Attention). Each is grounded on the
// corresponding parser/encoder in the teacher's pkg/tds package,
// turned from server-side parse-then-respond code into client-side
// encode-then-parse code, since this core dials out rather than
// accepts connections.
package requests

import (
	"encoding/binary"
	"fmt"

	"github.com/ha1tch/tdscore/tdserr"
	"github.com/ha1tch/tdscore/wire"
)

// Encryption option values (spec.md §6, grounded on the teacher's
// pkg/tds/prelogin.go PreloginEncryption constants).
const (
	EncryptOff    uint8 = 0x00
	EncryptOn     uint8 = 0x01
	EncryptNotSup uint8 = 0x02
	EncryptReq    uint8 = 0x03
)

const (
	preloginVersion    uint8 = 0x00
	preloginEncryption uint8 = 0x01
	preloginInstOpt    uint8 = 0x02
	preloginThreadID   uint8 = 0x03
	preloginMARS       uint8 = 0x04
	preloginTerminator uint8 = 0xFF
)

// PreloginResult is what the caller learns once the Prelogin request
// completes: whether the server asked for or agreed to encryption, and
// its reported version.
type PreloginResult struct {
	Encryption uint8
	Version    uint32
}

// Prelogin is the connection-opening handshake request (spec.md §6.1).
// Its Start emits the initial PRELOGIN packet; its Respond classifies
// the server's reply and, if encryption was negotiated, returns the
// sslKickoff sentinel instead of signaling completion — the dispatcher
// finishes this request only after the TLS handshake the sentinel
// triggers has completed (tdsconn.Conn.completeHandshake).
type Prelogin struct {
	// Encryption is the client's requested encryption level, typically
	// EncryptOn or EncryptOff.
	Encryption uint8
	// Instance optionally names a named SQL Server instance.
	Instance string

	Result PreloginResult
}

func (p *Prelogin) Start() ([]wire.Packet, error) {
	payload := encodePrelogin(p.Encryption, p.Instance)
	return []wire.Packet{wire.NewPacket(wire.HeaderTypePrelogin, 0, 1, true, payload)}, nil
}

func (p *Prelogin) Respond(pkt wire.Packet) ([]wire.Packet, bool, error) {
	if pkt.Header.Type != wire.HeaderTypeTabularResult {
		return nil, false, tdserr.Protocolf("prelogin response: unexpected header type %s", pkt.Header.Type)
	}
	result, err := decodePreloginResponse(pkt.Payload)
	if err != nil {
		return nil, false, tdserr.Protocol(err.Error())
	}
	p.Result = result

	if result.Encryption == EncryptOff || result.Encryption == EncryptNotSup {
		return nil, true, nil
	}
	// Server agreed to (or requires) encryption: tell the dispatcher to
	// splice in the TLS bridge. This request finishes only once the
	// handshake that triggers has completed.
	return []wire.Packet{{Header: wire.Header{Type: wire.HeaderTypeSSLKickoff}}}, false, nil
}

func (p *Prelogin) Log(logger wire.Logger) {
	logger.Debugf("prelogin: requested encryption=%d instance=%q", p.Encryption, p.Instance)
}

func encodePrelogin(encryption uint8, instance string) []byte {
	version := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	instanceData := append([]byte(instance), 0x00)

	type option struct {
		token uint8
		data  []byte
	}
	opts := []option{
		{preloginVersion, version},
		{preloginEncryption, []byte{encryption}},
		{preloginInstOpt, instanceData},
		{preloginThreadID, []byte{0, 0, 0, 0}},
		{preloginMARS, []byte{0}},
	}

	headerSize := len(opts)*5 + 1
	offset := uint16(headerSize)
	buf := make([]byte, headerSize)
	pos := 0
	for _, o := range opts {
		buf[pos] = o.token
		binary.BigEndian.PutUint16(buf[pos+1:pos+3], offset)
		binary.BigEndian.PutUint16(buf[pos+3:pos+5], uint16(len(o.data)))
		pos += 5
		offset += uint16(len(o.data))
	}
	buf[pos] = preloginTerminator

	for _, o := range opts {
		buf = append(buf, o.data...)
	}
	return buf
}

func decodePreloginResponse(data []byte) (PreloginResult, error) {
	if len(data) == 0 {
		return PreloginResult{}, fmt.Errorf("empty prelogin response")
	}
	type option struct {
		offset, length uint16
	}
	options := map[uint8]option{}
	pos := 0
	for {
		if pos >= len(data) {
			return PreloginResult{}, fmt.Errorf("prelogin response truncated reading options")
		}
		token := data[pos]
		if token == preloginTerminator {
			break
		}
		if pos+5 > len(data) {
			return PreloginResult{}, fmt.Errorf("prelogin response option header truncated")
		}
		options[token] = option{
			offset: binary.BigEndian.Uint16(data[pos+1 : pos+3]),
			length: binary.BigEndian.Uint16(data[pos+3 : pos+5]),
		}
		pos += 5
	}

	var result PreloginResult
	if opt, ok := options[preloginVersion]; ok {
		end := int(opt.offset) + int(opt.length)
		if end > len(data) || opt.length < 4 {
			return PreloginResult{}, fmt.Errorf("prelogin response version option out of bounds")
		}
		v := data[opt.offset:end]
		result.Version = binary.BigEndian.Uint32(v[:4])
	}
	if opt, ok := options[preloginEncryption]; ok {
		end := int(opt.offset) + int(opt.length)
		if end > len(data) || opt.length < 1 {
			return PreloginResult{}, fmt.Errorf("prelogin response encryption option out of bounds")
		}
		result.Encryption = data[opt.offset]
	}
	return result, nil
}

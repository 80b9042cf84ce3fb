package requests

import (
	"encoding/binary"
	"fmt"

	"github.com/ha1tch/tdscore/tdserr"
	"github.com/ha1tch/tdscore/wire"
)

const login7HeaderSize = 94

// TDS version this core speaks (grounded on the teacher's
// pkg/tds/prelogin.go VerTDS74 constant).
const tdsVersion74 uint32 = 0x74000004

// Token types this core recognizes in a login response stream
// (grounded on the teacher's tds/token.go TokenType constants; this
// core only needs enough of the token catalogue to tell a successful
// login from a failed one, not full result-set parsing).
const (
	tokenError      byte = 0xAA
	tokenLoginAck   byte = 0xAD
	tokenDone       byte = 0xFD
	tokenDoneProc   byte = 0xFE
	tokenDoneInProc byte = 0xFF
)

// doneBodySize is the fixed, non-length-prefixed body of a
// DONE/DONEPROC/DONEINPROC token: Status(2) + CurCmd(2) + RowCount(8),
// matching the teacher's tds/token.go WriteDone layout for TDS 7.2+'s
// 64-bit row count.
const doneBodySize = 2 + 2 + 8

// LoginError reports a server-side login failure surfaced by an
// ERROR token in the login response stream (tds/token.go WriteError's
// layout, inverted). It is deliberately not a *tdserr.Error: a failed
// login is a rejected request, not a broken connection, and
// tdserr.Fatal must not treat it as fatal (tdserr.Fatal's own doc
// comment: "an application-level error ... is not automatically
// fatal").
type LoginError struct {
	Number   int32
	State    uint8
	Severity uint8
	Message  string
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login failed: error %d (severity %d): %s", e.Number, e.Severity, e.Message)
}

// Login carries the LOGIN7 credentials and client identification
// fields (spec.md §6.1). Its Start emits the LOGIN7 packet; Respond
// scans the resulting tabularResult token stream for the LOGINACK
// token (success) or an ERROR token followed by DONE (failure), and
// attaches the server's error number/severity/message to LastError in
// the failure case.
type Login struct {
	HostName   string
	UserName   string
	Password   string
	AppName    string
	ServerName string
	Database   string
	PacketSize uint32

	// LastError holds the server's reported failure once Respond has
	// returned a non-nil error for this request; nil on a successful
	// login.
	LastError *LoginError

	buf []byte
}

func (l *Login) Start() ([]wire.Packet, error) {
	payload := encodeLogin7(l)
	return []wire.Packet{wire.NewPacket(wire.HeaderTypeLogin7, 0, 1, true, payload)}, nil
}

func (l *Login) Respond(pkt wire.Packet) ([]wire.Packet, bool, error) {
	if pkt.Header.Type != wire.HeaderTypeTabularResult {
		return nil, false, tdserr.Protocolf("login response: unexpected header type %s", pkt.Header.Type)
	}
	l.buf = append(l.buf, pkt.Payload...)
	if !pkt.Header.Status.EndOfMessage() {
		return nil, false, nil
	}
	if err := l.scanTokens(); err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

// scanTokens walks the accumulated login response looking for
// TokenLoginAck (success) or TokenError (failure, recorded on
// LastError before the stream's closing DONE token arrives). Every
// other token it doesn't need to interpret (ENVCHANGE, INFO,
// FEATUREEXTACK, ...) is skipped over using the common
// type+uint16-length+body layout those tokens share.
func (l *Login) scanTokens() error {
	buf := l.buf
	sawLoginAck := false
	for len(buf) > 0 {
		tokenType := buf[0]
		rest := buf[1:]
		switch tokenType {
		case tokenLoginAck:
			sawLoginAck = true
			_, n, err := readLengthPrefixedToken(rest)
			if err != nil {
				return tdserr.Protocolf("login response: LOGINACK token: %v", err)
			}
			buf = rest[n:]
		case tokenError:
			body, n, err := readLengthPrefixedToken(rest)
			if err != nil {
				return tdserr.Protocolf("login response: ERROR token: %v", err)
			}
			le, err := parseLoginErrorToken(body)
			if err != nil {
				return tdserr.Protocolf("login response: ERROR token: %v", err)
			}
			l.LastError = le
			buf = rest[n:]
		case tokenDone, tokenDoneProc, tokenDoneInProc:
			if len(rest) < doneBodySize {
				return tdserr.Protocolf("login response: truncated DONE token")
			}
			buf = rest[doneBodySize:]
		default:
			n, err := skipLengthPrefixedToken(rest)
			if err != nil {
				return tdserr.Protocolf("login response: unrecognized token 0x%02X: %v", tokenType, err)
			}
			buf = rest[n:]
		}
	}

	if sawLoginAck {
		return nil
	}
	if l.LastError != nil {
		return l.LastError
	}
	return tdserr.Protocolf("login response: no LOGINACK or ERROR token in response")
}

// readLengthPrefixedToken reads the common TDS token body shape (a
// little-endian uint16 byte length followed by that many body bytes)
// from rest, which starts right after the one-byte token type.
// Returns the body and the number of bytes of rest consumed
// (2 + length).
func readLengthPrefixedToken(rest []byte) (body []byte, consumed int, err error) {
	if len(rest) < 2 {
		return nil, 0, fmt.Errorf("truncated token length")
	}
	length := int(binary.LittleEndian.Uint16(rest[0:2]))
	if len(rest) < 2+length {
		return nil, 0, fmt.Errorf("truncated token body")
	}
	return rest[2 : 2+length], 2 + length, nil
}

func skipLengthPrefixedToken(rest []byte) (int, error) {
	_, n, err := readLengthPrefixedToken(rest)
	return n, err
}

// parseLoginErrorToken decodes an ERROR token body (tds/token.go
// WriteError's layout): Number(int32 LE) + State(1) + Class(1,
// severity) + MsgLength(uint16 LE, char count) + Message(UCS2), plus
// ServerName/ProcName/LineNumber fields this core has no use for and
// doesn't bother decoding.
func parseLoginErrorToken(body []byte) (*LoginError, error) {
	const fixedPrefix = 4 + 1 + 1 + 2
	if len(body) < fixedPrefix {
		return nil, fmt.Errorf("truncated body")
	}
	number := int32(binary.LittleEndian.Uint32(body[0:4]))
	state := body[4]
	severity := body[5]
	msgLenChars := int(binary.LittleEndian.Uint16(body[6:8]))
	msgBytes := msgLenChars * 2
	if len(body) < fixedPrefix+msgBytes {
		return nil, fmt.Errorf("truncated message")
	}
	message, err := wire.DecodeUCS2(body[fixedPrefix : fixedPrefix+msgBytes])
	if err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return &LoginError{Number: number, State: state, Severity: severity, Message: message}, nil
}

func (l *Login) Log(logger wire.Logger) {
	logger.Debugf("login: user=%q app=%q server=%q database=%q", l.UserName, l.AppName, l.ServerName, l.Database)
}

// encodeLogin7 builds a LOGIN7 packet body, mirroring the fixed-header
// plus variable-length-string-table layout the teacher's
// pkg/tds/login.go ParseLogin7 reads, but writing rather than parsing
// it, and using wire.EncodeUCS2 for every string field (TDS strings
// are UCS-2, spec.md §3).
func encodeLogin7(l *Login) []byte {
	hostName := wire.EncodeUCS2(l.HostName)
	userName := wire.EncodeUCS2(l.UserName)
	password := wire.MangleLoginBytes(wire.EncodeUCS2(l.Password))
	appName := wire.EncodeUCS2(l.AppName)
	serverName := wire.EncodeUCS2(l.ServerName)
	ctlIntName := wire.EncodeUCS2("tdscore")
	language := wire.EncodeUCS2("")
	database := wire.EncodeUCS2(l.Database)

	fields := [][]byte{hostName, userName, password, appName, serverName, nil /* extension */, ctlIntName, language, database}

	packetSize := l.PacketSize
	if packetSize == 0 {
		packetSize = wire.DefaultPacketSize
	}

	offset := uint16(login7HeaderSize)
	offsets := make([]uint16, len(fields))
	for i, f := range fields {
		offsets[i] = offset
		offset += uint16(len(f))
	}
	totalLength := uint32(offset)

	buf := make([]byte, login7HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], totalLength)
	binary.LittleEndian.PutUint32(buf[4:8], tdsVersion74)
	binary.LittleEndian.PutUint32(buf[8:12], packetSize)
	binary.LittleEndian.PutUint32(buf[12:16], 0) // ClientProgVer
	binary.LittleEndian.PutUint32(buf[16:20], 0) // ClientPID
	binary.LittleEndian.PutUint32(buf[20:24], 0) // ConnectionID
	buf[24] = 0x00                               // OptionFlags1
	buf[25] = 0x00                               // OptionFlags2
	buf[26] = 0x00                               // TypeFlags
	buf[27] = 0x00                               // OptionFlags3
	binary.LittleEndian.PutUint32(buf[28:32], 0) // ClientTimeZone
	binary.LittleEndian.PutUint32(buf[32:36], 0) // ClientLCID

	putField := func(offsetPos, lengthPos int, idx int) {
		binary.LittleEndian.PutUint16(buf[offsetPos:offsetPos+2], offsets[idx])
		binary.LittleEndian.PutUint16(buf[lengthPos:lengthPos+2], uint16(len(fields[idx])/2))
	}
	putField(36, 38, 0) // HostName
	putField(40, 42, 1) // UserName
	putField(44, 46, 2) // Password
	putField(48, 50, 3) // AppName
	putField(52, 54, 4) // ServerName
	putField(56, 58, 5) // Extension
	putField(60, 62, 6) // CtlIntName
	putField(64, 66, 7) // Language
	putField(68, 70, 8) // Database
	// ClientID [72:78] left zero
	binary.LittleEndian.PutUint16(buf[78:80], offset) // SSPIOffset
	binary.LittleEndian.PutUint16(buf[80:82], 0)      // SSPILength
	binary.LittleEndian.PutUint16(buf[82:84], offset) // AtchDBFileOffset
	binary.LittleEndian.PutUint16(buf[84:86], 0)
	binary.LittleEndian.PutUint16(buf[86:88], offset) // ChangePasswordOffset
	binary.LittleEndian.PutUint16(buf[88:90], 0)
	binary.LittleEndian.PutUint32(buf[90:94], 0) // SSPILongLength

	for _, f := range fields {
		buf = append(buf, f...)
	}
	return buf
}

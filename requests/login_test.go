package requests

import (
	"encoding/binary"
	"testing"

	"github.com/ha1tch/tdscore/wire"
)

func TestEncodeLogin7FixedHeaderFields(t *testing.T) {
	l := &Login{
		HostName:   "myhost",
		UserName:   "sa",
		Password:   "secret",
		AppName:    "tdsdial",
		ServerName: "dbserver",
		Database:   "master",
		PacketSize: 4096,
	}
	payload := encodeLogin7(l)

	if len(payload) < login7HeaderSize {
		t.Fatalf("payload shorter than the fixed LOGIN7 header: %d < %d", len(payload), login7HeaderSize)
	}

	gotVersion := binary.LittleEndian.Uint32(payload[4:8])
	if gotVersion != tdsVersion74 {
		t.Fatalf("TDS version = 0x%08x, want 0x%08x", gotVersion, tdsVersion74)
	}
	gotPacketSize := binary.LittleEndian.Uint32(payload[8:12])
	if gotPacketSize != 4096 {
		t.Fatalf("packet size = %d, want 4096", gotPacketSize)
	}

	totalLength := binary.LittleEndian.Uint32(payload[0:4])
	if int(totalLength) != len(payload) {
		t.Fatalf("encoded length field = %d, want %d (actual payload length)", totalLength, len(payload))
	}
}

func TestEncodeLogin7UserNameIsRecoverable(t *testing.T) {
	l := &Login{UserName: "sa", PacketSize: 4096}
	payload := encodeLogin7(l)

	userNameOffset := binary.LittleEndian.Uint16(payload[40:42])
	userNameLenChars := binary.LittleEndian.Uint16(payload[42:44])
	userNameBytes := payload[userNameOffset : int(userNameOffset)+int(userNameLenChars)*2]

	got, err := wire.DecodeUCS2(userNameBytes)
	if err != nil {
		t.Fatalf("DecodeUCS2: %v", err)
	}
	if got != "sa" {
		t.Fatalf("recovered username = %q, want %q", got, "sa")
	}
}

// encodeTestToken builds a single type+length-prefixed token frame
// (the layout LOGINACK/ERROR/ENVCHANGE/INFO share).
func encodeTestToken(tokenType byte, body []byte) []byte {
	frame := make([]byte, 3+len(body))
	frame[0] = tokenType
	binary.LittleEndian.PutUint16(frame[1:3], uint16(len(body)))
	copy(frame[3:], body)
	return frame
}

func encodeTestDoneToken() []byte {
	return append([]byte{tokenDone}, make([]byte, doneBodySize)...)
}

func encodeTestLoginAckToken() []byte {
	progName := wire.EncodeUCS2("tdscore")
	body := make([]byte, 0, 1+4+1+len(progName)+4)
	body = append(body, 0x00) // interface
	verBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(verBuf, tdsVersion74)
	body = append(body, verBuf...)
	body = append(body, byte(len(progName)/2))
	body = append(body, progName...)
	body = append(body, 0, 0, 0, 0) // prog version
	return encodeTestToken(tokenLoginAck, body)
}

func encodeTestErrorToken(number int32, severity uint8, message string) []byte {
	msg := wire.EncodeUCS2(message)
	body := make([]byte, 0, 4+1+1+2+len(msg)+1+1+4)
	numBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(numBuf, uint32(number))
	body = append(body, numBuf...)
	body = append(body, 1) // state
	body = append(body, severity)
	msgLenBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(msgLenBuf, uint16(len(msg)/2))
	body = append(body, msgLenBuf...)
	body = append(body, msg...)
	body = append(body, 0)          // server name length
	body = append(body, 0)          // proc name length
	body = append(body, 0, 0, 0, 0) // line number
	return encodeTestToken(tokenError, body)
}

func TestLoginRespondCompletesOnLoginAck(t *testing.T) {
	l := &Login{}
	payload := append(encodeTestLoginAckToken(), encodeTestDoneToken()...)
	pkt := wire.NewPacket(wire.HeaderTypeTabularResult, 0, 1, true, payload)

	more, done, err := l.Respond(pkt)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !done || more != nil {
		t.Fatalf("expected (nil, true), got (%+v, %v)", more, done)
	}
	if l.LastError != nil {
		t.Fatalf("expected no LastError on a successful login, got %v", l.LastError)
	}
}

func TestLoginRespondReturnsLoginErrorOnServerError(t *testing.T) {
	l := &Login{}
	payload := append(encodeTestErrorToken(18456, 14, "Login failed for user 'sa'."), encodeTestDoneToken()...)
	pkt := wire.NewPacket(wire.HeaderTypeTabularResult, 0, 1, true, payload)

	_, done, err := l.Respond(pkt)
	if done {
		t.Fatalf("expected a failed login to not report done")
	}
	loginErr, ok := err.(*LoginError)
	if !ok {
		t.Fatalf("expected a *LoginError, got %T: %v", err, err)
	}
	if loginErr.Number != 18456 {
		t.Fatalf("Number = %d, want 18456", loginErr.Number)
	}
	if loginErr.Severity != 14 {
		t.Fatalf("Severity = %d, want 14", loginErr.Severity)
	}
	if loginErr.Message != "Login failed for user 'sa'." {
		t.Fatalf("Message = %q, want %q", loginErr.Message, "Login failed for user 'sa'.")
	}
	if l.LastError != loginErr {
		t.Fatalf("LastError not set to the returned error")
	}
}

func TestLoginRespondRejectsWrongHeaderType(t *testing.T) {
	l := &Login{}
	pkt := wire.NewPacket(wire.HeaderTypeAttention, 0, 1, true, nil)
	if _, _, err := l.Respond(pkt); err == nil {
		t.Fatalf("expected an error for a non-tabularResult packet")
	}
}

package requests

import "github.com/ha1tch/tdscore/wire"

// Raw submits an arbitrary pre-built message (typically a SQL_BATCH or
// RPC) and collects every packet of the reply up to and including the
// one with the end-of-message bit set, without interpreting the
// token stream inside it — token parsing is out of scope for this
// core (spec.md Non-goals). It exists so callers above this core
// (query execution, bulk load) have a Request to build on without
// reaching into tdsconn internals.
type Raw struct {
	// Type is the wire header type for the outbound message
	// (wire.HeaderTypeSQLBatch or wire.HeaderTypeRPC, typically).
	Type wire.HeaderType
	// Payload is the message body; Raw splits it across packets whose
	// payloads are no larger than MaxChunk if set (0 means a single
	// packet).
	Payload  []byte
	MaxChunk int

	// Replies accumulates every inbound packet's payload in order.
	Replies [][]byte
}

func (r *Raw) Start() ([]wire.Packet, error) {
	chunk := r.MaxChunk
	if chunk <= 0 || chunk >= len(r.Payload) {
		return []wire.Packet{wire.NewPacket(r.Type, 0, 1, true, r.Payload)}, nil
	}

	var packets []wire.Packet
	for offset := 0; offset < len(r.Payload); offset += chunk {
		end := offset + chunk
		if end > len(r.Payload) {
			end = len(r.Payload)
		}
		eom := end == len(r.Payload)
		packets = append(packets, wire.NewPacket(r.Type, 0, uint8(len(packets)+1), eom, r.Payload[offset:end]))
	}
	return packets, nil
}

func (r *Raw) Respond(pkt wire.Packet) ([]wire.Packet, bool, error) {
	r.Replies = append(r.Replies, pkt.Payload)
	return nil, pkt.Header.Status.EndOfMessage(), nil
}

func (r *Raw) Log(logger wire.Logger) {
	logger.Debugf("raw: type=%s payload_len=%d", r.Type, len(r.Payload))
}

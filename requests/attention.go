package requests

import "github.com/ha1tch/tdscore/wire"

// Attention sends the zero-payload ATTENTION packet (spec.md §5:
// "the underlying protocol provides attention, which is a request the
// caller may submit; the core does not interpret cancellation
// futures"). It is an ordinary queued request like any other — the
// core has no notion of it jumping ahead of whatever is already in
// flight, since that would violate the single-writer ordering
// guarantee (spec.md §8 invariant 3). Callers that want attention to
// actually interrupt the current request are responsible for their
// own out-of-band signaling to the server; this type only frames the
// packet.
type Attention struct{}

func (a *Attention) Start() ([]wire.Packet, error) {
	return []wire.Packet{wire.NewPacket(wire.HeaderTypeAttention, 0, 1, true, nil)}, nil
}

func (a *Attention) Respond(pkt wire.Packet) ([]wire.Packet, bool, error) {
	return nil, pkt.Header.Status.EndOfMessage(), nil
}

func (a *Attention) Log(logger wire.Logger) {
	logger.Debugf("attention")
}

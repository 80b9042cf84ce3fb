package tdsconn

import "github.com/ha1tch/tdscore/wire"

// ConnState is the connection's lifecycle state, totally ordered per
// spec.md §3. It only ever advances (spec.md §8 invariant 5: state
// monotonicity).
type ConnState int

const (
	StateStart ConnState = iota
	StateSentInitialTDSPreLogin
	StateReceivedTDSPreLoginResponse
	StateSSLHandshakeStarted
	StateSSLHandshakeComplete
	StateSentTDSLogin
	StateLoggedIn
)

func (s ConnState) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateSentInitialTDSPreLogin:
		return "sentInitialTDSPreLogin"
	case StateReceivedTDSPreLoginResponse:
		return "receivedTDSPreLoginResponse"
	case StateSSLHandshakeStarted:
		return "sslHandshakeStarted"
	case StateSSLHandshakeComplete:
		return "sslHandshakeComplete"
	case StateSentTDSLogin:
		return "sentTDSLogin"
	case StateLoggedIn:
		return "loggedIn"
	default:
		return "unknown"
	}
}

// direction distinguishes an outbound packet the dispatcher is about
// to write from an inbound packet it just read, since the transition
// table (spec.md §4.4) keys off both.
type direction int

const (
	outbound direction = iota
	inbound
)

// onOutbound advances state for a packet about to be written. Only
// the two edges spec.md names react; everything else is a no-op,
// matching "the machine is advisory: it does not itself reject
// packets."
func (s ConnState) onOutbound(t wire.HeaderType) ConnState {
	switch {
	case s == StateStart && t == wire.HeaderTypePrelogin:
		return StateSentInitialTDSPreLogin
	case s >= StateReceivedTDSPreLoginResponse && s < StateLoggedIn && t == wire.HeaderTypeLogin7:
		return StateSentTDSLogin
	default:
		return s
	}
}

// onInbound advances state for a packet just read. asPreloginResponse
// and asLoginResponse resolve the dispatch-level classification
// described in SPEC_FULL.md §3: a tabularResult packet is a prelogin
// response only while the prelogin request is active, and a login
// response only while the login request is active (or, per spec.md's
// literal transition table, "any -> in: loginResponse -> loggedIn" —
// any state accepts a login response).
func (s ConnState) onInbound(t wire.HeaderType, asPreloginResponse, asLoginResponse bool) ConnState {
	switch {
	case s == StateSentInitialTDSPreLogin && t == wire.HeaderTypeTabularResult && asPreloginResponse:
		return StateReceivedTDSPreLoginResponse
	case t == wire.HeaderTypeTabularResult && asLoginResponse:
		return StateLoggedIn
	default:
		return s
	}
}

// onTLSUpgradeRequested models "dispatcher triggers TLS upgrade
// (sslKickoff sentinel) -> sslHandshakeStarted", only legal from
// receivedTDSPreLoginResponse (spec.md §4.4: "only in
// receivedTDSPreLoginResponse").
func (s ConnState) onTLSUpgradeRequested() (ConnState, bool) {
	if s != StateReceivedTDSPreLoginResponse {
		return s, false
	}
	return StateSSLHandshakeStarted, true
}

// onTLSHandshakeCompleted models "TLS engine reports
// handshakeCompleted -> sslHandshakeComplete".
func (s ConnState) onTLSHandshakeCompleted() ConnState {
	if s == StateSSLHandshakeStarted {
		return StateSSLHandshakeComplete
	}
	return s
}

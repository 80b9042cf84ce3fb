package tdsconn

import (
	"testing"

	"github.com/ha1tch/tdscore/wire"
)

// TestHandshakeHappyPath drives the state machine through the full
// ordered sequence spec.md §3 defines and checks strict monotonicity
// (spec.md §8 invariant 5).
func TestHandshakeHappyPath(t *testing.T) {
	s := StateStart

	s = s.onOutbound(wire.HeaderTypePrelogin)
	if s != StateSentInitialTDSPreLogin {
		t.Fatalf("after sending prelogin: got %s, want %s", s, StateSentInitialTDSPreLogin)
	}

	s = s.onInbound(wire.HeaderTypeTabularResult, true, false)
	if s != StateReceivedTDSPreLoginResponse {
		t.Fatalf("after prelogin response: got %s, want %s", s, StateReceivedTDSPreLoginResponse)
	}

	next, ok := s.onTLSUpgradeRequested()
	if !ok || next != StateSSLHandshakeStarted {
		t.Fatalf("onTLSUpgradeRequested: got (%s, %v), want (%s, true)", next, ok, StateSSLHandshakeStarted)
	}
	s = next

	s = s.onTLSHandshakeCompleted()
	if s != StateSSLHandshakeComplete {
		t.Fatalf("after handshake completes: got %s, want %s", s, StateSSLHandshakeComplete)
	}

	s = s.onOutbound(wire.HeaderTypeLogin7)
	if s != StateSentTDSLogin {
		t.Fatalf("after sending login7: got %s, want %s", s, StateSentTDSLogin)
	}

	s = s.onInbound(wire.HeaderTypeTabularResult, false, true)
	if s != StateLoggedIn {
		t.Fatalf("after login response: got %s, want %s", s, StateLoggedIn)
	}
}

func TestPlaintextHandshakeSkipsTLSStates(t *testing.T) {
	s := StateStart
	s = s.onOutbound(wire.HeaderTypePrelogin)
	s = s.onInbound(wire.HeaderTypeTabularResult, true, false)
	// No TLS upgrade requested: go straight to login.
	s = s.onOutbound(wire.HeaderTypeLogin7)
	if s != StateSentTDSLogin {
		t.Fatalf("got %s, want %s", s, StateSentTDSLogin)
	}
	s = s.onInbound(wire.HeaderTypeTabularResult, false, true)
	if s != StateLoggedIn {
		t.Fatalf("got %s, want %s", s, StateLoggedIn)
	}
}

func TestTLSUpgradeRejectedOutsideExpectedState(t *testing.T) {
	for _, s := range []ConnState{StateStart, StateSentInitialTDSPreLogin, StateSSLHandshakeStarted, StateLoggedIn} {
		if _, ok := s.onTLSUpgradeRequested(); ok {
			t.Fatalf("onTLSUpgradeRequested from %s should be rejected", s)
		}
	}
}

func TestUnrecognizedTransitionsAreNoOps(t *testing.T) {
	s := StateStart
	if got := s.onOutbound(wire.HeaderTypeSQLBatch); got != s {
		t.Fatalf("unrelated outbound packet changed state: got %s, want %s", got, s)
	}
	if got := s.onInbound(wire.HeaderTypeAttention, false, false); got != s {
		t.Fatalf("unrelated inbound packet changed state: got %s, want %s", got, s)
	}
}

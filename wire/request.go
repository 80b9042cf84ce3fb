package wire

// Logger is the minimal logging capability a Request needs to
// describe itself. tdslog.Logger satisfies it; so does any
// logrus.FieldLogger, since Request.Log is descriptive-only (spec.md
// §3: "log(logger): descriptive logging only").
type Logger interface {
	Debugf(format string, args ...interface{})
}

// Request is the capability set the dispatcher needs from one
// logical request/response exchange (spec.md §3). It is rendered as
// a Go interface rather than a closed tagged union: the request
// catalogue (requests.Prelogin, requests.Login, requests.Raw,
// requests.Attention, and anything an upper layer defines) is
// open-ended by design (SPEC_FULL.md §9), so new request kinds need
// no change to the dispatcher.
type Request interface {
	// Start produces the initial outbound packet(s) for this request.
	Start() ([]Packet, error)

	// Respond consumes one inbound packet and optionally produces
	// reply packets. A nil slice with done==true is the "end" signal:
	// the request is complete and no more packets should be sent or
	// expected. A non-nil slice whose first packet has
	// Header.Type == HeaderTypeSSLKickoff instructs the dispatcher to
	// perform the TLS upgrade instead of writing the packet (spec.md
	// §4.3).
	Respond(pkt Packet) (more []Packet, done bool, err error)

	// Log describes the request for diagnostic logging only.
	Log(logger Logger)
}

package wire

import (
	"golang.org/x/text/encoding/unicode"
)

// ucs2 is the UTF-16LE codec every TDS string field is encoded with.
// Grounded on golang.org/x/text/encoding/unicode, the same package the
// retrieval pack reaches for wherever a UTF-16 wire encoding shows up,
// rather than the teacher's hand-rolled unicode/utf16 loop.
var ucs2 = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// EncodeUCS2 converts a Go string to its TDS wire representation
// (UTF-16LE, no BOM).
func EncodeUCS2(s string) []byte {
	b, err := ucs2.NewEncoder().Bytes([]byte(s))
	if err != nil {
		// Every Go string is valid UTF-8 by construction, and UTF-8
		// is always representable in UTF-16, so this can only fail on
		// encoder misuse, not on input data.
		panic("wire: UCS2 encode: " + err.Error())
	}
	return b
}

// DecodeUCS2 converts TDS wire bytes (UTF-16LE) back to a Go string.
// An odd trailing byte is dropped, matching how real TDS peers treat
// a truncated final character in practice.
func DecodeUCS2(b []byte) (string, error) {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	out, err := ucs2.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// MangleLoginBytes applies the TDS LOGIN7 password obfuscation: XOR
// with 0xA5 then swap nibbles. It is not its own inverse: applying it
// twice yields the complement (XOR 0xFF) of every input byte.
// This is legacy obfuscation, not encryption; it offers no
// confidentiality and is only meaningful to interoperate with the
// wire format.
func MangleLoginBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		x := c ^ 0xA5
		out[i] = (x >> 4) | (x << 4)
	}
	return out
}

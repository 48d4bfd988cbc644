package rx22

// Frame delimiters and the escape octet. SOP/EOP bracket a frame on the
// wire; ESC introduces a stuffed octet inside the payload.
const (
	sop byte = 0x81
	eop byte = 0x82
	esc byte = 0x80
)

// Encode wraps a payload in SOP/EOP framing, byte-stuffing any occurrence of
// esc/sop/eop within the payload itself. Empty payloads are legal and
// produce just SOP, EOP.
func Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+2)
	out = append(out, sop)
	for _, b := range payload {
		if b == esc || b == sop || b == eop {
			out = append(out, esc, b-esc)
		} else {
			out = append(out, b)
		}
	}
	out = append(out, eop)
	return out
}

// Decode reverses byte stuffing over the bytes strictly between a frame's
// SOP and EOP. It fails with an *InvalidEscapeError if esc is followed by a
// value greater than 0x02, or if esc is the final byte.
func Decode(stuffed []byte) ([]byte, error) {
	out := make([]byte, 0, len(stuffed))
	for i := 0; i < len(stuffed); i++ {
		b := stuffed[i]
		if b != esc {
			out = append(out, b)
			continue
		}
		i++
		if i >= len(stuffed) {
			return nil, &InvalidEscapeError{Offset: i - 1, Value: b}
		}
		s := stuffed[i]
		if s > 0x02 {
			return nil, &InvalidEscapeError{Offset: i, Value: s}
		}
		out = append(out, esc+s)
	}
	return out, nil
}
